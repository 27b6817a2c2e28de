package logx

import (
	"context"

	"pkt.systems/devcollab/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	roomKey contextKey = iota
	connKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithRoom annotates the logger with the room id if present.
func WithRoom(ctx context.Context, roomID schema.RoomID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if roomID != "" {
		if current, ok := ctx.Value(roomKey).(schema.RoomID); ok && current == roomID {
			return log
		}
		log = log.With("room", roomID)
	}
	return log
}

// WithRoomConn annotates the logger with room and connection identifiers.
func WithRoomConn(ctx context.Context, roomID schema.RoomID, connID schema.ConnID) pslog.Logger {
	log := WithRoom(ctx, roomID)
	if connID != "" {
		if current, ok := ctx.Value(connKey).(schema.ConnID); ok && current == connID {
			return log
		}
		log = log.With("conn", connID)
	}
	return log
}

// WithName annotates the logger with a display name when available.
func WithName(log pslog.Logger, name schema.DisplayName) pslog.Logger {
	if name != "" {
		log = log.With("name", name)
	}
	return log
}

// ContextWithRoom stores the room marker on the context for log de-duplication.
func ContextWithRoom(ctx context.Context, roomID schema.RoomID) context.Context {
	if ctx == nil || roomID == "" {
		return ctx
	}
	return context.WithValue(ctx, roomKey, roomID)
}

// ContextWithConn stores the connection marker on the context for log de-duplication.
func ContextWithConn(ctx context.Context, connID schema.ConnID) context.Context {
	if ctx == nil || connID == "" {
		return ctx
	}
	return context.WithValue(ctx, connKey, connID)
}

// ContextWithRoomConn stores room/conn markers on the context.
func ContextWithRoomConn(ctx context.Context, roomID schema.RoomID, connID schema.ConnID) context.Context {
	return ContextWithConn(ContextWithRoom(ctx, roomID), connID)
}
