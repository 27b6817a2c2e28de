package schema

// RoomID identifies a collaboration room.
type RoomID string

// ConnID identifies one transport connection. Each websocket gets a fresh
// ConnID at upgrade time; it is never reused.
type ConnID string

// DisplayName is the user-facing name of a participant. Not unique.
type DisplayName string

// LanguageTag identifies the shared language/mode selection of a room.
type LanguageTag string

// RequestID is a per-room monotonically increasing execution request id.
type RequestID uint64

// Participant is one connected user within a room.
type Participant struct {
	Conn ConnID      `json:"conn_id"`
	Name DisplayName `json:"name"`
}
