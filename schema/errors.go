package schema

import "errors"

var (
	// ErrInvalidEvent indicates a malformed or mistyped wire event.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidRoom indicates an invalid room identifier.
	ErrInvalidRoom = errors.New("invalid room id")
	// ErrInvalidName indicates an invalid display name.
	ErrInvalidName = errors.New("invalid display name")
	// ErrInvalidLanguage indicates an unknown language tag.
	ErrInvalidLanguage = errors.New("invalid language")
	// ErrRoomNotFound indicates the room has no participants.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotJoined indicates the connection has not completed a join.
	ErrNotJoined = errors.New("connection has not joined a room")
	// ErrAlreadyJoined indicates a second join on the same connection.
	ErrAlreadyJoined = errors.New("connection already joined a room")
	// ErrNotConnected indicates the session agent has no live transport.
	ErrNotConnected = errors.New("not connected")
	// ErrEmptyCode indicates an execution request with nothing to run.
	ErrEmptyCode = errors.New("nothing to run")
)
