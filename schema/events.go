package schema

import (
	"encoding/json"
	"fmt"
)

// EventType identifies the wire event kind. The set is closed: every
// envelope carries exactly one of the payloads below, matched to its type.
type EventType string

const (
	// EventJoin is sent by a client to register under a room.
	EventJoin EventType = "join"
	// EventJoined is broadcast to the whole room (including the joiner)
	// after a successful join.
	EventJoined EventType = "joined"
	// EventDisconnected is broadcast to the remaining room members when a
	// connection leaves or drops.
	EventDisconnected EventType = "disconnected"
	// EventCodeChange carries a full document snapshot.
	EventCodeChange EventType = "code_change"
	// EventSyncCode unicasts a full document snapshot to one connection.
	EventSyncCode EventType = "sync_code"
	// EventSyncInput unicasts a full input snapshot to one connection.
	EventSyncInput EventType = "sync_input"
	// EventInputChange carries a full input buffer snapshot.
	EventInputChange EventType = "input_change"
	// EventTyping signals that a participant is editing.
	EventTyping EventType = "typing"
	// EventLanguageChange carries the room's shared language selection.
	EventLanguageChange EventType = "language_change"
	// EventCompile asks the coordinator to dispatch the document to the
	// execution backend.
	EventCompile EventType = "compile_code"
	// EventExecResult broadcasts an execution result to the room.
	EventExecResult EventType = "code_response"
)

// JoinPayload registers a connection under a room.
type JoinPayload struct {
	Room RoomID      `json:"room"`
	Name DisplayName `json:"name"`
}

// JoinedPayload announces a completed join to the room. Participants is the
// full membership after the join; Conn is the joining connection.
type JoinedPayload struct {
	Room         RoomID        `json:"room"`
	Participants []Participant `json:"participants"`
	Name         DisplayName   `json:"name"`
	Conn         ConnID        `json:"conn_id"`
}

// DisconnectedPayload announces a departed connection.
type DisconnectedPayload struct {
	Conn ConnID      `json:"conn_id"`
	Name DisplayName `json:"name"`
}

// CodeChangePayload carries the complete document, never a diff.
type CodeChangePayload struct {
	Room RoomID `json:"room"`
	Code string `json:"code"`
}

// SyncCodePayload seeds a single connection with the current document.
type SyncCodePayload struct {
	Code   string `json:"code"`
	Target ConnID `json:"target"`
}

// SyncInputPayload seeds a single connection with the current input buffer.
type SyncInputPayload struct {
	Input  string `json:"input"`
	Target ConnID `json:"target"`
}

// InputChangePayload carries the complete input buffer.
type InputChangePayload struct {
	Room  RoomID `json:"room"`
	Input string `json:"input"`
}

// TypingPayload signals editing activity. The coordinator overwrites Name
// with the sender's registered display name on delivery.
type TypingPayload struct {
	Room RoomID      `json:"room"`
	Name DisplayName `json:"name"`
}

// LanguageChangePayload carries the shared language selection.
type LanguageChangePayload struct {
	Room     RoomID      `json:"room"`
	Language LanguageTag `json:"language"`
}

// CompilePayload requests execution of the document snapshot.
type CompilePayload struct {
	Room     RoomID      `json:"room"`
	Code     string      `json:"code"`
	Language LanguageTag `json:"language"`
	Input    string      `json:"input"`
}

// ExecResultPayload carries an execution result. Request and Origin are
// stamped by the coordinator so clients can match results to their own
// requests.
type ExecResultPayload struct {
	Room    RoomID    `json:"room"`
	Request RequestID `json:"request_id"`
	Origin  ConnID    `json:"origin"`
	Output  string    `json:"output"`
}

// Envelope is the wire message. Exactly one payload field matching Type is
// set; the rest are nil.
type Envelope struct {
	Type           EventType              `json:"type"`
	Join           *JoinPayload           `json:"join,omitempty"`
	Joined         *JoinedPayload         `json:"joined,omitempty"`
	Disconnected   *DisconnectedPayload   `json:"disconnected,omitempty"`
	CodeChange     *CodeChangePayload     `json:"code_change,omitempty"`
	SyncCode       *SyncCodePayload       `json:"sync_code,omitempty"`
	SyncInput      *SyncInputPayload      `json:"sync_input,omitempty"`
	InputChange    *InputChangePayload    `json:"input_change,omitempty"`
	Typing         *TypingPayload         `json:"typing,omitempty"`
	LanguageChange *LanguageChangePayload `json:"language_change,omitempty"`
	Compile        *CompilePayload        `json:"compile,omitempty"`
	ExecResult     *ExecResultPayload     `json:"exec_result,omitempty"`
}

// Validate checks that the envelope carries the payload its type requires.
func (e Envelope) Validate() error {
	var ok bool
	switch e.Type {
	case EventJoin:
		ok = e.Join != nil
	case EventJoined:
		ok = e.Joined != nil
	case EventDisconnected:
		ok = e.Disconnected != nil
	case EventCodeChange:
		ok = e.CodeChange != nil
	case EventSyncCode:
		ok = e.SyncCode != nil
	case EventSyncInput:
		ok = e.SyncInput != nil
	case EventInputChange:
		ok = e.InputChange != nil
	case EventTyping:
		ok = e.Typing != nil
	case EventLanguageChange:
		ok = e.LanguageChange != nil
	case EventCompile:
		ok = e.Compile != nil
	case EventExecResult:
		ok = e.ExecResult != nil
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if !ok {
		return fmt.Errorf("%w: missing payload for %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// Target returns the unicast target of the envelope, if any. Events without
// a target are broadcast by the coordinator.
func (e Envelope) Target() (ConnID, bool) {
	switch e.Type {
	case EventSyncCode:
		if e.SyncCode != nil && e.SyncCode.Target != "" {
			return e.SyncCode.Target, true
		}
	case EventSyncInput:
		if e.SyncInput != nil && e.SyncInput.Target != "" {
			return e.SyncInput.Target, true
		}
	}
	return "", false
}

// EncodeEvent marshals an envelope after validating it.
func EncodeEvent(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEvent unmarshals and validates an envelope.
func DecodeEvent(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
