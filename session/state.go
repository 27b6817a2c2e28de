package session

import (
	"strings"
	"sync"

	"pkt.systems/devcollab/schema"
)

// outputMarker separates the editable input text from appended execution
// output in the terminal panel. The leading space is part of the marker.
const outputMarker = " Output:"

// noOutputPlaceholder is rendered when the backend returns nothing. Failed,
// timed out, and successful-but-silent runs all look like this.
const noOutputPlaceholder = "No output"

// State is the session agent's explicit state object: the document buffer,
// the input/terminal buffer, the shared language, the roster, and the
// pending-execution flag. All access goes through accessor methods; nothing
// else may hold a reference to the underlying buffers.
type State struct {
	mu           sync.Mutex
	code         string
	input        string
	language     schema.LanguageTag
	participants []schema.Participant
	pending      bool
}

// NewState constructs session state with the given initial language.
func NewState(language schema.LanguageTag) *State {
	return &State{language: language}
}

// Code returns the full document snapshot.
func (s *State) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// SetCode replaces the document buffer. It reports whether the buffer
// actually changed; applying an identical snapshot is a no-op.
func (s *State) SetCode(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.code == code {
		return false
	}
	s.code = code
	return true
}

// Input returns the input/terminal panel text.
func (s *State) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// SetInput replaces the input buffer unconditionally.
func (s *State) SetInput(input string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = input
}

// Language returns the shared language tag.
func (s *State) Language() schema.LanguageTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// SetLanguage adopts a language tag.
func (s *State) SetLanguage(language schema.LanguageTag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = language
}

// Participants returns a copy of the roster.
func (s *State) Participants() []schema.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Participant(nil), s.participants...)
}

// SetParticipants replaces the roster.
func (s *State) SetParticipants(participants []schema.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = append([]schema.Participant(nil), participants...)
}

// RemoveParticipant drops a connection from the roster.
func (s *State) RemoveParticipant(connID schema.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.participants[:0]
	for _, p := range s.participants {
		if p.Conn != connID {
			kept = append(kept, p)
		}
	}
	s.participants = kept
}

// Pending reports whether an execution request is outstanding.
func (s *State) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// BeginExecution marks an execution request outstanding and returns the
// input text to send to the backend.
func (s *State) BeginExecution() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = true
	return rawInput(s.input)
}

// ApplyOutput splices execution output into the terminal panel, preserving
// the previously entered input above the output marker. clearPending
// controls whether this result settles the local pending flag (it does only
// for results originating from this connection).
func (s *State) ApplyOutput(output string, clearPending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clearPending {
		s.pending = false
	}
	if output == "" {
		output = noOutputPlaceholder
	}
	s.input = "> \n" + cleanInput(s.input) + "\n\n" + outputMarker + "\n" + output
}

// rawInput extracts the stdin text from the terminal panel: everything
// above the output marker, minus the "> " prompt prefix.
func rawInput(text string) string {
	if idx := strings.Index(text, outputMarker); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(stripPrompt(text))
}

// cleanInput is rawInput with the original trim-then-strip order used when
// rebuilding the panel around new output.
func cleanInput(text string) string {
	if idx := strings.Index(text, outputMarker); idx >= 0 {
		text = text[:idx]
	}
	return stripPrompt(strings.TrimSpace(text))
}

func stripPrompt(text string) string {
	if strings.HasPrefix(text, "> ") {
		return text[2:]
	}
	if strings.HasPrefix(text, ">") {
		return text[1:]
	}
	return text
}
