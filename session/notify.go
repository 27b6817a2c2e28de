package session

import "pkt.systems/devcollab/schema"

// Surface is the pluggable display widget holding the rendered document.
// The agent pushes remote updates into it with SetContent; user edits flow
// back through Agent.OnLocalEdit. Implementations must not call
// OnLocalEdit from inside SetContent — programmatic updates are not user
// edits, and echoing them back would re-broadcast every remote change.
type Surface interface {
	SetContent(code string)
}

// NopSurface discards programmatic updates. Useful for headless clients.
type NopSurface struct{}

// SetContent implements Surface.
func (NopSurface) SetContent(string) {}

// Notifier receives UI-facing session events. Methods are called from the
// agent's receive loop and must return quickly.
type Notifier interface {
	// OnRoster reports the full participant list after any membership change.
	OnRoster(participants []schema.Participant)
	// OnPeerJoined fires when someone else joins the room.
	OnPeerJoined(name schema.DisplayName)
	// OnPeerLeft fires when someone else leaves the room.
	OnPeerLeft(name schema.DisplayName)
	// OnTyping reports the currently displayed typer; empty means cleared.
	OnTyping(name schema.DisplayName)
	// OnLanguage reports an adopted shared language selection.
	OnLanguage(language schema.LanguageTag)
	// OnTerminal reports the new terminal panel text.
	OnTerminal(text string)
	// OnExecutionDone fires when this connection's own execution settles.
	OnExecutionDone(request schema.RequestID)
}

// NopNotifier ignores all session events.
type NopNotifier struct{}

// OnRoster implements Notifier.
func (NopNotifier) OnRoster([]schema.Participant) {}

// OnPeerJoined implements Notifier.
func (NopNotifier) OnPeerJoined(schema.DisplayName) {}

// OnPeerLeft implements Notifier.
func (NopNotifier) OnPeerLeft(schema.DisplayName) {}

// OnTyping implements Notifier.
func (NopNotifier) OnTyping(schema.DisplayName) {}

// OnLanguage implements Notifier.
func (NopNotifier) OnLanguage(schema.LanguageTag) {}

// OnTerminal implements Notifier.
func (NopNotifier) OnTerminal(string) {}

// OnExecutionDone implements Notifier.
func (NopNotifier) OnExecutionDone(schema.RequestID) {}
