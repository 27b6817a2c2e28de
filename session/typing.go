package session

import (
	"sync"
	"time"

	"pkt.systems/devcollab/schema"
)

// TypingTracker derives the transient "someone is typing" display state
// from a stream of typing signals. It holds a single display slot: the most
// recent distinct typer other than the local user. Each signal reschedules
// a cancellable expiry task; when the task fires the slot clears.
type TypingTracker struct {
	mu       sync.Mutex
	self     schema.DisplayName
	expiry   time.Duration
	timer    *time.Timer
	current  schema.DisplayName
	onChange func(schema.DisplayName)
	stopped  bool
	// gen invalidates expiry tasks that already fired but have not run yet.
	// Timer.Stop cannot cancel those; each task carries the generation it
	// was scheduled under and is a no-op once the slot moves on.
	gen uint64
}

// NewTypingTracker constructs a tracker. onChange is invoked with the
// displayed name whenever it changes, and with "" when the slot clears;
// it may be nil.
func NewTypingTracker(self schema.DisplayName, expiry time.Duration, onChange func(schema.DisplayName)) *TypingTracker {
	if expiry <= 0 {
		expiry = schema.DefaultTypingExpiry
	}
	return &TypingTracker{
		self:     self,
		expiry:   expiry,
		onChange: onChange,
	}
}

// Signal records a typing event. Signals from the local user are ignored;
// any other signal overwrites the display slot and resets the expiry window.
func (t *TypingTracker) Signal(name schema.DisplayName) {
	if name == "" || name == t.self {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	changed := t.current != name
	t.current = name
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.expiry, func() { t.expire(gen) })
	notify := t.onChange
	t.mu.Unlock()

	if changed && notify != nil {
		notify(name)
	}
}

// Current returns the displayed typer, or "" when nobody is typing.
func (t *TypingTracker) Current() schema.DisplayName {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Stop cancels the expiry task. Used on session teardown.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.current = ""
	t.mu.Unlock()
}

func (t *TypingTracker) expire(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen || t.current == "" {
		t.mu.Unlock()
		return
	}
	t.current = ""
	notify := t.onChange
	t.mu.Unlock()

	if notify != nil {
		notify("")
	}
}
