package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/devcollab/schema"
)

type fakeTransport struct {
	sent      chan schema.Envelope
	inbox     chan schema.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:   make(chan schema.Envelope, 32),
		inbox:  make(chan schema.Envelope, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(env schema.Envelope) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.sent <- env
	return nil
}

func (f *fakeTransport) Receive() (schema.Envelope, error) {
	select {
	case env := <-f.inbox:
		return env, nil
	case <-f.closed:
		return schema.Envelope{}, net.ErrClosed
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// deliver feeds an event to the agent as if the coordinator had sent it.
func (f *fakeTransport) deliver(t *testing.T, env schema.Envelope) {
	t.Helper()
	select {
	case f.inbox <- env:
	case <-time.After(time.Second):
		t.Fatal("agent stopped draining its inbox")
	}
}

// next returns the next event the agent sent, failing on timeout.
func (f *fakeTransport) next(t *testing.T) schema.Envelope {
	t.Helper()
	select {
	case env := <-f.sent:
		return env
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for outbound event")
		return schema.Envelope{}
	}
}

func (f *fakeTransport) expectNone(t *testing.T) {
	t.Helper()
	select {
	case env := <-f.sent:
		t.Fatalf("unexpected outbound event %s", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

type recordingNotifier struct {
	rosters  chan []schema.Participant
	joined   chan schema.DisplayName
	left     chan schema.DisplayName
	typing   chan schema.DisplayName
	language chan schema.LanguageTag
	terminal chan string
	execDone chan schema.RequestID
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		rosters:  make(chan []schema.Participant, 32),
		joined:   make(chan schema.DisplayName, 32),
		left:     make(chan schema.DisplayName, 32),
		typing:   make(chan schema.DisplayName, 32),
		language: make(chan schema.LanguageTag, 32),
		terminal: make(chan string, 32),
		execDone: make(chan schema.RequestID, 32),
	}
}

func (n *recordingNotifier) OnRoster(p []schema.Participant)       { n.rosters <- p }
func (n *recordingNotifier) OnPeerJoined(name schema.DisplayName)  { n.joined <- name }
func (n *recordingNotifier) OnPeerLeft(name schema.DisplayName)    { n.left <- name }
func (n *recordingNotifier) OnTyping(name schema.DisplayName)      { n.typing <- name }
func (n *recordingNotifier) OnLanguage(lang schema.LanguageTag)    { n.language <- lang }
func (n *recordingNotifier) OnTerminal(text string)                { n.terminal <- text }
func (n *recordingNotifier) OnExecutionDone(req schema.RequestID)  { n.execDone <- req }

type recordingSurface struct {
	contents chan string
}

func (s *recordingSurface) SetContent(code string) { s.contents <- code }

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", what)
		var zero T
		return zero
	}
}

func startAgent(t *testing.T) (*Agent, *fakeTransport, *recordingNotifier, *recordingSurface) {
	t.Helper()
	ft := newFakeTransport()
	notifier := newRecordingNotifier()
	surface := &recordingSurface{contents: make(chan string, 32)}
	agent, err := New(Config{
		Room:     "room-1",
		Name:     "alice",
		Service:  schema.ServiceConfig{TypingExpiry: 100 * time.Millisecond},
		Surface:  surface,
		Notifier: notifier,
		Dialer: func(context.Context) (Transport, error) {
			return ft, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := agent.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(func() {
		agent.Leave()
		_ = agent.Wait()
	})

	join := ft.next(t)
	if join.Type != schema.EventJoin || join.Join.Room != "room-1" || join.Join.Name != "alice" {
		t.Fatalf("unexpected join event: %+v", join)
	}
	return agent, ft, notifier, surface
}

// activate completes the join handshake by delivering the agent's own
// membership broadcast.
func activate(t *testing.T, agent *Agent, ft *fakeTransport, notifier *recordingNotifier) {
	t.Helper()
	ft.deliver(t, schema.Envelope{
		Type: schema.EventJoined,
		Joined: &schema.JoinedPayload{
			Room: "room-1",
			Participants: []schema.Participant{
				{Conn: "c-self", Name: "alice"},
			},
			Name: "alice",
			Conn: "c-self",
		},
	})
	roster := recv(t, notifier.rosters, "roster")
	if len(roster) != 1 || roster[0].Name != "alice" {
		t.Fatalf("roster = %v, want [alice]", roster)
	}
	waitFor(t, func() bool { return agent.Phase() == PhaseActive })
}

func TestJoinHandshakeAdoptsConnID(t *testing.T) {
	agent, ft, notifier, _ := startAgent(t)
	if agent.Phase() != PhaseJoined {
		t.Fatalf("Phase() = %v before acknowledgement, want PhaseJoined", agent.Phase())
	}
	activate(t, agent, ft, notifier)
	if got := agent.ConnID(); got != "c-self" {
		t.Fatalf("ConnID() = %q, want c-self", got)
	}
	select {
	case name := <-notifier.joined:
		t.Fatalf("own join announced as peer %q", name)
	default:
	}
}

func TestPeerJoinAndLeave(t *testing.T) {
	agent, ft, notifier, _ := startAgent(t)
	activate(t, agent, ft, notifier)

	ft.deliver(t, schema.Envelope{
		Type: schema.EventJoined,
		Joined: &schema.JoinedPayload{
			Room: "room-1",
			Participants: []schema.Participant{
				{Conn: "c-self", Name: "alice"},
				{Conn: "c-bob", Name: "bob"},
			},
			Name: "bob",
			Conn: "c-bob",
		},
	})
	if got := recv(t, notifier.joined, "peer join"); got != "bob" {
		t.Fatalf("OnPeerJoined(%q), want bob", got)
	}
	roster := recv(t, notifier.rosters, "roster")
	if len(roster) != 2 {
		t.Fatalf("roster = %v, want two members", roster)
	}

	ft.deliver(t, schema.Envelope{
		Type: schema.EventDisconnected,
		Disconnected: &schema.DisconnectedPayload{
			Conn: "c-bob", Name: "bob",
		},
	})
	if got := recv(t, notifier.left, "peer leave"); got != "bob" {
		t.Fatalf("OnPeerLeft(%q), want bob", got)
	}
	roster = recv(t, notifier.rosters, "roster")
	if len(roster) != 1 || roster[0].Conn != "c-self" {
		t.Fatalf("roster = %v, want only self", roster)
	}
}

func TestLocalEditBroadcastsOnce(t *testing.T) {
	agent, ft, notifier, _ := startAgent(t)
	activate(t, agent, ft, notifier)

	agent.OnLocalEdit("print(1)")
	change := ft.next(t)
	if change.Type != schema.EventCodeChange || change.CodeChange.Code != "print(1)" {
		t.Fatalf("unexpected event %+v, want code change", change)
	}
	typing := ft.next(t)
	if typing.Type != schema.EventTyping || typing.Typing.Name != "alice" {
		t.Fatalf("unexpected event %+v, want typing signal", typing)
	}

	// Same snapshot again is a no-op.
	agent.OnLocalEdit("print(1)")
	ft.expectNone(t)
}

func TestRemoteCodeAppliedWithoutEcho(t *testing.T) {
	agent, ft, notifier, surface := startAgent(t)
	activate(t, agent, ft, notifier)

	ft.deliver(t, schema.Envelope{
		Type:       schema.EventCodeChange,
		CodeChange: &schema.CodeChangePayload{Room: "room-1", Code: "remote text"},
	})
	if got := recv(t, surface.contents, "surface update"); got != "remote text" {
		t.Fatalf("SetContent(%q), want remote text", got)
	}
	if got := agent.Code(); got != "remote text" {
		t.Fatalf("Code() = %q, want remote text", got)
	}
	ft.expectNone(t)

	// Late sync carrying the identical snapshot changes nothing.
	ft.deliver(t, schema.Envelope{
		Type:     schema.EventSyncCode,
		SyncCode: &schema.SyncCodePayload{Code: "remote text", Target: "c-self"},
	})
	select {
	case got := <-surface.contents:
		t.Fatalf("identical snapshot pushed to surface: %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInputSync(t *testing.T) {
	agent, ft, notifier, _ := startAgent(t)
	activate(t, agent, ft, notifier)

	agent.OnLocalInput("> 1 2")
	sent := ft.next(t)
	if sent.Type != schema.EventInputChange || sent.InputChange.Input != "> 1 2" {
		t.Fatalf("unexpected event %+v, want input change", sent)
	}

	ft.deliver(t, schema.Envelope{
		Type:        schema.EventInputChange,
		InputChange: &schema.InputChangePayload{Room: "room-1", Input: "> 3 4"},
	})
	if got := recv(t, notifier.terminal, "terminal update"); got != "> 3 4" {
		t.Fatalf("OnTerminal(%q), want remote panel text", got)
	}
	if got := agent.Input(); got != "> 3 4" {
		t.Fatalf("Input() = %q, want > 3 4", got)
	}
}

func TestLanguageSelection(t *testing.T) {
	agent, ft, notifier, _ := startAgent(t)
	activate(t, agent, ft, notifier)

	if err := agent.SetLanguage(" Python3 "); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	sent := ft.next(t)
	if sent.Type != schema.EventLanguageChange || sent.LanguageChange.Language != "python3" {
		t.Fatalf("unexpected event %+v, want normalized language change", sent)
	}

	if err := agent.SetLanguage("fortran"); !errors.Is(err, schema.ErrInvalidLanguage) {
		t.Fatalf("SetLanguage(fortran) = %v, want ErrInvalidLanguage", err)
	}
	ft.expectNone(t)

	ft.deliver(t, schema.Envelope{
		Type:           schema.EventLanguageChange,
		LanguageChange: &schema.LanguageChangePayload{Room: "room-1", Language: "go"},
	})
	if got := recv(t, notifier.language, "language update"); got != "go" {
		t.Fatalf("OnLanguage(%q), want go", got)
	}
	if got := agent.Language(); got != "go" {
		t.Fatalf("Language() = %q, want go", got)
	}
}

func TestRemoteTypingIndicator(t *testing.T) {
	agent, ft, notifier, _ := startAgent(t)
	activate(t, agent, ft, notifier)

	ft.deliver(t, schema.Envelope{
		Type:   schema.EventTyping,
		Typing: &schema.TypingPayload{Room: "room-1", Name: "bob"},
	})
	if got := recv(t, notifier.typing, "typing indicator"); got != "bob" {
		t.Fatalf("OnTyping(%q), want bob", got)
	}
	if got := agent.TypingIndicator(); got != "bob" {
		t.Fatalf("TypingIndicator() = %q, want bob", got)
	}
	// Tracker expiry clears the slot without further signals.
	if got := recv(t, notifier.typing, "typing expiry"); got != "" {
		t.Fatalf("OnTyping(%q) on expiry, want empty", got)
	}
}

func TestExecuteRejectsEmptyDocument(t *testing.T) {
	agent, ft, notifier, _ := startAgent(t)
	activate(t, agent, ft, notifier)

	if err := agent.Execute(); !errors.Is(err, schema.ErrEmptyCode) {
		t.Fatalf("Execute() = %v, want ErrEmptyCode", err)
	}
	agent.OnLocalEdit("   \n\t ")
	ft.next(t) // code change
	ft.next(t) // typing
	if err := agent.Execute(); !errors.Is(err, schema.ErrEmptyCode) {
		t.Fatalf("Execute() on whitespace = %v, want ErrEmptyCode", err)
	}
	ft.expectNone(t)
	if agent.Executing() {
		t.Fatal("rejected execution must not set the pending flag")
	}
}

func TestExecuteAndOwnResult(t *testing.T) {
	agent, ft, notifier, _ := startAgent(t)
	activate(t, agent, ft, notifier)

	agent.OnLocalEdit("print(input())")
	ft.next(t)
	ft.next(t)
	agent.OnLocalInput("> hello")
	ft.next(t)

	if err := agent.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	compile := ft.next(t)
	if compile.Type != schema.EventCompile {
		t.Fatalf("unexpected event %+v, want compile request", compile)
	}
	if compile.Compile.Code != "print(input())" || compile.Compile.Input != "hello" {
		t.Fatalf("compile payload = %+v, want document and extracted stdin", compile.Compile)
	}
	if compile.Compile.Language != schema.DefaultLanguage {
		t.Fatalf("compile language = %q, want default", compile.Compile.Language)
	}
	if !agent.Executing() {
		t.Fatal("pending flag must be set while the request is outstanding")
	}

	// A peer's concurrent result updates the panel but does not settle ours.
	ft.deliver(t, schema.Envelope{
		Type: schema.EventExecResult,
		ExecResult: &schema.ExecResultPayload{
			Room: "room-1", Request: 1, Origin: "c-peer", Output: "peer says hi",
		},
	})
	recv(t, notifier.terminal, "terminal update")
	if !agent.Executing() {
		t.Fatal("peer result must not clear the pending flag")
	}
	select {
	case req := <-notifier.execDone:
		t.Fatalf("peer result reported as own completion (request %d)", req)
	default:
	}

	ft.deliver(t, schema.Envelope{
		Type: schema.EventExecResult,
		ExecResult: &schema.ExecResultPayload{
			Room: "room-1", Request: 2, Origin: "c-self", Output: "hello",
		},
	})
	terminal := recv(t, notifier.terminal, "terminal update")
	if terminal != "> \nhello\n\n Output:\nhello" {
		t.Fatalf("terminal = %q after own result", terminal)
	}
	if got := recv(t, notifier.execDone, "execution completion"); got != 2 {
		t.Fatalf("OnExecutionDone(%d), want request 2", got)
	}
	if agent.Executing() {
		t.Fatal("own result must clear the pending flag")
	}
}

func TestLeaveEndsSession(t *testing.T) {
	agent, ft, notifier, _ := startAgent(t)
	activate(t, agent, ft, notifier)

	agent.Leave()
	if err := agent.Wait(); err != nil {
		t.Fatalf("Wait() = %v after deliberate leave, want nil", err)
	}
	if agent.Phase() != PhaseDisconnected {
		t.Fatalf("Phase() = %v, want PhaseDisconnected", agent.Phase())
	}
	// Sends after teardown are dropped, not panics.
	agent.OnLocalEdit("late edit")
	_ = ft
}

func TestConnectionLossSurfacesError(t *testing.T) {
	agent, ft, notifier, _ := startAgent(t)
	activate(t, agent, ft, notifier)

	// Drop the transport out from under the agent, as if the coordinator
	// went away. Without a Leave call this is a failure, not a clean end.
	_ = ft.Close()
	if err := agent.Wait(); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Wait() = %v after transport loss, want net.ErrClosed", err)
	}
	if agent.Phase() != PhaseDisconnected {
		t.Fatalf("Phase() = %v, want PhaseDisconnected", agent.Phase())
	}
}

func TestJoinDialFailureIsTerminal(t *testing.T) {
	dialErr := errors.New("connection refused")
	agent, err := New(Config{
		Room: "room-1",
		Name: "alice",
		Dialer: func(context.Context) (Transport, error) {
			return nil, dialErr
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := agent.Join(context.Background()); !errors.Is(err, dialErr) {
		t.Fatalf("Join() = %v, want dial error", err)
	}
	if err := agent.Wait(); !errors.Is(err, dialErr) {
		t.Fatalf("Wait() = %v, want dial error", err)
	}
	if agent.Phase() != PhaseDisconnected {
		t.Fatalf("Phase() = %v, want PhaseDisconnected", agent.Phase())
	}
}

func TestNewRejectsBadIdentity(t *testing.T) {
	if _, err := New(Config{Room: "has space", Name: "alice"}); !errors.Is(err, schema.ErrInvalidRoom) {
		t.Fatalf("New with bad room = %v, want ErrInvalidRoom", err)
	}
	if _, err := New(Config{Room: "room-1", Name: "  "}); !errors.Is(err, schema.ErrInvalidName) {
		t.Fatalf("New with bad name = %v, want ErrInvalidName", err)
	}
}
