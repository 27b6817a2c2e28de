package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/devcollab/internal/execbackend"
	"pkt.systems/devcollab/schema"
)

type fakeOut struct {
	id     schema.ConnID
	events chan schema.Envelope
}

func newFakeOut(id schema.ConnID) *fakeOut {
	return &fakeOut{id: id, events: make(chan schema.Envelope, 64)}
}

func (f *fakeOut) ID() schema.ConnID { return f.id }

func (f *fakeOut) Deliver(env schema.Envelope) bool {
	select {
	case f.events <- env:
		return true
	default:
		return false
	}
}

func (f *fakeOut) next(t *testing.T) schema.Envelope {
	t.Helper()
	select {
	case env := <-f.events:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return schema.Envelope{}
	}
}

func (f *fakeOut) expectNone(t *testing.T) {
	t.Helper()
	select {
	case env := <-f.events:
		t.Fatalf("unexpected event %q", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestHub(t *testing.T, runner execbackend.Runner) *Hub {
	t.Helper()
	hub, err := NewHub(schema.ServiceConfig{}, runner, nil, nil)
	if err != nil {
		t.Fatalf("hub: %v", err)
	}
	return hub
}

func TestJoinAloneGetsNoSeed(t *testing.T) {
	hub := newTestHub(t, nil)
	x := newFakeOut("x")
	if err := hub.Join("r1", "X", x); err != nil {
		t.Fatalf("join: %v", err)
	}

	joined := x.next(t)
	if joined.Type != schema.EventJoined {
		t.Fatalf("expected joined, got %q", joined.Type)
	}
	if len(joined.Joined.Participants) != 1 || joined.Joined.Participants[0].Name != "X" {
		t.Fatalf("unexpected participants: %+v", joined.Joined.Participants)
	}
	if joined.Joined.Conn != "x" {
		t.Fatalf("expected conn x, got %q", joined.Joined.Conn)
	}
	x.expectNone(t)
}

func TestConcurrentJoinsEachSeeOwnJoinedFirst(t *testing.T) {
	hub := newTestHub(t, nil)

	const joiners = 8
	outs := make([]*fakeOut, joiners)
	var wg sync.WaitGroup
	for i := range joiners {
		out := newFakeOut(schema.ConnID(fmt.Sprintf("c%d", i)))
		outs[i] = out
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hub.Join("r1", "X", out); err != nil {
				t.Errorf("join %s: %v", out.id, err)
			}
		}()
	}
	wg.Wait()

	// The first event on every connection must be the JOINED announcing
	// that connection itself; a later joiner's broadcast must not slip in
	// ahead of it.
	for _, out := range outs {
		first := out.next(t)
		if first.Type != schema.EventJoined {
			t.Fatalf("conn %s: first event %q, want joined", out.id, first.Type)
		}
		if first.Joined.Conn != out.id {
			t.Fatalf("conn %s: first joined announces %q, want itself", out.id, first.Joined.Conn)
		}
	}
}

func TestJoinSeedsNewcomerFromRoomSnapshot(t *testing.T) {
	hub := newTestHub(t, nil)
	x := newFakeOut("x")
	if err := hub.Join("r1", "X", x); err != nil {
		t.Fatalf("join x: %v", err)
	}
	_ = x.next(t) // own joined

	if err := hub.Relay("x", schema.Envelope{
		Type:       schema.EventCodeChange,
		CodeChange: &schema.CodeChangePayload{Room: "r1", Code: "print(1)"},
	}); err != nil {
		t.Fatalf("relay code: %v", err)
	}
	if err := hub.Relay("x", schema.Envelope{
		Type:        schema.EventInputChange,
		InputChange: &schema.InputChangePayload{Room: "r1", Input: "stdin"},
	}); err != nil {
		t.Fatalf("relay input: %v", err)
	}

	y := newFakeOut("y")
	if err := hub.Join("r1", "Y", y); err != nil {
		t.Fatalf("join y: %v", err)
	}

	joined := y.next(t)
	if joined.Type != schema.EventJoined {
		t.Fatalf("expected joined, got %q", joined.Type)
	}
	if len(joined.Joined.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %+v", joined.Joined.Participants)
	}
	syncCode := y.next(t)
	if syncCode.Type != schema.EventSyncCode || syncCode.SyncCode.Code != "print(1)" {
		t.Fatalf("expected sync_code with snapshot, got %+v", syncCode)
	}
	if syncCode.SyncCode.Target != "y" {
		t.Fatalf("expected seed targeted at y, got %q", syncCode.SyncCode.Target)
	}
	syncInput := y.next(t)
	if syncInput.Type != schema.EventSyncInput || syncInput.SyncInput.Input != "stdin" {
		t.Fatalf("expected sync_input with snapshot, got %+v", syncInput)
	}

	// X sees Y's joined broadcast as well.
	if env := x.next(t); env.Type != schema.EventJoined || env.Joined.Name != "Y" {
		t.Fatalf("expected Y joined broadcast, got %+v", env)
	}
}

func TestCodeChangeBroadcastExcludesSender(t *testing.T) {
	hub := newTestHub(t, nil)
	x := newFakeOut("x")
	y := newFakeOut("y")
	if err := hub.Join("r1", "X", x); err != nil {
		t.Fatalf("join x: %v", err)
	}
	if err := hub.Join("r1", "Y", y); err != nil {
		t.Fatalf("join y: %v", err)
	}
	_, _, _ = x.next(t), x.next(t), y.next(t) // drain joined broadcasts

	if err := hub.Relay("x", schema.Envelope{
		Type:       schema.EventCodeChange,
		CodeChange: &schema.CodeChangePayload{Room: "r1", Code: "print(2)"},
	}); err != nil {
		t.Fatalf("relay: %v", err)
	}
	env := y.next(t)
	if env.Type != schema.EventCodeChange || env.CodeChange.Code != "print(2)" {
		t.Fatalf("expected code_change at y, got %+v", env)
	}
	x.expectNone(t)
}

func TestTypingIsRelabeledFromDirectory(t *testing.T) {
	hub := newTestHub(t, nil)
	x := newFakeOut("x")
	y := newFakeOut("y")
	_ = hub.Join("r1", "X", x)
	_ = hub.Join("r1", "Y", y)
	_, _, _ = x.next(t), x.next(t), y.next(t)

	if err := hub.Relay("x", schema.Envelope{
		Type:   schema.EventTyping,
		Typing: &schema.TypingPayload{Room: "r1", Name: "Mallory"},
	}); err != nil {
		t.Fatalf("relay: %v", err)
	}
	env := y.next(t)
	if env.Type != schema.EventTyping {
		t.Fatalf("expected typing, got %q", env.Type)
	}
	if env.Typing.Name != "X" {
		t.Fatalf("expected registered name X, got %q", env.Typing.Name)
	}
	x.expectNone(t)
}

func TestSyncCodeUnicastsToTarget(t *testing.T) {
	hub := newTestHub(t, nil)
	x := newFakeOut("x")
	y := newFakeOut("y")
	z := newFakeOut("z")
	_ = hub.Join("r1", "X", x)
	_ = hub.Join("r1", "Y", y)
	_ = hub.Join("r1", "Z", z)
	for range 3 {
		_ = x.next(t)
	}
	_, _ = y.next(t), y.next(t)
	_ = z.next(t)

	if err := hub.Relay("x", schema.Envelope{
		Type:     schema.EventSyncCode,
		SyncCode: &schema.SyncCodePayload{Code: "seed", Target: "z"},
	}); err != nil {
		t.Fatalf("relay: %v", err)
	}
	env := z.next(t)
	if env.Type != schema.EventSyncCode || env.SyncCode.Code != "seed" {
		t.Fatalf("expected sync_code at z, got %+v", env)
	}
	y.expectNone(t)
}

func TestLeaveBroadcastsDisconnectedAndDestroysEmptyRoom(t *testing.T) {
	hub := newTestHub(t, nil)
	x := newFakeOut("x")
	y := newFakeOut("y")
	_ = hub.Join("r1", "X", x)
	_ = hub.Join("r1", "Y", y)
	_, _, _ = x.next(t), x.next(t), y.next(t)

	hub.Leave("y")
	env := x.next(t)
	if env.Type != schema.EventDisconnected {
		t.Fatalf("expected disconnected, got %q", env.Type)
	}
	if env.Disconnected.Conn != "y" || env.Disconnected.Name != "Y" {
		t.Fatalf("unexpected payload: %+v", env.Disconnected)
	}
	participants := hub.Participants("r1")
	if len(participants) != 1 || participants[0].Conn != "x" {
		t.Fatalf("expected only x remaining, got %+v", participants)
	}

	// Idempotent: leaving again is a no-op.
	hub.Leave("y")
	x.expectNone(t)

	hub.Leave("x")
	if got := hub.Participants("r1"); got != nil {
		t.Fatalf("expected room destroyed, got %+v", got)
	}

	// A rejoin must start from an empty snapshot.
	x2 := newFakeOut("x2")
	_ = hub.Join("r1", "X", x2)
	_ = x2.next(t)
	x2.expectNone(t)
}

func TestRelayRequiresJoin(t *testing.T) {
	hub := newTestHub(t, nil)
	err := hub.Relay("ghost", schema.Envelope{
		Type:       schema.EventCodeChange,
		CodeChange: &schema.CodeChangePayload{Room: "r1", Code: "x"},
	})
	if !errors.Is(err, schema.ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestRelayRejectsCoordinatorOriginatedEvents(t *testing.T) {
	hub := newTestHub(t, nil)
	x := newFakeOut("x")
	_ = hub.Join("r1", "X", x)
	_ = x.next(t)

	err := hub.Relay("x", schema.Envelope{
		Type:       schema.EventExecResult,
		ExecResult: &schema.ExecResultPayload{Room: "r1"},
	})
	if !errors.Is(err, schema.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestDoubleJoinRejected(t *testing.T) {
	hub := newTestHub(t, nil)
	x := newFakeOut("x")
	if err := hub.Join("r1", "X", x); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := hub.Join("r2", "X", x); !errors.Is(err, schema.ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestExecuteStampsRequestIDAndOrigin(t *testing.T) {
	hub := newTestHub(t, &execbackend.Mock{})
	x := newFakeOut("x")
	y := newFakeOut("y")
	_ = hub.Join("r1", "X", x)
	_ = hub.Join("r1", "Y", y)
	_, _, _ = x.next(t), x.next(t), y.next(t)

	compile := schema.Envelope{
		Type: schema.EventCompile,
		Compile: &schema.CompilePayload{
			Room:     "r1",
			Code:     "print(2)",
			Language: "python3",
		},
	}
	if err := hub.Relay("x", compile); err != nil {
		t.Fatalf("relay: %v", err)
	}

	for _, out := range []*fakeOut{x, y} {
		env := out.next(t)
		if env.Type != schema.EventExecResult {
			t.Fatalf("expected code_response, got %q", env.Type)
		}
		if env.ExecResult.Request != 1 {
			t.Fatalf("expected request id 1, got %d", env.ExecResult.Request)
		}
		if env.ExecResult.Origin != "x" {
			t.Fatalf("expected origin x, got %q", env.ExecResult.Origin)
		}
		if env.ExecResult.Output == "" {
			t.Fatalf("expected output")
		}
	}

	if err := hub.Relay("y", compile); err != nil {
		t.Fatalf("relay second: %v", err)
	}
	env := x.next(t)
	if env.ExecResult.Request != 2 {
		t.Fatalf("expected monotonic request id 2, got %d", env.ExecResult.Request)
	}
	if env.ExecResult.Origin != "y" {
		t.Fatalf("expected origin y, got %q", env.ExecResult.Origin)
	}
}

func TestExecuteWithoutRunnerBroadcastsEmptyOutput(t *testing.T) {
	hub := newTestHub(t, nil)
	x := newFakeOut("x")
	_ = hub.Join("r1", "X", x)
	_ = x.next(t)

	if err := hub.Relay("x", schema.Envelope{
		Type:    schema.EventCompile,
		Compile: &schema.CompilePayload{Room: "r1", Code: "print(2)", Language: "python3"},
	}); err != nil {
		t.Fatalf("relay: %v", err)
	}
	env := x.next(t)
	if env.Type != schema.EventExecResult {
		t.Fatalf("expected code_response, got %q", env.Type)
	}
	if env.ExecResult.Output != "" {
		t.Fatalf("expected empty output, got %q", env.ExecResult.Output)
	}
}

type sinkRecorder struct {
	joins  chan RoomEvent
	leaves chan RoomEvent
	execs  chan ExecEvent
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{
		joins:  make(chan RoomEvent, 8),
		leaves: make(chan RoomEvent, 8),
		execs:  make(chan ExecEvent, 8),
	}
}

func (s *sinkRecorder) OnJoin(e RoomEvent)    { s.joins <- e }
func (s *sinkRecorder) OnLeave(e RoomEvent)   { s.leaves <- e }
func (s *sinkRecorder) OnExecute(e ExecEvent) { s.execs <- e }

func TestSinkObservesLifecycle(t *testing.T) {
	sink := newSinkRecorder()
	hub, err := NewHub(schema.ServiceConfig{}, &execbackend.Mock{}, sink, nil)
	if err != nil {
		t.Fatalf("hub: %v", err)
	}
	hub.SetBaseContext(context.Background())

	x := newFakeOut("x")
	_ = hub.Join("r1", "X", x)
	_ = x.next(t)

	join := <-sink.joins
	if join.Room != "r1" || join.Participants != 1 {
		t.Fatalf("unexpected join event: %+v", join)
	}

	_ = hub.Relay("x", schema.Envelope{
		Type:    schema.EventCompile,
		Compile: &schema.CompilePayload{Room: "r1", Code: "x", Language: "python3"},
	})
	exec := <-sink.execs
	if exec.Request != 1 || exec.Origin != "x" {
		t.Fatalf("unexpected exec event: %+v", exec)
	}

	hub.Leave("x")
	leave := <-sink.leaves
	if leave.Participants != 0 {
		t.Fatalf("expected empty room after leave, got %+v", leave)
	}
}
