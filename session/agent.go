// Package session implements the client side of a collaboration room: it
// owns the local document and input buffers, applies remote events, and
// manages the join/leave lifecycle against the coordinator.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"pkt.systems/devcollab/schema"
	"pkt.systems/pslog"
)

// Phase is the connection lifecycle state of the agent.
type Phase int

const (
	// PhaseDisconnected is both the initial and the terminal state.
	PhaseDisconnected Phase = iota
	// PhaseConnecting covers transport dialing.
	PhaseConnecting
	// PhaseJoined covers the window between sending JOIN and receiving the
	// coordinator's JOINED acknowledgement.
	PhaseJoined
	// PhaseActive is the steady state.
	PhaseActive
)

// Config configures a session agent.
type Config struct {
	// URL is the coordinator websocket endpoint.
	URL string
	// Room is the room to join.
	Room schema.RoomID
	// Name is this participant's display name.
	Name schema.DisplayName
	// Service carries shared defaults (typing expiry, initial language).
	Service schema.ServiceConfig
	// Surface receives programmatic document updates. Defaults to NopSurface.
	Surface Surface
	// Notifier receives UI-facing session events. Defaults to NopNotifier.
	Notifier Notifier
	// Logger defaults to the background context logger.
	Logger pslog.Logger
	// Dialer overrides transport construction. Defaults to Dial(URL).
	// Tests inject fakes here.
	Dialer func(ctx context.Context) (Transport, error)
}

// Agent is the per-client session logic. One agent owns one connection to
// the coordinator and the local buffers for one room.
type Agent struct {
	cfg      Config
	log      pslog.Logger
	state    *State
	typing   *TypingTracker
	surface  Surface
	notifier Notifier

	mu        sync.Mutex
	phase     Phase
	connID    schema.ConnID
	transport Transport
	leaving   bool

	done    chan struct{}
	doneErr error
}

// New constructs an agent. The room and name are validated here; the
// connection is not opened until Join.
func New(cfg Config) (*Agent, error) {
	room, err := schema.NormalizeRoomID(string(cfg.Room))
	if err != nil {
		return nil, err
	}
	cfg.Room = room
	name, err := schema.NormalizeDisplayName(string(cfg.Name))
	if err != nil {
		return nil, err
	}
	cfg.Name = name
	service, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = service
	if cfg.Surface == nil {
		cfg.Surface = NopSurface{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.Ctx(context.Background())
	}
	if cfg.Dialer == nil {
		url := cfg.URL
		cfg.Dialer = func(ctx context.Context) (Transport, error) {
			return Dial(ctx, url)
		}
	}

	a := &Agent{
		cfg:      cfg,
		log:      cfg.Logger.With("room", cfg.Room),
		state:    NewState(cfg.Service.DefaultLanguage),
		surface:  cfg.Surface,
		notifier: cfg.Notifier,
		done:     make(chan struct{}),
	}
	a.typing = NewTypingTracker(cfg.Name, cfg.Service.TypingExpiry, func(name schema.DisplayName) {
		a.notifier.OnTyping(name)
	})
	return a, nil
}

// Join dials the coordinator, registers under the room, and starts the
// receive loop. A failure here leaves the agent terminally disconnected;
// the caller returns the user to the entry point rather than retrying.
func (a *Agent) Join(ctx context.Context) error {
	a.mu.Lock()
	if a.phase != PhaseDisconnected || a.transport != nil {
		a.mu.Unlock()
		return errors.New("session already started")
	}
	a.phase = PhaseConnecting
	a.mu.Unlock()

	transport, err := a.cfg.Dialer(ctx)
	if err != nil {
		a.finish(err)
		return err
	}
	join := schema.Envelope{
		Type: schema.EventJoin,
		Join: &schema.JoinPayload{Room: a.cfg.Room, Name: a.cfg.Name},
	}
	if err := transport.Send(join); err != nil {
		_ = transport.Close()
		a.finish(err)
		return err
	}

	a.mu.Lock()
	a.transport = transport
	a.phase = PhaseJoined
	a.mu.Unlock()

	a.log.Info("session joining", "name", a.cfg.Name)
	go a.receiveLoop(transport)
	return nil
}

// Wait blocks until the session ends and returns its terminal error, if
// any. A deliberate Leave ends the session without error.
func (a *Agent) Wait() error {
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doneErr
}

// Leave closes the transport, which triggers the coordinator's leave
// handling for this connection. Pending executions are not cancelled; the
// backend call is already out of our hands.
func (a *Agent) Leave() {
	a.mu.Lock()
	a.leaving = true
	transport := a.transport
	a.mu.Unlock()
	if transport != nil {
		_ = transport.Close()
	}
}

// OnLocalEdit handles a user edit from the display surface: it updates the
// document buffer and emits a full-snapshot CODE_CHANGE plus a TYPING
// signal. Surfaces call this only for user-originated edits, never for
// programmatic SetContent updates.
func (a *Agent) OnLocalEdit(code string) {
	if !a.state.SetCode(code) {
		return
	}
	a.send(schema.Envelope{
		Type:       schema.EventCodeChange,
		CodeChange: &schema.CodeChangePayload{Room: a.cfg.Room, Code: code},
	})
	a.send(schema.Envelope{
		Type:   schema.EventTyping,
		Typing: &schema.TypingPayload{Room: a.cfg.Room, Name: a.cfg.Name},
	})
}

// OnLocalInput handles a user edit of the input/terminal panel.
func (a *Agent) OnLocalInput(input string) {
	a.state.SetInput(input)
	a.send(schema.Envelope{
		Type:        schema.EventInputChange,
		InputChange: &schema.InputChangePayload{Room: a.cfg.Room, Input: input},
	})
}

// SetLanguage adopts and broadcasts a new shared language selection.
// Theme selection has no equivalent: it stays local to each participant.
func (a *Agent) SetLanguage(value string) error {
	lang, err := schema.NormalizeLanguage(value)
	if err != nil {
		return err
	}
	a.state.SetLanguage(lang)
	a.send(schema.Envelope{
		Type:           schema.EventLanguageChange,
		LanguageChange: &schema.LanguageChangePayload{Room: a.cfg.Room, Language: lang},
	})
	return nil
}

// Execute dispatches the current document to the execution backend via the
// coordinator. An empty or whitespace-only document is rejected locally
// with ErrEmptyCode and nothing is emitted.
func (a *Agent) Execute() error {
	code := a.state.Code()
	if strings.TrimSpace(code) == "" {
		return schema.ErrEmptyCode
	}
	input := a.state.BeginExecution()
	a.send(schema.Envelope{
		Type: schema.EventCompile,
		Compile: &schema.CompilePayload{
			Room:     a.cfg.Room,
			Code:     code,
			Language: a.state.Language(),
			Input:    input,
		},
	})
	return nil
}

// Code returns the document buffer snapshot.
func (a *Agent) Code() string { return a.state.Code() }

// Input returns the input/terminal panel text.
func (a *Agent) Input() string { return a.state.Input() }

// Language returns the shared language tag.
func (a *Agent) Language() schema.LanguageTag { return a.state.Language() }

// Participants returns the current roster.
func (a *Agent) Participants() []schema.Participant { return a.state.Participants() }

// TypingIndicator returns the displayed typer, or "" when idle.
func (a *Agent) TypingIndicator() schema.DisplayName { return a.typing.Current() }

// Executing reports whether an execution request is outstanding.
func (a *Agent) Executing() bool { return a.state.Pending() }

// Phase returns the lifecycle state.
func (a *Agent) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// ConnID returns this connection's identity, known once the coordinator
// acknowledges the join.
func (a *Agent) ConnID() schema.ConnID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connID
}

func (a *Agent) send(env schema.Envelope) {
	a.mu.Lock()
	transport := a.transport
	a.mu.Unlock()
	if transport == nil {
		a.log.Debug("send skipped", "type", env.Type, "err", schema.ErrNotConnected)
		return
	}
	if err := transport.Send(env); err != nil {
		a.log.Warn("send failed", "type", env.Type, "err", err)
	}
}

func (a *Agent) receiveLoop(transport Transport) {
	for {
		env, err := transport.Receive()
		if err != nil {
			if errors.Is(err, schema.ErrInvalidEvent) {
				a.log.Warn("malformed event skipped", "err", err)
				continue
			}
			a.mu.Lock()
			leaving := a.leaving
			a.mu.Unlock()
			if leaving {
				// The transport error is our own Close; the session ended
				// deliberately.
				a.log.Debug("session ended", "err", err)
				a.finish(nil)
				return
			}
			a.log.Warn("connection lost", "err", err)
			a.finish(err)
			return
		}
		a.dispatch(env)
	}
}

// dispatch applies one remote event. All buffer mutation funnels through
// here and the OnLocal* methods; the state's own lock keeps them safe.
func (a *Agent) dispatch(env schema.Envelope) {
	switch env.Type {
	case schema.EventJoined:
		a.handleJoined(env.Joined)
	case schema.EventDisconnected:
		a.state.RemoveParticipant(env.Disconnected.Conn)
		a.notifier.OnRoster(a.state.Participants())
		a.notifier.OnPeerLeft(env.Disconnected.Name)
	case schema.EventCodeChange:
		a.applyCode(env.CodeChange.Code)
	case schema.EventSyncCode:
		a.applyCode(env.SyncCode.Code)
	case schema.EventInputChange:
		a.state.SetInput(env.InputChange.Input)
		a.notifier.OnTerminal(env.InputChange.Input)
	case schema.EventSyncInput:
		a.state.SetInput(env.SyncInput.Input)
		a.notifier.OnTerminal(env.SyncInput.Input)
	case schema.EventTyping:
		a.typing.Signal(env.Typing.Name)
	case schema.EventLanguageChange:
		a.state.SetLanguage(env.LanguageChange.Language)
		a.notifier.OnLanguage(env.LanguageChange.Language)
	case schema.EventExecResult:
		a.handleExecResult(env.ExecResult)
	default:
		a.log.Debug("unexpected event ignored", "type", env.Type)
	}
}

// handleJoined processes a membership broadcast. The first JOINED after our
// own JOIN is the coordinator's acknowledgement; it carries our connection
// identity and completes the join.
func (a *Agent) handleJoined(payload *schema.JoinedPayload) {
	a.mu.Lock()
	own := false
	if a.connID == "" && a.phase == PhaseJoined {
		a.connID = payload.Conn
		a.phase = PhaseActive
		own = true
	}
	a.mu.Unlock()

	a.state.SetParticipants(payload.Participants)
	a.notifier.OnRoster(a.state.Participants())
	if own {
		a.log.Info("session active", "conn", payload.Conn, "participants", len(payload.Participants))
		return
	}
	a.notifier.OnPeerJoined(payload.Name)
}

// applyCode applies a remote document snapshot. An identical snapshot is a
// no-op; a changed one replaces the buffer and is pushed to the display
// surface as a programmatic update, which the surface must not echo back.
func (a *Agent) applyCode(code string) {
	if !a.state.SetCode(code) {
		return
	}
	a.surface.SetContent(code)
}

func (a *Agent) handleExecResult(payload *schema.ExecResultPayload) {
	a.mu.Lock()
	own := payload.Origin != "" && payload.Origin == a.connID
	a.mu.Unlock()

	a.state.ApplyOutput(payload.Output, own)
	a.notifier.OnTerminal(a.state.Input())
	if own {
		a.notifier.OnExecutionDone(payload.Request)
	}
}

// finish moves the agent to the terminal disconnected state exactly once.
func (a *Agent) finish(err error) {
	a.typing.Stop()
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.done:
		return
	default:
	}
	a.phase = PhaseDisconnected
	a.transport = nil
	a.doneErr = err
	close(a.done)
}
