// Package coordinator implements the relay between room participants. The
// coordinator owns the room membership directory and a last-known snapshot
// of each room's document and input buffers; it holds no durable state and
// forwards most events without interpreting them.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/devcollab/internal/execbackend"
	"pkt.systems/devcollab/internal/logx"
	"pkt.systems/devcollab/schema"
	"pkt.systems/pslog"
)

// Outbound delivers envelopes to one connection. Deliver must not block;
// it reports false when the message was dropped.
type Outbound interface {
	ID() schema.ConnID
	Deliver(schema.Envelope) bool
}

// RoomEvent describes a membership change for EventSink observers.
type RoomEvent struct {
	Room         schema.RoomID
	Conn         schema.ConnID
	Name         schema.DisplayName
	Participants int
}

// ExecEvent describes an execution dispatch for EventSink observers.
type ExecEvent struct {
	Room     schema.RoomID
	Origin   schema.ConnID
	Request  schema.RequestID
	Language schema.LanguageTag
}

// EventSink observes hub activity. All methods are called outside the hub
// lock and must not block.
type EventSink interface {
	OnJoin(RoomEvent)
	OnLeave(RoomEvent)
	OnExecute(ExecEvent)
}

type member struct {
	id   schema.ConnID
	name schema.DisplayName
	room schema.RoomID
	out  Outbound
}

// room tracks live membership plus the last-known buffer snapshots. The
// snapshots exist only while the room has participants; an empty room is
// garbage collected along with them.
type room struct {
	id       schema.RoomID
	members  map[schema.ConnID]*member
	order    []schema.ConnID
	code     string
	input    string
	language schema.LanguageTag
	execSeq  uint64
}

// Hub routes events between the participants of each room.
type Hub struct {
	mu      sync.Mutex
	cfg     schema.ServiceConfig
	rooms   map[schema.RoomID]*room
	index   map[schema.ConnID]*member
	runner  execbackend.Runner
	sink    EventSink
	baseCtx context.Context
	log     pslog.Logger
}

// NewHub constructs a hub. runner may be nil, in which case execution
// requests produce empty results; sink and logger may be nil.
func NewHub(cfg schema.ServiceConfig, runner execbackend.Runner, sink EventSink, logger pslog.Logger) (*Hub, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		cfg:     normalized,
		rooms:   make(map[schema.RoomID]*room),
		index:   make(map[schema.ConnID]*member),
		runner:  runner,
		sink:    sink,
		baseCtx: context.Background(),
		log:     logger,
	}, nil
}

// SetBaseContext sets the parent context for execution dispatches.
func (h *Hub) SetBaseContext(ctx context.Context) {
	if h == nil || ctx == nil {
		return
	}
	h.mu.Lock()
	h.baseCtx = ctx
	h.mu.Unlock()
}

// Join registers the connection under the room, broadcasts JOINED to every
// member including the new one, and seeds the newcomer with the room's
// last-known document, input, and language.
func (h *Hub) Join(roomID schema.RoomID, name schema.DisplayName, out Outbound) error {
	connID := out.ID()
	log := h.log.With("room", roomID, "conn", connID)

	h.mu.Lock()
	if _, exists := h.index[connID]; exists {
		h.mu.Unlock()
		return schema.ErrAlreadyJoined
	}
	r := h.rooms[roomID]
	if r == nil {
		r = &room{
			id:      roomID,
			members: make(map[schema.ConnID]*member),
		}
		h.rooms[roomID] = r
		log.Info("room created")
	}
	m := &member{id: connID, name: name, room: roomID, out: out}
	r.members[connID] = m
	r.order = append(r.order, connID)
	h.index[connID] = m

	joined := schema.Envelope{
		Type: schema.EventJoined,
		Joined: &schema.JoinedPayload{
			Room:         roomID,
			Participants: r.participantsLocked(),
			Name:         name,
			Conn:         connID,
		},
	}
	// Deliver the broadcast and the seed before releasing the lock.
	// Deliver never blocks, and holding the lock keeps joins serialized:
	// every connection sees its own JOINED before anything triggered by a
	// later join, and the seed lands before further room traffic.
	h.deliverAll(log, r.outboundsLocked(), joined)
	for _, env := range r.seedLocked(connID) {
		if !out.Deliver(env) {
			log.Warn("join seed dropped", "type", env.Type)
		}
	}
	count := len(r.members)
	h.mu.Unlock()

	logx.WithName(log, name).Info("participant joined", "participants", count)
	if h.sink != nil {
		h.sink.OnJoin(RoomEvent{Room: roomID, Conn: connID, Name: name, Participants: count})
	}
	return nil
}

// Leave removes the connection from its room and broadcasts DISCONNECTED to
// the remaining members. Removing an unknown connection is a no-op.
func (h *Hub) Leave(connID schema.ConnID) {
	h.mu.Lock()
	m, ok := h.index[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.index, connID)
	log := h.log.With("room", m.room, "conn", connID)
	r := h.rooms[m.room]
	remaining := 0
	if r != nil {
		delete(r.members, connID)
		r.dropOrderLocked(connID)
		remaining = len(r.members)
		if remaining == 0 {
			delete(h.rooms, m.room)
		} else {
			// Broadcast under the lock so the DISCONNECTED cannot reorder
			// against a concurrent join's JOINED in the same room.
			h.deliverAll(log, r.outboundsLocked(), schema.Envelope{
				Type: schema.EventDisconnected,
				Disconnected: &schema.DisconnectedPayload{
					Conn: connID,
					Name: m.name,
				},
			})
		}
	}
	h.mu.Unlock()

	if remaining == 0 {
		log.Info("room destroyed")
	}
	logx.WithName(log, m.name).Info("participant left", "participants", remaining)
	if h.sink != nil {
		h.sink.OnLeave(RoomEvent{Room: m.room, Conn: connID, Name: m.name, Participants: remaining})
	}
}

// Relay routes an event from a joined connection. Snapshot-bearing events
// refresh the room cache on the way through; everything else is forwarded
// without inspection.
func (h *Hub) Relay(connID schema.ConnID, env schema.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	switch env.Type {
	case schema.EventJoin:
		return schema.ErrAlreadyJoined
	case schema.EventJoined, schema.EventDisconnected, schema.EventExecResult:
		return fmt.Errorf("%w: %q is coordinator-originated", schema.ErrInvalidEvent, env.Type)
	}

	h.mu.Lock()
	m, ok := h.index[connID]
	if !ok {
		h.mu.Unlock()
		return schema.ErrNotJoined
	}
	r := h.rooms[m.room]
	if r == nil {
		h.mu.Unlock()
		return schema.ErrRoomNotFound
	}

	switch env.Type {
	case schema.EventCodeChange:
		r.code = env.CodeChange.Code
	case schema.EventInputChange:
		r.input = env.InputChange.Input
	case schema.EventSyncCode:
		r.code = env.SyncCode.Code
	case schema.EventSyncInput:
		r.input = env.SyncInput.Input
	case schema.EventLanguageChange:
		r.language = env.LanguageChange.Language
	case schema.EventTyping:
		// Re-label with the registered name; clients must not be able to
		// impersonate each other in the typing indicator.
		env.Typing = &schema.TypingPayload{Room: m.room, Name: m.name}
	case schema.EventCompile:
		r.execSeq++
		req := execRequest{
			room:    m.room,
			origin:  connID,
			request: schema.RequestID(r.execSeq),
			payload: *env.Compile,
		}
		h.mu.Unlock()
		h.dispatchExecute(req)
		return nil
	}

	log := h.log.With("room", m.room, "conn", connID)
	if target, ok := env.Target(); ok {
		t := r.members[target]
		h.mu.Unlock()
		if t == nil {
			// Target raced a disconnect; the snapshot is stale anyway.
			log.Debug("unicast target gone", "type", env.Type, "target", target)
			return nil
		}
		if !t.out.Deliver(env) {
			log.Warn("unicast dropped", "type", env.Type, "target", target)
		}
		return nil
	}

	targets := r.outboundsExceptLocked(connID)
	h.mu.Unlock()
	h.deliverAll(log, targets, env)
	return nil
}

// Participants returns the room's membership in join order.
func (h *Hub) Participants(roomID schema.RoomID) []schema.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[roomID]
	if r == nil {
		return nil
	}
	return r.participantsLocked()
}

type execRequest struct {
	room    schema.RoomID
	origin  schema.ConnID
	request schema.RequestID
	payload schema.CompilePayload
}

// dispatchExecute runs the backend call off the relay path and broadcasts
// the result to the whole room, the sender included. Concurrent executions
// in one room proceed independently.
func (h *Hub) dispatchExecute(req execRequest) {
	h.mu.Lock()
	ctx := h.baseCtx
	runner := h.runner
	h.mu.Unlock()

	log := logx.WithRoomConn(ctx, req.room, req.origin).With("request", req.request, "language", req.payload.Language)
	log.Info("execution dispatch", "code_len", len(req.payload.Code))
	if h.sink != nil {
		h.sink.OnExecute(ExecEvent{
			Room:     req.room,
			Origin:   req.origin,
			Request:  req.request,
			Language: req.payload.Language,
		})
	}

	go func() {
		var output string
		if runner == nil {
			log.Warn("no execution backend configured")
		} else {
			result, err := runner.Run(ctx, execbackend.Request{
				Code:     req.payload.Code,
				Language: req.payload.Language,
				Input:    req.payload.Input,
			})
			if err != nil {
				// Failures are rendered the same as empty output on the
				// client; the distinction stays in the server log.
				log.Warn("execution failed", "err", err)
			} else {
				output = result.Output
			}
		}

		h.mu.Lock()
		r := h.rooms[req.room]
		var targets []Outbound
		if r != nil {
			targets = r.outboundsLocked()
		}
		h.mu.Unlock()
		if len(targets) == 0 {
			log.Debug("execution result for empty room")
			return
		}
		h.deliverAll(log, targets, schema.Envelope{
			Type: schema.EventExecResult,
			ExecResult: &schema.ExecResultPayload{
				Room:    req.room,
				Request: req.request,
				Origin:  req.origin,
				Output:  output,
			},
		})
		log.Info("execution result broadcast", "output_len", len(output))
	}()
}

func (h *Hub) deliverAll(log pslog.Logger, targets []Outbound, env schema.Envelope) {
	dropped := 0
	for _, out := range targets {
		if !out.Deliver(env) {
			dropped++
		}
	}
	if dropped > 0 {
		log.Warn("broadcast dropped", "type", env.Type, "dropped", dropped)
	}
}

func (r *room) participantsLocked() []schema.Participant {
	out := make([]schema.Participant, 0, len(r.members))
	for _, id := range r.order {
		if m := r.members[id]; m != nil {
			out = append(out, schema.Participant{Conn: m.id, Name: m.name})
		}
	}
	return out
}

func (r *room) outboundsLocked() []Outbound {
	out := make([]Outbound, 0, len(r.members))
	for _, id := range r.order {
		if m := r.members[id]; m != nil {
			out = append(out, m.out)
		}
	}
	return out
}

func (r *room) outboundsExceptLocked(skip schema.ConnID) []Outbound {
	out := make([]Outbound, 0, len(r.members))
	for _, id := range r.order {
		if id == skip {
			continue
		}
		if m := r.members[id]; m != nil {
			out = append(out, m.out)
		}
	}
	return out
}

// seedLocked builds the snapshot events served to a new joiner. Nothing is
// sent for a fresh room; the newcomer starts empty.
func (r *room) seedLocked(target schema.ConnID) []schema.Envelope {
	var seed []schema.Envelope
	if r.code != "" {
		seed = append(seed, schema.Envelope{
			Type:     schema.EventSyncCode,
			SyncCode: &schema.SyncCodePayload{Code: r.code, Target: target},
		})
	}
	if r.input != "" {
		seed = append(seed, schema.Envelope{
			Type:      schema.EventSyncInput,
			SyncInput: &schema.SyncInputPayload{Input: r.input, Target: target},
		})
	}
	if r.language != "" {
		seed = append(seed, schema.Envelope{
			Type:           schema.EventLanguageChange,
			LanguageChange: &schema.LanguageChangePayload{Room: r.id, Language: r.language},
		})
	}
	return seed
}

func (r *room) dropOrderLocked(connID schema.ConnID) {
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
