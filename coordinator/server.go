package coordinator

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pkt.systems/devcollab/internal/logx"
	"pkt.systems/devcollab/schema"
	"pkt.systems/pslog"
)

const shutdownTimeout = 5 * time.Second

// Config defines relay listener settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// Path is the websocket endpoint path. Defaults to "/ws".
	Path string
}

// Server accepts websocket connections and feeds them into the hub.
type Server struct {
	cfg      Config
	hub      *Hub
	upgrader websocket.Upgrader

	mu      sync.Mutex
	baseCtx context.Context
}

// NewServer constructs a relay server around the hub.
func NewServer(cfg Config, hub *Hub) *Server {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/ws"
	}
	return &Server{
		cfg: cfg,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Room membership is the only admission control; the entry
			// surface lives elsewhere and may be served from any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx: context.Background(),
	}
}

// SetBaseContext sets the parent context for connection lifetimes.
func (s *Server) SetBaseContext(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.hub.SetBaseContext(ctx)
}

// Handler returns the http.Handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	return mux
}

// ListenAndServe starts the relay and shuts it down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.SetBaseContext(ctx)
	logger := pslog.Ctx(ctx)
	server := &http.Server{
		Addr:     s.cfg.Addr,
		Handler:  s.Handler(),
		ErrorLog: pslog.LogLoggerWithLevel(logger, pslog.ErrorLevel),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info("coordinator listening", "addr", s.cfg.Addr, "path", s.cfg.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	log := pslog.Ctx(ctx)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	connID := schema.ConnID(uuid.NewString())
	log = log.With("conn", connID)
	log.Debug("connection established", "remote", r.RemoteAddr)

	c := newWSConn(connID, ws, s.hub.cfg.SendBuffer)
	go c.writePump(log)
	s.readLoop(ctx, c, log)
}

// readLoop drives one connection until closure. The first event must be a
// JOIN; everything after it is relayed through the hub. The hub's Leave is
// idempotent, so the deferred cleanup is safe on every exit path.
func (s *Server) readLoop(ctx context.Context, c *wsConn, log pslog.Logger) {
	defer func() {
		s.hub.Leave(c.id)
		c.close()
	}()

	c.ws.SetReadLimit(s.hub.cfg.MaxMessageBytes)
	joined := false
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("connection dropped", "err", err)
			} else {
				log.Debug("connection closed", "err", err)
			}
			return
		}
		env, err := schema.DecodeEvent(data)
		if err != nil {
			log.Warn("malformed event", "err", err)
			continue
		}
		if !joined {
			if env.Type != schema.EventJoin {
				log.Warn("event before join", "type", env.Type)
				continue
			}
			roomID, err := schema.NormalizeRoomID(string(env.Join.Room))
			if err != nil {
				log.Warn("join rejected", "err", err)
				return
			}
			name, err := schema.NormalizeDisplayName(string(env.Join.Name))
			if err != nil {
				log.Warn("join rejected", "err", err)
				return
			}
			if err := s.hub.Join(roomID, name, c); err != nil {
				log.Warn("join failed", "err", err)
				return
			}
			log = logx.WithRoomConn(logx.ContextWithConn(pslog.ContextWithLogger(ctx, log), c.id), roomID, c.id)
			joined = true
			continue
		}
		if err := s.hub.Relay(c.id, env); err != nil {
			log.Warn("relay rejected", "type", env.Type, "err", err)
		}
	}
}

// wsConn adapts a websocket to the hub's Outbound interface. Writes are
// serialized through the send channel; Deliver never blocks the relay.
type wsConn struct {
	id   schema.ConnID
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newWSConn(id schema.ConnID, ws *websocket.Conn, sendBuffer int) *wsConn {
	return &wsConn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}
}

// ID implements Outbound.
func (c *wsConn) ID() schema.ConnID { return c.id }

// Deliver implements Outbound. Deliveries racing the connection teardown
// are dropped; an execution broadcast may still hold this conn as a target
// after its room membership is gone.
func (c *wsConn) Deliver(env schema.Envelope) bool {
	data, err := schema.EncodeEvent(env)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsConn) writePump(log pslog.Logger) {
	for data := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug("write failed", "err", err)
			_ = c.ws.Close()
			return
		}
	}
	_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
	_ = c.ws.Close()
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
