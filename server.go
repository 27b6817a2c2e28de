// Package devcollab composes the collaboration services: the websocket
// coordinator that relays room traffic, and an optional built-in mock
// execution backend for development and tests.
package devcollab

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/devcollab/coordinator"
	"pkt.systems/devcollab/internal/execbackend"
	"pkt.systems/devcollab/schema"
	"pkt.systems/pslog"
)

// Server composes the coordinator and mock backend services.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service     schema.ServiceConfig
	Coordinator coordinator.Config
	MockBackend MockBackendConfig
}

// MockBackendConfig configures the built-in execution backend.
type MockBackendConfig struct {
	// Addr is the listen address, e.g. ":8090".
	Addr string
	// Delay simulates backend latency per request.
	Delay time.Duration
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	// Runner executes dispatched code. Required when the coordinator is
	// enabled.
	Runner execbackend.Runner
	// EventSink optionally observes room activity alongside the built-in
	// activity logger.
	EventSink coordinator.EventSink
	// Logger defaults to the background context logger.
	Logger pslog.Logger
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableCoordinator bool
	enableMockBackend bool
}

// WithCoordinator enables the websocket relay.
func WithCoordinator() ServerOption {
	return func(o *serverOptions) { o.enableCoordinator = true }
}

// WithMockBackend enables the built-in mock execution backend.
func WithMockBackend() ServerOption {
	return func(o *serverOptions) { o.enableMockBackend = true }
}

// New constructs a composable devcollab server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableCoordinator && !options.enableMockBackend {
		return nil, errors.New("no services enabled")
	}

	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	var coord *coordinator.Server
	if options.enableCoordinator {
		if deps.Runner == nil {
			return nil, errors.New("runner dependency is required")
		}
		normalized, err := schema.NormalizeServiceConfig(cfg.Service)
		if err != nil {
			return nil, err
		}
		cfg.Service = normalized

		sinks := []coordinator.EventSink{activityLog{log: logger}}
		if deps.EventSink != nil {
			sinks = append(sinks, deps.EventSink)
		}
		var sink coordinator.EventSink = sinks[0]
		if len(sinks) > 1 {
			sink = eventFanout{sinks: sinks}
		}

		hub, err := coordinator.NewHub(cfg.Service, deps.Runner, sink, logger)
		if err != nil {
			return nil, err
		}
		coord = coordinator.NewServer(cfg.Coordinator, hub)
	}

	return &compositeServer{
		cfg:     cfg,
		options: options,
		coord:   coord,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	coord   *coordinator.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"coordinator", s.options.enableCoordinator,
		"mock_backend", s.options.enableMockBackend,
		"coordinator_addr", s.cfg.Coordinator.Addr,
		"mock_backend_addr", s.cfg.MockBackend.Addr,
	)
	if s.options.enableCoordinator && s.coord != nil {
		go func() {
			if err := s.coord.ListenAndServe(s.ctx); err != nil {
				log.Error("coordinator failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableMockBackend {
		handler := execbackend.Handler(&execbackend.Mock{Delay: s.cfg.MockBackend.Delay})
		go func() {
			if err := serveHTTP(s.ctx, s.cfg.MockBackend.Addr, handler); err != nil {
				log.Error("mock backend failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}

// serveHTTP runs an HTTP listener until the context is cancelled.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	logger := pslog.Ctx(ctx)
	server := &http.Server{
		Addr:     addr,
		Handler:  handler,
		ErrorLog: pslog.LogLoggerWithLevel(logger, pslog.ErrorLevel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
