package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/meshcall/sfu/media"
	"github.com/meshcall/sfu/observability"
	"github.com/meshcall/sfu/sfu"
	"github.com/meshcall/sfu/sfuerrors"
)

// SupervisorConfig assembles everything one SFU process runs.
type SupervisorConfig struct {
	// Listen is the TCP address of the combined HTTP+websocket listener.
	Listen string
	// GlobalKey signs and verifies every token not bound to a per-channel
	// key. Required.
	GlobalKey []byte

	TrustProxyHeaders bool
	CORSOrigin        string
	AllowedOrigins    []string

	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler

	// Core is the channel/session configuration shared by the registry and
	// the worker pool.
	Core sfu.Config
	// WorkerFactory spawns media engine workers; nil runs signalling-only.
	WorkerFactory media.WorkerFactory
	// GatewayObserver receives connection metrics.
	GatewayObserver observability.GatewayObserver

	Logger *log.Logger
}

// Supervisor owns the process lifecycle: worker pool, registry, gateway and
// HTTP listener, started and stopped in dependency order.
type Supervisor struct {
	cfg SupervisorConfig

	pool     *sfu.WorkerPool
	registry *sfu.Registry
	gateway  *Gateway
	httpSrv  *http.Server
	ln       net.Listener
	running  bool
}

// NewSupervisor validates the configuration.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if len(cfg.GlobalKey) == 0 {
		return nil, sfuerrors.Wrap(sfuerrors.KindConfig, sfuerrors.CodeMissingKey, errors.New("global key required"))
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Supervisor{cfg: cfg}, nil
}

// Start brings the process up: worker pool first, then registry, then the
// combined HTTP+websocket listener. Idempotent while running.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.running {
		return nil
	}

	if s.cfg.WorkerFactory != nil {
		pool, err := sfu.NewWorkerPool(ctx, s.cfg.Core, s.cfg.WorkerFactory)
		if err != nil {
			return err
		}
		s.pool = pool
	}
	s.registry = sfu.NewRegistry(s.cfg.Core, s.pool)

	core := s.registry.Config()
	s.gateway = NewGateway(GatewayConfig{
		GlobalKey:             s.cfg.GlobalKey,
		AllowedOrigins:        s.cfg.AllowedOrigins,
		AuthenticationTimeout: core.Timeouts.Authentication,
		RequestTimeout:        core.Timeouts.Request,
		BatchDelay:            core.Timeouts.BatchDelay,
		Logger:                s.cfg.Logger,
		Observer:              s.cfg.GatewayObserver,
		BusObserver:           core.Observer,
	}, s.registry)
	api := NewAPI(APIConfig{
		GlobalKey:         s.cfg.GlobalKey,
		TrustProxyHeaders: s.cfg.TrustProxyHeaders,
		CORSOrigin:        s.cfg.CORSOrigin,
		Logger:            s.cfg.Logger,
	}, s.registry)

	handler := Handler(api, s.gateway)
	if s.cfg.MetricsHandler != nil {
		inner := handler
		metrics := s.cfg.MetricsHandler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				metrics.ServeHTTP(w, r)
				return
			}
			inner.ServeHTTP(w, r)
		})
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.stopCore()
		return err
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Printf("http server: %v", err)
		}
	}(s.httpSrv, ln)

	s.running = true
	s.cfg.Logger.Printf("sfu listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listener address, empty before Start.
func (s *Supervisor) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Registry exposes the live registry for signal-driven operations.
func (s *Supervisor) Registry() *sfu.Registry { return s.registry }

// Stop tears everything down in reverse start order. Idempotent.
func (s *Supervisor) Stop() {
	if !s.running {
		return
	}
	s.running = false

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.httpSrv.Shutdown(ctx)
		cancel()
		s.httpSrv = nil
		s.ln = nil
	}
	if s.gateway != nil {
		s.gateway.Close()
		s.gateway = nil
	}
	s.stopCore()
}

func (s *Supervisor) stopCore() {
	if s.registry != nil {
		s.registry.Close()
		s.registry = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}
