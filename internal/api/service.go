// Package api serves the HTTP surface: the legacy /nba read routes, /api
// inspection and on-demand discovery, and a websocket stream of lifecycle
// events.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"halftimebot/internal/eventbus"
	rtsup "halftimebot/internal/runtime/supervisor"
	logx "halftimebot/pkg/logx"
)

const DefaultAddr = ":3001"

type Config struct {
	Enabled     bool
	Addr        string
	CORSOrigins []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const shutdownGrace = 2 * time.Second

// Service owns the HTTP listener. It is an inspection surface, so its
// failures are logged and retried but never stop scheduling.
type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps
	hub  *Hub
	run  *serving
}

// serving is one Start/Stop cycle.
type serving struct {
	sup      *rtsup.Supervisor
	ln       net.Listener
	stopping bool
}

func New(cfg Config, deps Deps, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "api"))
	return &Service{cfg: cfg, deps: deps, log: log, hub: NewHub(bus, log)}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listener address, empty when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil || s.run.ln == nil {
		return ""
	}
	return s.run.ln.Addr().String()
}

func (s *Service) Hub() *Hub { return s.hub }

// Handler is the full router without a listener.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	origins := slices.Clone(s.cfg.CORSOrigins)
	s.mu.Unlock()
	return NewHandler(s.deps, s.hub, origins, s.log)
}

// Reconfigure applies a reloaded config, restarting the listener only when a
// setting it was built with changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.run != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case !sameListener(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func sameListener(a, b Config) bool {
	return a.Addr == b.Addr &&
		slices.Equal(a.CORSOrigins, b.CORSOrigins) &&
		a.ReadTimeout == b.ReadTimeout &&
		a.WriteTimeout == b.WriteTimeout &&
		a.IdleTimeout == b.IdleTimeout
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil || !s.cfg.Enabled {
		return
	}
	run := &serving{sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))}
	s.run = run
	run.sup.GoRestart("ws.hub", s.hub.Run, rtsup.WithPublishFirstError(true))
	run.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, run) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the listener down gracefully and waits for open handlers until
// ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	run := s.run
	if run == nil {
		s.mu.Unlock()
		return
	}
	run.stopping = true
	s.run = nil
	s.mu.Unlock()

	run.sup.Cancel()
	if err := run.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("api stop", logx.Err(err))
	}
	s.log.Info("api stopped")
}

// serve runs one listener until ctx ends. Any other exit is an error so the
// supervisor restarts it.
func (s *Service) serve(ctx context.Context, run *serving) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("api listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	s.mu.Lock()
	run.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("api started", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	_ = srv.Close()

	s.mu.Lock()
	run.ln = nil
	stopping := run.stopping
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server exited unexpectedly")
	}
	return err
}
