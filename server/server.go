// Package server exposes one engine over the Connect RPC protocol: callers
// specialize, inspect and run routines remotely, and can retain executables
// across calls through TTL-bounded handles. It also carries the language
// server that gives editors diagnostics for routine source files.
package server

import (
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/loom/pkg/engine"
)

var log = commonlog.GetLogger("loom.server")

// Server wires the engine service procedures onto an HTTP mux, with the
// worker and handle store behind them.
type Server struct {
	worker  *EngineWorker
	handles *HandleStore
	mux     *http.ServeMux

	stopSweeper func()
}

// Option configures a Server.
type Option func(*serverConfig)

type serverConfig struct {
	handleTTL  time.Duration
	sweepEvery time.Duration
}

// WithHandleTTL sets how long an untouched handle keeps its executable
// pinned.
func WithHandleTTL(ttl time.Duration) Option {
	return func(c *serverConfig) { c.handleTTL = ttl }
}

// WithSweepInterval sets how often expired handles are collected.
func WithSweepInterval(d time.Duration) Option {
	return func(c *serverConfig) { c.sweepEvery = d }
}

// New creates a Server around eng. The engine's lifetime stays with the
// caller: Stop shuts the server down without closing it.
func New(eng *engine.Engine, opts ...Option) *Server {
	cfg := &serverConfig{
		handleTTL:  10 * time.Minute,
		sweepEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewEngineWorker(eng)
	handles := NewHandleStore()

	s := &Server{
		worker:  worker,
		handles: handles,
		mux:     http.NewServeMux(),
	}

	svc := NewEngineService(worker, handles)
	s.mux.Handle(procSpecialize, connect.NewUnaryHandler(procSpecialize, svc.Specialize))
	s.mux.Handle(procDisassemble, connect.NewUnaryHandler(procDisassemble, svc.Disassemble))
	s.mux.Handle(procRun, connect.NewUnaryHandler(procRun, svc.Run))
	s.mux.Handle(procRetain, connect.NewUnaryHandler(procRetain, svc.Retain))
	s.mux.Handle(procRelease, connect.NewUnaryHandler(procRelease, svc.Release))
	s.mux.Handle(procListRoutines, connect.NewUnaryHandler(procListRoutines, svc.ListRoutines))
	s.mux.Handle(procGetReport, connect.NewUnaryHandler(procGetReport, svc.GetReport))
	s.mux.Handle(procStat, connect.NewUnaryHandler(procStat, svc.Stat))

	s.stopSweeper = handles.StartSweeper(cfg.sweepEvery, cfg.handleTTL)
	return s
}

// Handler returns the HTTP handler serving every procedure, for callers
// that bring their own listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	log.Noticef("engine service listening on %s", addr)
	return http.ListenAndServe(addr, s.mux)
}

// Stop releases every handle and stops the background goroutines.
func (s *Server) Stop() {
	s.stopSweeper()
	s.handles.ReleaseAll()
	s.worker.Stop()
}
