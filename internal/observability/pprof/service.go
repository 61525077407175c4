// Package pprof serves the Go profiling endpoints plus a small /statusz
// snapshot of engine state. The server binds to loopback only; there is no
// auth layer, so a non-loopback address is refused at start.
package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"nudgebot/internal/runtime/supervisor"
	"nudgebot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	// status returns a JSON-serializable snapshot served at /statusz.
	status func() any

	ln       net.Listener
	srv      *http.Server
	sup      *supervisor.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

// SetStatus installs the /statusz hook. Call it before Start.
func (s *Service) SetStatus(fn func() any) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Reconfigure applies cfg and starts/stops/restarts the server if needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if needsRestart(prev, cfg) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	if a.Addr != b.Addr {
		return true
	}
	// Timeouts affect server behavior; easiest is restart.
	return a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	for {
		s.mu.Lock()
		// If stopping, wait for it to finish before restarting.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				// loop
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}
		cur := s.cfg
		if !cur.Enabled {
			s.mu.Unlock()
			return
		}

		s.sup = supervisor.New(ctx,
			supervisor.WithLogger(s.log.With(logx.String("component", "debug"))),
			// Optional observability; never hard-kill the engine.
			supervisor.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		// Run the HTTP server under a restart loop so it self-heals.
		sup.GoRestart("http.serve", func(c context.Context) error {
			return s.serveOnce(c)
		},
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	sup := s.sup
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)

		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.ln = nil
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("debug server stopped")
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		return
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cur := s.cfg
	log := s.log
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if !isLoopbackAddr(addr) {
		log.Error("debug server refused to start: loopback only", logx.String("addr", addr))
		return errors.New("debug server: non-loopback bind refused")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("debug server listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/statusz", s.handleStatus)
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	// Expose server handles for Stop().
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		// Keep this bounded; the outer Stop(ctx) does the real graceful shutdown.
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	log.Info("debug server started", logx.String("addr", ln.Addr().String()))

	err = srv.Serve(ln)

	// Clear handles if we still own them.
	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fn := s.status
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fn == nil {
		_, _ = w.Write([]byte("{}\n"))
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fn()); err != nil {
		s.log.Warn("statusz encode failed", logx.Err(err))
	}
}

func isLoopbackAddr(addr string) bool {
	// addr is expected in host:port form (host may be empty).
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
