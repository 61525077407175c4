package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nudgebot/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
// - Named goroutines (for logging/debug)
// - Panic recovery
// - Optional cancel-on-first-error
// - Graceful stop with timeout-aware waiting
//
// It hosts the long-running pieces of the engine (service loop, delivery
// worker, config watcher) so transient failures self-heal without taking
// down the process.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Counters are best-effort operational metrics.
	// - started: total goroutines ever started via this supervisor
	// - active: goroutines currently running under this supervisor
	started uint64
	active  int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*taskStats
}

type Option func(*Supervisor)

// Counters exposes best-effort goroutine counters.
// These are operational signals only (not a synchronization primitive).
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// TaskStats is an aggregated, best-effort view of goroutines started via
// Go/GoRestart, keyed by name. Intended for the health step and debugging.
type TaskStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

// Snapshot is a point-in-time view of a supervisor.
type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type taskStats struct {
	name        string
	active      int64
	started     uint64
	panics      uint64
	restarts    uint64
	lastStartAt time.Time
	lastStopAt  time.Time
	lastErr     string
	lastRuntime time.Duration
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first non-nil error from any goroutine cancel
// the supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

// CountersNow returns best-effort goroutine counters for this supervisor.
func (s *Supervisor) CountersNow() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
	}
}

// SnapshotNow returns a point-in-time snapshot for observability/debug
// output, not for synchronization.
func (s *Supervisor) SnapshotNow() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.CountersNow()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	ts := make([]TaskStats, 0, len(s.stats))
	for _, st := range s.stats {
		if st == nil {
			continue
		}
		ts = append(ts, TaskStats{
			Name:        st.name,
			Active:      st.active,
			Started:     st.started,
			Panics:      st.panics,
			Restarts:    st.restarts,
			LastStartAt: st.lastStartAt,
			LastStopAt:  st.lastStopAt,
			LastErr:     st.lastErr,
			LastRuntime: st.lastRuntime,
		})
	}
	s.mu.Unlock()

	sort.Slice(ts, func(i, j int) bool {
		// Active first, then most recently started, then name.
		if ts[i].Active != ts[j].Active {
			return ts[i].Active > ts[j].Active
		}
		if !ts[i].LastStartAt.Equal(ts[j].LastStartAt) {
			return ts[i].LastStartAt.After(ts[j].LastStartAt)
		}
		return ts[i].Name < ts[j].Name
	})

	snap.Tasks = ts
	return snap
}

func (s *Supervisor) statsFor(name string) *taskStats {
	st := s.stats[name]
	if st == nil {
		st = &taskStats{name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, isRestart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.statsFor(name)
	st.started++
	if isRestart {
		st.restarts++
	}
	st.active++
	st.lastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	now := time.Now()
	s.mu.Lock()
	st := s.statsFor(name)
	if st.active > 0 {
		st.active--
	}
	st.lastStopAt = now
	st.lastRuntime = now.Sub(startedAt)
	if err != nil {
		st.lastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string, p any) {
	s.mu.Lock()
	st := s.statsFor(name)
	st.panics++
	st.lastErr = fmt.Sprint(p)
	s.mu.Unlock()
}

// Go runs fn once under the supervisor context with panic recovery.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		startedAt := s.noteStart(name, false)

		defer func() {
			if r := recover(); r != nil {
				s.notePanic(name, r)
				err := fmt.Errorf("panic in %s: %v", name, r)
				if !s.log.IsZero() {
					s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
				s.noteStop(name, startedAt, err)
				s.setErr(err)
				if s.cancelOnErr {
					s.cancel()
				}
			}
		}()

		if !s.log.IsZero() {
			s.log.Debug("goroutine started", logx.String("name", name))
		}
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			err2 := fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err2)
			s.setErr(err2)
			if s.cancelOnErr {
				s.cancel()
			}
		} else {
			s.noteStop(name, startedAt, nil)
		}
		if !s.log.IsZero() {
			s.log.Debug("goroutine stopped", logx.String("name", name))
		}
	}()
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits the number of restarts (errors/panics) before giving up.
//
// Note: the initial run is not counted as a restart.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it on error/panic using jittered exponential
// backoff until ctx is canceled. A nil return stops the loop (clean exit).
//
// This is intended for long-running loops (the tick loop, the delivery
// worker, directory watchers) where transient failures should self-heal.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	// One supervisor goroutine hosts the restart loop. Distinct internal name
	// so stats for the logical task aren't double-counted.
	s.Go(name+".restart", func(ctx context.Context) error {
		backoff := cfg.minBackoff
		restarts := 0
		for {
			if ctx.Err() != nil {
				return nil
			}

			startedAt := s.noteStart(name, restarts > 0)

			err, pan, stack := func() (err error, pan any, stack string) {
				defer func() {
					if r := recover(); r != nil {
						pan = r
						stack = string(debug.Stack())
					}
				}()
				err = fn(ctx)
				return
			}()

			if pan != nil {
				s.notePanic(name, pan)
				if !s.log.IsZero() {
					s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", pan), logx.String("stack", stack))
				}
				err = fmt.Errorf("panic: %v", pan)
			}

			// Cancellation during shutdown is a clean stop, even when fn
			// surfaced it as an error.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, startedAt, nil)
				return nil
			}
			if err == nil {
				s.noteStop(name, startedAt, nil)
				return nil
			}

			err2 := fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err2)

			restarts++
			// A long healthy run resets backoff so rare failures don't pay
			// the maximum delay.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				if !s.log.IsZero() {
					s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				}
				s.setErr(err2)
				if s.cancelOnErr {
					s.cancel()
				}
				return nil
			}

			wait := backoff
			if wait > cfg.maxBackoff {
				wait = cfg.maxBackoff
			}
			// 20% jitter.
			j := time.Duration(int64(wait) / 5)
			if j > 0 {
				wait += time.Duration(time.Now().UnixNano() % int64(j+1))
			}
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
