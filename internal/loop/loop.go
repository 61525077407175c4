// Package loop drives the engine. One goroutine ticks at a fixed interval;
// every tick fires due jobs, drains the request directory and runs a health
// pass, and every Nth tick additionally resyncs all users. Steps are
// isolated: a failing or panicking step is logged and the tick moves on, so
// a broken request file can never stop reminders from firing.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/storage"
	"nudgebot/pkg/logx"
)

// Scheduler is the slice of the scheduling engine the loop drives.
type Scheduler interface {
	FireDue(ctx context.Context, now time.Time) int
	EnsureAll(ctx context.Context) (users, failures int, err error)
	Len() int
}

// Sweeper drains pending control-plane requests. EnsureDirs doubles as the
// health probe: it recreates the request directories when they vanish and
// reports when it cannot.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
	EnsureDirs() error
}

type Config struct {
	// TickInterval is the loop cadence.
	TickInterval time.Duration
	// ResyncEvery is how many ticks pass between full user resyncs.
	ResyncEvery int
	// MaxJobs is the health alarm threshold for the job table, not a cap.
	MaxJobs int
}

func normalize(cfg Config) Config {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.ResyncEvery <= 0 {
		cfg.ResyncEvery = 40
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1000
	}
	return cfg
}

type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	sched Scheduler
	reqs  Sweeper
	store storage.Store // may be nil

	mu      sync.Mutex
	cfg     Config
	running bool
	ticker  *time.Ticker
	sup     *supervisor.Supervisor

	ticks atomic.Uint64

	// lastDropped is touched only from the loop goroutine.
	lastDropped uint64
}

func New(cfg Config, sched Scheduler, reqs Sweeper, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log.With(logx.String("component", "loop")),
		bus:   bus,
		sched: sched,
		reqs:  reqs,
		store: store,
		cfg:   normalize(cfg),
	}
}

// Apply updates the loop knobs. An interval change takes effect immediately
// on the running ticker.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = normalize(cfg)
	if s.ticker != nil && s.cfg.TickInterval != old.TickInterval {
		s.ticker.Reset(s.cfg.TickInterval)
		s.log.Info("tick interval changed",
			logx.Duration("from", old.TickInterval), logx.Duration("to", s.cfg.TickInterval))
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.running = true
	s.sup.GoRestart("loop.tick", s.run)
	s.log.Info("service loop started",
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Int("resync_every", s.cfg.ResyncEvery))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.running = false
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

type Snapshot struct {
	Running      bool   `json:"running"`
	Ticks        uint64 `json:"ticks"`
	Jobs         int    `json:"jobs"`
	TickInterval string `json:"tick_interval"`
	ResyncEvery  int    `json:"resync_every"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.running
	s.mu.Unlock()
	return Snapshot{
		Running:      running,
		Ticks:        s.ticks.Load(),
		Jobs:         s.sched.Len(),
		TickInterval: cfg.TickInterval.String(),
		ResyncEvery:  cfg.ResyncEvery,
	}
}

func (s *Service) run(ctx context.Context) error {
	s.mu.Lock()
	t := time.NewTicker(s.cfg.TickInterval)
	s.ticker = t
	s.mu.Unlock()
	defer func() {
		t.Stop()
		s.mu.Lock()
		if s.ticker == t {
			s.ticker = nil
		}
		s.mu.Unlock()
	}()

	// Run a pass right away so a restart does not sit out a full interval.
	s.tickOnce(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			s.tickOnce(ctx, now)
		}
	}
}

// tickOnce runs one loop pass. Due jobs fire before the request sweep so a
// slow batch of requests never delays a delivery window; a reschedule that
// lands mid-tick takes effect on the next one.
func (s *Service) tickOnce(ctx context.Context, now time.Time) {
	n := s.ticks.Add(1)
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	resync := n%uint64(cfg.ResyncEvery) == 0

	s.step(ctx, "fire", func(c context.Context) error {
		s.sched.FireDue(c, now)
		return nil
	})
	s.step(ctx, "requests", func(c context.Context) error {
		_, err := s.reqs.Sweep(c, now)
		return err
	})
	s.step(ctx, "health", func(c context.Context) error {
		return s.health(c, now, cfg, resync)
	})
	if resync {
		s.step(ctx, "resync", func(c context.Context) error {
			users, failures, err := s.sched.EnsureAll(c)
			if err != nil {
				return err
			}
			if failures > 0 {
				s.log.Warn("resync finished with failures",
					logx.Int("users", users), logx.Int("failures", failures))
			}
			return nil
		})
	}
}

// step runs one tick phase and contains its failure.
func (s *Service) step(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("loop step panicked",
				logx.String("step", name),
				logx.Any("panic", r),
				logx.Stack(logx.CurrentStack()))
			s.publishStepError(name, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("loop step failed", logx.String("step", name), logx.Err(err))
		s.publishStepError(name, err)
	}
}

// health runs the cheap checks every tick; storage pruning and the stats
// line ride the resync cadence so the per-tick pass stays light.
func (s *Service) health(ctx context.Context, now time.Time, cfg Config, deep bool) error {
	// Recreates the request directories if something removed them. A sweep
	// over a missing directory reports nothing, so this probe is the only
	// signal for a broken control plane.
	if err := s.reqs.EnsureDirs(); err != nil {
		s.log.Warn("request dirs probe failed", logx.Err(err))
	}
	jobs := s.sched.Len()
	if jobs > cfg.MaxJobs {
		s.log.Warn("job table above configured bound",
			logx.Int("jobs", jobs), logx.Int("max_jobs", cfg.MaxJobs))
	}
	if s.bus != nil {
		if d := s.bus.Dropped(); d > s.lastDropped {
			s.log.Warn("event bus dropped events",
				logx.Uint64("new", d-s.lastDropped), logx.Uint64("total", d))
			s.lastDropped = d
		}
	}
	if !deep {
		return nil
	}
	if s.store != nil {
		pruned, err := s.store.PruneFireMarks(ctx, now)
		if err != nil {
			return fmt.Errorf("prune fire marks: %w", err)
		}
		if pruned > 0 {
			s.log.Debug("pruned expired fire marks", logx.Int("count", pruned))
		}
	}
	s.log.Debug("health pass", logx.Int("jobs", jobs), logx.Uint64("tick", s.ticks.Load()))
	return nil
}

func (s *Service) publishStepError(step string, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeLoopStepError,
		Data: map[string]string{"step": step, "error": err.Error()},
	})
}
