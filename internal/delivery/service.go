// Package delivery is the asynchronous outbox: fired jobs and test messages
// enqueue records, a worker writes them as JSON files under the outbox
// directory, and external channel adapters consume the files. The daemon
// never talks to a messaging provider itself.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/schedule"
	"nudgebot/internal/storage"
	"nudgebot/pkg/logx"

	"github.com/google/uuid"
)

var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
)

type Config struct {
	// RatePerMinute caps outbox throughput across all users.
	RatePerMinute int
	Burst         int
	// QueueSize takes effect at the next Start.
	QueueSize int
}

// Service implements schedule.Deliverer as a queue + single worker + rate
// limit pipeline. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	// store receives the delivery audit trail, may be nil.
	store storage.Store

	dir     string
	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan storage.DeliveryRecord
	sup       *supervisor.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []storage.DeliveryRecord
}

func New(dir string, cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		dir:   dir,
		log:   log.With(logx.String("component", "delivery")),
		bus:   bus,
		store: store,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.Burst)
}

// Start is idempotent. It creates the outbox directory and launches the
// worker under its own supervisor.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return nil
	}
	if err := ensureOutboxDir(s.dir); err != nil {
		s.mu.Unlock()
		return err
	}

	s.queue = make(chan storage.DeliveryRecord, s.cfg.QueueSize)
	s.accepting = true
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// A broken outbox should not take the scheduler down with it.
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	sup.GoRestart("outbox.worker", func(c context.Context) error {
		s.workerLoop(c, q)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping || c.Err() != nil {
			return nil
		}
		return errors.New("outbox worker exited unexpectedly")
	})
	return nil
}

// Stop blocks intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Let in-flight enqueues land, then close the queue so the worker
		// drains and exits.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop the worker; the drain goroutine still cleans up.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Deliver queues one outbox record for the payload. It never blocks: a full
// queue returns ErrQueueFull and the caller decides what a lost delivery
// means.
func (s *Service) Deliver(ctx context.Context, userID, category string, p schedule.Payload) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	rec := storage.DeliveryRecord{
		ID:        uuid.NewString(),
		At:        time.Now(),
		UserID:    userID,
		Category:  category,
		Kind:      string(p.Kind),
		TaskID:    p.TaskID,
		TaskTitle: p.TaskTitle,
		Channel:   p.Channel,
		Source:    p.Source,
		RequestID: p.RequestID,
		Status:    "queued",
	}

	select {
	case q <- rec:
		s.publish(eventbus.TypeDeliveryEnqueued, rec)
		return nil
	default:
		rec.Status = "dropped"
		rec.Error = ErrQueueFull.Error()
		s.publish(eventbus.TypeDeliveryFailed, rec)
		return ErrQueueFull
	}
}

// Pending reports how many records wait in the queue.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return len(s.queue)
}

// History returns the most recent outbox outcomes for status surfaces.
func (s *Service) History() []storage.DeliveryRecord {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]storage.DeliveryRecord(nil), s.history...)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan storage.DeliveryRecord) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-q:
			if !ok {
				return
			}
			s.writeOne(ctx, rec)
		}
	}
}

func (s *Service) writeOne(ctx context.Context, rec storage.DeliveryRecord) {
	s.mu.Lock()
	lim := s.limiter
	dir := s.dir
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	// A published file implies a completed write, so the status is stamped
	// up front and downgraded only on failure.
	rec.Status = "written"
	name, err := writeOutbox(dir, rec)
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
		s.log.Error("outbox write failed",
			logx.String("user", rec.UserID),
			logx.String("category", rec.Category),
			logx.Err(err))
		s.publish(eventbus.TypeDeliveryFailed, rec)
	} else {
		s.log.Info("delivery written",
			logx.String("user", rec.UserID),
			logx.String("category", rec.Category),
			logx.String("kind", rec.Kind),
			logx.String("file", name))
		s.publish(eventbus.TypeDeliveryWritten, rec)
	}

	s.appendHistory(rec)
	s.audit(ctx, rec)
}

func (s *Service) appendHistory(rec storage.DeliveryRecord) {
	s.hmu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// audit appends to the delivery trail, best effort with a tight deadline.
func (s *Service) audit(ctx context.Context, rec storage.DeliveryRecord) {
	if s.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := s.store.AppendDelivery(cctx, rec); err != nil {
		s.log.Warn("delivery audit append failed", logx.Err(err))
	}
}

func (s *Service) publish(typ string, rec storage.DeliveryRecord) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: rec})
}
