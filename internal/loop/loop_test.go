package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/storage"
	"nudgebot/pkg/logx"
)

// callSeq records the order in which tick steps touched the fakes.
type callSeq struct {
	mu    sync.Mutex
	calls []string
}

func (c *callSeq) add(name string) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
}

func (c *callSeq) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeSched struct {
	mu          sync.Mutex
	seq         *callSeq
	fireCalls   int
	lastFire    time.Time
	ensureCalls int
	ensureErr   error
	jobs        int
}

func (f *fakeSched) FireDue(_ context.Context, now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fireCalls++
	f.lastFire = now
	if f.seq != nil {
		f.seq.add("fire")
	}
	return 0
}

func (f *fakeSched) EnsureAll(context.Context) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	return 1, 0, f.ensureErr
}

func (f *fakeSched) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs
}

func (f *fakeSched) counts() (fires, ensures int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fireCalls, f.ensureCalls
}

type fakeSweeper struct {
	mu       sync.Mutex
	seq      *callSeq
	calls    int
	dirCalls int
	err      error
	dirErr   error
	panics   bool
}

func (f *fakeSweeper) Sweep(_ context.Context, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.seq != nil {
		f.seq.add("sweep")
	}
	if f.panics {
		panic("sweep exploded")
	}
	return 0, f.err
}

func (f *fakeSweeper) EnsureDirs() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirCalls++
	return f.dirErr
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSweeper) probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirCalls
}

type fakeStore struct {
	mu         sync.Mutex
	pruneCalls int
	pruneErr   error
}

func (f *fakeStore) AppendDelivery(context.Context, storage.DeliveryRecord) error { return nil }
func (f *fakeStore) PutFireMark(context.Context, string, time.Time, time.Time) error {
	return nil
}
func (f *fakeStore) GetFireMark(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (f *fakeStore) PruneFireMarks(context.Context, time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneCalls++
	return 2, f.pruneErr
}
func (f *fakeStore) Close() error { return nil }

func TestTickFiresBeforeSweeping(t *testing.T) {
	t.Parallel()

	seq := &callSeq{}
	sched := &fakeSched{seq: seq}
	reqs := &fakeSweeper{seq: seq}
	s := New(Config{ResyncEvery: 40}, sched, reqs, nil, logx.Nop(), eventbus.New())

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.tickOnce(context.Background(), now)

	if got := seq.list(); len(got) != 2 || got[0] != "fire" || got[1] != "sweep" {
		t.Errorf("tick order = %v, want [fire sweep]", got)
	}
	if !sched.lastFire.Equal(now) {
		t.Errorf("fire time = %v, want %v", sched.lastFire, now)
	}
	if got := reqs.probes(); got != 1 {
		t.Errorf("dir probes = %d, want 1 per tick", got)
	}
	if _, ensures := sched.counts(); ensures != 0 {
		t.Errorf("resync ran on tick 1 with resync_every=40")
	}
}

func TestTickResyncCadence(t *testing.T) {
	t.Parallel()

	sched := &fakeSched{}
	s := New(Config{ResyncEvery: 2}, sched, &fakeSweeper{}, nil, logx.Nop(), eventbus.New())

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s.tickOnce(ctx, time.Now())
	}
	if _, ensures := sched.counts(); ensures != 2 {
		t.Errorf("resyncs after 4 ticks = %d, want 2", ensures)
	}
}

func TestStepPanicIsIsolated(t *testing.T) {
	t.Parallel()

	sched := &fakeSched{}
	reqs := &fakeSweeper{panics: true}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{ResyncEvery: 40}, sched, reqs, nil, logx.Nop(), bus)
	s.tickOnce(context.Background(), time.Now())

	if got := reqs.probes(); got != 1 {
		t.Errorf("health step did not run after sweep panic, probes = %d", got)
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeLoopStepError {
			t.Errorf("event type = %q", ev.Type)
		}
	default:
		t.Error("no step error event published")
	}
}

func TestStepErrorDoesNotStopTick(t *testing.T) {
	t.Parallel()

	sched := &fakeSched{}
	reqs := &fakeSweeper{err: errors.New("directory gone")}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{ResyncEvery: 40}, sched, reqs, nil, logx.Nop(), bus)
	s.tickOnce(context.Background(), time.Now())
	s.tickOnce(context.Background(), time.Now())

	if fires, _ := sched.counts(); fires != 2 {
		t.Errorf("fire calls = %d, want 2", fires)
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeLoopStepError {
			t.Errorf("event type = %q", ev.Type)
		}
	default:
		t.Error("no step error event published")
	}
}

func TestHealthPassPrunesFireMarks(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	sched := &fakeSched{jobs: 3}
	s := New(Config{ResyncEvery: 1, MaxJobs: 2}, sched, &fakeSweeper{}, store, logx.Nop(), eventbus.New())

	s.tickOnce(context.Background(), time.Now())

	store.mu.Lock()
	pruned := store.pruneCalls
	store.mu.Unlock()
	if pruned != 1 {
		t.Errorf("prune calls = %d, want 1", pruned)
	}
	if _, ensures := sched.counts(); ensures != 1 {
		t.Errorf("resync calls = %d, want 1", ensures)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	sched := &fakeSched{}
	s := New(Config{TickInterval: 10 * time.Millisecond, ResyncEvery: 1000}, sched, &fakeSweeper{}, nil, logx.Nop(), eventbus.New())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Idempotent.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Ticks < 2 {
		if time.Now().After(deadline) {
			t.Fatal("loop never ticked twice")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Snapshot().Running {
		t.Error("still marked running after Stop")
	}
}

func TestApplyChangesSnapshot(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeSched{}, &fakeSweeper{}, nil, logx.Nop(), eventbus.New())
	if got := s.Snapshot().TickInterval; got != "15s" {
		t.Fatalf("default tick interval = %q", got)
	}
	s.Apply(Config{TickInterval: time.Second, ResyncEvery: 7})
	snap := s.Snapshot()
	if snap.TickInterval != "1s" || snap.ResyncEvery != 7 {
		t.Errorf("snapshot after Apply = %+v", snap)
	}
}
