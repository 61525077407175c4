package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanicAndRecordsErr(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error {
		panic("kaput")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatal("expected recorded panic error")
	}

	snap := s.SnapshotNow()
	found := false
	for _, ts := range snap.Tasks {
		if ts.Name == "boom" && ts.Panics == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("panic not counted in snapshot: %+v", snap.Tasks)
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("stubborn", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatal("expected final error after giving up")
	}
	// Initial run + 2 restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestStopCancelsLongRunner(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	started := make(chan struct{})
	s.Go("sleeper", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c := s.CountersNow(); c.Active != 0 {
		t.Fatalf("active = %d, want 0", c.Active)
	}
}
