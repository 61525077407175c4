package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishKeepsLatestForSlowSubscriber(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused")
	slow := m.Subscribe(1)
	fast := m.Subscribe(4)

	first := Default()
	second := Default()
	second.Loop.TickInterval = "30s"
	m.publish(first)
	m.publish(second)

	if got := <-slow; got != second {
		t.Fatalf("slow subscriber got tick %q, want latest 30s", got.Loop.TickInterval)
	}
	if got := <-fast; got != first {
		t.Fatalf("fast subscriber got tick %q, want first in order", got.Loop.TickInterval)
	}

	m.Unsubscribe(slow)
	if _, ok := <-slow; ok {
		t.Fatal("unsubscribe must close the channel")
	}
}

func TestWatchPublishesOnFileChange(t *testing.T) {
	t.Parallel()

	p := writeConfig(t, "config.json", `{"loop": {"tick_interval": "15s"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var validated atomic.Int32
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		validated.Add(1)
		return nil
	})
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// The watcher needs a beat to arm, so keep rewriting until an event
	// lands. Repeats of the same content collapse into one publish via the
	// content hash.
	next := `{"loop": {"tick_interval": "45s"}}`
	deadline := time.After(10 * time.Second)
	rewrite := time.NewTicker(300 * time.Millisecond)
	defer rewrite.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Loop.TickInterval != "45s" {
				t.Fatalf("published tick_interval = %q, want 45s", cfg.Loop.TickInterval)
			}
			if validated.Load() == 0 {
				t.Fatal("validator was not consulted before publish")
			}
			if got := m.Get(); got.Loop.TickInterval != "45s" {
				t.Fatalf("commit missing, Get() tick = %q", got.Loop.TickInterval)
			}
			cancel()
			<-done
			return
		case <-rewrite.C:
			if err := os.WriteFile(p, []byte(next), 0o644); err != nil {
				t.Fatalf("rewrite config: %v", err)
			}
		case <-deadline:
			t.Fatal("no publish within 10s")
		}
	}
}
