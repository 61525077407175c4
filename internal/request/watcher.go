package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/pkg/logx"
)

const (
	claimedSuffix = ".claimed"
	invalidDir    = "invalid"

	dispatchTimeout = 30 * time.Second
)

// Watcher sweeps the requests directory: reclaim stale claims, claim pending
// files by rename, dispatch, remove. It owns no goroutines; the service loop
// calls Sweep every tick, so a claim taken here is either finished or left
// for the stale reclaim of a later incarnation.
type Watcher struct {
	dir     string
	log     logx.Logger
	bus     eventbus.Bus
	handler Handler

	mu    sync.Mutex
	cfg   Config
	stats Stats
}

func New(dir string, cfg Config, h Handler, log logx.Logger, bus eventbus.Bus) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watcher{
		dir:     dir,
		handler: h,
		log:     log.With(logx.String("component", "request")),
		bus:     bus,
	}
	w.applyLocked(cfg)
	return w
}

func (w *Watcher) Apply(cfg Config) {
	w.mu.Lock()
	w.applyLocked(cfg)
	w.mu.Unlock()
}

func (w *Watcher) applyLocked(cfg Config) {
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = 10 * time.Minute
	}
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = 64
	}
	w.cfg = cfg
}

func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// EnsureDirs creates the request and quarantine directories.
func (w *Watcher) EnsureDirs() error {
	for _, dir := range []string{w.dir, filepath.Join(w.dir, invalidDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Sweep runs one pass and reports how many requests were dispatched.
func (w *Watcher) Sweep(ctx context.Context, now time.Time) (int, error) {
	w.mu.Lock()
	cfg := w.cfg
	w.mu.Unlock()

	if err := w.reclaimStale(now, cfg.StaleClaimAfter); err != nil {
		w.log.Warn("stale claim recovery failed", logx.Err(err))
	}

	names, err := w.pending()
	if err != nil {
		return 0, err
	}
	attempts, handled := 0, 0
	for _, name := range names {
		if attempts >= cfg.MaxPerTick {
			break
		}
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		attempts++
		if w.handleOne(ctx, name, now) {
			handled++
		}
	}
	return handled, nil
}

// pending lists unclaimed request files, oldest first by name (producers
// embed a timestamp in the filename).
func (w *Watcher) pending() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", w.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// reclaimStale renames back claims whose holder evidently died mid-request,
// so the file goes through a full claim cycle again.
func (w *Watcher) reclaimStale(now time.Time, after time.Duration) error {
	entries, err := os.ReadDir(w.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), claimedSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < after {
			continue
		}
		orig := strings.TrimSuffix(e.Name(), claimedSuffix)
		if err := os.Rename(filepath.Join(w.dir, e.Name()), filepath.Join(w.dir, orig)); err != nil {
			w.log.Warn("reclaim failed", logx.String("file", e.Name()), logx.Err(err))
			continue
		}
		w.mu.Lock()
		w.stats.Reclaimed++
		w.mu.Unlock()
		w.log.Warn("reclaimed stale request claim", logx.String("file", orig))
	}
	return nil
}

// handleOne claims, decodes and dispatches one request file. Reports whether
// a dispatch happened; claims lost to races and quarantined files do not
// count.
func (w *Watcher) handleOne(ctx context.Context, name string, now time.Time) bool {
	src := filepath.Join(w.dir, name)
	claimed := src + claimedSuffix
	if err := os.Rename(src, claimed); err != nil {
		// Gone between listing and claiming: another instance won the race.
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Warn("claim failed", logx.String("file", name), logx.Err(err))
		}
		return false
	}
	// Stamp the claim so staleness is measured from the claim, not from the
	// producer's write.
	_ = os.Chtimes(claimed, now, now)

	kind := kindOf(name)
	switch kind {
	case KindReschedule, KindTestMessage:
	default:
		w.quarantine(name, claimed, fmt.Sprintf("unknown kind %q", kind))
		return false
	}

	raw, err := os.ReadFile(claimed)
	if err != nil {
		w.quarantine(name, claimed, "unreadable: "+err.Error())
		return false
	}

	var dispatchErr error
	switch kind {
	case KindReschedule:
		var req Reschedule
		if err := json.Unmarshal(raw, &req); err != nil {
			w.quarantine(name, claimed, "malformed payload: "+err.Error())
			return false
		}
		if strings.TrimSpace(req.UserID) == "" {
			w.quarantine(name, claimed, errNoUser.Error())
			return false
		}
		if strings.TrimSpace(req.Category) == "" {
			req.Category = "all"
		}
		req.RequestID = name
		dispatchErr = w.dispatch(ctx, func(c context.Context) error {
			return w.handler.HandleReschedule(c, req)
		})
	case KindTestMessage:
		var req TestMessage
		if err := json.Unmarshal(raw, &req); err != nil {
			w.quarantine(name, claimed, "malformed payload: "+err.Error())
			return false
		}
		if strings.TrimSpace(req.UserID) == "" {
			w.quarantine(name, claimed, errNoUser.Error())
			return false
		}
		if strings.TrimSpace(req.Category) == "" {
			w.quarantine(name, claimed, "test message without category")
			return false
		}
		req.RequestID = name
		dispatchErr = w.dispatch(ctx, func(c context.Context) error {
			return w.handler.HandleTestMessage(c, req)
		})
	}

	// The file is consumed either way. A failed dispatch is the operator's
	// signal to re-issue, not the watcher's to retry forever.
	w.remove(claimed)
	if dispatchErr != nil {
		w.mu.Lock()
		w.stats.Failed++
		w.mu.Unlock()
		w.log.Error("request dispatch failed",
			logx.String("file", name), logx.String("kind", kind), logx.Err(dispatchErr))
		w.publish(eventbus.TypeRequestFailed, name, kind, dispatchErr)
		return true
	}
	w.mu.Lock()
	w.stats.Processed++
	w.mu.Unlock()
	w.log.Info("request processed", logx.String("file", name), logx.String("kind", kind))
	w.publish(eventbus.TypeRequestProcessed, name, kind, nil)
	return true
}

func (w *Watcher) dispatch(ctx context.Context, fn func(context.Context) error) error {
	dctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	return fn(dctx)
}

// quarantine moves a claimed file under invalid/ with its original name.
func (w *Watcher) quarantine(name, claimed, reason string) {
	w.mu.Lock()
	w.stats.Invalid++
	w.mu.Unlock()

	dst := filepath.Join(w.dir, invalidDir, name)
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(w.dir, invalidDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), name))
	}
	if err := os.Rename(claimed, dst); err != nil {
		w.log.Error("quarantine failed, dropping request",
			logx.String("file", name), logx.Err(err))
		w.remove(claimed)
	}
	w.log.Warn("request quarantined",
		logx.String("file", name), logx.String("reason", reason))
	w.publish(eventbus.TypeRequestInvalid, name, kindOf(name), errors.New(reason))
}

func (w *Watcher) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Warn("request cleanup failed",
			logx.String("file", filepath.Base(path)), logx.Err(err))
	}
}

func (w *Watcher) publish(typ, name, kind string, err error) {
	if w.bus == nil {
		return
	}
	data := map[string]string{"file": name, "kind": kind}
	if err != nil {
		data["error"] = err.Error()
	}
	w.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
