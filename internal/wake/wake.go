// Package wake arms OS-level wake timers so due reminders can rouse a host
// that is suspended when their window arrives. On linux the timers are
// transient systemd .timer units with WakeSystem set; everywhere else the
// package degrades to a no-op.
package wake

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"nudgebot/internal/schedule"
	"nudgebot/pkg/logx"
)

type Config struct {
	Enabled bool
	// UnitPrefix namespaces the transient units this daemon owns.
	UnitPrefix string
	// TargetUnit is activated when a timer elapses, typically the daemon's
	// own service so a stopped instance is relaunched.
	TargetUnit string
}

// Timer arms and clears wake timers. Close releases the underlying
// connection but deliberately leaves armed timers in place: a pending wake
// must survive a daemon restart.
type Timer interface {
	schedule.WakeTimer
	Apply(cfg Config)
	Close() error
}

// Nop discards every operation. Used on platforms without wake timers.
type Nop struct{}

func (Nop) ArrangeWake(ctx context.Context, userID, slot string, when time.Time) error { return nil }
func (Nop) CancelWake(ctx context.Context, userID, slot string) error                  { return nil }
func (Nop) Apply(Config)                                                               {}
func (Nop) Close() error                                                               { return nil }

// New returns the platform timer. It is constructed even when disabled so a
// later Apply can switch wake timers on without a restart; the platform
// implementation gates every operation on the current config.
func New(cfg Config, log logx.Logger) Timer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return newPlatform(cfg, log)
}

// unitName builds a deterministic timer unit name for a slot, so re-arming
// the same slot replaces the previous timer instead of stacking a new one.
func unitName(prefix, userID, slot string) string {
	if strings.TrimSpace(prefix) == "" {
		prefix = "nudged-wake-"
	}
	h := fnv.New32a()
	h.Write([]byte(slot))
	return prefix + sanitizeUnitPart(userID) + "-" + strconv.FormatUint(uint64(h.Sum32()), 16) + ".timer"
}

// sanitizeUnitPart keeps the characters systemd allows in unit names.
func sanitizeUnitPart(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// isNoSuchUnit matches systemd's error for stopping a unit that is not
// loaded, which cancellation treats as already done.
func isNoSuchUnit(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not loaded")
}
