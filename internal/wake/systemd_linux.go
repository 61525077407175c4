//go:build linux

package wake

import (
	"context"
	"fmt"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"

	"nudgebot/pkg/logx"
)

// Systemd arms transient .timer units over the system D-Bus. The connection
// is opened lazily on first use and cached.
type Systemd struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	conn *sd.Conn
}

func newPlatform(cfg Config, log logx.Logger) Timer {
	return &Systemd{cfg: cfg, log: log.With(logx.String("component", "wake"))}
}

// monotonicTimer marshals as systemd's (s,t) timer tuple.
type monotonicTimer struct {
	Base string
	Usec uint64
}

func (s *Systemd) connLocked(ctx context.Context) (*sd.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := sd.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	s.conn = conn
	return conn, nil
}

// resetLocked throws the cached connection away so the next call re-dials.
// Called after bus-level failures, which otherwise wedge every later call on
// a dead connection.
func (s *Systemd) resetLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// ArrangeWake replaces the slot's timer with one that elapses at when and
// may resume the system from suspend. Times already in the past are armed a
// second out so the target unit still gets poked.
func (s *Systemd) ArrangeWake(ctx context.Context, userID, slot string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return nil
	}
	conn, err := s.connLocked(ctx)
	if err != nil {
		return err
	}
	unit := unitName(s.cfg.UnitPrefix, userID, slot)

	// Stop any previous incarnation; transient units cannot be restarted in
	// place.
	if _, err := conn.StopUnitContext(ctx, unit, "replace", nil); err != nil && !isNoSuchUnit(err) {
		s.log.Debug("stale wake timer stop failed", logx.String("unit", unit), logx.Err(err))
	}

	delay := time.Until(when)
	if delay < time.Second {
		delay = time.Second
	}
	props := []sd.Property{
		sd.PropDescription(fmt.Sprintf("wake for %s at %s", userID, when.Format(time.RFC3339))),
		{Name: "TimersMonotonic", Value: godbus.MakeVariant([]monotonicTimer{
			{Base: "OnActiveUSec", Usec: uint64(delay / time.Microsecond)},
		})},
		{Name: "WakeSystem", Value: godbus.MakeVariant(true)},
		{Name: "RemainAfterElapse", Value: godbus.MakeVariant(false)},
	}
	if s.cfg.TargetUnit != "" {
		props = append(props, sd.Property{Name: "Unit", Value: godbus.MakeVariant(s.cfg.TargetUnit)})
	}

	done := make(chan string, 1)
	if _, err := conn.StartTransientUnitContext(ctx, unit, "replace", props, done); err != nil {
		s.resetLocked()
		return fmt.Errorf("arm %s: %w", unit, err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("arm %s: job result %q", unit, result)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Debug("wake timer armed",
		logx.String("unit", unit), logx.Time("when", when), logx.Duration("in", delay))
	return nil
}

// CancelWake stops the slot's timer. A timer that already elapsed or never
// existed is not an error.
func (s *Systemd) CancelWake(ctx context.Context, userID, slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return nil
	}
	conn, err := s.connLocked(ctx)
	if err != nil {
		return err
	}
	unit := unitName(s.cfg.UnitPrefix, userID, slot)
	if _, err := conn.StopUnitContext(ctx, unit, "replace", nil); err != nil {
		if isNoSuchUnit(err) {
			return nil
		}
		s.resetLocked()
		return fmt.Errorf("cancel %s: %w", unit, err)
	}
	return nil
}

// Apply swaps the knobs for operations from now on, including the enabled
// flag. Timers armed before a disable are left to elapse on their own;
// already armed timers keep their old names and are replaced as their jobs
// reschedule.
func (s *Systemd) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Close drops the D-Bus connection. Armed timers stay, so pending wakes
// survive the daemon going away.
func (s *Systemd) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}
