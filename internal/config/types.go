package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Paths   PathsConfig   `json:"paths"`

	// Loop controls the fixed-interval service loop (tick cadence, resync,
	// runaway bound).
	Loop LoopConfig `json:"loop"`

	// Scheduler controls per-user job building and firing.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Requests controls the file-based control plane (claim staleness,
	// per-tick batch bound).
	Requests RequestsConfig `json:"requests"`

	// Delivery controls the outbox pipeline (rate, queue).
	Delivery DeliveryConfig `json:"delivery"`

	// Wake controls OS wake-timer integration.
	Wake WakeConfig `json:"wake"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Pprof   PprofConfig    `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PathsConfig names the directories shared with external collaborators.
//
// Only data_dir is required; the others default to subdirectories of it.
// The requests directory is written by the admin process, the users/tasks
// directories by the profile and task subsystems, and the outbox directory
// is read by the channel adapters.
type PathsConfig struct {
	DataDir     string `json:"data_dir"`
	UsersDir    string `json:"users_dir,omitempty"`
	TasksDir    string `json:"tasks_dir,omitempty"`
	RequestsDir string `json:"requests_dir,omitempty"`
	OutboxDir   string `json:"outbox_dir,omitempty"`
}

func (p PathsConfig) dataDir() string {
	d := strings.TrimSpace(p.DataDir)
	if d == "" {
		d = "./data"
	}
	return d
}

func (p PathsConfig) Users() string {
	if s := strings.TrimSpace(p.UsersDir); s != "" {
		return s
	}
	return filepath.Join(p.dataDir(), "users")
}

func (p PathsConfig) Tasks() string {
	if s := strings.TrimSpace(p.TasksDir); s != "" {
		return s
	}
	return filepath.Join(p.dataDir(), "tasks")
}

func (p PathsConfig) Requests() string {
	if s := strings.TrimSpace(p.RequestsDir); s != "" {
		return s
	}
	return filepath.Join(p.dataDir(), "requests")
}

func (p PathsConfig) Outbox() string {
	if s := strings.TrimSpace(p.OutboxDir); s != "" {
		return s
	}
	return filepath.Join(p.dataDir(), "outbox")
}

// LoopConfig controls the service loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "15s"
//   - resync_every: 40 ticks (a full user resync roughly every 10 minutes)
//   - max_jobs: 1000 (health alarm threshold, not a hard cap)
type LoopConfig struct {
	TickInterval string `json:"tick_interval,omitempty"`
	ResyncEvery  int    `json:"resync_every,omitempty"`
	MaxJobs      int    `json:"max_jobs,omitempty"`
}

// SchedulerConfig controls job building and firing.
//
// Seed pins the fire-time randomness for reproducible runs ("0" or omitted
// means seed from the clock).
type SchedulerConfig struct {
	Enabled bool  `json:"enabled"`
	Seed    int64 `json:"seed,omitempty"`
}

// RequestsConfig controls the request queue watcher.
//
// Defaults:
//   - stale_claim_after: "10m"
//   - max_per_tick: 64
type RequestsConfig struct {
	StaleClaimAfter string `json:"stale_claim_after,omitempty"`
	MaxPerTick      int    `json:"max_per_tick,omitempty"`
}

// DeliveryConfig controls the outbox pipeline.
//
// Defaults:
//   - rate_per_minute: 20
//   - burst: 5
//   - queue_size: 128
type DeliveryConfig struct {
	RatePerMinute int `json:"rate_per_minute,omitempty"`
	Burst         int `json:"burst,omitempty"`
	QueueSize     int `json:"queue_size,omitempty"`
}

// WakeConfig controls OS wake-timer integration.
//
// On hosts without the facility (or with enabled=false) the engine runs with
// a no-op adapter; reminders then won't rouse a sleeping machine.
type WakeConfig struct {
	Enabled bool `json:"enabled"`
	// UnitPrefix names transient timer units ("<prefix><user>-<slot-hash>.timer").
	UnitPrefix string `json:"unit_prefix,omitempty"`
	// TargetUnit is the unit a wake timer activates when it elapses.
	// Pointing it at this service's own unit makes the elapse a no-op;
	// the wake itself is the point.
	TargetUnit string `json:"target_unit,omitempty"`
}

// StorageConfig controls the optional persistence layer (fire marks and the
// delivery audit journal). Nil section means disabled.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional debug HTTP server.
//
// It binds to loopback only; a non-loopback addr is refused at start.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// applyDefaults fills zero values in place. Parse calls it after decoding so
// every consumer sees a fully populated config.
func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Paths.DataDir) == "" {
		cfg.Paths.DataDir = "./data"
	}
	if strings.TrimSpace(cfg.Loop.TickInterval) == "" {
		cfg.Loop.TickInterval = "15s"
	}
	if cfg.Loop.ResyncEvery <= 0 {
		cfg.Loop.ResyncEvery = 40
	}
	if cfg.Loop.MaxJobs <= 0 {
		cfg.Loop.MaxJobs = 1000
	}
	if strings.TrimSpace(cfg.Requests.StaleClaimAfter) == "" {
		cfg.Requests.StaleClaimAfter = "10m"
	}
	if cfg.Requests.MaxPerTick <= 0 {
		cfg.Requests.MaxPerTick = 64
	}
	if cfg.Delivery.RatePerMinute <= 0 {
		cfg.Delivery.RatePerMinute = 20
	}
	if cfg.Delivery.Burst <= 0 {
		cfg.Delivery.Burst = 5
	}
	if cfg.Delivery.QueueSize <= 0 {
		cfg.Delivery.QueueSize = 128
	}
	if strings.TrimSpace(cfg.Wake.UnitPrefix) == "" {
		cfg.Wake.UnitPrefix = "nudged-wake-"
	}
	if strings.TrimSpace(cfg.Wake.TargetUnit) == "" {
		cfg.Wake.TargetUnit = "nudged.service"
	}
}

// Validate checks the parts of the config that must be structurally sound
// before services apply it. It is used both at startup and as the hot-reload
// validator, so a bad edit never reaches running services.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("loop.tick_interval", c.Loop.TickInterval); err != nil {
		return err
	}
	if d, _ := ParseDurationField("loop.tick_interval", c.Loop.TickInterval); d > 0 && d < 100*time.Millisecond {
		return fmt.Errorf("loop.tick_interval: %q is below the 100ms floor", c.Loop.TickInterval)
	}
	if _, err := ParseDurationField("requests.stale_claim_after", c.Requests.StaleClaimAfter); err != nil {
		return err
	}
	if c.Storage != nil {
		switch strings.TrimSpace(strings.ToLower(c.Storage.Driver)) {
		case "", "disabled", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a fully defaulted config, used by tests and by tooling
// that wants a baseline to edit.
func Default() *Config {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}
