package app

import (
	"fmt"
	"strings"
	"time"

	"nudgebot/internal/config"
	"nudgebot/internal/delivery"
	"nudgebot/internal/loop"
	"nudgebot/internal/observability/pprof"
	"nudgebot/internal/request"
	"nudgebot/internal/storage"
	"nudgebot/internal/wake"
)

// The mappers translate the file config into per-service configs. They are
// also the hot-reload validators: a mapper error rejects the whole reload.

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "disabled" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	return delivery.Config{
		RatePerMinute: cfg.Delivery.RatePerMinute,
		Burst:         cfg.Delivery.Burst,
		QueueSize:     cfg.Delivery.QueueSize,
	}
}

func mapRequestsConfig(cfg *config.Config) (request.Config, error) {
	stale, err := config.ParseDurationField("requests.stale_claim_after", cfg.Requests.StaleClaimAfter)
	if err != nil {
		return request.Config{}, err
	}
	return request.Config{
		StaleClaimAfter: stale,
		MaxPerTick:      cfg.Requests.MaxPerTick,
	}, nil
}

func mapLoopConfig(cfg *config.Config) (loop.Config, error) {
	tick, err := config.ParseDurationField("loop.tick_interval", cfg.Loop.TickInterval)
	if err != nil {
		return loop.Config{}, err
	}
	return loop.Config{
		TickInterval: tick,
		ResyncEvery:  cfg.Loop.ResyncEvery,
		MaxJobs:      cfg.Loop.MaxJobs,
	}, nil
}

func mapWakeConfig(cfg *config.Config) wake.Config {
	return wake.Config{
		Enabled:    cfg.Wake.Enabled,
		UnitPrefix: cfg.Wake.UnitPrefix,
		TargetUnit: cfg.Wake.TargetUnit,
	}
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:      cfg.Pprof.Enabled,
		Addr:         cfg.Pprof.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}
