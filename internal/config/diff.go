package config

import (
	"sort"
	"strings"

	"nudgebot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Paths and other potentially sensitive values
// are summarized (set/unset, counts) rather than dumped.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Paths != newCfg.Paths {
		changed = append(changed, "paths")
		attrs = append(attrs,
			logx.String("paths.requests", newCfg.Paths.Requests()),
			logx.String("paths.outbox", newCfg.Paths.Outbox()),
		)
	}

	if oldCfg.Loop != newCfg.Loop {
		changed = append(changed, "loop")
		attrs = append(attrs,
			logx.String("loop.tick_interval", strings.TrimSpace(newCfg.Loop.TickInterval)),
			logx.Int("loop.resync_every", newCfg.Loop.ResyncEvery),
			logx.Int("loop.max_jobs", newCfg.Loop.MaxJobs),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Bool("scheduler.seed_set", newCfg.Scheduler.Seed != 0),
		)
	}

	if oldCfg.Requests != newCfg.Requests {
		changed = append(changed, "requests")
		attrs = append(attrs,
			logx.String("requests.stale_claim_after", strings.TrimSpace(newCfg.Requests.StaleClaimAfter)),
			logx.Int("requests.max_per_tick", newCfg.Requests.MaxPerTick),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.rate_per_minute", newCfg.Delivery.RatePerMinute),
			logx.Int("delivery.burst", newCfg.Delivery.Burst),
			logx.Int("delivery.queue_size", newCfg.Delivery.QueueSize),
		)
	}

	if oldCfg.Wake != newCfg.Wake {
		changed = append(changed, "wake")
		attrs = append(attrs,
			logx.Bool("wake.enabled", newCfg.Wake.Enabled),
			logx.String("wake.target_unit", strings.TrimSpace(newCfg.Wake.TargetUnit)),
		)
	}

	// Storage: nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
