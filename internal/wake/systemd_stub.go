//go:build !linux

package wake

import "nudgebot/pkg/logx"

func newPlatform(cfg Config, log logx.Logger) Timer {
	if cfg.Enabled {
		log.Warn("os wake timers are linux-only, falling back to no-op")
	}
	return Nop{}
}
