package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"nudgebot/pkg/logx"
)

// Store is the minimal persistence API used by the scheduler and the outbox.
//
// Fire marks are keyed by job key + local date; an expired mark is treated as
// absent. PruneFireMarks drops expired marks and reports how many went away.
type Store interface {
	AppendDelivery(ctx context.Context, rec DeliveryRecord) error
	PutFireMark(ctx context.Context, key string, firedAt, expires time.Time) error
	GetFireMark(ctx context.Context, key string) (firedAt time.Time, ok bool, err error)
	PruneFireMarks(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "disabled" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
