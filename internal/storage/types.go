package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "disabled", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryRecord is the audit row written for every delivery hand-off.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	UserID    string    `json:"user_id"`
	Category  string    `json:"category"`
	Kind      string    `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	TaskTitle string    `json:"task_title,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Source    string    `json:"source"`
	RequestID string    `json:"request_id,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}
