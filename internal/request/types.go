// Package request is the file-based control plane. External tools drop
// small JSON files into the requests directory; the watcher claims each file
// by rename, dispatches it, and removes it. Files that cannot be understood
// are quarantined under invalid/ for later inspection instead of being
// retried forever.
package request

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Request kinds, the filename prefix up to the first underscore.
const (
	KindReschedule  = "reschedule"
	KindTestMessage = "testmessage"
)

// Reschedule asks the scheduler to rebuild one user's jobs. Category narrows
// the reason for the rebuild; "all" (or empty) means the whole profile
// changed.
type Reschedule struct {
	UserID   string `json:"user_id"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// RequestID is the originating filename, set by the watcher.
	RequestID string `json:"-"`
}

// TestMessage asks for exactly one immediate delivery for a category,
// bypassing the schedule. Used to verify a channel end to end.
type TestMessage struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Channel  string `json:"channel,omitempty"`

	RequestID string `json:"-"`
}

// Handler executes claimed requests. Implementations decide what a
// reschedule or test message means; the watcher only owns the file
// lifecycle.
type Handler interface {
	HandleReschedule(ctx context.Context, req Reschedule) error
	HandleTestMessage(ctx context.Context, req TestMessage) error
}

// Config carries the watcher knobs.
type Config struct {
	// StaleClaimAfter is how old a .claimed file must be before it is
	// treated as a crashed predecessor's leftover and reclaimed.
	StaleClaimAfter time.Duration
	// MaxPerTick bounds how many requests one sweep processes.
	MaxPerTick int
}

// Stats counts watcher outcomes since start.
type Stats struct {
	Processed uint64 `json:"processed"`
	Invalid   uint64 `json:"invalid"`
	Failed    uint64 `json:"failed"`
	Reclaimed uint64 `json:"reclaimed"`
}

var errNoUser = errors.New("request without user_id")

// kindOf extracts the request kind from a filename. The remaining filename
// segments are advisory; the payload is authoritative for routing data.
func kindOf(name string) string {
	base := strings.TrimSuffix(name, ".json")
	if i := strings.IndexByte(base, '_'); i > 0 {
		return base[:i]
	}
	return ""
}
