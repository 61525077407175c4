package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobKind tells the delivery side what sort of message a fired job carries.
type JobKind string

const (
	KindDailyMessage JobKind = "daily_message"
	KindCheckin      JobKind = "checkin"
	KindTaskReminder JobKind = "task_reminder"
)

// Categories with a dedicated kind. Every other category fires a plain
// daily message.
const (
	CategoryCheckin = "checkin"
	CategoryTasks   = "tasks"
)

// KindForCategory maps a category name to the job kind it fires.
func KindForCategory(category string) JobKind {
	switch category {
	case CategoryCheckin:
		return KindCheckin
	case CategoryTasks:
		return KindTaskReminder
	default:
		return KindDailyMessage
	}
}

// Priority is the user-assigned urgency of a task.
type Priority string

const (
	PriorityNone     Priority = "none"
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the selector weight for the priority. Unknown or empty
// values weigh the same as none.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 5
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0.5
	}
}

// TimePeriod is one delivery window inside a user's day, bounds in local
// wall-clock "HH:MM".
type TimePeriod struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Active bool   `json:"active"`
}

// Window parses the period bounds into minutes since local midnight.
func (p TimePeriod) Window() (startMin, endMin int, err error) {
	startMin, err = parseHHMM(p.Start)
	if err != nil {
		return 0, 0, err
	}
	endMin, err = parseHHMM(p.End)
	if err != nil {
		return 0, 0, err
	}
	if endMin <= startMin {
		return 0, 0, fmt.Errorf("period end %q not after start %q", p.End, p.Start)
	}
	return startMin, endMin, nil
}

// parseHHMM converts "HH:MM" into minutes since midnight.
func parseHHMM(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour*60 + minute, nil
}

// Recurrence patterns and anchors.
const (
	PatternDaily   = "daily"
	PatternWeekly  = "weekly"
	PatternMonthly = "monthly"
	PatternCustom  = "custom"

	AnchorOnSchedule      = "on_schedule"
	AnchorAfterCompletion = "after_completion"
)

// RecurrenceRule describes how a task repeats once completed.
type RecurrenceRule struct {
	Pattern  string `json:"pattern"`
	Interval int    `json:"interval"`
	Anchor   string `json:"anchor,omitempty"`
	Cron     string `json:"cron,omitempty"`
}

// Task is a single to-do item owned by one user. DueDate, when set, is a
// local calendar date in "YYYY-MM-DD".
type Task struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Priority   Priority        `json:"priority,omitempty"`
	DueDate    string          `json:"due_date,omitempty"`
	Recurrence *RecurrenceRule `json:"recurrence,omitempty"`
	Completed  bool            `json:"completed"`
	Archived   bool            `json:"archived,omitempty"`
}

// Eligible reports whether the task may be offered by the reminder selector.
func (t Task) Eligible() bool {
	return !t.Completed && !t.Archived
}

// UserProfile is the per-user configuration the scheduler converges on.
// Periods maps category name to that category's delivery windows; Features
// switches whole categories on and off.
type UserProfile struct {
	UserID   string                  `json:"user_id"`
	Timezone string                  `json:"timezone,omitempty"`
	Features map[string]bool         `json:"features,omitempty"`
	Periods  map[string][]TimePeriod `json:"periods,omitempty"`
}

// ScheduledJob is one pending fire in the job table.
type ScheduledJob struct {
	UserID   string    `json:"user_id"`
	Category string    `json:"category"`
	PeriodID string    `json:"period_id"`
	Kind     JobKind   `json:"kind"`
	FireTime time.Time `json:"fire_time"`

	// Window bounds in minutes since local midnight, kept so the job can be
	// re-rolled into the next day's window after it fires.
	StartMin int `json:"-"`
	EndMin   int `json:"-"`

	// WakeSlot names the OS wake timer owned by this job, empty when no
	// timer is armed.
	WakeSlot string `json:"-"`
}

// Key returns the table key for the job.
func (j *ScheduledJob) Key() string {
	return JobKey(j.UserID, j.Category, j.PeriodID)
}

// JobKey builds the table key for a (user, category, period) slot.
func JobKey(userID, category, periodID string) string {
	return userID + "|" + category + "|" + periodID
}

// JobView is the read-only projection of a job handed to status surfaces.
type JobView struct {
	UserID   string    `json:"user_id"`
	Category string    `json:"category"`
	PeriodID string    `json:"period_id"`
	Kind     JobKind   `json:"kind"`
	FireTime time.Time `json:"fire_time"`
}

// Payload is what a fired job asks the Deliverer to send.
type Payload struct {
	Kind      JobKind `json:"kind"`
	Category  string  `json:"category"`
	TaskID    string  `json:"task_id,omitempty"`
	TaskTitle string  `json:"task_title,omitempty"`
	Channel   string  `json:"channel,omitempty"`
	Source    string  `json:"source"`
	RequestID string  `json:"request_id,omitempty"`
}

// Payload sources.
const (
	SourceScheduler = "scheduler"
	SourceRequest   = "request"
)

// Source supplies user profiles and task snapshots. Implementations must
// return ErrUnknownUser when the profile does not exist so the scheduler can
// tell an absent account from a read failure.
type Source interface {
	Profile(ctx context.Context, userID string) (UserProfile, error)
	Tasks(ctx context.Context, userID string) ([]Task, error)
	UserIDs(ctx context.Context) ([]string, error)
}

// Deliverer accepts payloads for fired jobs. Enqueueing must be cheap; the
// scheduler treats an error as a failed delivery and leaves the job for its
// next scheduled fire.
type Deliverer interface {
	Deliver(ctx context.Context, userID, category string, p Payload) error
}

// WakeTimer arms and clears OS-level wake timers for pending fires. A nil or
// no-op implementation is valid on hosts without timer support.
type WakeTimer interface {
	ArrangeWake(ctx context.Context, userID, slot string, when time.Time) error
	CancelWake(ctx context.Context, userID, slot string) error
}

// Sentinel errors shared across the package.
var (
	ErrUnknownUser       = errors.New("unknown user")
	ErrNoRecurrence      = errors.New("task has no recurrence rule")
	ErrInvalidRecurrence = errors.New("invalid recurrence rule")
)
