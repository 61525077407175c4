package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// dateLayout is the calendar-date form used by task due dates.
const dateLayout = "2006-01-02"

// cronParser accepts standard five-field expressions, an optional leading
// seconds field and descriptors like @daily.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextOccurrence computes when a recurring task is due again. reference is
// the task's own due date; completion is when the user finished it. Rules
// anchored after_completion advance from the completion time so repeated
// late finishes do not pile up overdue instances, on_schedule rules keep the
// original cadence. Custom rules delegate to their cron expression and
// ignore Interval.
func NextOccurrence(rule RecurrenceRule, reference, completion time.Time) (time.Time, error) {
	base := reference
	if strings.EqualFold(strings.TrimSpace(rule.Anchor), AnchorAfterCompletion) && !completion.IsZero() {
		base = completion
	}
	if base.IsZero() {
		base = completion
	}

	pattern := strings.ToLower(strings.TrimSpace(rule.Pattern))
	switch pattern {
	case PatternDaily, PatternWeekly, PatternMonthly:
		if rule.Interval <= 0 {
			return time.Time{}, fmt.Errorf("pattern %q interval %d: %w", pattern, rule.Interval, ErrInvalidRecurrence)
		}
	case PatternCustom:
		// handled below
	default:
		return time.Time{}, fmt.Errorf("pattern %q: %w", rule.Pattern, ErrInvalidRecurrence)
	}

	switch pattern {
	case PatternDaily:
		return base.AddDate(0, 0, rule.Interval), nil
	case PatternWeekly:
		return base.AddDate(0, 0, rule.Interval*7), nil
	case PatternMonthly:
		return addMonthsClamped(base, rule.Interval), nil
	default: // custom
		expr := strings.TrimSpace(rule.Cron)
		if expr == "" {
			return time.Time{}, fmt.Errorf("custom pattern without cron expression: %w", ErrInvalidRecurrence)
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %v: %w", expr, err, ErrInvalidRecurrence)
		}
		next := sched.Next(base)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron %q never fires after %s: %w", expr, base.Format(time.RFC3339), ErrInvalidRecurrence)
		}
		return next, nil
	}
}

// addMonthsClamped advances by whole months, clamping the day of month to
// the target month's length. Jan 31 plus one month lands on Feb 28 (29 in
// leap years), never on Mar 3 the way normalized date arithmetic would.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	total := int(month) - 1 + months
	year += total / 12
	total %= 12
	if total < 0 {
		total += 12
		year--
	}
	target := time.Month(total + 1)
	if max := daysIn(year, target); day > max {
		day = max
	}
	return time.Date(year, target, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// daysIn returns the number of days in the given month.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextTask builds the successor instance spawned when a recurring task is
// completed. The completed instance is left untouched; the successor gets a
// fresh id, cleared completion state and the recomputed due date. Tasks
// without a recurrence rule return ErrNoRecurrence.
func NextTask(t Task, completedAt time.Time) (Task, error) {
	if t.Recurrence == nil {
		return Task{}, ErrNoRecurrence
	}
	reference := completedAt
	if t.DueDate != "" {
		if due, err := time.ParseInLocation(dateLayout, t.DueDate, completedAt.Location()); err == nil {
			reference = due
		}
	}
	next, err := NextOccurrence(*t.Recurrence, reference, completedAt)
	if err != nil {
		return Task{}, err
	}
	succ := t
	succ.ID = uuid.NewString()
	succ.Completed = false
	succ.Archived = false
	succ.DueDate = next.Format(dateLayout)
	return succ, nil
}
