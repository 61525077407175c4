package schedule

import (
	"sort"
	"time"
)

// Table is the in-memory job registry, one entry per (user, category,
// period). It is not safe for concurrent use; Service serializes access.
type Table struct {
	jobs map[string]*ScheduledJob
}

// NewTable returns an empty registry.
func NewTable() *Table {
	return &Table{jobs: make(map[string]*ScheduledJob)}
}

// Put inserts or replaces the job under its key.
func (t *Table) Put(j *ScheduledJob) {
	t.jobs[j.Key()] = j
}

// Get looks up the job for a key.
func (t *Table) Get(key string) (*ScheduledJob, bool) {
	j, ok := t.jobs[key]
	return j, ok
}

// Delete removes the job for a key.
func (t *Table) Delete(key string) {
	delete(t.jobs, key)
}

// Len reports how many jobs are registered.
func (t *Table) Len() int {
	return len(t.jobs)
}

// ForUser returns every job belonging to the user.
func (t *Table) ForUser(userID string) []*ScheduledJob {
	var out []*ScheduledJob
	for _, j := range t.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	return out
}

// Users returns the distinct user ids present in the table.
func (t *Table) Users() []string {
	seen := make(map[string]struct{})
	for _, j := range t.jobs {
		seen[j.UserID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Due returns every job whose fire time is at or before now, soonest first.
func (t *Table) Due(now time.Time) []*ScheduledJob {
	var out []*ScheduledJob
	for _, j := range t.jobs {
		if !j.FireTime.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FireTime.Before(out[k].FireTime) })
	return out
}

// Views returns a stable-ordered snapshot of every job for status surfaces.
func (t *Table) Views() []JobView {
	out := make([]JobView, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, JobView{
			UserID:   j.UserID,
			Category: j.Category,
			PeriodID: j.PeriodID,
			Kind:     j.Kind,
			FireTime: j.FireTime,
		})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].UserID != out[k].UserID {
			return out[i].UserID < out[k].UserID
		}
		if out[i].Category != out[k].Category {
			return out[i].Category < out[k].Category
		}
		return out[i].PeriodID < out[k].PeriodID
	})
	return out
}
