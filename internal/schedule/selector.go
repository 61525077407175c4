package schedule

import (
	"math/rand"
	"time"
)

// Due-date weights. Closer deadlines push a task toward the front of the
// draw, a missing date sits between "sometime this month" and "far future".
const (
	dueWeightOverdue = 5.0
	dueWeightToday   = 4.0
	dueWeightMonth   = 1.0
	dueWeightNone    = 0.5
	dueWeightFar     = 0.25
)

// dueWeight scores the task's due date against now. ok is false when the
// date is set but does not parse; the task then weighs as if it had none.
func dueWeight(t Task, now time.Time) (weight float64, ok bool) {
	if t.DueDate == "" {
		return dueWeightNone, true
	}
	due, err := time.ParseInLocation(dateLayout, t.DueDate, now.Location())
	if err != nil {
		return dueWeightNone, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	days := int(due.Sub(today).Hours() / 24)
	switch {
	case days < 0:
		return dueWeightOverdue, true
	case days == 0:
		return dueWeightToday, true
	case days <= 7:
		w := 3 - (float64(days)/7)*2
		if w < 1 {
			w = 1
		}
		return w, true
	case days <= 30:
		return dueWeightMonth, true
	default:
		return dueWeightFar, true
	}
}

// TaskWeight is the combined selection weight: priority weight times due
// weight. ok is false when the due date failed to parse.
func TaskWeight(t Task, now time.Time) (weight float64, ok bool) {
	due, ok := dueWeight(t, now)
	return t.Priority.Weight() * due, ok
}

// SelectReminder draws one eligible task, weighted by priority and due date.
// Completed and archived tasks never win. Returns false when nothing is
// eligible. When every weight is zero the draw degrades to uniform over the
// eligible tasks.
func SelectReminder(tasks []Task, now time.Time, rng *rand.Rand) (Task, bool) {
	eligible := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Eligible() {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return Task{}, false
	}

	weights := make([]float64, len(eligible))
	total := 0.0
	for i, t := range eligible {
		w, _ := TaskWeight(t, now)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return eligible[rng.Intn(len(eligible))], true
	}

	r := rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r < acc {
			return eligible[i], true
		}
	}
	// Float rounding can leave r a hair past the last bucket.
	return eligible[len(eligible)-1], true
}
