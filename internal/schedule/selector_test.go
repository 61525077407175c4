package schedule

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestDueWeightBuckets(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		days int // due date offset from today; sentinel 999 means no date
		want float64
	}{
		{"overdue", -1, 5},
		{"long overdue", -40, 5},
		{"today", 0, 4},
		{"tomorrow", 1, 3 - (1.0/7)*2},
		{"in a week", 7, 1},
		{"in two weeks", 14, 1},
		{"in a month", 30, 1},
		{"beyond a month", 31, 0.25},
		{"no due date", 999, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := Task{ID: "x"}
			if tc.days != 999 {
				task.DueDate = now.AddDate(0, 0, tc.days).Format(dateLayout)
			}
			got, ok := dueWeight(task, now)
			if !ok {
				t.Fatalf("due date %q did not parse", task.DueDate)
			}
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("weight = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTaskWeightFlagsBadDueDate(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	w, ok := TaskWeight(Task{ID: "x", Priority: PriorityHigh, DueDate: "next tuesday"}, now)
	if ok {
		t.Fatal("junk due date must be flagged")
	}
	// Scored as if no date were set.
	if want := 3 * dueWeightNone; math.Abs(w-want) > 1e-9 {
		t.Fatalf("weight = %v, want %v", w, want)
	}
}

func TestSelectReminderSkipsIneligible(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	now := time.Now()

	if _, ok := SelectReminder(nil, now, rng); ok {
		t.Fatal("empty list must select nothing")
	}
	tasks := []Task{
		{ID: "done", Completed: true},
		{ID: "gone", Archived: true},
	}
	if _, ok := SelectReminder(tasks, now, rng); ok {
		t.Fatal("completed and archived tasks must never win")
	}

	tasks = append(tasks, Task{ID: "open", Priority: PriorityLow})
	for i := 0; i < 50; i++ {
		got, ok := SelectReminder(tasks, now, rng)
		if !ok || got.ID != "open" {
			t.Fatalf("draw %d picked %+v, want the only open task", i, got)
		}
	}
}

func TestSelectReminderFavorsUrgentTasks(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tasks := []Task{
		// critical and overdue: weight 25.
		{ID: "urgent", Priority: PriorityCritical, DueDate: "2026-02-01"},
		// low with no date: weight 0.5.
		{ID: "someday", Priority: PriorityLow},
	}
	rng := rand.New(rand.NewSource(42))

	const draws = 10000
	urgent := 0
	for i := 0; i < draws; i++ {
		got, ok := SelectReminder(tasks, now, rng)
		if !ok {
			t.Fatal("draw returned nothing")
		}
		if got.ID == "urgent" {
			urgent++
		}
	}
	// Expected share is 25/25.5, about 98%. Leave slack for rng noise.
	if urgent < draws*95/100 {
		t.Fatalf("urgent won %d of %d draws, want at least 95%%", urgent, draws)
	}
	if urgent == draws {
		t.Fatal("low-weight task must still win occasionally")
	}
}
