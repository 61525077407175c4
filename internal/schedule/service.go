package schedule

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/storage"
	"nudgebot/pkg/logx"
)

// Config carries the scheduler knobs.
type Config struct {
	// Enabled gates firing. Rebuilds still run while disabled so the table
	// stays converged and firing resumes cleanly.
	Enabled bool
	// Seed fixes the random source for reproducible runs; zero seeds from
	// the clock.
	Seed int64
}

// Service is the scheduler core. One mutex guards the job table and the
// random source; the service owns no goroutines and is driven by the service
// loop and the request watcher.
type Service struct {
	log  logx.Logger
	bus  eventbus.Bus
	src  Source
	sink Deliverer
	wake WakeTimer
	// store keeps fire marks so a restart does not repeat deliveries. nil
	// disables the dedup and every due job fires.
	store storage.Store

	mu     sync.Mutex
	cfg    Config
	table  *Table
	rng    *rand.Rand
	badDue map[string]struct{}
	tzWarn map[string]struct{}
}

// New wires the scheduler against its collaborators. store and wake may be
// nil; src and sink must not be.
func New(cfg Config, src Source, sink Deliverer, wake WakeTimer, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log.With(logx.String("component", "schedule")),
		bus:    bus,
		src:    src,
		sink:   sink,
		wake:   wake,
		store:  store,
		cfg:    cfg,
		table:  NewTable(),
		rng:    rand.New(rand.NewSource(seed)),
		badDue: make(map[string]struct{}),
		tzWarn: make(map[string]struct{}),
	}
}

// Enabled reports whether due jobs fire.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates runtime knobs. The random seed only takes effect at
// construction.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Enabled != s.cfg.Enabled {
		s.log.Info("scheduler toggled", logx.Bool("enabled", cfg.Enabled))
	}
	s.cfg = cfg
}

// Len reports how many jobs are pending.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Len()
}

// Snapshot returns a stable-ordered copy of the job table for status
// surfaces.
func (s *Service) Snapshot() []JobView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Views()
}

// EnsureSchedule rebuilds the user's slice of the job table from their
// current profile. The rebuild is a diff: slots present in both the table
// and the desired set keep their pending fire time, so repeated calls never
// stack duplicate jobs. A missing profile cancels everything the user has; a
// malformed profile aborts the rebuild and leaves the previous jobs running.
func (s *Service) EnsureSchedule(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("empty user id")
	}

	prof, err := s.src.Profile(ctx, userID)
	if errors.Is(err, ErrUnknownUser) {
		if n := s.CancelAll(ctx, userID); n > 0 {
			s.log.Info("profile gone, schedule dropped",
				logx.String("user", userID), logx.Int("cancelled", n))
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load profile %s: %w", userID, err)
	}

	desired, err := desiredSlots(prof)
	if err != nil {
		return fmt.Errorf("profile %s: %w", userID, err)
	}
	now := time.Now()
	loc := s.location(prof)

	s.mu.Lock()
	defer s.mu.Unlock()
	added, removed, kept := s.reconcileLocked(ctx, userID, desired, now.In(loc))
	if added > 0 || removed > 0 {
		s.log.Info("schedule rebuilt",
			logx.String("user", userID),
			logx.Int("added", added),
			logx.Int("removed", removed),
			logx.Int("kept", kept),
			logx.Int("total", s.table.Len()))
	}
	return nil
}

// EnsureAll converges every known user and drops jobs for users whose
// profile disappeared between resyncs. Per-user failures are logged and
// skipped, a listing failure aborts.
func (s *Service) EnsureAll(ctx context.Context) (users, failures int, err error) {
	ids, err := s.src.UserIDs(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list users: %w", err)
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
		if err := s.EnsureSchedule(ctx, id); err != nil {
			failures++
			s.log.Error("schedule rebuild failed", logx.String("user", id), logx.Err(err))
			continue
		}
		users++
	}

	s.mu.Lock()
	var stale []string
	for _, id := range s.table.Users() {
		if _, ok := known[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		if n := s.CancelAll(ctx, id); n > 0 {
			s.log.Info("user vanished, schedule dropped",
				logx.String("user", id), logx.Int("cancelled", n))
		}
	}
	return users, failures, nil
}

// CancelAll removes every job the user has and clears their wake timers.
// Returns how many jobs went away.
func (s *Service) CancelAll(ctx context.Context, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.table.ForUser(userID)
	for _, j := range jobs {
		s.dropJobLocked(ctx, j, "cancel all")
	}
	return len(jobs)
}

// FireDue delivers every job whose fire time has passed and rolls each into
// its next day's window. A failure in one job never blocks the rest.
func (s *Service) FireDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return 0
	}
	fired := 0
	for _, j := range s.table.Due(now) {
		if s.fireLocked(ctx, j, now) {
			fired++
		}
	}
	return fired
}

// SelectReminderTask draws a weighted reminder outside the firing path, used
// by test message requests for the tasks category.
func (s *Service) SelectReminderTask(ctx context.Context, userID string) (Task, bool, error) {
	tasks, err := s.src.Tasks(ctx, userID)
	if err != nil {
		return Task{}, false, fmt.Errorf("task snapshot %s: %w", userID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := SelectReminder(tasks, time.Now(), s.rng)
	return t, ok, nil
}

// slot is one desired (category, period) entry computed from a profile.
type slot struct {
	category string
	periodID string
	kind     JobKind
	startMin int
	endMin   int
}

// desiredSlots expands a profile into the jobs the user should have. Every
// period is validated up front so a single bad window rejects the whole
// profile instead of converging on half of it.
func desiredSlots(prof UserProfile) (map[string]slot, error) {
	out := make(map[string]slot)
	for category, periods := range prof.Periods {
		if strings.TrimSpace(category) == "" || strings.ContainsAny(category, "|/\\") {
			return nil, fmt.Errorf("bad category name %q", category)
		}
		if !prof.Features[category] {
			continue
		}
		seen := make(map[string]int)
		for _, p := range periods {
			if !p.Active {
				continue
			}
			startMin, endMin, err := p.Window()
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", category, err)
			}
			id := fmt.Sprintf("%02d%02d-%02d%02d", startMin/60, startMin%60, endMin/60, endMin%60)
			seen[id]++
			if n := seen[id]; n > 1 {
				id = fmt.Sprintf("%s#%d", id, n)
			}
			out[JobKey(prof.UserID, category, id)] = slot{
				category: category,
				periodID: id,
				kind:     KindForCategory(category),
				startMin: startMin,
				endMin:   endMin,
			}
		}
	}
	return out, nil
}

// location resolves the profile's timezone, warning once per user before
// falling back to UTC.
func (s *Service) location(prof UserProfile) *time.Location {
	tz := strings.TrimSpace(prof.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.mu.Lock()
		_, warned := s.tzWarn[prof.UserID]
		s.tzWarn[prof.UserID] = struct{}{}
		s.mu.Unlock()
		if !warned {
			s.log.Warn("unknown timezone, using UTC",
				logx.String("user", prof.UserID), logx.String("tz", tz))
		}
		return time.UTC
	}
	return loc
}

// reconcileLocked diffs the desired slots against the user's current jobs.
// Matching keys are left untouched so their pending fire time survives.
func (s *Service) reconcileLocked(ctx context.Context, userID string, desired map[string]slot, now time.Time) (added, removed, kept int) {
	for _, j := range s.table.ForUser(userID) {
		if _, ok := desired[j.Key()]; ok {
			continue
		}
		s.dropJobLocked(ctx, j, "period removed")
		removed++
	}
	for key, d := range desired {
		if _, ok := s.table.Get(key); ok {
			kept++
			continue
		}
		j := &ScheduledJob{
			UserID:   userID,
			Category: d.category,
			PeriodID: d.periodID,
			Kind:     d.kind,
			StartMin: d.startMin,
			EndMin:   d.endMin,
		}
		start, end := windowOn(j, now, 0)
		if !end.After(now) {
			start, end = windowOn(j, now, 1)
		} else if start.Before(now) {
			start = now
		}
		j.FireTime = s.randomInLocked(start, end)
		s.table.Put(j)
		s.armWakeLocked(ctx, j)
		s.publish(eventbus.TypeJobScheduled, j)
		s.log.Debug("job scheduled", jobFields(j)...)
		added++
	}
	return added, removed, kept
}

func (s *Service) dropJobLocked(ctx context.Context, j *ScheduledJob, reason string) {
	s.table.Delete(j.Key())
	s.clearWakeLocked(ctx, j)
	s.publish(eventbus.TypeJobCancelled, j)
	s.log.Debug("job cancelled", append(jobFields(j), logx.String("reason", reason))...)
}

// fireLocked runs one due job: dedup against the fire mark, pick a payload,
// deliver, mark, reschedule. Reports whether a delivery actually happened.
func (s *Service) fireLocked(ctx context.Context, j *ScheduledJob, now time.Time) bool {
	local := now.In(j.FireTime.Location())
	markKey := j.Key() + "|" + local.Format(dateLayout)

	if s.store != nil {
		if _, ok, err := s.store.GetFireMark(ctx, markKey); err != nil {
			// A read failure degrades to at-least-once: fire anyway.
			s.log.Warn("fire mark lookup failed", append(jobFields(j), logx.Err(err))...)
		} else if ok {
			s.publish(eventbus.TypeJobSkipped, j)
			s.log.Debug("already fired today, skipping", jobFields(j)...)
			s.rescheduleLocked(ctx, j, now)
			return false
		}
	}

	payload := Payload{Kind: j.Kind, Category: j.Category, Source: SourceScheduler}
	if j.Kind == KindTaskReminder {
		task, ok := s.selectLocked(ctx, j.UserID)
		if !ok {
			s.publish(eventbus.TypeJobSkipped, j)
			s.log.Debug("no eligible task", jobFields(j)...)
			s.rescheduleLocked(ctx, j, now)
			return false
		}
		payload.TaskID = task.ID
		payload.TaskTitle = task.Title
	}

	if err := s.sink.Deliver(ctx, j.UserID, j.Category, payload); err != nil {
		// The job keeps its slot and tries again in the next day's window,
		// there is no retry inside the tick.
		s.log.Error("delivery failed", append(jobFields(j), logx.Err(err))...)
		s.rescheduleLocked(ctx, j, now)
		return false
	}
	s.publish(eventbus.TypeJobFired, j)
	s.log.Info("job fired", jobFields(j)...)

	if s.store != nil {
		endOfDay := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location())
		if err := s.store.PutFireMark(ctx, markKey, now, endOfDay); err != nil {
			s.log.Warn("fire mark write failed", append(jobFields(j), logx.Err(err))...)
		}
	}
	s.rescheduleLocked(ctx, j, now)
	return true
}

// selectLocked loads the user's tasks and draws one reminder. Unparseable
// due dates are logged once per task and scored as if no date were set.
func (s *Service) selectLocked(ctx context.Context, userID string) (Task, bool) {
	tasks, err := s.src.Tasks(ctx, userID)
	if err != nil {
		s.log.Error("task snapshot failed", logx.String("user", userID), logx.Err(err))
		return Task{}, false
	}
	now := time.Now()
	for _, t := range tasks {
		if !t.Eligible() {
			continue
		}
		if _, ok := TaskWeight(t, now); !ok {
			k := userID + "|" + t.ID
			if _, logged := s.badDue[k]; !logged {
				s.badDue[k] = struct{}{}
				s.log.Warn("unparseable due date",
					logx.String("user", userID),
					logx.String("task", t.ID),
					logx.String("due", t.DueDate))
			}
		}
	}
	return SelectReminder(tasks, now, s.rng)
}

// rescheduleLocked rolls the job into its window on the day after the fire.
func (s *Service) rescheduleLocked(ctx context.Context, j *ScheduledJob, after time.Time) {
	t := after.In(j.FireTime.Location())
	start, end := windowOn(j, t, 1)
	j.FireTime = s.randomInLocked(start, end)
	s.armWakeLocked(ctx, j)
	s.log.Debug("job rescheduled", jobFields(j)...)
}

// windowOn places the job's window on t's calendar day plus dayOffset, in
// t's location. time.Date normalizes the day overflow across month ends.
func windowOn(j *ScheduledJob, t time.Time, dayOffset int) (start, end time.Time) {
	start = time.Date(t.Year(), t.Month(), t.Day()+dayOffset, j.StartMin/60, j.StartMin%60, 0, 0, t.Location())
	end = time.Date(t.Year(), t.Month(), t.Day()+dayOffset, j.EndMin/60, j.EndMin%60, 0, 0, t.Location())
	return start, end
}

func (s *Service) randomInLocked(start, end time.Time) time.Time {
	span := end.Sub(start)
	if span <= 0 {
		return start
	}
	return start.Add(time.Duration(s.rng.Int63n(int64(span))))
}

func (s *Service) armWakeLocked(ctx context.Context, j *ScheduledJob) {
	if s.wake == nil {
		return
	}
	// Slots are scoped per user by the adapter, so the user id stays out of
	// the slot name.
	j.WakeSlot = j.Category + "|" + j.PeriodID
	if err := s.wake.ArrangeWake(ctx, j.UserID, j.WakeSlot, j.FireTime); err != nil {
		s.log.Warn("wake timer arrange failed", append(jobFields(j), logx.Err(err))...)
	}
}

func (s *Service) clearWakeLocked(ctx context.Context, j *ScheduledJob) {
	if s.wake == nil || j.WakeSlot == "" {
		return
	}
	if err := s.wake.CancelWake(ctx, j.UserID, j.WakeSlot); err != nil {
		s.log.Warn("wake timer cancel failed", append(jobFields(j), logx.Err(err))...)
	}
	j.WakeSlot = ""
}

func (s *Service) publish(typ string, j *ScheduledJob) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: JobView{
		UserID:   j.UserID,
		Category: j.Category,
		PeriodID: j.PeriodID,
		Kind:     j.Kind,
		FireTime: j.FireTime,
	}})
}

func jobFields(j *ScheduledJob) []logx.Field {
	return []logx.Field{
		logx.String("user", j.UserID),
		logx.String("category", j.Category),
		logx.String("period", j.PeriodID),
		logx.String("kind", string(j.Kind)),
		logx.Time("fire", j.FireTime),
	}
}
