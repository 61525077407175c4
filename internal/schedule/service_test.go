package schedule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/storage"
	"nudgebot/pkg/logx"
)

type memSource struct {
	mu       sync.Mutex
	profiles map[string]UserProfile
	tasks    map[string][]Task
	taskErr  error
	listErr  error
}

func (m *memSource) Profile(ctx context.Context, userID string) (UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return UserProfile{}, ErrUnknownUser
	}
	return p, nil
}

func (m *memSource) Tasks(ctx context.Context, userID string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taskErr != nil {
		return nil, m.taskErr
	}
	return m.tasks[userID], nil
}

func (m *memSource) UserIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memSource) setProfile(p UserProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profiles == nil {
		m.profiles = map[string]UserProfile{}
	}
	m.profiles[p.UserID] = p
}

func (m *memSource) dropProfile(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, userID)
}

type memSink struct {
	mu       sync.Mutex
	sent     []Payload
	attempts int
	err      error
}

func (m *memSink) Deliver(ctx context.Context, userID, category string, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, p)
	return nil
}

func (m *memSink) delivered() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Payload(nil), m.sent...)
}

type memWake struct {
	mu      sync.Mutex
	armed   map[string]time.Time
	cancels int
}

func (w *memWake) ArrangeWake(ctx context.Context, userID, slot string, when time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armed == nil {
		w.armed = map[string]time.Time{}
	}
	w.armed[slot] = when
	return nil
}

func (w *memWake) CancelWake(ctx context.Context, userID, slot string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.armed, slot)
	w.cancels++
	return nil
}

func (w *memWake) armedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.armed)
}

type memStore struct {
	mu    sync.Mutex
	marks map[string]time.Time
	recs  []storage.DeliveryRecord
}

func (m *memStore) AppendDelivery(ctx context.Context, rec storage.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memStore) PutFireMark(ctx context.Context, key string, firedAt, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks == nil {
		m.marks = map[string]time.Time{}
	}
	m.marks[key] = firedAt
	return nil
}

func (m *memStore) GetFireMark(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.marks[key]
	return at, ok, nil
}

func (m *memStore) PruneFireMarks(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (m *memStore) Close() error { return nil }

func window(start, end string) TimePeriod {
	return TimePeriod{Start: start, End: end, Active: true}
}

func testProfile(userID string, periods map[string][]TimePeriod) UserProfile {
	features := make(map[string]bool, len(periods))
	for c := range periods {
		features[c] = true
	}
	return UserProfile{UserID: userID, Timezone: "UTC", Features: features, Periods: periods}
}

func newTestService(src Source, sink Deliverer, wake WakeTimer, store storage.Store) *Service {
	return New(Config{Enabled: true, Seed: 1}, src, sink, wake, store, logx.Nop(), eventbus.New())
}

// forceDue rewinds a job's fire time so FireDue picks it up.
func forceDue(t *testing.T, s *Service, key string, at time.Time) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.table.Get(key)
	if !ok {
		t.Fatalf("job %s not in table", key)
	}
	j.FireTime = at
}

func TestEnsureScheduleIsIdempotent(t *testing.T) {
	t.Parallel()
	src := &memSource{}
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"messages": {window("09:00", "10:00"), window("18:00", "19:00")},
		"checkin":  {window("12:00", "13:00")},
	}))
	s := newTestService(src, &memSink{}, &memWake{}, nil)
	ctx := context.Background()

	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if got := s.Len(); got != 3 {
		t.Fatalf("jobs = %d, want 3", got)
	}
	first := s.Snapshot()

	for i := 0; i < 2; i++ {
		if err := s.EnsureSchedule(ctx, "u1"); err != nil {
			t.Fatalf("ensure %d: %v", i+2, err)
		}
	}
	if got := s.Len(); got != 3 {
		t.Fatalf("jobs after repeat = %d, want 3", got)
	}

	// Unchanged slots must keep their pending fire times.
	after := s.Snapshot()
	for i := range first {
		if !first[i].FireTime.Equal(after[i].FireTime) {
			t.Fatalf("slot %s/%s fire time moved: %s -> %s",
				first[i].Category, first[i].PeriodID, first[i].FireTime, after[i].FireTime)
		}
	}
}

func TestEnsureScheduleDiffRemovesAndAdds(t *testing.T) {
	t.Parallel()
	src := &memSource{}
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"messages": {window("09:00", "10:00")},
		"checkin":  {window("12:00", "13:00")},
	}))
	wake := &memWake{}
	s := newTestService(src, &memSink{}, wake, nil)
	ctx := context.Background()

	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	keepKey := JobKey("u1", "messages", "0900-1000")
	var kept time.Time
	for _, v := range s.Snapshot() {
		if v.Category == "messages" {
			kept = v.FireTime
		}
	}

	// Checkin goes away, an evening window appears.
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"messages": {window("09:00", "10:00"), window("20:00", "21:00")},
	}))
	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("ensure after change: %v", err)
	}

	views := s.Snapshot()
	if len(views) != 2 {
		t.Fatalf("jobs = %d, want 2 (%+v)", len(views), views)
	}
	for _, v := range views {
		if v.Category == "checkin" {
			t.Fatal("removed category still scheduled")
		}
		if JobKey(v.UserID, v.Category, v.PeriodID) == keepKey && !v.FireTime.Equal(kept) {
			t.Fatalf("surviving slot rescheduled: %s -> %s", kept, v.FireTime)
		}
	}
	if wake.cancels == 0 {
		t.Fatal("removed job must clear its wake timer")
	}
}

func TestEnsureScheduleBadWindowLeavesTableAlone(t *testing.T) {
	t.Parallel()
	src := &memSource{}
	good := testProfile("u1", map[string][]TimePeriod{
		"messages": {window("09:00", "10:00")},
	})
	src.setProfile(good)
	s := newTestService(src, &memSink{}, &memWake{}, nil)
	ctx := context.Background()

	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	before := s.Snapshot()

	bad := testProfile("u1", map[string][]TimePeriod{
		"messages": {window("10:00", "09:00")},
	})
	src.setProfile(bad)
	if err := s.EnsureSchedule(ctx, "u1"); err == nil {
		t.Fatal("inverted window must fail the rebuild")
	}

	after := s.Snapshot()
	if len(after) != len(before) || !after[0].FireTime.Equal(before[0].FireTime) {
		t.Fatalf("failed rebuild touched the table: %+v -> %+v", before, after)
	}
}

func TestEnsureScheduleMissingProfileCancels(t *testing.T) {
	t.Parallel()
	src := &memSource{}
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"messages": {window("09:00", "10:00")},
	}))
	wake := &memWake{}
	s := newTestService(src, &memSink{}, wake, nil)
	ctx := context.Background()

	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	src.dropProfile("u1")
	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("ensure after removal: %v", err)
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("jobs = %d, want 0 after profile removal", got)
	}
	if wake.armedCount() != 0 {
		t.Fatal("cancelled jobs left wake timers armed")
	}
}

func TestDuplicateWindowsGetOrdinalPeriods(t *testing.T) {
	t.Parallel()
	src := &memSource{}
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"messages": {window("09:00", "10:00"), window("09:00", "10:00")},
	}))
	s := newTestService(src, &memSink{}, &memWake{}, nil)

	if err := s.EnsureSchedule(context.Background(), "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	views := s.Snapshot()
	if len(views) != 2 {
		t.Fatalf("jobs = %d, want both duplicate windows", len(views))
	}
	ids := []string{views[0].PeriodID, views[1].PeriodID}
	sort.Strings(ids)
	if ids[0] != "0900-1000" || ids[1] != "0900-1000#2" {
		t.Fatalf("period ids = %v", ids)
	}
}

func TestFeatureGateAndInactivePeriods(t *testing.T) {
	t.Parallel()
	src := &memSource{}
	src.setProfile(UserProfile{
		UserID:   "u1",
		Timezone: "UTC",
		Features: map[string]bool{"messages": false, "checkin": true},
		Periods: map[string][]TimePeriod{
			"messages": {window("09:00", "10:00")},
			"checkin":  {{Start: "12:00", End: "13:00", Active: false}},
		},
	})
	s := newTestService(src, &memSink{}, &memWake{}, nil)

	if err := s.EnsureSchedule(context.Background(), "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("jobs = %d, want 0 for disabled feature and inactive period", got)
	}
}

func TestFireDueDeliversAndReschedules(t *testing.T) {
	t.Parallel()
	src := &memSource{}
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"messages": {window("00:00", "23:59")},
	}))
	sink := &memSink{}
	wake := &memWake{}
	s := newTestService(src, sink, wake, nil)
	ctx := context.Background()

	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	key := JobKey("u1", "messages", "0000-2359")
	now := time.Now().UTC()
	forceDue(t, s, key, now.Add(-time.Hour))

	if fired := s.FireDue(ctx, now); fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	sent := sink.delivered()
	if len(sent) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(sent))
	}
	if sent[0].Kind != KindDailyMessage || sent[0].Source != SourceScheduler {
		t.Fatalf("payload = %+v", sent[0])
	}

	views := s.Snapshot()
	if len(views) != 1 {
		t.Fatalf("job vanished after firing: %+v", views)
	}
	if !views[0].FireTime.After(now) {
		t.Fatalf("fire time %s not moved past %s", views[0].FireTime, now)
	}
	if wake.armedCount() != 1 {
		t.Fatal("rescheduled job must re-arm its wake timer")
	}
}

func TestFireMarkSkipsRepeatWithinDay(t *testing.T) {
	t.Parallel()
	src := &memSource{}
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"messages": {window("00:00", "23:59")},
	}))
	sink := &memSink{}
	store := &memStore{}
	s := newTestService(src, sink, &memWake{}, store)
	ctx := context.Background()

	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	key := JobKey("u1", "messages", "0000-2359")
	now := time.Now().UTC()

	forceDue(t, s, key, now.Add(-time.Hour))
	if fired := s.FireDue(ctx, now); fired != 1 {
		t.Fatalf("first pass fired = %d, want 1", fired)
	}

	// Same local day again, as after a crash and restart.
	forceDue(t, s, key, now.Add(-time.Minute))
	if fired := s.FireDue(ctx, now); fired != 0 {
		t.Fatalf("second pass fired = %d, want 0", fired)
	}
	if got := len(sink.delivered()); got != 1 {
		t.Fatalf("deliveries = %d, want exactly 1", got)
	}
}

func TestDeliveryErrorKeepsJobAndSkipsMark(t *testing.T) {
	t.Parallel()
	src := &memSource{}
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"messages": {window("00:00", "23:59")},
	}))
	sink := &memSink{err: errors.New("outbox full")}
	store := &memStore{}
	s := newTestService(src, sink, &memWake{}, store)
	ctx := context.Background()

	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	key := JobKey("u1", "messages", "0000-2359")
	now := time.Now().UTC()
	forceDue(t, s, key, now.Add(-time.Hour))

	if fired := s.FireDue(ctx, now); fired != 0 {
		t.Fatalf("fired = %d, want 0 on delivery failure", fired)
	}
	if sink.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", sink.attempts)
	}
	store.mu.Lock()
	marks := len(store.marks)
	store.mu.Unlock()
	if marks != 0 {
		t.Fatal("failed delivery must not be marked as fired")
	}
	if views := s.Snapshot(); len(views) != 1 || !views[0].FireTime.After(now) {
		t.Fatalf("job must stay for its next window: %+v", views)
	}
}

func TestTaskReminderCarriesSelectedTask(t *testing.T) {
	t.Parallel()
	src := &memSource{
		tasks: map[string][]Task{
			"u1": {
				{ID: "t-1", Title: "file taxes", Priority: PriorityCritical, DueDate: "2026-01-01"},
				{ID: "t-2", Title: "done already", Completed: true},
			},
		},
	}
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"tasks": {window("00:00", "23:59")},
	}))
	sink := &memSink{}
	s := newTestService(src, sink, &memWake{}, nil)
	ctx := context.Background()

	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	now := time.Now().UTC()
	forceDue(t, s, JobKey("u1", "tasks", "0000-2359"), now.Add(-time.Hour))

	if fired := s.FireDue(ctx, now); fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	sent := sink.delivered()
	if len(sent) != 1 || sent[0].Kind != KindTaskReminder {
		t.Fatalf("payload = %+v", sent)
	}
	if sent[0].TaskID != "t-1" || sent[0].TaskTitle != "file taxes" {
		t.Fatalf("selected task = %s (%s)", sent[0].TaskID, sent[0].TaskTitle)
	}
}

func TestTaskReminderWithoutEligibleTasksSkips(t *testing.T) {
	t.Parallel()
	src := &memSource{
		tasks: map[string][]Task{
			"u1": {{ID: "t-1", Title: "done", Completed: true}},
		},
	}
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"tasks": {window("00:00", "23:59")},
	}))
	sink := &memSink{}
	s := newTestService(src, sink, &memWake{}, nil)
	ctx := context.Background()

	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	now := time.Now().UTC()
	forceDue(t, s, JobKey("u1", "tasks", "0000-2359"), now.Add(-time.Hour))

	if fired := s.FireDue(ctx, now); fired != 0 {
		t.Fatalf("fired = %d, want 0 with no eligible task", fired)
	}
	if sink.attempts != 0 {
		t.Fatal("no delivery may be attempted without a task")
	}
	if views := s.Snapshot(); len(views) != 1 || !views[0].FireTime.After(now) {
		t.Fatalf("job must move to the next window: %+v", views)
	}
}

func TestDisabledSchedulerDoesNotFire(t *testing.T) {
	t.Parallel()
	src := &memSource{}
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"messages": {window("00:00", "23:59")},
	}))
	sink := &memSink{}
	s := newTestService(src, sink, &memWake{}, nil)
	ctx := context.Background()

	if err := s.EnsureSchedule(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	s.Apply(Config{Enabled: false, Seed: 1})
	now := time.Now().UTC()
	forceDue(t, s, JobKey("u1", "messages", "0000-2359"), now.Add(-time.Hour))

	if fired := s.FireDue(ctx, now); fired != 0 {
		t.Fatalf("fired = %d, want 0 while disabled", fired)
	}
	if sink.attempts != 0 {
		t.Fatal("disabled scheduler attempted a delivery")
	}
}

func TestEnsureAllConvergesAndDropsVanished(t *testing.T) {
	t.Parallel()
	src := &memSource{}
	src.setProfile(testProfile("u1", map[string][]TimePeriod{
		"messages": {window("09:00", "10:00")},
	}))
	src.setProfile(testProfile("u2", map[string][]TimePeriod{
		"checkin": {window("12:00", "13:00")},
	}))
	s := newTestService(src, &memSink{}, &memWake{}, nil)
	ctx := context.Background()

	users, failures, err := s.EnsureAll(ctx)
	if err != nil || failures != 0 || users != 2 {
		t.Fatalf("EnsureAll = (%d, %d, %v)", users, failures, err)
	}
	if got := s.Len(); got != 2 {
		t.Fatalf("jobs = %d, want 2", got)
	}

	src.dropProfile("u2")
	if _, _, err := s.EnsureAll(ctx); err != nil {
		t.Fatalf("EnsureAll after drop: %v", err)
	}
	for _, v := range s.Snapshot() {
		if v.UserID == "u2" {
			t.Fatal("vanished user still has jobs")
		}
	}
}

func TestSelectReminderTask(t *testing.T) {
	t.Parallel()
	src := &memSource{
		tasks: map[string][]Task{
			"u1": {{ID: "t-1", Title: "call dentist", Priority: PriorityHigh}},
		},
	}
	src.setProfile(testProfile("u1", nil))
	s := newTestService(src, &memSink{}, &memWake{}, nil)

	task, ok, err := s.SelectReminderTask(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("SelectReminderTask = (%v, %v)", ok, err)
	}
	if task.ID != "t-1" {
		t.Fatalf("task = %+v", task)
	}

	src.taskErr = errors.New("disk gone")
	if _, _, err := s.SelectReminderTask(context.Background(), "u1"); err == nil {
		t.Fatal("source failure must surface")
	}
}
