package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/mq"
	"github.com/shaiso/Promptflow/internal/repo"
)

// --- fakes ---

type memSchedules struct {
	synced   map[string]time.Time
	disabled []string
	due      []domain.Schedule
	updated  []domain.Schedule
}

func (m *memSchedules) Sync(_ context.Context, s *domain.Schedule, nextDue time.Time) error {
	if m.synced == nil {
		m.synced = make(map[string]time.Time)
	}
	m.synced[s.Name] = nextDue
	return nil
}

func (m *memSchedules) Disable(_ context.Context, keep []string) (int64, error) {
	m.disabled = keep
	return 0, nil
}

func (m *memSchedules) ListDue(_ context.Context, now time.Time, _ int) ([]domain.Schedule, error) {
	var out []domain.Schedule
	for _, s := range m.due {
		if s.IsDue(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSchedules) Update(_ context.Context, s *domain.Schedule) error {
	m.updated = append(m.updated, *s)
	for i := range m.due {
		if m.due[i].Name == s.Name {
			m.due[i] = *s
		}
	}
	return nil
}

type memRuns struct {
	byKey map[string]*domain.Run
	err   error
}

func (m *memRuns) Create(_ context.Context, run *domain.Run) error {
	if m.byKey == nil {
		m.byKey = make(map[string]*domain.Run)
	}
	m.byKey[run.IdempotencyKey] = run
	return nil
}

func (m *memRuns) GetByIdempotencyKey(_ context.Context, _, key string) (*domain.Run, error) {
	if m.err != nil {
		return nil, m.err
	}
	if r, ok := m.byKey[key]; ok {
		return r, nil
	}
	return nil, repo.ErrNotFound
}

type recordingPublisher struct {
	requests []mq.RunRequestedPayload
	err      error
}

func (p *recordingPublisher) PublishRunRequested(_ context.Context, payload mq.RunRequestedPayload) error {
	p.requests = append(p.requests, payload)
	return p.err
}

type setCatalog []string

func (c setCatalog) Has(name string) bool { return slices.Contains(c, name) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(schedules *memSchedules, runs *memRuns, pub *recordingPublisher, now time.Time) *Scheduler {
	s := New(Config{
		Schedules: schedules,
		Runs:      runs,
		Catalog:   setCatalog{"summary", "quiz"},
		Publisher: pub,
		Logger:    quietLogger(),
	})
	s.now = func() time.Time { return now }
	return s
}

func ptr[T any](v T) *T { return &v }

// --- cron ---

func TestCalculateNextDue_Cron(t *testing.T) {
	from := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	sched := &domain.Schedule{CronExpr: "0 9 * * *", Timezone: "UTC"}

	next, err := CalculateNextDue(sched, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestCalculateNextDue_CronTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}

	// 05:30 UTC = 08:30 MSK, следующий запуск 09:00 MSK = 06:00 UTC
	from := time.Date(2026, 3, 10, 5, 30, 0, 0, time.UTC)
	sched := &domain.Schedule{CronExpr: "0 9 * * *", Timezone: loc.String()}

	next, err := CalculateNextDue(sched, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if next.Location() != time.UTC {
		t.Errorf("next should be in UTC, got %v", next.Location())
	}
}

func TestCalculateNextDue_Interval(t *testing.T) {
	from := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	sched := &domain.Schedule{IntervalSec: 90, Timezone: "Nowhere/Invalid"}

	next, err := CalculateNextDue(sched, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := from.Add(90 * time.Second); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestCalculateNextDue_Errors(t *testing.T) {
	if _, err := CalculateNextDue(&domain.Schedule{}, time.Now()); !errors.Is(err, ErrNoTrigger) {
		t.Errorf("expected ErrNoTrigger, got %v", err)
	}
	if _, err := CalculateNextDue(&domain.Schedule{CronExpr: "bad"}, time.Now()); err == nil {
		t.Error("expected error for invalid cron")
	}
}

func TestValidateCronExpr(t *testing.T) {
	valid := []string{"*/5 * * * *", "0 9 * * 1-5", "30 2 1 * *"}
	for _, expr := range valid {
		if err := ValidateCronExpr(expr); err != nil {
			t.Errorf("%q: unexpected error: %v", expr, err)
		}
	}

	invalid := []string{"", "* * *", "61 * * * *", "0 9 * * * *"}
	for _, expr := range invalid {
		if err := ValidateCronExpr(expr); err == nil {
			t.Errorf("%q: expected error", expr)
		}
	}
}

func TestIdempotencyKey(t *testing.T) {
	due := time.Unix(1700000000, 0)
	sched := &domain.Schedule{Name: "daily-summary", NextDueAt: &due}
	if got := IdempotencyKey(sched); got != "daily-summary_1700000000" {
		t.Errorf("IdempotencyKey() = %q", got)
	}
}

// --- Sync ---

func TestSync(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	store := &memSchedules{}
	s := newTestScheduler(store, &memRuns{}, &recordingPublisher{}, now)

	defs := []domain.Schedule{
		{Name: "daily-summary", Pipeline: "summary", CronExpr: "0 9 * * *", Enabled: true},
		{Name: "quiz-every-minute", Pipeline: "quiz", IntervalSec: 60, Enabled: true},
		{Name: "unknown-pipeline", Pipeline: "nope", IntervalSec: 60, Enabled: true},
		{Name: "bad-cron", Pipeline: "summary", CronExpr: "every day", Enabled: true},
		{Name: "no-trigger", Pipeline: "summary", Enabled: true},
	}
	if err := s.Sync(context.Background(), defs); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if len(store.synced) != 2 {
		t.Fatalf("synced = %v, want 2 schedules", store.synced)
	}
	if got := store.synced["daily-summary"]; !got.Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("daily-summary next due = %v", got)
	}
	if got := store.synced["quiz-every-minute"]; !got.Equal(now.Add(time.Minute)) {
		t.Errorf("quiz next due = %v", got)
	}

	// Выключаются все, кроме прошедших проверку
	slices.Sort(store.disabled)
	if !slices.Equal(store.disabled, []string{"daily-summary", "quiz-every-minute"}) {
		t.Errorf("keep = %v", store.disabled)
	}
	if defs[0].Timezone != "UTC" {
		t.Errorf("timezone default = %q", defs[0].Timezone)
	}
}

// --- Tick ---

func TestTick_CreatesRunAndPublishes(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 5, 0, time.UTC)
	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	store := &memSchedules{due: []domain.Schedule{{
		Name:      "daily-summary",
		Pipeline:  "summary",
		CronExpr:  "0 9 * * *",
		Timezone:  "UTC",
		Enabled:   true,
		Inputs:    map[string]any{"text": "hello"},
		NextDueAt: ptr(due),
	}}}
	runs := &memRuns{}
	pub := &recordingPublisher{}
	s := newTestScheduler(store, runs, pub, now)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	key := "daily-summary_1773133200"
	run, ok := runs.byKey[key]
	if !ok {
		t.Fatalf("run with key %s not created, have %v", key, runs.byKey)
	}
	if run.Status != domain.RunStatusPending || run.Inputs["text"] != "hello" {
		t.Errorf("run = %+v", run)
	}

	if len(store.updated) != 1 {
		t.Fatalf("updated = %d", len(store.updated))
	}
	upd := store.updated[0]
	if !upd.NextDueAt.Equal(time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("next due = %v", upd.NextDueAt)
	}
	if upd.LastRunID == nil || *upd.LastRunID != run.ID {
		t.Errorf("last run id = %v", upd.LastRunID)
	}

	if len(pub.requests) != 1 || pub.requests[0].RunID != run.ID || pub.requests[0].IdempotencyKey != key {
		t.Errorf("requests = %+v", pub.requests)
	}

	// Следующий тик в ту же секунду: расписание уже не due
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(pub.requests) != 1 {
		t.Errorf("expected no new requests, got %d", len(pub.requests))
	}
}

func TestTick_ExistingRunNotDuplicated(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 5, 0, time.UTC)
	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	sched := domain.Schedule{
		Name: "every-minute", Pipeline: "quiz", IntervalSec: 60,
		Timezone: "UTC", Enabled: true, NextDueAt: ptr(due),
	}

	// Run уже создан прошлым лидером, но next_due_at не успел сдвинуться
	existing := domain.NewRun("quiz", nil)
	runs := &memRuns{byKey: map[string]*domain.Run{IdempotencyKey(&sched): existing}}
	store := &memSchedules{due: []domain.Schedule{sched}}
	pub := &recordingPublisher{}
	s := newTestScheduler(store, runs, pub, now)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(runs.byKey) != 1 {
		t.Errorf("runs = %d, want 1", len(runs.byKey))
	}
	if len(pub.requests) != 0 {
		t.Errorf("duplicate run.requested published: %+v", pub.requests)
	}
	if len(store.updated) != 1 || *store.updated[0].LastRunID != existing.ID {
		t.Errorf("schedule should point to existing run")
	}
}

func TestTick_PublishFailureKeepsRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 5, 0, time.UTC)
	store := &memSchedules{due: []domain.Schedule{{
		Name: "s", Pipeline: "quiz", IntervalSec: 60, Timezone: "UTC",
		Enabled: true, NextDueAt: ptr(now.Add(-time.Second)),
	}}}
	runs := &memRuns{}
	pub := &recordingPublisher{err: mq.ErrNoChannel}
	s := newTestScheduler(store, runs, pub, now)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(runs.byKey) != 1 || len(store.updated) != 1 {
		t.Errorf("run and schedule update must survive publish failure")
	}
}

func TestTick_ErrorsIsolatedPerSchedule(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 5, 0, time.UTC)
	store := &memSchedules{due: []domain.Schedule{
		{Name: "a", Pipeline: "quiz", IntervalSec: 60, Enabled: true, NextDueAt: ptr(now)},
		{Name: "gone", Pipeline: "removed", IntervalSec: 60, Enabled: true, NextDueAt: ptr(now)},
	}}
	runs := &memRuns{err: errors.New("db down")}
	s := newTestScheduler(store, runs, &recordingPublisher{}, now)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick should not fail on per-schedule errors: %v", err)
	}
	if len(store.updated) != 0 {
		t.Errorf("nothing should be updated, got %d", len(store.updated))
	}
}

// --- Loop ---

type fakeElector struct {
	leader   bool
	released atomic.Bool
}

func (f *fakeElector) TryAcquire(context.Context) (bool, error) { return f.leader, nil }
func (f *fakeElector) Release(context.Context)                  { f.released.Store(true) }

func TestLoop(t *testing.T) {
	tests := []struct {
		name      string
		leader    bool
		wantTicks bool
	}{
		{"leader ticks", true, true},
		{"follower skips", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			elector := &fakeElector{leader: tt.leader}
			var ticks atomic.Int32
			Loop(ctx, elector, 5*time.Millisecond, quietLogger(), func(context.Context) error {
				ticks.Add(1)
				return nil
			})

			if got := ticks.Load() > 0; got != tt.wantTicks {
				t.Errorf("ticked = %v, want %v", got, tt.wantTicks)
			}
			if !elector.released.Load() {
				t.Error("lock should be released on exit")
			}
		})
	}
}
