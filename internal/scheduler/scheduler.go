package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/mq"
	"github.com/shaiso/Promptflow/internal/repo"
)

// ScheduleStore — состояние расписаний (repo.ScheduleRepo).
type ScheduleStore interface {
	Sync(ctx context.Context, s *domain.Schedule, nextDue time.Time) error
	Disable(ctx context.Context, keep []string) (int64, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	Update(ctx context.Context, s *domain.Schedule) error
}

// RunStore — то, что нужно scheduler'у от repo.RunRepo.
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	GetByIdempotencyKey(ctx context.Context, pipeline, key string) (*domain.Run, error)
}

// Publisher ставит run в очередь worker'ов.
type Publisher interface {
	PublishRunRequested(ctx context.Context, payload mq.RunRequestedPayload) error
}

// Catalog сообщает, известен ли pipeline.
type Catalog interface {
	Has(name string) bool
}

// Scheduler — планировщик, обрабатывающий due schedules.
type Scheduler struct {
	schedules ScheduleStore
	runs      RunStore
	catalog   Catalog
	publisher Publisher
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules ScheduleStore
	Runs      RunStore
	Catalog   Catalog
	Publisher Publisher // опционально: без него runs подхватит polling worker'а
	Logger    *slog.Logger
	BatchSize int // количество schedules за один тик (default: 100)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		schedules: cfg.Schedules,
		runs:      cfg.Runs,
		catalog:   cfg.Catalog,
		publisher: cfg.Publisher,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Sync записывает расписания из конфигурации в БД.
//
// Некорректное расписание (неизвестный pipeline, битый cron) пропускается
// с ошибкой в логе. Расписания, которых нет в списке, выключаются.
func (s *Scheduler) Sync(ctx context.Context, defs []domain.Schedule) error {
	now := s.now()
	keep := make([]string, 0, len(defs))

	for i := range defs {
		def := &defs[i]
		if err := s.validate(def); err != nil {
			s.logger.Error("invalid schedule, skipping", "schedule", def.Name, "error", err)
			continue
		}
		if def.Timezone == "" {
			def.Timezone = "UTC"
		}

		nextDue, err := CalculateNextDue(def, now)
		if err != nil {
			s.logger.Error("invalid schedule, skipping", "schedule", def.Name, "error", err)
			continue
		}
		if err := s.schedules.Sync(ctx, def, nextDue); err != nil {
			return err
		}
		keep = append(keep, def.Name)
	}

	disabled, err := s.schedules.Disable(ctx, keep)
	if err != nil {
		return err
	}

	s.logger.Info("schedules synced", "active", len(keep), "disabled", disabled)
	return nil
}

func (s *Scheduler) validate(def *domain.Schedule) error {
	if def.Name == "" {
		return errors.New("schedule without name")
	}
	if s.catalog != nil && !s.catalog.Has(def.Pipeline) {
		return fmt.Errorf("unknown pipeline %q", def.Pipeline)
	}
	if def.IsCron() {
		return ValidateCronExpr(def.CronExpr)
	}
	if !def.IsInterval() {
		return ErrNoTrigger
	}
	return nil
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due schedules (enabled=true, next_due_at <= now)
// 2. Для каждого schedule записывает PENDING run
// 3. Обновляет next_due_at
// 4. Публикует run.requested в RabbitMQ
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()

	due, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(due))

	var processed, created int
	for i := range due {
		sched := &due[i]

		runCreated, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to process schedule",
				"schedule", sched.Name,
				"pipeline", sched.Pipeline,
				"error", err,
			)
			continue
		}

		processed++
		if runCreated {
			created++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(due),
		"processed", processed,
		"runs_created", created,
	)
	return nil
}

// processSchedule обрабатывает один schedule.
// Возвращает true, если run был создан (не был дубликатом).
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	if s.catalog != nil && !s.catalog.Has(sched.Pipeline) {
		s.logger.Warn("pipeline not found for schedule, skipping",
			"schedule", sched.Name,
			"pipeline", sched.Pipeline,
		)
		return false, nil
	}

	// Один run на schedule и конкретное время срабатывания
	key := IdempotencyKey(sched)

	existing, err := s.runs.GetByIdempotencyKey(ctx, sched.Pipeline, key)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, fmt.Errorf("check idempotency: %w", err)
	}

	var run *domain.Run
	if existing != nil {
		s.logger.Debug("run already exists (idempotency)",
			"schedule", sched.Name,
			"run_id", existing.ID,
			"idempotency_key", key,
		)
		run = existing
	} else {
		run = domain.NewRun(sched.Pipeline, maps.Clone(sched.Inputs))
		run.IdempotencyKey = key
		run.CreatedAt = now

		if err := s.runs.Create(ctx, run); err != nil {
			return false, fmt.Errorf("create run: %w", err)
		}

		s.logger.Info("created run from schedule",
			"run_id", run.ID,
			"schedule", sched.Name,
			"pipeline", sched.Pipeline,
		)
	}
	runCreated := existing == nil

	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		// next_due_at не трогаем: schedule останется due до исправления конфигурации
		s.logger.Error("failed to calculate next due", "schedule", sched.Name, "error", err)
		return runCreated, nil
	}

	sched.RecordRun(run.ID, nextDue)
	if err := s.schedules.Update(ctx, sched); err != nil {
		return runCreated, fmt.Errorf("update schedule: %w", err)
	}

	if s.publisher != nil && runCreated {
		if err := s.publisher.PublishRunRequested(ctx, requestFor(run)); err != nil {
			// run уже записан, worker подхватит его через polling
			s.logger.Warn("failed to publish run.requested", "run_id", run.ID, "error", err)
		}
	}

	return runCreated, nil
}

// IdempotencyKey — "{schedule}_{next_due_at_unix}".
func IdempotencyKey(sched *domain.Schedule) string {
	var due int64
	if sched.NextDueAt != nil {
		due = sched.NextDueAt.Unix()
	}
	return fmt.Sprintf("%s_%d", sched.Name, due)
}

func requestFor(run *domain.Run) mq.RunRequestedPayload {
	return mq.RunRequestedPayload{
		RunID:          run.ID,
		Pipeline:       run.Pipeline,
		Inputs:         run.Inputs,
		IdempotencyKey: run.IdempotencyKey,
	}
}
