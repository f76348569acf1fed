package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Promptflow/internal/domain"
)

const scheduleColumns = `name, pipeline, cron_expr, interval_sec, timezone, enabled,
		       inputs, next_due_at, last_run_at, last_run_id`

// ScheduleRepo — репозиторий состояния расписаний.
//
// Определения расписаний приходят из конфигурации,
// в БД хранится их состояние: next_due_at и последний run.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт новый ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

// Sync записывает определение расписания из конфигурации.
// Состояние (next_due_at, last_run_*) существующей записи сохраняется;
// nextDue используется только для новой записи или если due не задан.
func (r *ScheduleRepo) Sync(ctx context.Context, s *domain.Schedule, nextDue time.Time) error {
	inputsJSON, err := json.Marshal(s.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	query := `
		INSERT INTO schedules (name, pipeline, cron_expr, interval_sec, timezone, enabled,
		                       inputs, next_due_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (name) DO UPDATE
		SET pipeline = EXCLUDED.pipeline, cron_expr = EXCLUDED.cron_expr,
		    interval_sec = EXCLUDED.interval_sec, timezone = EXCLUDED.timezone,
		    enabled = EXCLUDED.enabled, inputs = EXCLUDED.inputs,
		    next_due_at = COALESCE(schedules.next_due_at, EXCLUDED.next_due_at),
		    updated_at = now()
	`
	_, err = r.pool.Exec(ctx, query,
		s.Name,
		s.Pipeline,
		nullString(s.CronExpr),
		nullInt(s.IntervalSec),
		s.Timezone,
		s.Enabled,
		inputsJSON,
		nextDue,
	)
	if err != nil {
		return fmt.Errorf("sync schedule: %w", err)
	}
	return nil
}

// GetByName возвращает расписание по имени.
func (r *ScheduleRepo) GetByName(ctx context.Context, name string) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE name = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, name))
}

// List возвращает все расписания.
func (r *ScheduleRepo) List(ctx context.Context) ([]domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY name`
	return r.query(ctx, query)
}

// ListDue возвращает расписания, готовые к выполнению.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled = true
		  AND next_due_at IS NOT NULL
		  AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	return r.query(ctx, query, now, limit)
}

// Update сохраняет состояние расписания после запуска.
func (r *ScheduleRepo) Update(ctx context.Context, s *domain.Schedule) error {
	query := `
		UPDATE schedules
		SET next_due_at = $2, last_run_at = $3, last_run_id = $4, updated_at = now()
		WHERE name = $1
	`
	result, err := r.pool.Exec(ctx, query, s.Name, s.NextDueAt, s.LastRunAt, s.LastRunID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Disable выключает расписания, которых больше нет в конфигурации.
func (r *ScheduleRepo) Disable(ctx context.Context, keep []string) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE schedules SET enabled = false, updated_at = now()
		WHERE enabled = true AND NOT (name = ANY($1))
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("disable schedules: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *ScheduleRepo) query(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var cronExpr *string
	var intervalSec *int
	var inputsJSON []byte

	err := row.Scan(
		&s.Name,
		&s.Pipeline,
		&cronExpr,
		&intervalSec,
		&s.Timezone,
		&s.Enabled,
		&inputsJSON,
		&s.NextDueAt,
		&s.LastRunAt,
		&s.LastRunID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	s.CronExpr = deref(cronExpr)
	if intervalSec != nil {
		s.IntervalSec = *intervalSec
	}
	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &s.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}

	return &s, nil
}
