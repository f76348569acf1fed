package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Promptflow/internal/domain"
)

// StepRepo — репозиторий итогов шагов.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

// Save записывает итог шага.
func (r *StepRepo) Save(ctx context.Context, step *domain.StepResult) error {
	query := `
		INSERT INTO run_steps (run_id, step_id, output_key, status, attempts, calls,
		                       error_kind, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, step_id) DO UPDATE
		SET status = EXCLUDED.status, attempts = EXCLUDED.attempts, calls = EXCLUDED.calls,
		    error_kind = EXCLUDED.error_kind, error = EXCLUDED.error,
		    finished_at = EXCLUDED.finished_at
	`
	_, err := r.pool.Exec(ctx, query,
		step.RunID,
		step.StepID,
		step.OutputKey,
		step.Status,
		step.Attempts,
		step.Calls,
		nullString(step.ErrorKind),
		nullString(step.Error),
		step.StartedAt,
		step.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

// ListByRun возвращает итоги шагов run.
func (r *StepRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.StepResult, error) {
	query := `
		SELECT s.run_id, r.pipeline, s.step_id, s.output_key, s.status, s.attempts, s.calls,
		       s.error_kind, s.error, s.started_at, s.finished_at
		FROM run_steps s
		JOIN runs r ON r.id = s.run_id
		WHERE s.run_id = $1
		ORDER BY s.started_at ASC
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps by run_id: %w", err)
	}
	defer rows.Close()

	var out []domain.StepResult
	for rows.Next() {
		var s domain.StepResult
		var errorKind, stepErr *string
		if err := rows.Scan(
			&s.RunID,
			&s.Pipeline,
			&s.StepID,
			&s.OutputKey,
			&s.Status,
			&s.Attempts,
			&s.Calls,
			&errorKind,
			&stepErr,
			&s.StartedAt,
			&s.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.ErrorKind = deref(errorKind)
		s.Error = deref(stepErr)
		out = append(out, s)
	}
	return out, rows.Err()
}
