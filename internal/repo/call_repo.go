package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Promptflow/internal/domain"
)

// CallRepo — репозиторий вызовов capability.
type CallRepo struct {
	pool *pgxpool.Pool
}

// NewCallRepo создаёт новый CallRepo.
func NewCallRepo(pool *pgxpool.Pool) *CallRepo {
	return &CallRepo{pool: pool}
}

// Create записывает начатый вызов.
func (r *CallRepo) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (id, run_id, step_id, attempt, capability, model, prompt, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.RunID,
		call.StepID,
		call.Attempt,
		call.Capability,
		nullString(call.Model),
		call.Prompt,
		call.Status,
		call.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// Update записывает результат вызова.
func (r *CallRepo) Update(ctx context.Context, call *domain.Call) error {
	query := `
		UPDATE calls
		SET status = $2, output = $3, error_kind = $4, error = $5,
		    tokens_in = $6, tokens_out = $7, finished_at = $8, model = $9
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		call.ID,
		call.Status,
		nullString(call.Output),
		nullString(call.ErrorKind),
		nullString(call.Error),
		call.TokensIn,
		call.TokensOut,
		call.FinishedAt,
		nullString(call.Model),
	)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByRun возвращает вызовы run в порядке начала.
func (r *CallRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Call, error) {
	query := `
		SELECT id, run_id, step_id, attempt, capability, model, prompt, output, status,
		       error_kind, error, tokens_in, tokens_out, started_at, finished_at
		FROM calls
		WHERE run_id = $1
		ORDER BY started_at ASC
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list calls by run_id: %w", err)
	}
	defer rows.Close()

	var calls []domain.Call
	for rows.Next() {
		var c domain.Call
		var model, output, errorKind, callErr *string
		if err := rows.Scan(
			&c.ID,
			&c.RunID,
			&c.StepID,
			&c.Attempt,
			&c.Capability,
			&model,
			&c.Prompt,
			&output,
			&c.Status,
			&errorKind,
			&callErr,
			&c.TokensIn,
			&c.TokensOut,
			&c.StartedAt,
			&c.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		c.Model = deref(model)
		c.Output = deref(output)
		c.ErrorKind = deref(errorKind)
		c.Error = deref(callErr)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
