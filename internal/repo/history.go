package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Promptflow/internal/domain"
)

// History — observer оркестратора, сохраняющий историю run в БД:
// run, итоги шагов и каждый вызов capability.
type History struct {
	Runs  *RunRepo
	Steps *StepRepo
	Calls *CallRepo
}

// NewHistory создаёт History поверх одного пула.
func NewHistory(pool *pgxpool.Pool) *History {
	return &History{
		Runs:  NewRunRepo(pool),
		Steps: NewStepRepo(pool),
		Calls: NewCallRepo(pool),
	}
}

// RunStarted сохраняет run в статусе RUNNING.
func (h *History) RunStarted(ctx context.Context, run *domain.Run) error {
	return h.Runs.Save(ctx, run)
}

// CallStarted записывает начатый вызов.
func (h *History) CallStarted(ctx context.Context, call *domain.Call) error {
	return h.Calls.Create(ctx, call)
}

// CallFinished записывает результат вызова.
func (h *History) CallFinished(ctx context.Context, call *domain.Call) error {
	return h.Calls.Update(ctx, call)
}

// StepFinished записывает итог шага.
func (h *History) StepFinished(ctx context.Context, step *domain.StepResult) error {
	return h.Steps.Save(ctx, step)
}

// RunFinished сохраняет финальный статус и outputs.
func (h *History) RunFinished(ctx context.Context, run *domain.Run) error {
	return h.Runs.Save(ctx, run)
}

// RunDetails — run со всеми шагами и вызовами.
type RunDetails struct {
	Run   *domain.Run
	Steps []domain.StepResult
	Calls []domain.Call
}

// Get загружает run целиком.
func (h *History) Get(ctx context.Context, id string) (*RunDetails, error) {
	runID, err := parseUUID(id)
	if err != nil {
		return nil, err
	}

	run, err := h.Runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := h.Steps.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	calls, err := h.Calls.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetails{Run: run, Steps: steps, Calls: calls}, nil
}
