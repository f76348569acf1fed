package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepResult — итог выполнения шага внутри run.
// Передаётся observer'ам после того, как шаг перешёл в терминальный статус.
type StepResult struct {
	RunID     uuid.UUID  `json:"run_id"`
	Pipeline  string     `json:"pipeline"`
	StepID    string     `json:"step_id"`
	OutputKey string     `json:"output_key"`
	Status    StepStatus `json:"status"`

	// Attempts — число попыток (0 для SKIPPED).
	Attempts int `json:"attempts"`

	// Calls — число вызовов capability (0 для passthrough и render-only).
	Calls int `json:"calls"`

	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration возвращает продолжительность шага.
func (s *StepResult) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
