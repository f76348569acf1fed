package domain

import (
	"time"

	"github.com/google/uuid"
)

// Call — один вызов capability внутри run.
//
// Каждый вызов пересекает границу доверия (сеть, квота, стоимость),
// поэтому записывается отдельно: retry шага создаёт новый Call
// с увеличенным Attempt.
type Call struct {
	// ID — уникальный идентификатор вызова.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на родительский run.
	RunID uuid.UUID `json:"run_id"`

	// StepID — ID шага pipeline.
	StepID string `json:"step_id"`

	// Attempt — номер попытки (начиная с 1).
	Attempt int `json:"attempt"`

	// Capability — имя capability ("openai", "groq", "ollama", "echo").
	Capability string `json:"capability"`

	// Model — модель, указанная в параметрах (может быть пустой).
	Model string `json:"model,omitempty"`

	// Prompt — отрендеренный prompt, отправленный в backend.
	Prompt string `json:"prompt"`

	// Output — сырой текст ответа.
	Output string `json:"output,omitempty"`

	// Status — статус вызова.
	Status CallStatus `json:"status"`

	// ErrorKind — вид ошибки ("capability_transient", "schema_validation", ...).
	ErrorKind string `json:"error_kind,omitempty"`

	// Error — текст ошибки.
	Error string `json:"error,omitempty"`

	// TokensIn / TokensOut — usage, если backend его вернул.
	TokensIn  int `json:"tokens_in,omitempty"`
	TokensOut int `json:"tokens_out,omitempty"`

	// StartedAt — время начала вызова.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewCall создаёт вызов в статусе RUNNING.
func NewCall(runID uuid.UUID, stepID string, attempt int, capability, model, prompt string) *Call {
	return &Call{
		ID:         uuid.New(),
		RunID:      runID,
		StepID:     stepID,
		Attempt:    attempt,
		Capability: capability,
		Model:      model,
		Prompt:     prompt,
		Status:     CallStatusRunning,
		StartedAt:  time.Now(),
	}
}

// Duration возвращает продолжительность вызова.
func (c *Call) Duration() time.Duration {
	if c.FinishedAt == nil {
		return 0
	}
	return c.FinishedAt.Sub(c.StartedAt)
}

// MarkSucceeded фиксирует успешный ответ.
func (c *Call) MarkSucceeded(output string, tokensIn, tokensOut int) {
	now := time.Now()
	c.Status = CallStatusSucceeded
	c.FinishedAt = &now
	c.Output = output
	c.TokensIn = tokensIn
	c.TokensOut = tokensOut
}

// MarkFailed фиксирует ошибку вызова.
// output — сырой текст, если он был получен (например, при ошибке схемы).
func (c *Call) MarkFailed(kind, err, output string) {
	now := time.Now()
	c.Status = CallStatusFailed
	c.FinishedAt = &now
	c.ErrorKind = kind
	c.Error = err
	c.Output = output
}
