package capability

import (
	"context"
	"time"
)

// Capability — абстракция над backend генерации.
//
// Текстовая capability возвращает Result.Text.
// Структурированная (см. StructuredCapability) получает Request.Schema
// и возвращает Result.Value, уже проверенный по схеме.
//
// Ошибки:
//   - *CapabilityError{Kind: transient|fatal} — сбой backend
//   - *SchemaValidationError — ответ не приводится к схеме
type Capability interface {
	// Name возвращает имя capability ("openai", "ollama", "echo").
	Name() string

	// Complete выполняет один вызов.
	Complete(ctx context.Context, req *Request) (*Result, error)
}

// StructuredCapability — capability, которая сама возвращает значение по схеме.
// Для остальных capability Step валидирует текст через SchemaValidator.
type StructuredCapability interface {
	Capability
	Structured() bool
}

// IsStructured проверяет, возвращает ли capability структурированные значения.
func IsStructured(c Capability) bool {
	s, ok := c.(StructuredCapability)
	return ok && s.Structured()
}

// Params — параметры вызова.
type Params struct {
	// Model — идентификатор модели. Пусто — модель по умолчанию адаптера.
	Model string `json:"model,omitempty"`

	// Temperature — температура сэмплирования. nil — значение backend.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens — ограничение длины ответа (0 — без ограничения).
	MaxTokens int `json:"max_tokens,omitempty"`

	// System — системное сообщение.
	System string `json:"system,omitempty"`

	// Timeout — бюджет вызова. Превышение — transient ошибка.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Request — запрос к capability.
type Request struct {
	// CallID — идентификатор вызова для логов и метрик.
	CallID string

	// Prompt — отрендеренный prompt.
	Prompt string

	// Schema — целевая схема для структурированного вывода.
	Schema *Schema

	// Params — параметры вызова.
	Params Params
}

// Usage — расход токенов, если backend его сообщает.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Result — результат вызова.
type Result struct {
	// Text — сырой текст ответа.
	Text string

	// Value — структурированное значение (только для StructuredCapability).
	Value any

	// Capability и Model — атрибуция вызова.
	Capability string
	Model      string

	// Usage — расход токенов.
	Usage Usage

	// Duration — длительность вызова.
	Duration time.Duration
}
