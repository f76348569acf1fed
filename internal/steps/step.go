package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/engine"
)

// Виды шагов.
const (
	KindPrompt      = "prompt"
	KindPassthrough = "passthrough"
	KindRender      = "render"
)

// Ошибки шагов.
var (
	// ErrUnresolvedInput — вход шага отсутствует в RunContext на момент запуска.
	ErrUnresolvedInput = errors.New("unresolved input")

	// ErrCapabilityNotFound — capability не найдена в реестре.
	ErrCapabilityNotFound = errors.New("capability not found")
)

// UnresolvedInputError — шаг не нашёл свои входы.
type UnresolvedInputError struct {
	StepID string
	Keys   []string
}

func (e *UnresolvedInputError) Error() string {
	return fmt.Sprintf("step %s: unresolved input [%s]", e.StepID, strings.Join(e.Keys, ", "))
}

func (e *UnresolvedInputError) Is(target error) bool {
	return target == ErrUnresolvedInput
}

// Step — единица работы pipeline.
//
// Шаг читает входы из RunContext и возвращает значение для своего output key.
// Шаг не повторяет вызовы сам: политика retry принадлежит orchestrator.
type Step interface {
	// ID возвращает идентификатор шага.
	ID() string

	// Kind возвращает вид шага: prompt, passthrough, render.
	Kind() string

	// OutputKey возвращает ключ, под которым записывается результат.
	OutputKey() string

	// Sources возвращает ключи, которые читает шаг.
	Sources() []string

	// Execute выполняет шаг. Запись результата в RunContext делает orchestrator.
	Execute(ctx context.Context, rc *engine.RunContext, attempt Attempt) (*Outcome, error)
}

// Attempt — параметры одной попытки.
type Attempt struct {
	// Number — номер попытки, начиная с 1.
	Number int

	// Repair — ошибка схемы предыдущей попытки. Если задана,
	// шаг просит модель исправить ответ.
	Repair *capability.SchemaValidationError

	// Tracer получает уведомления о вызовах capability (может быть nil).
	Tracer CallTracer
}

// CallInfo — описание одного вызова capability.
type CallInfo struct {
	ID         uuid.UUID
	StepID     string
	Attempt    int
	Capability string
	Model      string
	Prompt     string
}

// CallTracer получает уведомления о вызовах capability.
type CallTracer interface {
	CallStarted(ctx context.Context, call CallInfo)
	CallFinished(ctx context.Context, call CallInfo, res *capability.Result, err error)
}

// Outcome — результат шага.
type Outcome struct {
	// Key — output key.
	Key string

	// Value — значение для записи в RunContext.
	Value any

	// Prompt — отрендеренный prompt (пусто для passthrough).
	Prompt string

	// Raw — сырой текст ответа capability.
	Raw string

	// Calls — число вызовов capability в этой попытке.
	Calls int

	// Capability, Model, Usage — атрибуция вызова.
	Capability string
	Model      string
	Usage      capability.Usage
}

// resolve разрешает привязки шага или возвращает *UnresolvedInputError.
func resolve(stepID string, rc *engine.RunContext, bindings map[string]string) (map[string]any, error) {
	values, missing := rc.Resolve(bindings)
	if len(missing) > 0 {
		return nil, &UnresolvedInputError{StepID: stepID, Keys: missing}
	}
	return values, nil
}

func bindingSources(bindings map[string]string) []string {
	seen := make(map[string]bool, len(bindings))
	out := make([]string, 0, len(bindings))
	for _, src := range bindings {
		if !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	return out
}
