package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/engine"
)

// PromptStep — шаг "отрендерить шаблон → вызвать capability → разобрать ответ".
//
// Алгоритм:
//  1. Разрешить входы из RunContext (иначе *UnresolvedInputError)
//  2. Отрендерить шаблон (иначе *engine.MissingVariableError)
//  3. Вызвать capability с бюджетом Params.Timeout
//  4. Если задана схема — провалидировать ответ (иначе *SchemaValidationError)
type PromptStep struct {
	id        string
	output    string
	bindings  map[string]string
	template  *engine.Template
	cap       capability.Capability
	schema    *capability.Schema
	validator capability.SchemaValidator
	params    capability.Params
}

// PromptConfig — параметры PromptStep.
type PromptConfig struct {
	// Inputs — привязки: переменная шаблона → ключ источника.
	Inputs map[string]string

	// Output — output key. По умолчанию ID шага.
	Output string

	// Schema — схема структурированного вывода (опционально).
	Schema *capability.Schema

	// Validator — валидатор для текстовых ответов. По умолчанию JSONValidator.
	Validator capability.SchemaValidator

	// Params — параметры вызова.
	Params capability.Params
}

// NewPromptStep создаёт шаг с capability.
func NewPromptStep(id string, tmpl *engine.Template, c capability.Capability, cfg PromptConfig) *PromptStep {
	output := cfg.Output
	if output == "" {
		output = id
	}
	validator := cfg.Validator
	if validator == nil {
		validator = capability.JSONValidator{}
	}
	bindings := make(map[string]string, len(cfg.Inputs))
	for k, v := range cfg.Inputs {
		bindings[k] = v
	}
	return &PromptStep{
		id:        id,
		output:    output,
		bindings:  bindings,
		template:  tmpl,
		cap:       c,
		schema:    cfg.Schema,
		validator: validator,
		params:    cfg.Params,
	}
}

func (s *PromptStep) ID() string        { return s.id }
func (s *PromptStep) Kind() string      { return KindPrompt }
func (s *PromptStep) OutputKey() string { return s.output }
func (s *PromptStep) Sources() []string { return bindingSources(s.bindings) }

// Template возвращает шаблон шага.
func (s *PromptStep) Template() *engine.Template { return s.template }

// Capability возвращает capability шага.
func (s *PromptStep) Capability() capability.Capability { return s.cap }

// Schema возвращает схему шага (может быть nil).
func (s *PromptStep) Schema() *capability.Schema { return s.schema }

// Params возвращает параметры вызова.
func (s *PromptStep) Params() capability.Params { return s.params }

// Execute реализует Step.
func (s *PromptStep) Execute(ctx context.Context, rc *engine.RunContext, attempt Attempt) (*Outcome, error) {
	values, err := resolve(s.id, rc, s.bindings)
	if err != nil {
		return nil, err
	}

	prompt, err := s.template.Render(values)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", s.id, err)
	}
	if attempt.Repair != nil {
		prompt += repairInstruction(attempt.Repair)
	}

	req := &capability.Request{
		Prompt: prompt,
		Params: s.params,
	}
	structured := s.schema != nil && capability.IsStructured(s.cap)
	if structured {
		req.Schema = s.schema
	}

	info := CallInfo{
		ID:         uuid.New(),
		StepID:     s.id,
		Attempt:    attempt.Number,
		Capability: s.cap.Name(),
		Model:      s.params.Model,
		Prompt:     prompt,
	}
	req.CallID = info.ID.String()

	if attempt.Tracer != nil {
		attempt.Tracer.CallStarted(ctx, info)
	}

	res, err := s.invoke(ctx, req)
	if err == nil && s.schema != nil {
		err = s.parse(res, structured)
	}

	if attempt.Tracer != nil {
		attempt.Tracer.CallFinished(ctx, info, res, err)
	}
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Key:        s.output,
		Value:      res.Value,
		Prompt:     prompt,
		Raw:        res.Text,
		Calls:      1,
		Capability: res.Capability,
		Model:      res.Model,
		Usage:      res.Usage,
	}
	if s.schema == nil {
		out.Value = capability.ExtractText(res.Text)
	}
	return out, nil
}

// invoke вызывает capability с бюджетом времени.
// Превышение бюджета — transient ошибка; отмена родительского контекста
// возвращается как есть.
func (s *PromptStep) invoke(ctx context.Context, req *capability.Request) (*capability.Result, error) {
	callCtx := ctx
	if s.params.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.params.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.cap.Complete(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			var capErr *capability.CapabilityError
			if !errors.As(err, &capErr) {
				err = capability.Transient(s.cap.Name(),
					fmt.Errorf("call exceeded %s budget: %w", s.params.Timeout, err))
			}
			return nil, err
		}
		return nil, capability.Classify(s.cap.Name(), err)
	}
	if res == nil {
		return nil, capability.Fatal(s.cap.Name(), errors.New("capability returned no result"))
	}
	if res.Capability == "" {
		res.Capability = s.cap.Name()
	}
	if res.Model == "" {
		res.Model = s.params.Model
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, nil
}

// parse приводит ответ к схеме. Сырой текст всегда извлекается первым,
// структурированное значение от backend проверяется повторно.
func (s *PromptStep) parse(res *capability.Result, structured bool) error {
	if structured && res.Value != nil {
		value, err := capability.CheckValue(res.Value, s.schema)
		if err != nil {
			return &capability.SchemaValidationError{Schema: s.schema.Name, Raw: res.Text, Err: err}
		}
		res.Value = value
		return nil
	}

	value, err := s.validator.Validate(res.Text, s.schema)
	if err != nil {
		var svErr *capability.SchemaValidationError
		if errors.As(err, &svErr) {
			return err
		}
		return &capability.SchemaValidationError{Schema: s.schema.Name, Raw: res.Text, Err: err}
	}
	res.Value = value
	return nil
}

func repairInstruction(prev *capability.SchemaValidationError) string {
	raw := prev.Raw
	if len(raw) > 2000 {
		raw = raw[:2000] + "..."
	}
	return fmt.Sprintf("\n\nYour previous answer did not match the required format (%v).\n"+
		"Previous answer:\n%s\n\nReturn a corrected answer that matches the format exactly.",
		prev.Err, raw)
}
