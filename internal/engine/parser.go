package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Promptflow/internal/domain"
)

// Допустимые стратегии backoff.
var validBackoffs = map[string]bool{
	"":                        true,
	domain.BackoffFixed:       true,
	domain.BackoffExponential: true,
}

// Допустимые форматы шаблонов.
var validFormats = map[string]bool{
	"":                    true,
	string(FormatFString): true,
	string(FormatGo):      true,
}

// ParseSpec парсит PipelineSpec из YAML или JSON (JSON — подмножество YAML).
// Неизвестные поля — ошибка: опечатка в ключе не должна молча игнорироваться.
func ParseSpec(data []byte) (*domain.PipelineSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec domain.PipelineSpec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidSpec)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return &spec, nil
}

// ParseSpecFile читает и парсит файл спецификации.
func ParseSpecFile(path string) (*domain.PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline spec: %w", err)
	}
	spec, err := ParseSpec(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Validate выполняет полную валидацию PipelineSpec.
//
// Проверяет:
// - Наличие шагов
// - Уникальность ID шагов и шаблонов
// - Ссылки на шаблоны и схемы
// - Корректность вида шага (passthrough либо шаблон)
// - Политику retry
// - Граф: уникальность output keys, неизвестные источники, циклы
func Validate(spec *domain.PipelineSpec) (*DAG, error) {
	if spec == nil || len(spec.Steps) == 0 {
		return nil, ErrEmptySteps
	}

	templates := make(map[string]*domain.TemplateDef, len(spec.Templates))
	for i := range spec.Templates {
		t := &spec.Templates[i]
		if t.ID == "" {
			return nil, NewValidationError("", "templates",
				fmt.Sprintf("template %d has empty ID", i), ErrInvalidSpec)
		}
		if _, exists := templates[t.ID]; exists {
			return nil, NewValidationError("", "templates",
				fmt.Sprintf("duplicate template ID: %s", t.ID), ErrInvalidSpec)
		}
		if !validFormats[t.Format] {
			return nil, NewValidationError("", "templates",
				fmt.Sprintf("template %s: unknown format %q", t.ID, t.Format), ErrTemplateParse)
		}
		templates[t.ID] = t
	}

	schemas := make(map[string]bool, len(spec.Schemas))
	for _, s := range spec.Schemas {
		if s.Name == "" {
			return nil, NewValidationError("", "schemas", "schema has empty name", ErrInvalidSpec)
		}
		schemas[s.Name] = true
	}

	if err := validateRetry("", spec.Defaults.GetRetry()); err != nil {
		return nil, err
	}

	stepIDs := make(map[string]bool, len(spec.Steps))
	for i := range spec.Steps {
		if err := ValidateStep(&spec.Steps[i], stepIDs, templates, schemas); err != nil {
			return nil, err
		}
	}

	return BuildDAG(SpecNodes(spec), declaredInputs(spec))
}

// ValidateStep валидирует один шаг.
// stepIDs — уже встреченные ID шагов (для проверки уникальности).
func ValidateStep(step *domain.StepDef, stepIDs map[string]bool,
	templates map[string]*domain.TemplateDef, schemas map[string]bool) error {
	if step.ID == "" {
		return NewValidationError("", "id", "step has empty ID", ErrEmptyStepID)
	}
	if stepIDs[step.ID] {
		return NewValidationError(step.ID, "id",
			fmt.Sprintf("duplicate step ID: %s", step.ID), ErrDuplicateStepID)
	}
	stepIDs[step.ID] = true

	if step.Passthrough != "" {
		if step.Template != "" || len(step.Inputs) > 0 || step.Schema != "" {
			return NewValidationError(step.ID, "passthrough",
				"passthrough step cannot declare template, inputs or schema", ErrInvalidSpec)
		}
		return nil
	}

	if step.Template == "" {
		return NewValidationError(step.ID, "template",
			"step needs a template or a passthrough source", ErrUnknownTemplate)
	}
	tmpl, ok := templates[step.Template]
	if !ok {
		return NewValidationError(step.ID, "template",
			fmt.Sprintf("unknown template: %s", step.Template), ErrUnknownTemplate)
	}

	// Каждая переменная шаблона (кроме partials) должна быть привязана
	for _, v := range tmpl.Variables {
		if _, bound := step.Inputs[v]; bound {
			continue
		}
		if _, partial := tmpl.Partials[v]; partial {
			continue
		}
		return NewValidationError(step.ID, "inputs",
			fmt.Sprintf("template variable %q is not bound", v), ErrMissingVariable)
	}

	if step.Schema != "" && !schemas[step.Schema] {
		return NewValidationError(step.ID, "schema",
			fmt.Sprintf("unknown schema: %s", step.Schema), ErrUnknownSchema)
	}

	return validateRetry(step.ID, step.Retry)
}

func validateRetry(stepID string, p *domain.RetryPolicy) error {
	if p == nil {
		return nil
	}
	if p.MaxAttempts < 0 {
		return NewValidationError(stepID, "retry", "max_attempts must be >= 0", ErrInvalidSpec)
	}
	if !validBackoffs[p.Backoff] {
		return NewValidationError(stepID, "retry",
			fmt.Sprintf("unknown backoff: %s", p.Backoff), ErrInvalidSpec)
	}
	if p.MaxDelayMs > 0 && p.InitialDelayMs > p.MaxDelayMs {
		return NewValidationError(stepID, "retry",
			"initial_delay_ms exceeds max_delay_ms", ErrInvalidSpec)
	}
	return nil
}

// SpecNodes превращает шаги спецификации в NodeDef для BuildDAG.
func SpecNodes(spec *domain.PipelineSpec) []NodeDef {
	defs := make([]NodeDef, 0, len(spec.Steps))
	for i := range spec.Steps {
		step := &spec.Steps[i]
		var sources []string
		if step.Passthrough != "" {
			sources = append(sources, step.Passthrough)
		}
		for _, src := range step.Inputs {
			sources = append(sources, src)
		}
		sort.Strings(sources)
		defs = append(defs, NodeDef{
			ID:      step.ID,
			Output:  step.OutputKey(),
			Sources: sources,
		})
	}
	return defs
}

// declaredInputs возвращает объявленные входы или nil, если их нет.
func declaredInputs(spec *domain.PipelineSpec) []string {
	if len(spec.Inputs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(spec.Inputs))
	for k := range spec.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
