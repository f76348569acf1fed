package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/engine"
	"github.com/shaiso/Promptflow/internal/steps"
)

// ErrUnknownTemplate — шаг ссылается на незарегистрированный шаблон.
var ErrUnknownTemplate = engine.ErrUnknownTemplate

// Builder собирает Pipeline.
//
//	p, err := pipeline.New("study-material").
//	    Input("topic").
//	    Template(explain).
//	    Prompt("explain", "explain", llm, steps.PromptConfig{
//	        Inputs: map[string]string{"topic": "topic"},
//	        Output: "explanation",
//	    }).
//	    Build()
//
// Ошибки копятся и возвращаются из Build. Граф проверяется целиком
// в Build: циклы, повторяющиеся output keys, неизвестные источники.
type Builder struct {
	name        string
	description string

	declared     []string
	hasDeclared  bool
	defaults     map[string]any
	templates    map[string]*engine.Template
	steps        []steps.Step
	retry        map[string]*domain.RetryPolicy
	defaultRetry *domain.RetryPolicy

	errs []error
}

// New создаёт Builder.
func New(name string) *Builder {
	return &Builder{
		name:      name,
		defaults:  make(map[string]any),
		templates: make(map[string]*engine.Template),
		retry:     make(map[string]*domain.RetryPolicy),
	}
}

// Describe задаёт описание pipeline.
func (b *Builder) Describe(description string) *Builder {
	b.description = description
	return b
}

// Input объявляет начальные входы. После объявления ссылки шагов
// на неизвестные ключи отклоняются в Build.
func (b *Builder) Input(keys ...string) *Builder {
	b.hasDeclared = true
	b.declared = append(b.declared, keys...)
	return b
}

// InputDefault объявляет вход со значением по умолчанию.
func (b *Builder) InputDefault(key string, value any) *Builder {
	b.Input(key)
	b.defaults[key] = value
	return b
}

// Template регистрирует шаблон по имени.
func (b *Builder) Template(t *engine.Template) *Builder {
	if t == nil {
		b.errs = append(b.errs, errors.New("nil template"))
		return b
	}
	if _, exists := b.templates[t.Name()]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate template %q", t.Name()))
		return b
	}
	b.templates[t.Name()] = t
	return b
}

// Step добавляет готовый шаг.
func (b *Builder) Step(s steps.Step) *Builder {
	b.steps = append(b.steps, s)
	return b
}

// Prompt добавляет шаг с capability по зарегистрированному шаблону.
func (b *Builder) Prompt(id, template string, c capability.Capability, cfg steps.PromptConfig) *Builder {
	t, ok := b.templates[template]
	if !ok {
		b.errs = append(b.errs, engine.NewValidationError(id, "template",
			fmt.Sprintf("unknown template: %s", template), ErrUnknownTemplate))
		return b
	}
	if c == nil {
		b.errs = append(b.errs, engine.NewValidationError(id, "capability",
			"capability is nil", steps.ErrCapabilityNotFound))
		return b
	}
	return b.Step(steps.NewPromptStep(id, t, c, cfg))
}

// Passthrough добавляет шаг, пересылающий source в output.
func (b *Builder) Passthrough(id, source, output string) *Builder {
	return b.Step(steps.NewPassthroughStep(id, source, output))
}

// Render добавляет шаг, который только рендерит шаблон.
func (b *Builder) Render(id, template string, inputs map[string]string, output string) *Builder {
	t, ok := b.templates[template]
	if !ok {
		b.errs = append(b.errs, engine.NewValidationError(id, "template",
			fmt.Sprintf("unknown template: %s", template), ErrUnknownTemplate))
		return b
	}
	return b.Step(steps.NewRenderStep(id, t, inputs, output))
}

// Retry задаёт политику retry для шага.
func (b *Builder) Retry(stepID string, p *domain.RetryPolicy) *Builder {
	b.retry[stepID] = p
	return b
}

// DefaultRetry задаёт политику retry для всех шагов без своей.
func (b *Builder) DefaultRetry(p *domain.RetryPolicy) *Builder {
	b.defaultRetry = p
	return b
}

// Build проверяет граф и возвращает Pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("pipeline %s: %w", b.name, errors.Join(b.errs...))
	}

	defs := make([]engine.NodeDef, 0, len(b.steps))
	byID := make(map[string]steps.Step, len(b.steps))
	for _, s := range b.steps {
		sources := s.Sources()
		sort.Strings(sources)
		defs = append(defs, engine.NodeDef{ID: s.ID(), Output: s.OutputKey(), Sources: sources})
		byID[s.ID()] = s
	}

	var declared []string
	if b.hasDeclared {
		declared = dedupe(b.declared)
	}

	dag, err := engine.BuildDAG(defs, declared)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", b.name, err)
	}

	for stepID := range b.retry {
		if _, ok := byID[stepID]; !ok {
			return nil, fmt.Errorf("pipeline %s: retry policy for unknown step %q", b.name, stepID)
		}
	}

	stepsCopy := make([]steps.Step, len(b.steps))
	copy(stepsCopy, b.steps)

	retry := make(map[string]*domain.RetryPolicy, len(b.retry))
	for k, v := range b.retry {
		retry[k] = v
	}
	defaults := make(map[string]any, len(b.defaults))
	for k, v := range b.defaults {
		defaults[k] = v
	}

	return &Pipeline{
		name:         b.name,
		description:  b.description,
		steps:        stepsCopy,
		byID:         byID,
		dag:          dag,
		declared:     declared,
		defaults:     defaults,
		retry:        retry,
		defaultRetry: b.defaultRetry,
	}, nil
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}
