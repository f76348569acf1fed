package pipeline

import (
	"sort"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/engine"
	"github.com/shaiso/Promptflow/internal/steps"
)

// Pipeline — проверенный граф шагов.
//
// Строится один раз (Builder или Load) и выполняется сколько угодно раз:
// состояние run живёт в engine.RunContext, Pipeline не меняется.
type Pipeline struct {
	name        string
	description string

	steps []steps.Step
	byID  map[string]steps.Step
	dag   *engine.DAG

	declared     []string
	defaults     map[string]any
	retry        map[string]*domain.RetryPolicy
	defaultRetry *domain.RetryPolicy
}

// Name возвращает имя pipeline.
func (p *Pipeline) Name() string { return p.name }

// Description возвращает описание pipeline.
func (p *Pipeline) Description() string { return p.description }

// DAG возвращает граф зависимостей.
func (p *Pipeline) DAG() *engine.DAG { return p.dag }

// Steps возвращает шаги в порядке определения.
func (p *Pipeline) Steps() []steps.Step {
	out := make([]steps.Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Step возвращает шаг по ID.
func (p *Pipeline) Step(id string) (steps.Step, bool) {
	s, ok := p.byID[id]
	return s, ok
}

// Inputs возвращает ключи, которые должен передать вызывающий
// (внешние источники графа без значения по умолчанию).
func (p *Pipeline) Inputs() []string {
	out := make([]string, 0, len(p.dag.Inputs))
	for _, k := range p.dag.Inputs {
		if _, ok := p.defaults[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// DeclaredInputs возвращает объявленные входы (nil, если не объявлены).
func (p *Pipeline) DeclaredInputs() []string {
	if p.declared == nil {
		return nil
	}
	out := make([]string, len(p.declared))
	copy(out, p.declared)
	return out
}

// WithDefaults возвращает inputs, дополненные значениями по умолчанию.
func (p *Pipeline) WithDefaults(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs)+len(p.defaults))
	for k, v := range p.defaults {
		out[k] = v
	}
	for k, v := range inputs {
		out[k] = v
	}
	return out
}

// RetryPolicy возвращает политику retry шага (может быть nil).
func (p *Pipeline) RetryPolicy(stepID string) *domain.RetryPolicy {
	if r, ok := p.retry[stepID]; ok && r != nil {
		return r
	}
	return p.defaultRetry
}

// OutputKeys возвращает все output keys в порядке определения шагов.
func (p *Pipeline) OutputKeys() []string {
	keys := make([]string, 0, len(p.steps))
	for _, s := range p.steps {
		keys = append(keys, s.OutputKey())
	}
	return keys
}

// LeafOutputs возвращает output keys шагов, от которых никто не зависит.
func (p *Pipeline) LeafOutputs() []string {
	keys := make([]string, 0)
	for _, s := range p.steps {
		if len(p.dag.GetNode(s.ID()).Dependents) == 0 {
			keys = append(keys, s.OutputKey())
		}
	}
	return keys
}

// Capabilities возвращает имена capability, используемых pipeline.
func (p *Pipeline) Capabilities() []string {
	seen := make(map[string]bool)
	for _, s := range p.steps {
		if ps, ok := s.(*steps.PromptStep); ok {
			seen[ps.Capability().Name()] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
