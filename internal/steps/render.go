package steps

import (
	"context"
	"fmt"

	"github.com/shaiso/Promptflow/internal/engine"
)

// RenderStep только рендерит шаблон: результат — готовый текст.
// Используется для сборки prompt для внешних систем (например, генерации изображений).
type RenderStep struct {
	id       string
	output   string
	bindings map[string]string
	template *engine.Template
}

// NewRenderStep создаёт шаг без capability.
func NewRenderStep(id string, tmpl *engine.Template, inputs map[string]string, output string) *RenderStep {
	if output == "" {
		output = id
	}
	bindings := make(map[string]string, len(inputs))
	for k, v := range inputs {
		bindings[k] = v
	}
	return &RenderStep{id: id, output: output, bindings: bindings, template: tmpl}
}

func (s *RenderStep) ID() string        { return s.id }
func (s *RenderStep) Kind() string      { return KindRender }
func (s *RenderStep) OutputKey() string { return s.output }
func (s *RenderStep) Sources() []string { return bindingSources(s.bindings) }

// Template возвращает шаблон шага.
func (s *RenderStep) Template() *engine.Template { return s.template }

// Execute реализует Step.
func (s *RenderStep) Execute(_ context.Context, rc *engine.RunContext, _ Attempt) (*Outcome, error) {
	values, err := resolve(s.id, rc, s.bindings)
	if err != nil {
		return nil, err
	}

	text, err := s.template.Render(values)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", s.id, err)
	}
	return &Outcome{Key: s.output, Value: text, Prompt: text}, nil
}
