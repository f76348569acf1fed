package steps

import (
	"context"

	"github.com/shaiso/Promptflow/internal/engine"
)

// PassthroughStep пересылает значение источника в свой output без изменений.
//
// Нужен, когда ветка pipeline должна вернуть исходное значение рядом
// с преобразованным (например, шутка и её объяснение). Capability не вызывается.
type PassthroughStep struct {
	id     string
	source string
	output string
}

// NewPassthroughStep создаёт passthrough шаг.
func NewPassthroughStep(id, source, output string) *PassthroughStep {
	if output == "" {
		output = id
	}
	return &PassthroughStep{id: id, source: source, output: output}
}

func (s *PassthroughStep) ID() string        { return s.id }
func (s *PassthroughStep) Kind() string      { return KindPassthrough }
func (s *PassthroughStep) OutputKey() string { return s.output }
func (s *PassthroughStep) Sources() []string { return []string{s.source} }

// Source возвращает ключ источника.
func (s *PassthroughStep) Source() string { return s.source }

// Execute реализует Step.
func (s *PassthroughStep) Execute(_ context.Context, rc *engine.RunContext, _ Attempt) (*Outcome, error) {
	v, ok := rc.Lookup(s.source)
	if !ok {
		return nil, &UnresolvedInputError{StepID: s.id, Keys: []string{s.source}}
	}
	return &Outcome{Key: s.output, Value: v}, nil
}
