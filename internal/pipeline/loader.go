package pipeline

import (
	"fmt"
	"time"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/engine"
	"github.com/shaiso/Promptflow/internal/steps"
)

// CapabilityNone — имя capability для шагов, которые только рендерят шаблон.
const CapabilityNone = "none"

// FormatInstructionsPartial — значение partial, которое заменяется
// инструкциями схемы шага.
const FormatInstructionsPartial = "$format_instructions"

// LoadOptions — параметры загрузки.
type LoadOptions struct {
	// Validator — валидатор схем для текстовых capability.
	Validator capability.SchemaValidator

	// DefaultTimeout — бюджет вызова, если в спецификации не задан.
	DefaultTimeout time.Duration

	// DefaultRetry — политика retry, если в спецификации не задана.
	DefaultRetry *domain.RetryPolicy
}

// Load собирает Pipeline из спецификации.
// Capability шагов разрешаются через реестр.
func Load(spec *domain.PipelineSpec, reg *steps.Registry, opts LoadOptions) (*Pipeline, error) {
	if _, err := engine.Validate(spec); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", specName(spec), err)
	}

	schemas := make(map[string]*capability.Schema, len(spec.Schemas))
	for _, def := range spec.Schemas {
		s, err := capability.NewSchema(def)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", spec.Name, err)
		}
		schemas[def.Name] = s
	}

	templates := make(map[string]*engine.Template, len(spec.Templates))
	defs := make(map[string]*domain.TemplateDef, len(spec.Templates))
	for i := range spec.Templates {
		def := &spec.Templates[i]
		t, err := engine.ParseTemplate(def.ID, def.Pattern, engine.Format(def.Format), def.Variables)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", spec.Name, err)
		}

		static := make(map[string]any)
		for k, v := range def.Partials {
			if v != FormatInstructionsPartial {
				static[k] = v
			}
		}
		if len(static) > 0 {
			if t, err = t.Partial(static); err != nil {
				return nil, fmt.Errorf("pipeline %s: %w", spec.Name, err)
			}
		}
		templates[def.ID] = t
		defs[def.ID] = def
	}

	b := New(spec.Name).Describe(spec.Description)
	for name, in := range spec.Inputs {
		if in.Default != nil {
			b.InputDefault(name, in.Default)
		} else {
			b.Input(name)
		}
	}

	defaults := spec.Defaults
	if defaults == nil {
		defaults = &domain.StepDefaults{}
	}
	if defaults.Retry != nil {
		b.DefaultRetry(defaults.Retry)
	} else {
		b.DefaultRetry(opts.DefaultRetry)
	}

	for i := range spec.Steps {
		def := &spec.Steps[i]
		if def.Retry != nil {
			b.Retry(def.ID, def.Retry)
		}

		if def.Passthrough != "" {
			b.Passthrough(def.ID, def.Passthrough, def.Output)
			continue
		}

		t, err := stepTemplate(templates[def.Template], defs[def.Template], def, schemas)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", spec.Name, err)
		}

		capName := def.Capability
		if capName == "" {
			capName = defaults.Capability
		}
		if capName == CapabilityNone {
			b.Step(steps.NewRenderStep(def.ID, t, def.Inputs, def.Output))
			continue
		}

		c, err := reg.Get(capName)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: step %s: %w", spec.Name, def.ID, err)
		}

		b.Step(steps.NewPromptStep(def.ID, t, c, steps.PromptConfig{
			Inputs:    def.Inputs,
			Output:    def.Output,
			Schema:    schemas[def.Schema],
			Validator: opts.Validator,
			Params:    stepParams(def, defaults, opts.DefaultTimeout),
		}))
	}

	return b.Build()
}

// stepTemplate подставляет инструкции схемы шага в partial format_instructions.
func stepTemplate(t *engine.Template, def *domain.TemplateDef, step *domain.StepDef,
	schemas map[string]*capability.Schema) (*engine.Template, error) {
	for k, v := range def.Partials {
		if v != FormatInstructionsPartial {
			continue
		}
		schema, ok := schemas[step.Schema]
		if !ok {
			return nil, engine.NewValidationError(step.ID, "schema",
				fmt.Sprintf("template %s needs format instructions but step has no schema", def.ID),
				engine.ErrUnknownSchema)
		}
		return t.Partial(map[string]any{k: schema.FormatInstructions()})
	}
	return t, nil
}

func stepParams(def *domain.StepDef, defaults *domain.StepDefaults, fallback time.Duration) capability.Params {
	p := capability.Params{
		Model:       def.Model,
		Temperature: def.Temperature,
		MaxTokens:   def.MaxTokens,
		System:      def.System,
		Timeout:     fallback,
	}
	if p.Model == "" {
		p.Model = defaults.Model
	}
	if p.Temperature == nil {
		p.Temperature = defaults.Temperature
	}
	switch {
	case def.TimeoutSec > 0:
		p.Timeout = time.Duration(def.TimeoutSec) * time.Second
	case defaults.TimeoutSec > 0:
		p.Timeout = time.Duration(defaults.TimeoutSec) * time.Second
	}
	return p
}

func specName(spec *domain.PipelineSpec) string {
	if spec == nil || spec.Name == "" {
		return "<unnamed>"
	}
	return spec.Name
}
