package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Ошибки определения pipeline.
var (
	// ErrEmptySteps — pipeline не содержит шагов.
	ErrEmptySteps = errors.New("pipeline has no steps")

	// ErrEmptyStepID — шаг не имеет ID.
	ErrEmptyStepID = errors.New("step has empty ID")

	// ErrDuplicateStepID — несколько шагов с одинаковым ID.
	ErrDuplicateStepID = errors.New("duplicate step ID")

	// ErrDuplicateOutputKey — несколько шагов пишут в один output key.
	ErrDuplicateOutputKey = errors.New("duplicate output key")

	// ErrUnknownSource — шаг ссылается на ключ, который не является
	// ни объявленным входом, ни output другого шага.
	ErrUnknownSource = errors.New("step binds unknown source")

	// ErrCyclicPipeline — обнаружен цикл в зависимостях.
	ErrCyclicPipeline = errors.New("cyclic pipeline")

	// ErrUnknownTemplate — шаг ссылается на несуществующий шаблон.
	ErrUnknownTemplate = errors.New("unknown template")

	// ErrUnknownSchema — шаг ссылается на несуществующую схему.
	ErrUnknownSchema = errors.New("unknown schema")

	// ErrInvalidSpec — спецификация не парсится.
	ErrInvalidSpec = errors.New("invalid pipeline spec")
)

// Ошибки шаблонов.
var (
	// ErrMissingVariable — при рендеринге не передана объявленная переменная.
	ErrMissingVariable = errors.New("missing variable")

	// ErrUndeclaredVariable — pattern использует необъявленную переменную.
	ErrUndeclaredVariable = errors.New("undeclared template variable")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")

	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")
)

// ErrOutputAlreadyRecorded — повторная запись output key в RunContext.
var ErrOutputAlreadyRecorded = errors.New("output already recorded")

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	StepID  string // ID шага, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.StepID != "" {
		return "step " + e.StepID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(stepID, field, message string, err error) *ValidationError {
	return &ValidationError{
		StepID:  stepID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// MissingVariableError — шаблону не хватило переменной.
type MissingVariableError struct {
	Template string
	Variable string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template %q: missing variable %q", e.Template, e.Variable)
}

// Is позволяет использовать errors.Is(err, ErrMissingVariable).
func (e *MissingVariableError) Is(target error) bool {
	return target == ErrMissingVariable
}

// CyclicPipelineError — цикл в графе. StepIDs содержит только шаги,
// лежащие на цикле (отсортированы).
type CyclicPipelineError struct {
	StepIDs []string
}

func (e *CyclicPipelineError) Error() string {
	return fmt.Sprintf("cyclic pipeline: steps [%s] form a cycle", strings.Join(e.StepIDs, ", "))
}

func (e *CyclicPipelineError) Is(target error) bool {
	return target == ErrCyclicPipeline
}

// DuplicateOutputKeyError — два шага объявили один output key.
type DuplicateOutputKeyError struct {
	Key     string
	StepIDs []string
}

func (e *DuplicateOutputKeyError) Error() string {
	return fmt.Sprintf("output key %q declared by steps [%s]", e.Key, strings.Join(e.StepIDs, ", "))
}

func (e *DuplicateOutputKeyError) Is(target error) bool {
	return target == ErrDuplicateOutputKey
}
