package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/engine"
	"github.com/shaiso/Promptflow/internal/steps"
)

// Ошибки executor.
var (
	// ErrRunCancelled — run остановлен отменой контекста.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrRunFailed — хотя бы один шаг завершился ошибкой.
	ErrRunFailed = errors.New("run failed")

	// ErrStepNotFound — шаг не найден в pipeline.
	ErrStepNotFound = errors.New("step not found in pipeline")
)

// ErrorKind — вид ошибки шага.
type ErrorKind string

const (
	KindMissingVariable     ErrorKind = "missing_variable"
	KindUnresolvedInput     ErrorKind = "unresolved_input"
	KindCapabilityTransient ErrorKind = "capability_transient"
	KindCapabilityFatal     ErrorKind = "capability_fatal"
	KindSchemaValidation    ErrorKind = "schema_validation"
	KindCancelled           ErrorKind = "cancelled"
	KindInternal            ErrorKind = "internal"
)

// Classify определяет вид ошибки шага.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, ErrRunCancelled):
		return KindCancelled
	case errors.Is(err, engine.ErrMissingVariable):
		return KindMissingVariable
	case errors.Is(err, steps.ErrUnresolvedInput):
		return KindUnresolvedInput
	case errors.Is(err, capability.ErrSchemaValidation):
		return KindSchemaValidation
	case errors.Is(err, capability.ErrCapabilityTransient):
		return KindCapabilityTransient
	case errors.Is(err, capability.ErrCapabilityFatal):
		return KindCapabilityFatal
	case errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// StepError — ошибка шага после всех попыток.
type StepError struct {
	StepID   string
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed (%s, %d attempts): %v", e.StepID, e.Kind, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RunError — итоговая ошибка run.
//
// В режиме fail-fast Failures содержит одну ошибку,
// в режиме continue-on-error — все упавшие шаги.
type RunError struct {
	RunID    uuid.UUID
	Pipeline string
	Status   domain.RunStatus
	Failures []*StepError
}

func (e *RunError) Error() string {
	if e.Status == domain.RunStatusCancelled {
		return fmt.Sprintf("run %s (%s): %v", e.RunID, e.Pipeline, ErrRunCancelled)
	}

	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.StepID, f.Kind))
	}
	return fmt.Sprintf("run %s (%s) failed: %s", e.RunID, e.Pipeline, strings.Join(parts, "; "))
}

// Unwrap позволяет errors.Is/As добраться до ошибок шагов.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	switch e.Status {
	case domain.RunStatusCancelled:
		errs = append(errs, ErrRunCancelled)
	case domain.RunStatusFailed:
		errs = append(errs, ErrRunFailed)
	}
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Failure возвращает ошибку шага по ID.
func (e *RunError) Failure(stepID string) (*StepError, bool) {
	for _, f := range e.Failures {
		if f.StepID == stepID {
			return f, true
		}
	}
	return nil, false
}
