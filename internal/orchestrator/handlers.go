package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/steps"
	"github.com/shaiso/Promptflow/internal/telemetry"
)

// stepDone — результат шага, отправляемый в цикл Executor.
type stepDone struct {
	stepID   string
	outcome  *steps.Outcome
	attempts int
	err      error
}

// executeWithRetry выполняет шаг с retry согласно RetryPolicy.
//
// Повторяются только transient ошибки capability. Ошибка схемы
// повторяется один раз с repair-инструкцией, если это разрешено политикой.
func (e *Executor) executeWithRetry(ctx context.Context, state *RunState, step steps.Step,
	tracer *callTracer, policy *domain.RetryPolicy) stepDone {
	logger := telemetry.FromContext(ctx)

	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	var repair *capability.SchemaValidationError
	repaired := false
	transient := 0

	for attempt := 1; ; attempt++ {
		out, err := step.Execute(ctx, state.Context, steps.Attempt{
			Number: attempt,
			Repair: repair,
			Tracer: tracer,
		})
		if err == nil {
			return stepDone{stepID: step.ID(), outcome: out, attempts: attempt}
		}
		if ctx.Err() != nil {
			return stepDone{stepID: step.ID(), attempts: attempt, err: ctx.Err()}
		}

		switch Classify(err) {
		case KindSchemaValidation:
			if policy == nil || !policy.RepairSchema || repaired {
				return stepDone{stepID: step.ID(), attempts: attempt, err: err}
			}
			repaired = true
			repair = nil
			errors.As(err, &repair)

			logger.Debug("repairing schema output", "attempt", attempt, "error", err)
			continue

		case KindCapabilityTransient:
			transient++
			if transient >= maxAttempts {
				return stepDone{stepID: step.ID(), attempts: attempt, err: err}
			}

		default:
			return stepDone{stepID: step.ID(), attempts: attempt, err: err}
		}

		delay := calculateBackoff(transient, policy)
		logger.Debug("retrying step",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stepDone{stepID: step.ID(), attempts: attempt, err: ctx.Err()}
		}
	}
}

// calculateBackoff вычисляет задержку перед retry.
// attempt — номер неудачной попытки, начиная с 1.
func calculateBackoff(attempt int, policy *domain.RetryPolicy) time.Duration {
	if policy == nil {
		return time.Second
	}

	initialDelay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := initialDelay
	if policy.Backoff == domain.BackoffExponential {
		// delay = initialDelay * 2^(attempt-1)
		for i := 1; i < attempt && delay < maxDelay; i++ {
			delay *= 2
		}
	}

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// handleStepDone применяет результат шага к RunState.
// Возвращает ошибку шага, если он упал.
func (e *Executor) handleStepDone(ctx context.Context, state *RunState, tracer *callTracer, d stepDone) *StepError {
	logger := telemetry.FromContext(ctx)
	calls := tracer.callCount(d.stepID)

	if d.err == nil {
		res, err := state.MarkStepCompleted(d.stepID, d.outcome.Value, d.attempts, calls)
		if err == nil {
			logger.Info("step succeeded",
				"step_id", d.stepID,
				"output_key", res.OutputKey,
				"attempts", d.attempts,
				"calls", calls,
				"duration", res.Duration(),
			)
			e.notify.stepFinished(ctx, res)
			return nil
		}
		d.err = err
	}

	stepErr := &StepError{
		StepID:   d.stepID,
		Kind:     Classify(d.err),
		Attempts: d.attempts,
		Err:      d.err,
	}
	res := state.MarkStepFailed(d.stepID, stepErr, calls)

	logger.Warn("step failed",
		"step_id", d.stepID,
		"kind", stepErr.Kind,
		"attempts", d.attempts,
		"error", d.err,
	)
	e.notify.stepFinished(ctx, res)
	return stepErr
}

// skipDescendants помечает зависимые шаги упавшего шага как SKIPPED.
func (e *Executor) skipDescendants(ctx context.Context, state *RunState, stepID string) {
	for _, node := range state.DAG.Descendants(stepID) {
		if res := state.MarkStepSkipped(node.ID, "dependency "+stepID+" failed"); res != nil {
			telemetry.FromContext(ctx).Info("step skipped", "step_id", node.ID, "failed_dependency", stepID)
			e.notify.stepFinished(ctx, res)
		}
	}
}
