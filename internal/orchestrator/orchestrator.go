package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"golang.org/x/sync/semaphore"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/pipeline"
	"github.com/shaiso/Promptflow/internal/steps"
	"github.com/shaiso/Promptflow/internal/telemetry"
)

// FailMode — реакция run на ошибку шага.
type FailMode string

const (
	// FailFast — первая ошибка останавливает запуск новых шагов.
	FailFast FailMode = "fail_fast"

	// ContinueOnError — независимые ветки продолжают выполняться,
	// зависимые от упавшего шага пропускаются.
	ContinueOnError FailMode = "continue_on_error"
)

// ParseFailMode разбирает режим из конфигурации.
func ParseFailMode(s string) (FailMode, error) {
	switch s {
	case "", "fail_fast", "fail-fast":
		return FailFast, nil
	case "continue_on_error", "continue-on-error", "continue":
		return ContinueOnError, nil
	default:
		return "", fmt.Errorf("unknown fail mode: %s", s)
	}
}

// Policy — политика выполнения.
type Policy struct {
	// FailMode — режим обработки ошибок (default: FailFast).
	FailMode FailMode

	// MaxConcurrency — максимум одновременно выполняемых шагов (0 — без ограничения).
	MaxConcurrency int

	// Retry — политика retry для шагов, у которых нет своей.
	Retry *domain.RetryPolicy
}

// Config — конфигурация Executor.
type Config struct {
	Policy    Policy
	Observers []Observer
	Logger    *slog.Logger
}

// Executor выполняет Pipeline.
//
// Executor не хранит состояние между runs: каждый вызов Run создаёт
// свой RunState, поэтому один Executor можно использовать конкурентно.
type Executor struct {
	pipeline *pipeline.Pipeline
	policy   Policy
	notify   *notifier
	logger   *slog.Logger
}

// Result — итог run.
type Result struct {
	// Run — run с финальным статусом и временем.
	Run *domain.Run

	// Outputs — записанные outputs (output key → значение).
	Outputs map[string]any

	// Order — output keys в порядке записи.
	Order []string

	// Steps — итоги шагов.
	Steps []*domain.StepResult

	// Calls — вызовы capability в порядке начала.
	Calls []*domain.Call

	Stats RunStats
}

// New создаёт Executor.
func New(p *pipeline.Pipeline, cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy := cfg.Policy
	if policy.FailMode == "" {
		policy.FailMode = FailFast
	}

	return &Executor{
		pipeline: p,
		policy:   policy,
		notify:   &notifier{observers: cfg.Observers, logger: logger},
		logger:   logger,
	}
}

// Pipeline возвращает выполняемый pipeline.
func (e *Executor) Pipeline() *pipeline.Pipeline { return e.pipeline }

// Run выполняет pipeline с начальными inputs.
func (e *Executor) Run(ctx context.Context, inputs map[string]any) (*Result, error) {
	return e.Execute(ctx, domain.NewRun(e.pipeline.Name(), inputs))
}

// Execute выполняет уже созданный run (например, полученный из очереди).
//
// При ошибке возвращается и Result (с частичными outputs), и *RunError.
// Отсутствующие внешние inputs возвращают *steps.UnresolvedInputError
// до запуска первого шага.
func (e *Executor) Execute(ctx context.Context, run *domain.Run) (*Result, error) {
	inputs := e.pipeline.WithDefaults(run.Inputs)
	if err := e.checkInputs(inputs); err != nil {
		run.MarkFailed(err.Error())
		return &Result{Run: run}, err
	}

	logger := telemetry.WithPipeline(telemetry.WithRunID(e.logger, run.ID.String()), run.Pipeline)
	ctx = telemetry.WithLogger(ctx, logger)

	state := NewRunState(run, e.pipeline.DAG(), inputs)
	tracer := newCallTracer(state, e.notify)

	run.MarkRunning()
	logger.Info("run started", "steps", state.DAG.Size(), "fail_mode", e.policy.FailMode)
	e.notify.runStarted(ctx, run)

	failures, cancelled := e.loop(ctx, state, tracer)
	return e.finish(context.WithoutCancel(ctx), state, failures, cancelled)
}

// loop — цикл диспетчеризации: запускает готовые шаги и применяет их результаты.
// Все переходы состояния выполняются только здесь.
func (e *Executor) loop(ctx context.Context, state *RunState, tracer *callTracer) ([]*StepError, bool) {
	var sem *semaphore.Weighted
	if e.policy.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(e.policy.MaxConcurrency))
	}

	logger := telemetry.FromContext(ctx)
	done := make(chan stepDone)
	ctxDone := ctx.Done()

	var failures []*StepError
	inFlight := 0
	stopped := false
	cancelled := false

	for {
		if !stopped && !cancelled && ctx.Err() == nil {
			for _, node := range state.GetReadySteps() {
				if sem != nil && !sem.TryAcquire(1) {
					break
				}

				step, ok := e.pipeline.Step(node.ID)
				if !ok {
					// DAG строится из тех же шагов, сюда попасть нельзя
					panic(fmt.Sprintf("%v: %s", ErrStepNotFound, node.ID))
				}

				state.MarkStepRunning(node.ID)
				inFlight++

				stepCtx := telemetry.WithLogger(ctx, telemetry.WithStepID(logger, node.ID))
				policy := e.retryPolicy(node.ID)
				go func() {
					d := e.executeWithRetry(stepCtx, state, step, tracer, policy)
					if sem != nil {
						sem.Release(1)
					}
					done <- d
				}()
			}
		}

		if inFlight == 0 {
			break
		}

		select {
		case d := <-done:
			inFlight--
			if cancelled || ctx.Err() != nil {
				cancelled = true
				state.ReleaseStep(d.stepID)
				continue
			}

			stepErr := e.handleStepDone(ctx, state, tracer, d)
			if stepErr == nil {
				continue
			}
			failures = append(failures, stepErr)

			if e.policy.FailMode == ContinueOnError {
				e.skipDescendants(ctx, state, stepErr.StepID)
			} else {
				stopped = true
			}

		case <-ctxDone:
			if !cancelled {
				logger.Warn("run cancelled, waiting for in-flight steps", "in_flight", inFlight)
			}
			cancelled = true
			ctxDone = nil
		}
	}

	return failures, cancelled || ctx.Err() != nil
}

// finish переводит run в терминальный статус.
func (e *Executor) finish(ctx context.Context, state *RunState, failures []*StepError, cancelled bool) (*Result, error) {
	run := state.Run
	logger := telemetry.FromContext(ctx)
	outputs := state.Context.Outputs()

	var runErr error
	switch {
	case cancelled:
		run.Outputs = outputs
		rerr := &RunError{RunID: run.ID, Pipeline: run.Pipeline, Status: domain.RunStatusCancelled, Failures: failures}
		run.MarkCancelled(ErrRunCancelled.Error())
		runErr = rerr

	case len(failures) > 0:
		for _, id := range state.PendingSteps() {
			if res := state.MarkStepSkipped(id, "run failed"); res != nil {
				e.notify.stepFinished(ctx, res)
			}
		}
		rerr := &RunError{RunID: run.ID, Pipeline: run.Pipeline, Status: domain.RunStatusFailed, Failures: failures}
		run.MarkFailed(rerr.Error())
		run.Outputs = outputs
		runErr = rerr

	case !state.IsComplete():
		runErr = fmt.Errorf("%w: steps not executed: %v", ErrRunFailed, state.PendingSteps())
		run.MarkFailed(runErr.Error())
		run.Outputs = outputs

	default:
		run.MarkSucceeded(outputs)
	}

	result := &Result{
		Run:     run,
		Outputs: outputs,
		Order:   state.Context.RecordOrder(),
		Steps:   state.StepResults(),
		Calls:   state.Calls(),
		Stats:   state.Stats(),
	}

	logger.Info("run finished",
		"status", run.Status,
		"duration", run.Duration(),
		"calls", len(result.Calls),
		"failed_steps", len(failures),
	)
	e.notify.runFinished(ctx, run)

	return result, runErr
}

// checkInputs проверяет, что все внешние inputs переданы.
func (e *Executor) checkInputs(inputs map[string]any) error {
	var missing []string
	for _, key := range e.pipeline.Inputs() {
		if _, ok := inputs[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)

	stepID := ""
	for _, s := range e.pipeline.Steps() {
		if slices.ContainsFunc(s.Sources(), func(src string) bool { return slices.Contains(missing, src) }) {
			stepID = s.ID()
			break
		}
	}
	return &steps.UnresolvedInputError{StepID: stepID, Keys: missing}
}

func (e *Executor) retryPolicy(stepID string) *domain.RetryPolicy {
	if p := e.pipeline.RetryPolicy(stepID); p != nil {
		return p
	}
	return e.policy.Retry
}
