package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/mq"
	"github.com/shaiso/Promptflow/internal/orchestrator"
	"github.com/shaiso/Promptflow/internal/repo"
)

// handleRunRequested обрабатывает run.requested из очереди runs.requested.
func (w *Worker) handleRunRequested(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunRequestedPayload](&delivery.Message)
	if err != nil {
		return mq.Reject(fmt.Errorf("parse run.requested: %w", err))
	}
	if payload.Pipeline == "" {
		return mq.Reject(ErrEmptyPipeline)
	}

	w.logger.Debug("received run.requested",
		"run_id", payload.RunID,
		"pipeline", payload.Pipeline,
		"idempotency_key", payload.IdempotencyKey,
	)

	run, err := w.resolveRun(ctx, payload)
	if err != nil {
		return err
	}

	err = w.process(ctx, run)
	switch {
	case errors.Is(err, ErrRunNotPending):
		w.logger.Debug("run not processed", "run_id", run.ID, "reason", err)
		return nil
	case errors.Is(err, ErrUnknownPipeline):
		return mq.Reject(err)
	}
	return err
}

// resolveRun находит записанный run или создаёт новый.
func (w *Worker) resolveRun(ctx context.Context, p mq.RunRequestedPayload) (*domain.Run, error) {
	if p.RunID != uuid.Nil {
		run, err := w.runs.GetByID(ctx, p.RunID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("get run: %w", err)
		}
	}

	if p.IdempotencyKey != "" {
		run, err := w.runs.GetByIdempotencyKey(ctx, p.Pipeline, p.IdempotencyKey)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("get run by idempotency key: %w", err)
		}
	}

	run := domain.NewRun(p.Pipeline, p.Inputs)
	if p.RunID != uuid.Nil {
		run.ID = p.RunID
	}
	run.IdempotencyKey = p.IdempotencyKey

	if err := w.runs.Create(ctx, run); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: idempotency key %s taken concurrently", ErrRunNotPending, p.IdempotencyKey)
		}
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// process захватывает run и выполняет pipeline.
//
// Неуспешный run — не ошибка обработки: итог уже записан observer'ами.
// Ошибка возвращается только если run не удалось захватить или записать.
func (w *Worker) process(ctx context.Context, run *domain.Run) error {
	if run.Status != domain.RunStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrRunNotPending, run.ID, run.Status)
	}

	p, err := w.catalog.Pipeline(run.Pipeline)
	if err != nil {
		run.MarkFailed(err.Error())
		if saveErr := w.finishUnstarted(ctx, run); saveErr != nil {
			return saveErr
		}
		return fmt.Errorf("%w: %w", ErrUnknownPipeline, err)
	}

	claimed, err := w.runs.Claim(ctx, run.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: %s claimed by another worker", ErrRunNotPending, run.ID)
	}

	exec := orchestrator.New(p, orchestrator.Config{
		Policy:    w.policy,
		Observers: w.observers,
		Logger:    w.logger,
	})

	res, err := exec.Execute(ctx, run)
	if err != nil && res != nil && res.Run.StartedAt == nil {
		// Inputs не прошли проверку: observer'ы не вызывались
		return w.finishUnstarted(context.WithoutCancel(ctx), res.Run)
	}
	if err != nil {
		w.logger.Warn("run did not succeed",
			"run_id", run.ID,
			"pipeline", run.Pipeline,
			"status", run.Status,
			"error", err,
		)
		return nil
	}

	w.logger.Info("run succeeded",
		"run_id", run.ID,
		"pipeline", run.Pipeline,
		"duration", run.Duration(),
		"calls", len(res.Calls),
	)
	return nil
}

// finishUnstarted записывает run, завершившийся до первого шага,
// и публикует run.completed.
func (w *Worker) finishUnstarted(ctx context.Context, run *domain.Run) error {
	w.logger.Warn("run failed before start", "run_id", run.ID, "pipeline", run.Pipeline, "error", run.Error)

	if err := w.runs.Save(ctx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if w.publisher == nil {
		return nil
	}
	if err := w.publisher.PublishRunCompleted(ctx, mq.RunCompleted(run)); err != nil {
		// run уже записан, потребители увидят его в истории
		w.logger.Warn("failed to publish run.completed", "run_id", run.ID, "error", err)
	}
	return nil
}
