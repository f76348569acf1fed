package mq

import (
	"context"

	"github.com/shaiso/Promptflow/internal/domain"
)

// EventPublisher — то, что нужно Events от Publisher.
type EventPublisher interface {
	PublishRunCompleted(ctx context.Context, payload RunCompletedPayload) error
	PublishCallCompleted(ctx context.Context, payload CallCompletedPayload) error
}

// Events — observer оркестратора, публикующий события в RabbitMQ.
//
// Публикуются только завершения: call.completed и run.completed.
// Старт run и шага в шину не попадает.
type Events struct {
	pub EventPublisher
}

// NewEvents создаёт observer поверх publisher.
func NewEvents(pub EventPublisher) *Events {
	return &Events{pub: pub}
}

func (e *Events) RunStarted(context.Context, *domain.Run) error          { return nil }
func (e *Events) CallStarted(context.Context, *domain.Call) error        { return nil }
func (e *Events) StepFinished(context.Context, *domain.StepResult) error { return nil }

func (e *Events) CallFinished(ctx context.Context, call *domain.Call) error {
	return e.pub.PublishCallCompleted(ctx, CallCompletedPayload{
		CallID:     call.ID,
		RunID:      call.RunID,
		StepID:     call.StepID,
		Attempt:    call.Attempt,
		Capability: call.Capability,
		Model:      call.Model,
		Status:     string(call.Status),
		ErrorKind:  call.ErrorKind,
		TokensIn:   call.TokensIn,
		TokensOut:  call.TokensOut,
		DurationMs: call.Duration().Milliseconds(),
	})
}

func (e *Events) RunFinished(ctx context.Context, run *domain.Run) error {
	return e.pub.PublishRunCompleted(ctx, RunCompleted(run))
}

// RunCompleted собирает payload run.completed из run.
func RunCompleted(run *domain.Run) RunCompletedPayload {
	return RunCompletedPayload{
		RunID:      run.ID,
		Pipeline:   run.Pipeline,
		Status:     string(run.Status),
		Outputs:    run.Outputs,
		Error:      run.Error,
		DurationMs: run.Duration().Milliseconds(),
	}
}
