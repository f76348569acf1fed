package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/steps"
)

// Observer получает события выполнения run.
//
// Реализации: telemetry.Metrics, repo.History, mq.Events.
// Методы вызываются из разных горутин. Ошибка observer'а логируется
// и не влияет на run.
type Observer interface {
	RunStarted(ctx context.Context, run *domain.Run) error
	CallStarted(ctx context.Context, call *domain.Call) error
	CallFinished(ctx context.Context, call *domain.Call) error
	StepFinished(ctx context.Context, step *domain.StepResult) error
	RunFinished(ctx context.Context, run *domain.Run) error
}

// notifier рассылает события всем observer'ам.
type notifier struct {
	observers []Observer
	logger    *slog.Logger
}

func (n *notifier) runStarted(ctx context.Context, run *domain.Run) {
	for _, o := range n.observers {
		if err := o.RunStarted(ctx, run); err != nil {
			n.logger.Warn("observer failed", "event", "run_started", "run_id", run.ID, "error", err)
		}
	}
}

func (n *notifier) callStarted(ctx context.Context, call *domain.Call) {
	for _, o := range n.observers {
		if err := o.CallStarted(ctx, call); err != nil {
			n.logger.Warn("observer failed", "event", "call_started", "call_id", call.ID, "error", err)
		}
	}
}

func (n *notifier) callFinished(ctx context.Context, call *domain.Call) {
	for _, o := range n.observers {
		if err := o.CallFinished(ctx, call); err != nil {
			n.logger.Warn("observer failed", "event", "call_finished", "call_id", call.ID, "error", err)
		}
	}
}

func (n *notifier) stepFinished(ctx context.Context, step *domain.StepResult) {
	for _, o := range n.observers {
		if err := o.StepFinished(ctx, step); err != nil {
			n.logger.Warn("observer failed", "event", "step_finished", "step_id", step.StepID, "error", err)
		}
	}
}

func (n *notifier) runFinished(ctx context.Context, run *domain.Run) {
	for _, o := range n.observers {
		if err := o.RunFinished(ctx, run); err != nil {
			n.logger.Warn("observer failed", "event", "run_finished", "run_id", run.ID, "error", err)
		}
	}
}

// callTracer превращает уведомления шагов в domain.Call.
// Один tracer на run.
type callTracer struct {
	state  *RunState
	notify *notifier

	mu    sync.Mutex
	calls map[uuid.UUID]*domain.Call
	steps map[string]int
}

func newCallTracer(state *RunState, n *notifier) *callTracer {
	return &callTracer{
		state:  state,
		notify: n,
		calls:  make(map[uuid.UUID]*domain.Call),
		steps:  make(map[string]int),
	}
}

func (t *callTracer) CallStarted(ctx context.Context, info steps.CallInfo) {
	call := domain.NewCall(t.state.Run.ID, info.StepID, info.Attempt, info.Capability, info.Model, info.Prompt)
	if info.ID != uuid.Nil {
		call.ID = info.ID
	}

	t.mu.Lock()
	t.calls[call.ID] = call
	t.steps[info.StepID]++
	t.mu.Unlock()

	t.state.AddCall(call)
	t.notify.callStarted(context.WithoutCancel(ctx), call)
}

func (t *callTracer) CallFinished(ctx context.Context, info steps.CallInfo, res *capability.Result, err error) {
	t.mu.Lock()
	call, ok := t.calls[info.ID]
	t.mu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		raw := ""
		if res != nil {
			raw = res.Text
		}
		call.MarkFailed(string(Classify(err)), err.Error(), raw)
	} else {
		call.MarkSucceeded(res.Text, res.Usage.PromptTokens, res.Usage.CompletionTokens)
		if res.Model != "" {
			call.Model = res.Model
		}
	}
	// Запись о вызове должна дойти до observer'ов и после отмены run.
	t.notify.callFinished(context.WithoutCancel(ctx), call)
}

// callCount возвращает число вызовов capability шага.
func (t *callTracer) callCount(stepID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.steps[stepID]
}
