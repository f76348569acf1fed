package orchestrator

import (
	"sync"
	"time"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/engine"
)

// RunState — состояние выполнения одного run в памяти.
//
// Содержит:
//   - Run (статус, inputs, outputs)
//   - DAG pipeline
//   - RunContext с inputs и записанными outputs
//   - Статус каждого шага
//
// Все переходы выполняет цикл Executor, шаги только читают RunContext.
type RunState struct {
	// Run — данные run.
	Run *domain.Run

	// DAG — граф зависимостей шагов.
	DAG *engine.DAG

	// Context — inputs и outputs завершённых шагов.
	Context *engine.RunContext

	completed map[string]bool
	running   map[string]bool
	failed    map[string]bool
	skipped   map[string]bool

	results map[string]*domain.StepResult
	calls   []*domain.Call

	mu sync.RWMutex
}

// NewRunState создаёт RunState. inputs уже дополнены значениями по умолчанию.
func NewRunState(run *domain.Run, dag *engine.DAG, inputs map[string]any) *RunState {
	return &RunState{
		Run:       run,
		DAG:       dag,
		Context:   engine.NewRunContext(inputs),
		completed: make(map[string]bool),
		running:   make(map[string]bool),
		failed:    make(map[string]bool),
		skipped:   make(map[string]bool),
		results:   make(map[string]*domain.StepResult),
	}
}

// GetReadySteps возвращает шаги, все зависимости которых записаны.
// Упавшие и пропущенные шаги не возвращаются.
func (s *RunState) GetReadySteps() []*engine.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blocked := make(map[string]bool, len(s.running)+len(s.failed)+len(s.skipped))
	for _, m := range []map[string]bool{s.running, s.failed, s.skipped} {
		for id := range m {
			blocked[id] = true
		}
	}
	return s.DAG.GetReadyNodes(s.completed, blocked)
}

// MarkStepRunning помечает шаг как выполняющийся.
func (s *RunState) MarkStepRunning(stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running[stepID] = true
	s.results[stepID] = &domain.StepResult{
		RunID:     s.Run.ID,
		Pipeline:  s.Run.Pipeline,
		StepID:    stepID,
		OutputKey: s.DAG.GetNode(stepID).Output,
		Status:    domain.StepStatusRunning,
		StartedAt: time.Now(),
	}
}

// MarkStepCompleted записывает output шага в RunContext.
// Повторная запись того же ключа возвращает engine.ErrOutputAlreadyRecorded.
func (s *RunState) MarkStepCompleted(stepID string, value any, attempts, calls int) (*domain.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.result(stepID)
	if err := s.Context.Record(res.OutputKey, value); err != nil {
		return nil, err
	}

	delete(s.running, stepID)
	s.completed[stepID] = true

	res.Status = domain.StepStatusSucceeded
	res.Attempts = attempts
	res.Calls = calls
	res.FinishedAt = time.Now()
	return res, nil
}

// MarkStepFailed помечает шаг как упавший.
func (s *RunState) MarkStepFailed(stepID string, stepErr *StepError, calls int) *domain.StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, stepID)
	s.failed[stepID] = true

	res := s.result(stepID)
	res.Status = domain.StepStatusFailed
	res.Attempts = stepErr.Attempts
	res.Calls = calls
	res.ErrorKind = string(stepErr.Kind)
	res.Error = stepErr.Err.Error()
	res.FinishedAt = time.Now()
	return res
}

// MarkStepSkipped помечает шаг как пропущенный.
// Возвращает nil, если шаг уже в терминальном статусе или выполняется.
func (s *RunState) MarkStepSkipped(stepID, reason string) *domain.StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed[stepID] || s.failed[stepID] || s.skipped[stepID] || s.running[stepID] {
		return nil
	}
	s.skipped[stepID] = true

	now := time.Now()
	res := &domain.StepResult{
		RunID:      s.Run.ID,
		Pipeline:   s.Run.Pipeline,
		StepID:     stepID,
		OutputKey:  s.DAG.GetNode(stepID).Output,
		Status:     domain.StepStatusSkipped,
		Error:      reason,
		StartedAt:  now,
		FinishedAt: now,
	}
	s.results[stepID] = res
	return res
}

// ReleaseStep снимает шаг из running без перехода в терминальный статус
// (ответ пришёл после отмены run).
func (s *RunState) ReleaseStep(stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, stepID)
}

// AddCall сохраняет вызов capability.
func (s *RunState) AddCall(call *domain.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, call)
}

// Calls возвращает вызовы в порядке начала.
func (s *RunState) Calls() []*domain.Call {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// StepResults возвращает итоги шагов в топологическом порядке.
func (s *RunState) StepResults() []*domain.StepResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.StepResult, 0, len(s.results))
	for _, n := range s.DAG.Order {
		if r, ok := s.results[n.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// IsStepCompleted проверяет, записан ли output шага.
func (s *RunState) IsStepCompleted(stepID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.completed[stepID]
}

// IsComplete проверяет, все ли шаги завершены успешно.
func (s *RunState) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.DAG.IsComplete(s.completed)
}

// HasFailed проверяет, есть ли упавшие шаги.
func (s *RunState) HasFailed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.failed) > 0
}

// PendingSteps возвращает шаги, которые ещё не запускались.
func (s *RunState) PendingSteps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, n := range s.DAG.Order {
		id := n.ID
		if !s.completed[id] && !s.failed[id] && !s.skipped[id] && !s.running[id] {
			out = append(out, id)
		}
	}
	return out
}

// Stats возвращает статистику выполнения.
func (s *RunState) Stats() RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.DAG.Size()
	return RunStats{
		TotalSteps:     total,
		CompletedSteps: len(s.completed),
		RunningSteps:   len(s.running),
		FailedSteps:    len(s.failed),
		SkippedSteps:   len(s.skipped),
		PendingSteps:   total - len(s.completed) - len(s.running) - len(s.failed) - len(s.skipped),
		Calls:          len(s.calls),
	}
}

// RunStats — статистика выполнения run.
type RunStats struct {
	TotalSteps     int
	CompletedSteps int
	RunningSteps   int
	FailedSteps    int
	SkippedSteps   int
	PendingSteps   int
	Calls          int
}

func (s *RunState) result(stepID string) *domain.StepResult {
	res, ok := s.results[stepID]
	if !ok {
		res = &domain.StepResult{
			RunID:     s.Run.ID,
			Pipeline:  s.Run.Pipeline,
			StepID:    stepID,
			OutputKey: s.DAG.GetNode(stepID).Output,
			StartedAt: time.Now(),
		}
		s.results[stepID] = res
	}
	return res
}
