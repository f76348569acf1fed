package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/engine"
	"github.com/shaiso/Promptflow/internal/pipeline"
	"github.com/shaiso/Promptflow/internal/steps"
	"github.com/shaiso/Promptflow/internal/telemetry"
)

// --- helpers ---

func tmpl(name, pattern string, vars ...string) *engine.Template {
	return engine.MustTemplate(name, pattern, vars...)
}

func bind(keys ...string) map[string]string {
	m := make(map[string]string, len(keys)/2)
	for i := 0; i+1 < len(keys); i += 2 {
		m[keys[i]] = keys[i+1]
	}
	return m
}

// countingEcho — echo capability со счётчиком вызовов.
type countingEcho struct {
	calls atomic.Int32
}

func (c *countingEcho) Name() string { return "echo" }

func (c *countingEcho) Complete(ctx context.Context, req *capability.Request) (*capability.Result, error) {
	c.calls.Add(1)
	return capability.Echo{}.Complete(ctx, req)
}

func mustBuild(t *testing.T, b *pipeline.Builder) *pipeline.Pipeline {
	t.Helper()
	p, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return p
}

// recordingObserver сохраняет события.
type recordingObserver struct {
	mu       sync.Mutex
	events   []string
	steps    []*domain.StepResult
	callErrs []error
	err      error
}

func (o *recordingObserver) add(e string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
	return o.err
}

func (o *recordingObserver) RunStarted(_ context.Context, _ *domain.Run) error {
	return o.add("run_started")
}

func (o *recordingObserver) CallStarted(_ context.Context, c *domain.Call) error {
	return o.add("call_started:" + c.StepID)
}

func (o *recordingObserver) CallFinished(ctx context.Context, c *domain.Call) error {
	o.mu.Lock()
	o.callErrs = append(o.callErrs, ctx.Err())
	o.mu.Unlock()
	return o.add("call_finished:" + c.StepID)
}

func (o *recordingObserver) StepFinished(_ context.Context, s *domain.StepResult) error {
	o.mu.Lock()
	o.steps = append(o.steps, s)
	o.mu.Unlock()
	return o.add("step:" + s.StepID + ":" + string(s.Status))
}

func (o *recordingObserver) RunFinished(_ context.Context, r *domain.Run) error {
	return o.add("run_finished:" + string(r.Status))
}

func (o *recordingObserver) has(e string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ev := range o.events {
		if ev == e {
			return true
		}
	}
	return false
}

func fastRetry(max int) *domain.RetryPolicy {
	return &domain.RetryPolicy{MaxAttempts: max, Backoff: domain.BackoffFixed, InitialDelayMs: 1, MaxDelayMs: 5}
}

// --- Executor Tests ---

func TestRun_IndependentStepsRunConcurrently(t *testing.T) {
	// Обе capability ждут друг друга: последовательное выполнение зависло бы
	var started sync.WaitGroup
	started.Add(2)
	barrier := capability.Text("barrier", func(ctx context.Context, p string) (string, error) {
		started.Done()
		waitCh := make(chan struct{})
		go func() { started.Wait(); close(waitCh) }()
		select {
		case <-waitCh:
			return "done:" + p, nil
		case <-time.After(2 * time.Second):
			return "", errors.New("steps were not concurrent")
		}
	})

	p := mustBuild(t, pipeline.New("parallel").
		Input("topic").
		Template(tmpl("a", "A {t}", "t")).
		Template(tmpl("b", "B {t}", "t")).
		Prompt("a", "a", barrier, steps.PromptConfig{Inputs: bind("t", "topic"), Output: "out_a"}).
		Prompt("b", "b", barrier, steps.PromptConfig{Inputs: bind("t", "topic"), Output: "out_b"}))

	res, err := New(p, Config{}).Run(context.Background(), map[string]any{"topic": "go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outputs["out_a"] != "done:A go" || res.Outputs["out_b"] != "done:B go" {
		t.Errorf("unexpected outputs %v", res.Outputs)
	}
	if res.Run.Status != domain.RunStatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", res.Run.Status)
	}
}

func TestRun_Chain(t *testing.T) {
	const n = 5
	echo := &countingEcho{}

	b := pipeline.New("chain").Input("seed").Template(tmpl("wrap", "({v})", "v"))
	prev := "seed"
	for i := 1; i <= n; i++ {
		out := fmt.Sprintf("s%d", i)
		b.Prompt(out, "wrap", echo, steps.PromptConfig{Inputs: bind("v", prev), Output: out})
		prev = out
	}
	p := mustBuild(t, b)

	res, err := New(p, Config{}).Run(context.Background(), map[string]any{"seed": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := strings.Repeat("(", n) + "x" + strings.Repeat(")", n)
	if res.Outputs["s5"] != want {
		t.Errorf("expected %q, got %v", want, res.Outputs["s5"])
	}
	if got := echo.calls.Load(); got != n {
		t.Errorf("expected %d calls, got %d", n, got)
	}
	if len(res.Calls) != n {
		t.Errorf("expected %d call records, got %d", n, len(res.Calls))
	}
	for i, key := range res.Order {
		if key != fmt.Sprintf("s%d", i+1) {
			t.Errorf("unexpected record order %v", res.Order)
			break
		}
	}
}

func TestRun_FanInWaitsForAllDependencies(t *testing.T) {
	// Порядок завершения веток не должен влиять на входы join и итоговый контекст
	tests := []struct {
		name   string
		delays map[string]time.Duration
	}{
		{"left finishes last", map[string]time.Duration{"left": 30 * time.Millisecond, "right": 5 * time.Millisecond}},
		{"right finishes last", map[string]time.Duration{"left": 5 * time.Millisecond, "right": 30 * time.Millisecond}},
	}

	var prompts []string
	var outputs []map[string]any
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slowEcho := capability.Text("slow", func(ctx context.Context, p string) (string, error) {
				for k, d := range tt.delays {
					if strings.HasPrefix(p, k) {
						time.Sleep(d)
					}
				}
				return p, nil
			})

			var joinPrompt string
			join := capability.Text("join", func(_ context.Context, p string) (string, error) {
				joinPrompt = p
				return "joined", nil
			})

			p := mustBuild(t, pipeline.New("fan").
				Input("x").
				Template(tmpl("left", "left {x}", "x")).
				Template(tmpl("right", "right {x}", "x")).
				Template(tmpl("join", "{l} + {r}", "l", "r")).
				Prompt("left", "left", slowEcho, steps.PromptConfig{Inputs: bind("x", "x"), Output: "l"}).
				Prompt("right", "right", slowEcho, steps.PromptConfig{Inputs: bind("x", "x"), Output: "r"}).
				Prompt("join", "join", join, steps.PromptConfig{Inputs: bind("l", "l", "r", "r"), Output: "final"}))

			res, err := New(p, Config{}).Run(context.Background(), map[string]any{"x": "1"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if joinPrompt != "left 1 + right 1" {
				t.Errorf("join saw partial inputs: %q", joinPrompt)
			}
			if res.Order[len(res.Order)-1] != "final" {
				t.Errorf("join must be recorded last, got %v", res.Order)
			}
			prompts = append(prompts, joinPrompt)
			outputs = append(outputs, res.Outputs)
		})
	}

	if len(prompts) != len(tests) {
		t.Fatalf("expected %d runs, got %d", len(tests), len(prompts))
	}
	if prompts[0] != prompts[1] {
		t.Errorf("join prompt depends on completion order: %q vs %q", prompts[0], prompts[1])
	}
	if !reflect.DeepEqual(outputs[0], outputs[1]) {
		t.Errorf("outputs depend on completion order: %v vs %v", outputs[0], outputs[1])
	}
}

func TestRun_PassthroughMakesNoCalls(t *testing.T) {
	echo := &countingEcho{}
	p := mustBuild(t, pipeline.New("joke").
		Input("joke").
		Template(tmpl("explain", "Explain: {joke}", "joke")).
		Passthrough("keep_joke", "joke", "joke_out").
		Prompt("explain", "explain", echo, steps.PromptConfig{Inputs: bind("joke", "joke"), Output: "explanation"}))

	res, err := New(p, Config{}).Run(context.Background(), map[string]any{"joke": "knock knock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outputs["joke_out"] != "knock knock" {
		t.Errorf("passthrough should forward input, got %v", res.Outputs["joke_out"])
	}
	if echo.calls.Load() != 1 {
		t.Errorf("only the explain step should call a capability, got %d", echo.calls.Load())
	}
	for _, s := range res.Steps {
		if s.StepID == "keep_joke" && s.Calls != 0 {
			t.Errorf("passthrough step recorded %d calls", s.Calls)
		}
	}
}

func TestRun_MissingVariable(t *testing.T) {
	echo := &countingEcho{}
	p := mustBuild(t, pipeline.New("missing").
		Input("y").
		Template(tmpl("t", "value: {x}", "x")).
		Prompt("s", "t", echo, steps.PromptConfig{Inputs: bind("y", "y"), Output: "out"}))

	res, err := New(p, Config{}).Run(context.Background(), map[string]any{"y": 1})
	if !errors.Is(err, engine.ErrMissingVariable) {
		t.Fatalf("expected ErrMissingVariable, got %v", err)
	}

	var mvErr *engine.MissingVariableError
	if !errors.As(err, &mvErr) || mvErr.Variable != "x" {
		t.Errorf("error should name variable x, got %v", err)
	}

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %T", err)
	}
	f, ok := runErr.Failure("s")
	if !ok || f.Kind != KindMissingVariable || f.Attempts != 1 {
		t.Errorf("unexpected failure %+v", f)
	}
	if echo.calls.Load() != 0 {
		t.Error("capability must not be called")
	}
	if res.Run.Status != domain.RunStatusFailed {
		t.Errorf("expected FAILED, got %s", res.Run.Status)
	}
}

func TestRun_TransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	flaky := capability.Text("flaky", func(_ context.Context, p string) (string, error) {
		if calls.Add(1) == 1 {
			return "", capability.Transient("flaky", errors.New("503 service unavailable"))
		}
		return "ok", nil
	})

	p := mustBuild(t, pipeline.New("retry").
		Template(tmpl("t", "hello")).
		Prompt("s", "t", flaky, steps.PromptConfig{Output: "out"}).
		Retry("s", fastRetry(2)))

	res, err := New(p, Config{}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
	if res.Outputs["out"] != "ok" {
		t.Errorf("unexpected output %v", res.Outputs["out"])
	}
	if len(res.Steps) != 1 || res.Steps[0].Attempts != 2 || res.Steps[0].Calls != 2 {
		t.Errorf("unexpected step result %+v", res.Steps[0])
	}
	if res.Calls[0].Status != domain.CallStatusFailed || res.Calls[0].ErrorKind != string(KindCapabilityTransient) {
		t.Errorf("first call should be a transient failure, got %+v", res.Calls[0])
	}
	if res.Calls[1].Attempt != 2 || res.Calls[1].Status != domain.CallStatusSucceeded {
		t.Errorf("unexpected second call %+v", res.Calls[1])
	}
}

func TestRun_TransientExhausted(t *testing.T) {
	var calls atomic.Int32
	down := capability.Text("down", func(_ context.Context, _ string) (string, error) {
		calls.Add(1)
		return "", capability.Transient("down", errors.New("timeout"))
	})

	p := mustBuild(t, pipeline.New("exhaust").
		Template(tmpl("t", "hello")).
		Prompt("s", "t", down, steps.PromptConfig{Output: "out"}))

	_, err := New(p, Config{Policy: Policy{Retry: fastRetry(3)}}).Run(context.Background(), nil)
	if !errors.Is(err, capability.ErrCapabilityTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Attempts != 3 {
		t.Errorf("unexpected step error %+v", stepErr)
	}
}

func TestRun_FatalNotRetried(t *testing.T) {
	var calls atomic.Int32
	bad := capability.Text("bad", func(_ context.Context, _ string) (string, error) {
		calls.Add(1)
		return "", capability.FromStatus("bad", 401, "invalid api key")
	})

	p := mustBuild(t, pipeline.New("fatal").
		Template(tmpl("t", "hello")).
		Prompt("s", "t", bad, steps.PromptConfig{Output: "out"}).
		Retry("s", fastRetry(5)))

	_, err := New(p, Config{}).Run(context.Background(), nil)
	if !errors.Is(err, capability.ErrCapabilityFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("fatal errors must not be retried, got %d calls", calls.Load())
	}
}

func TestRun_SchemaRepair(t *testing.T) {
	schema, err := capability.NewSchema(domain.SchemaDef{
		Name:   "Answer",
		Fields: []domain.FieldDef{{Name: "answer", Type: "string"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var prompts []string
	llm := capability.Text("llm", func(_ context.Context, p string) (string, error) {
		prompts = append(prompts, p)
		if len(prompts) == 1 {
			return "not json at all", nil
		}
		return `{"answer": "fixed"}`, nil
	})

	build := func(repair bool) *pipeline.Pipeline {
		prompts = nil
		return mustBuild(t, pipeline.New("schema").
			Template(tmpl("t", "Q")).
			Prompt("s", "t", llm, steps.PromptConfig{Output: "out", Schema: schema}).
			Retry("s", &domain.RetryPolicy{MaxAttempts: 1, RepairSchema: repair}))
	}

	// Без RepairSchema — ошибка схемы сразу
	_, err = New(build(false), Config{}).Run(context.Background(), nil)
	if !errors.Is(err, capability.ErrSchemaValidation) {
		t.Fatalf("expected schema error, got %v", err)
	}
	if len(prompts) != 1 {
		t.Errorf("expected 1 call without repair, got %d", len(prompts))
	}

	res, err := New(build(true), Config{}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prompts) != 2 || !strings.Contains(prompts[1], "not json at all") {
		t.Errorf("repair prompt should carry the previous answer: %v", prompts)
	}
	value := res.Outputs["out"].(map[string]any)
	if value["answer"] != "fixed" {
		t.Errorf("unexpected value %v", value)
	}
}

func TestRun_FailFast(t *testing.T) {
	var laterCalls atomic.Int32
	failing := capability.Text("failing", func(_ context.Context, _ string) (string, error) {
		return "", capability.Fatal("failing", errors.New("boom"))
	})
	slow := capability.Text("slow", func(_ context.Context, p string) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return p, nil
	})
	later := capability.Text("later", func(_ context.Context, p string) (string, error) {
		laterCalls.Add(1)
		return p, nil
	})

	p := mustBuild(t, pipeline.New("failfast").
		Template(tmpl("a", "a")).
		Template(tmpl("b", "b")).
		Template(tmpl("c", "after {b}", "b")).
		Prompt("a", "a", failing, steps.PromptConfig{Output: "a_out"}).
		Prompt("b", "b", slow, steps.PromptConfig{Output: "b_out"}).
		Prompt("c", "c", later, steps.PromptConfig{Inputs: bind("b", "b_out"), Output: "c_out"}))

	obs := &recordingObserver{}
	res, err := New(p, Config{Observers: []Observer{obs}}).Run(context.Background(), nil)

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if len(runErr.Failures) != 1 || runErr.Failures[0].StepID != "a" || runErr.Failures[0].Kind != KindCapabilityFatal {
		t.Errorf("unexpected failures %+v", runErr.Failures)
	}
	if !errors.Is(err, ErrRunFailed) {
		t.Error("RunError should match ErrRunFailed")
	}
	if res.Run.Status != domain.RunStatusFailed {
		t.Errorf("expected FAILED, got %s", res.Run.Status)
	}

	// b был в работе и успел записаться, c уже не запускался
	if res.Outputs["b_out"] != "b" {
		t.Errorf("in-flight step should finish, outputs %v", res.Outputs)
	}
	if laterCalls.Load() != 0 {
		t.Error("no new steps after first failure")
	}
	if !obs.has("step:c:SKIPPED") || !obs.has("run_finished:FAILED") {
		t.Errorf("unexpected events %v", obs.events)
	}
}

func TestRun_ContinueOnError(t *testing.T) {
	failing := capability.Text("failing", func(_ context.Context, _ string) (string, error) {
		return "", capability.Fatal("failing", errors.New("boom"))
	})
	echo := &countingEcho{}

	p := mustBuild(t, pipeline.New("continue").
		Input("x").
		Template(tmpl("t", "{v}", "v")).
		Prompt("bad", "t", failing, steps.PromptConfig{Inputs: bind("v", "x"), Output: "bad_out"}).
		Prompt("bad_child", "t", echo, steps.PromptConfig{Inputs: bind("v", "bad_out"), Output: "bad_child_out"}).
		Prompt("good", "t", echo, steps.PromptConfig{Inputs: bind("v", "x"), Output: "good_out"}).
		Prompt("good_child", "t", echo, steps.PromptConfig{Inputs: bind("v", "good_out"), Output: "good_child_out"}))

	res, err := New(p, Config{Policy: Policy{FailMode: ContinueOnError}}).Run(context.Background(), map[string]any{"x": "v"})

	var runErr *RunError
	if !errors.As(err, &runErr) || len(runErr.Failures) != 1 {
		t.Fatalf("expected one failure, got %v", err)
	}
	if res.Outputs["good_child_out"] != "v" {
		t.Errorf("independent branch should complete, outputs %v", res.Outputs)
	}
	if _, ok := res.Outputs["bad_child_out"]; ok {
		t.Error("dependent of failed step must not run")
	}

	statuses := make(map[string]domain.StepStatus)
	for _, s := range res.Steps {
		statuses[s.StepID] = s.Status
	}
	if statuses["bad"] != domain.StepStatusFailed || statuses["bad_child"] != domain.StepStatusSkipped {
		t.Errorf("unexpected statuses %v", statuses)
	}
	if statuses["good"] != domain.StepStatusSucceeded || statuses["good_child"] != domain.StepStatusSucceeded {
		t.Errorf("unexpected statuses %v", statuses)
	}
	if res.Stats.SkippedSteps != 1 || res.Stats.FailedSteps != 1 {
		t.Errorf("unexpected stats %+v", res.Stats)
	}
}

func TestRun_ContinueOnErrorAggregates(t *testing.T) {
	failing := capability.Text("failing", func(_ context.Context, _ string) (string, error) {
		return "", capability.Fatal("failing", errors.New("boom"))
	})

	p := mustBuild(t, pipeline.New("aggregate").
		Template(tmpl("t", "x")).
		Prompt("one", "t", failing, steps.PromptConfig{Output: "one"}).
		Prompt("two", "t", failing, steps.PromptConfig{Output: "two"}))

	_, err := New(p, Config{Policy: Policy{FailMode: ContinueOnError}}).Run(context.Background(), nil)

	var runErr *RunError
	if !errors.As(err, &runErr) || len(runErr.Failures) != 2 {
		t.Fatalf("expected both failures, got %v", err)
	}
	if !strings.Contains(err.Error(), "one: capability_fatal") || !strings.Contains(err.Error(), "two: capability_fatal") {
		t.Errorf("error should name both steps: %v", err)
	}
}

func TestRun_Cancellation(t *testing.T) {
	started := make(chan struct{})
	blocking := capability.NewFunc("block", func(ctx context.Context, _ *capability.Request) (*capability.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	echo := &countingEcho{}

	p := mustBuild(t, pipeline.New("cancel").
		Template(tmpl("t", "x")).
		Template(tmpl("next", "{v}", "v")).
		Prompt("block", "t", blocking, steps.PromptConfig{Output: "blocked"}).
		Prompt("next", "next", echo, steps.PromptConfig{Inputs: bind("v", "blocked"), Output: "next_out"}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	obs := &recordingObserver{}
	res, err := New(p, Config{Observers: []Observer{obs}}).Run(ctx, nil)
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
	if res.Run.Status != domain.RunStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", res.Run.Status)
	}
	if echo.calls.Load() != 0 {
		t.Error("no dispatch after cancellation")
	}
	if obs.has("step:block:FAILED") {
		t.Error("no step transitions after cancellation")
	}
	if !obs.has("run_finished:CANCELLED") {
		t.Errorf("run_finished should be reported, got %v", obs.events)
	}

	// Вызов, прерванный отменой, всё равно доходит до observer'ов
	// с живым context: иначе history и события теряют запись.
	if !obs.has("call_finished:block") {
		t.Fatalf("call_finished should be reported for the cancelled call, got %v", obs.events)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	for _, err := range obs.callErrs {
		if err != nil {
			t.Errorf("CallFinished got cancelled context: %v", err)
		}
	}
}

func TestRun_UnresolvedInputBeforeDispatch(t *testing.T) {
	echo := &countingEcho{}
	p := mustBuild(t, pipeline.New("inputs").
		Template(tmpl("t", "{v}", "v")).
		Prompt("first", "t", echo, steps.PromptConfig{Inputs: bind("v", "topic"), Output: "first_out"}))

	_, err := New(p, Config{}).Run(context.Background(), map[string]any{"other": 1})
	if !errors.Is(err, steps.ErrUnresolvedInput) {
		t.Fatalf("expected ErrUnresolvedInput, got %v", err)
	}

	var uiErr *steps.UnresolvedInputError
	if !errors.As(err, &uiErr) || uiErr.StepID != "first" || uiErr.Keys[0] != "topic" {
		t.Errorf("unexpected error %+v", uiErr)
	}
	if echo.calls.Load() != 0 {
		t.Error("no capability calls before inputs are resolved")
	}
}

func TestRun_InputDefaults(t *testing.T) {
	p := mustBuild(t, pipeline.New("defaults").
		InputDefault("level", "beginner").
		Template(tmpl("t", "level={l}", "l")).
		Render("r", "t", bind("l", "level"), "out"))

	res, err := New(p, Config{}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outputs["out"] != "level=beginner" {
		t.Errorf("unexpected output %v", res.Outputs["out"])
	}
}

func TestRun_MaxConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	tracked := capability.Text("tracked", func(_ context.Context, p string) (string, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return p, nil
	})

	b := pipeline.New("bounded").Template(tmpl("t", "x"))
	for i := 0; i < 6; i++ {
		b.Prompt(fmt.Sprintf("s%d", i), "t", tracked, steps.PromptConfig{Output: fmt.Sprintf("o%d", i)})
	}
	p := mustBuild(t, b)

	res, err := New(p, Config{Policy: Policy{MaxConcurrency: 2}}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent steps, got %d", peak.Load())
	}
	if len(res.Outputs) != 6 {
		t.Errorf("expected 6 outputs, got %d", len(res.Outputs))
	}
}

func TestRun_ObserverFailureDoesNotFailRun(t *testing.T) {
	obs := &recordingObserver{err: errors.New("observer down")}
	p := mustBuild(t, pipeline.New("observed").
		Template(tmpl("t", "hi")).
		Prompt("s", "t", capability.Echo{}, steps.PromptConfig{Output: "out"}))

	res, err := New(p, Config{Observers: []Observer{obs}}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("observer errors must not fail the run: %v", err)
	}
	if res.Run.Status != domain.RunStatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", res.Run.Status)
	}

	want := []string{"run_started", "call_started:s", "call_finished:s", "step:s:SUCCEEDED", "run_finished:SUCCEEDED"}
	if strings.Join(obs.events, ",") != strings.Join(want, ",") {
		t.Errorf("expected events %v, got %v", want, obs.events)
	}
}

func TestRun_MetricsObserver(t *testing.T) {
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	var calls atomic.Int32
	flaky := capability.Text("flaky", func(_ context.Context, p string) (string, error) {
		if calls.Add(1) == 1 {
			return "", capability.Transient("flaky", errors.New("429"))
		}
		return p, nil
	})

	p := mustBuild(t, pipeline.New("metered").
		Template(tmpl("t", "hi")).
		Prompt("s", "t", capability.NewMetered(flaky, metrics), steps.PromptConfig{Output: "out"}).
		Retry("s", fastRetry(2)))

	if _, err := New(p, Config{Observers: []Observer{metrics}}).Run(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v := testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("metered", "SUCCEEDED")); v != 1 {
		t.Errorf("expected 1 run, got %v", v)
	}
	if v := testutil.ToFloat64(metrics.StepRetries.WithLabelValues("metered", "s")); v != 1 {
		t.Errorf("expected 1 retry, got %v", v)
	}
	if v := testutil.ToFloat64(metrics.CallsTotal.WithLabelValues("flaky", "transient")); v != 1 {
		t.Errorf("expected 1 transient call, got %v", v)
	}
	if v := testutil.ToFloat64(metrics.CallsInFlight); v != 0 {
		t.Errorf("in-flight gauge should return to 0, got %v", v)
	}
}

// TestRun_StudyMaterial — сквозной сценарий: объяснение темы,
// затем конспект и вопросы параллельно, затем итог.
func TestRun_StudyMaterial(t *testing.T) {
	echo := &countingEcho{}

	p := mustBuild(t, pipeline.New("study-material").
		Input("topic").
		Template(tmpl("explain", "Explain {topic} simply.", "topic")).
		Template(tmpl("notes", "Summarize into notes:\n{explanation}", "explanation")).
		Template(tmpl("quiz", "Write 3 questions about:\n{explanation}", "explanation")).
		Template(tmpl("takeaway", "Key takeaway from notes:\n{notes}\nand quiz:\n{quiz}", "notes", "quiz")).
		Passthrough("topic_echo", "topic", "topic_name").
		Prompt("explain", "explain", echo, steps.PromptConfig{Inputs: bind("topic", "topic"), Output: "explanation"}).
		Prompt("notes", "notes", echo, steps.PromptConfig{Inputs: bind("explanation", "explanation"), Output: "notes"}).
		Prompt("quiz", "quiz", echo, steps.PromptConfig{Inputs: bind("explanation", "explanation"), Output: "quiz"}).
		Prompt("takeaway", "takeaway", echo, steps.PromptConfig{Inputs: bind("notes", "notes", "quiz", "quiz"), Output: "takeaway"}))

	res, err := New(p, Config{}).Run(context.Background(), map[string]any{"topic": "Quantum Computing"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	explanation := "Explain Quantum Computing simply."
	notes := "Summarize into notes:\n" + explanation
	quiz := "Write 3 questions about:\n" + explanation
	want := map[string]any{
		"topic_name":  "Quantum Computing",
		"explanation": explanation,
		"notes":       notes,
		"quiz":        quiz,
		"takeaway":    "Key takeaway from notes:\n" + notes + "\nand quiz:\n" + quiz,
	}
	for k, v := range want {
		if res.Outputs[k] != v {
			t.Errorf("output %s: expected %q, got %q", k, v, res.Outputs[k])
		}
	}
	if echo.calls.Load() != 4 {
		t.Errorf("expected 4 calls, got %d", echo.calls.Load())
	}
	if res.Run.Status != domain.RunStatusSucceeded || res.Run.Outputs["takeaway"] == nil {
		t.Errorf("run should carry outputs, got %+v", res.Run)
	}
	if res.Stats.CompletedSteps != 5 || res.Stats.PendingSteps != 0 {
		t.Errorf("unexpected stats %+v", res.Stats)
	}
}

func TestExecutor_ConcurrentRunsAreIndependent(t *testing.T) {
	p := mustBuild(t, pipeline.New("shared").
		Input("n").
		Template(tmpl("t", "n={n}", "n")).
		Prompt("s", "t", capability.Echo{}, steps.PromptConfig{Inputs: bind("n", "n"), Output: "out"}))
	exec := New(p, Config{})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := exec.Run(context.Background(), map[string]any{"n": i})
			if err != nil {
				errs <- err
				return
			}
			if res.Outputs["out"] != fmt.Sprintf("n=%d", i) {
				errs <- fmt.Errorf("run %d got %v", i, res.Outputs["out"])
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// --- Backoff / Classify Tests ---

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		policy  *domain.RetryPolicy
		want    time.Duration
	}{
		{"nil policy", 1, nil, time.Second},
		{"fixed", 3, &domain.RetryPolicy{Backoff: "fixed", InitialDelayMs: 200}, 200 * time.Millisecond},
		{"exponential first", 1, &domain.RetryPolicy{Backoff: "exponential", InitialDelayMs: 100}, 100 * time.Millisecond},
		{"exponential third", 3, &domain.RetryPolicy{Backoff: "exponential", InitialDelayMs: 100}, 400 * time.Millisecond},
		{"exponential capped", 10, &domain.RetryPolicy{Backoff: "exponential", InitialDelayMs: 100, MaxDelayMs: 500}, 500 * time.Millisecond},
		{"default initial", 1, &domain.RetryPolicy{}, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateBackoff(tt.attempt, tt.policy); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{&engine.MissingVariableError{Template: "t", Variable: "x"}, KindMissingVariable},
		{&steps.UnresolvedInputError{StepID: "s", Keys: []string{"k"}}, KindUnresolvedInput},
		{capability.Transient("c", errors.New("x")), KindCapabilityTransient},
		{capability.Fatal("c", errors.New("x")), KindCapabilityFatal},
		{&capability.SchemaValidationError{Schema: "S", Err: errors.New("x")}, KindSchemaValidation},
		{context.Canceled, KindCancelled},
		{fmt.Errorf("step s: %w", engine.ErrOutputAlreadyRecorded), KindInternal},
		{errors.New("unexpected"), KindInternal},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if Classify(nil) != "" {
		t.Error("nil error has no kind")
	}
}

func TestParseFailMode(t *testing.T) {
	for in, want := range map[string]FailMode{
		"":                  FailFast,
		"fail-fast":         FailFast,
		"continue_on_error": ContinueOnError,
		"continue":          ContinueOnError,
	} {
		got, err := ParseFailMode(in)
		if err != nil || got != want {
			t.Errorf("ParseFailMode(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseFailMode("sometimes"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
