// Package steps содержит виды шагов pipeline и реестр capability.
//
// # Интерфейс Step
//
//	type Step interface {
//	    ID() string
//	    Kind() string
//	    OutputKey() string
//	    Sources() []string
//	    Execute(ctx context.Context, rc *engine.RunContext, attempt Attempt) (*Outcome, error)
//	}
//
// Шаг читает входы из RunContext и возвращает Outcome. Запись в RunContext,
// retry и обработку ошибок выполняет orchestrator.
//
// # Виды шагов
//
//   - PromptStep (prompt.go) — шаблон → capability → (опционально) схема
//   - PassthroughStep (passthrough.go) — пересылает вход в output без вызовов
//   - RenderStep (render.go) — только рендерит шаблон
//
// # Registry
//
// Registry разрешает имя capability из определения шага:
//
//	reg := steps.NewRegistry()
//	reg.Register(capability.NewMetered(capability.Echo{}, metrics))
//	c, err := reg.Get("echo")
//
// # Ошибки
//
//   - *UnresolvedInputError — вход отсутствует в RunContext
//   - *engine.MissingVariableError — шаблону не хватило переменной
//   - *capability.CapabilityError — сбой backend (transient/fatal)
//   - *capability.SchemaValidationError — ответ не соответствует схеме
//
// Retry логика находится в orchestrator, шаги просто возвращают ошибки.
package steps
