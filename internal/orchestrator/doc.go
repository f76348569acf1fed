// Package orchestrator выполняет pipeline.
//
// Executor отвечает за:
//   - Проверку внешних inputs до запуска первого шага
//   - Запуск готовых шагов (все зависимости записаны) параллельно
//   - Retry с backoff для transient ошибок capability
//   - Fail-fast или continue-on-error при ошибке шага
//   - Отмену через context
//   - Уведомление observer'ов (метрики, история, события)
//
// Пример:
//
//	exec := orchestrator.New(p, orchestrator.Config{
//	    Policy:    orchestrator.Policy{FailMode: orchestrator.ContinueOnError, MaxConcurrency: 4},
//	    Observers: []orchestrator.Observer{metrics, history},
//	})
//	res, err := exec.Run(ctx, map[string]any{"topic": "Quantum Computing"})
//
// Все переходы состояния run выполняет один цикл диспетчеризации,
// шаги выполняются в своих горутинах и возвращают результат через канал.
package orchestrator
