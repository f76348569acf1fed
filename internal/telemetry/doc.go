// Package telemetry содержит логирование и метрики.
//
//   - logging.go — slog: настройка, логгер в context, run_id/step_id/pipeline
//   - metrics.go — Prometheus метрики runs, шагов и вызовов capability
package telemetry
