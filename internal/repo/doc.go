// Package repo хранит историю выполнения в PostgreSQL (pgx/v5).
//
// Таблицы (schema.sql, создаются через EnsureSchema):
//   - runs — run с inputs, outputs, статусом и ключом идемпотентности
//   - run_steps — итог каждого шага
//   - calls — каждый вызов capability (prompt, ответ, usage)
//   - schedules — состояние расписаний scheduler'а
//
// History реализует observer оркестратора и пишет всё это по ходу run.
package repo
