// Package scheduler запрашивает runs по расписанию.
//
// Определения расписаний приходят из конфигурации (promptflow.yaml,
// секция schedules); Sync записывает их в БД, где хранится состояние:
// next_due_at и последний run.
//
// Структура:
//   - scheduler.go — Sync, Tick, processSchedule
//   - cron.go      — cron-выражения и вычисление следующего времени
//   - leader.go    — leader election через pg_try_advisory_lock
//
// На каждом тике лидер:
//
//  1. Выбирает due schedules
//  2. Записывает PENDING run с ключом идемпотентности "{name}_{due_unix}"
//  3. Сдвигает next_due_at
//  4. Публикует run.requested
//
// Повторный тик для того же времени (например, после рестарта между
// шагами 2 и 3) находит run по ключу и не создаёт дубликат.
//
//	sched := scheduler.New(scheduler.Config{
//	    Schedules: scheduleRepo,
//	    Runs:      runRepo,
//	    Catalog:   cat,
//	    Publisher: publisher,
//	    Logger:    logger,
//	})
//	if err := sched.Sync(ctx, cfg.Schedules); err != nil {
//	    log.Fatal(err)
//	}
//	scheduler.Loop(ctx, scheduler.NewLeader(pool, scheduler.LockKey), time.Second, logger, sched.Tick)
package scheduler
