// Package worker выполняет runs, запрошенные через очередь.
//
// # Обзор
//
// Worker — stateless процесс (cmd/promptflow-worker). Он потребляет
// run.requested из очереди runs.requested и выполняет pipeline из каталога
// оркестратором. Весь учёт делают observer'ы оркестратора:
//
//   - repo.History — runs, шаги и вызовы в PostgreSQL
//   - telemetry.Metrics — Prometheus
//   - mq.Events — call.completed и run.completed
//
// Workers масштабируются горизонтально: run захватывается через
// RunStore.Claim (PENDING → RUNNING одним UPDATE), поэтому повторная
// доставка или polling не выполнят run дважды.
//
// # Обработка run.requested
//
//  1. Разбор payload; битое сообщение уходит в DLQ (mq.Reject)
//  2. Поиск run по RunID, затем по ключу идемпотентности; иначе Create
//  3. Run не в PENDING — ack без выполнения
//  4. Pipeline из каталога; неизвестный pipeline — run FAILED, сообщение в DLQ
//  5. Claim и orchestrator.Executor.Execute
//  6. Неуспешный run — ack: итог записан, повтор его не исправит
//
// Ошибки инфраструктуры (БД недоступна) возвращаются в consumer:
// сообщение доставляется ещё раз, затем уходит в DLQ.
//
// # Polling
//
// Scheduler сначала записывает run, потом публикует сообщение. Если
// публикация не удалась, run остаётся PENDING; pollLoop раз в PollInterval
// подхватывает такие runs.
//
//	w := worker.New(worker.Config{
//	    Catalog:   cat,
//	    Runs:      runRepo,
//	    Publisher: publisher,
//	    Conn:      mqConn,
//	    Observers: []orchestrator.Observer{history, metrics, events},
//	    Logger:    logger,
//	})
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
package worker
