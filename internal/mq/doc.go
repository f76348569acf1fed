// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — конверт Message, payloads и публикация
//   - consumer.go   — потребление сообщений из очередей
//   - events.go     — observer оркестратора, публикующий завершения
//
// Типы сообщений:
//   - run.requested   — запрос на выполнение pipeline (scheduler, CLI)
//   - run.completed   — run завершён
//   - call.completed  — вызов capability завершён
//
// Exchanges:
//   - promptflow.runs   — runs.requested, runs.completed
//   - promptflow.calls  — calls.completed
//   - promptflow.dlq    — отклонённые run.requested
package mq
