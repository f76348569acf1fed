// Package cli реализует инструмент командной строки Promptflow.
//
// # Обзор
//
// CLI выполняет pipeline локально (run), проверяет и показывает
// спецификации (validate, graph, list), читает историю из БД
// (history, schedule list) и ставит runs в очередь worker'ов (request).
//
// # Ключевые компоненты
//
// ## Env
//
// Общие зависимости команд: конфигурация (config.Load), логгер в stderr,
// реестр capability и каталог pipeline. Поля Env заполняются
// persistent флагами корневой команды (--config, --json, --log-level),
// поэтому всё создаётся лениво внутри RunE.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: promptflow run quiz --json | jq .outputs
//
// ## Commands
//
//   - run [PIPELINE] [--file F] [--input k=v] [--capability NAME] [--dry-run] [--pdf out.pdf]
//   - validate [FILE...], graph PIPELINE, list
//   - history list, history show RUN_ID
//   - schedule list, schedule next NAME
//   - request PIPELINE [--input k=v] [--idempotency-key K]
//
// Каждая команда создаётся фабричной функцией (NewRunCmd и т.д.),
// принимающей *Env.
package cli
