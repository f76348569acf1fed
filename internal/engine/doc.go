// Package engine содержит ядро определения pipeline.
//
// Включает:
//   - template.go — шаблоны prompt ({var} и Go templates)
//   - context.go  — RunContext: входы и outputs одного run (write-once)
//   - dag.go      — построение графа из привязок, алгоритм Кана, поиск циклов
//   - parser.go   — парсинг и валидация PipelineSpec (YAML/JSON)
//
// Engine ничего не выполняет: он отвечает за структуру pipeline
// и порядок шагов. Выполнение — в пакете orchestrator.
package engine
