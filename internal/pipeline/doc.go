// Package pipeline собирает проверенный граф шагов.
//
// Два способа построить Pipeline:
//
//   - Builder — в коде, с уже созданными capability
//   - Load — из PipelineSpec (YAML/JSON), capability берутся из steps.Registry
//
// Build проверяет граф целиком: пустой pipeline, повторяющиеся ID шагов
// и output keys, неизвестные источники (если inputs объявлены), циклы.
// Ошибки определения возвращаются до любого выполнения.
//
// Особые значения в спецификации:
//
//   - capability: none — шаг только рендерит шаблон
//   - partial "$format_instructions" — подставляются инструкции схемы шага
package pipeline
