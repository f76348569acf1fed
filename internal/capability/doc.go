// Package capability описывает backend генерации текста.
//
// Pipeline не знает о конкретных провайдерах: шаг получает Capability
// через реестр и вызывает Complete. Адаптеры:
//   - OpenAI  — OpenAI-совместимый /chat/completions (OpenAI, Groq)
//   - Ollama  — локальные модели через github.com/ollama/ollama/api
//   - Echo    — возвращает prompt (dry-run, тесты)
//   - Func    — обычная функция
//   - Metered — декоратор с логами и метриками
//
// Ошибки делятся на transient (можно повторить), fatal и
// SchemaValidationError (ответ не соответствует схеме).
package capability
