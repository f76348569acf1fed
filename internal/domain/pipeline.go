package domain

// PipelineSpec — декларативное описание pipeline (YAML или JSON).
//
// Это "программа" для Promptflow: шаблоны, схемы и шаги,
// связанные через именованные входы и выходы.
//
//	name: study-material
//	inputs:
//	  topic: {type: string}
//	templates:
//	  - id: explain
//	    pattern: "Explain {topic} in simple language."
//	    variables: [topic]
//	steps:
//	  - id: explain
//	    template: explain
//	    inputs: {topic: topic}
//	    output: explanation
type PipelineSpec struct {
	// Version — версия формата спецификации.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Name — уникальное имя pipeline.
	Name string `yaml:"name" json:"name"`

	// Description — описание назначения pipeline.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Inputs — начальные входы pipeline.
	// Если задано, ссылки шагов на неизвестные ключи отклоняются при сборке.
	Inputs map[string]InputDef `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Defaults — настройки по умолчанию для всех шагов.
	Defaults *StepDefaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Templates — шаблоны prompt, на которые ссылаются шаги.
	Templates []TemplateDef `yaml:"templates,omitempty" json:"templates,omitempty"`

	// Schemas — схемы структурированного вывода.
	Schemas []SchemaDef `yaml:"schemas,omitempty" json:"schemas,omitempty"`

	// Steps — шаги pipeline. Порядок не важен: рёбра выводятся из inputs.
	Steps []StepDef `yaml:"steps" json:"steps"`
}

// InputDef — определение начального входа.
type InputDef struct {
	// Type — тип значения: "string", "number", "boolean", "object".
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Default — значение по умолчанию, если вход не передан.
	Default any `yaml:"default,omitempty" json:"default,omitempty"`

	// Description — описание входа.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// StepDefaults — настройки по умолчанию для шагов.
type StepDefaults struct {
	// Capability — имя capability из реестра.
	Capability string `yaml:"capability,omitempty" json:"capability,omitempty"`

	// Model — модель по умолчанию.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Temperature — температура по умолчанию.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`

	// Retry — политика повторных попыток.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// TimeoutSec — бюджет одного вызова capability в секундах.
	TimeoutSec int `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`
}

// GetRetry возвращает политику retry по умолчанию (nil-safe).
func (d *StepDefaults) GetRetry() *RetryPolicy {
	if d == nil {
		return nil
	}
	return d.Retry
}

// TemplateDef — определение шаблона prompt.
type TemplateDef struct {
	// ID — идентификатор шаблона.
	ID string `yaml:"id" json:"id"`

	// Pattern — текст шаблона.
	Pattern string `yaml:"pattern" json:"pattern"`

	// Format — синтаксис: "fstring" ({var}, по умолчанию) или "go" ({{ .var }}).
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// Variables — объявленные переменные.
	Variables []string `yaml:"variables" json:"variables"`

	// Partials — значения, подставляемые заранее (не требуются от шага).
	// Особое значение "$format_instructions" заменяется инструкциями схемы шага.
	Partials map[string]string `yaml:"partials,omitempty" json:"partials,omitempty"`
}

// SchemaDef — описание структурированного вывода.
type SchemaDef struct {
	// Name — имя схемы, на которое ссылаются шаги.
	Name string `yaml:"name" json:"name"`

	// Description — описание для инструкций модели.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Fields — поля объекта.
	Fields []FieldDef `yaml:"fields" json:"fields"`
}

// FieldDef — поле схемы.
type FieldDef struct {
	// Name — имя поля в JSON.
	Name string `yaml:"name" json:"name"`

	// Type — "string", "number", "integer", "boolean", "object", "array".
	Type string `yaml:"type" json:"type"`

	// Optional — поле может отсутствовать. По умолчанию поля обязательны.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`

	// Description — подсказка для модели.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Enum — допустимые значения для type="string".
	Enum []string `yaml:"enum,omitempty" json:"enum,omitempty"`

	// Items — тип элементов для type="array".
	Items *FieldDef `yaml:"items,omitempty" json:"items,omitempty"`

	// Fields — вложенные поля для type="object".
	Fields []FieldDef `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// StepDef — определение шага.
type StepDef struct {
	// ID — уникальный идентификатор шага.
	ID string `yaml:"id" json:"id"`

	// Name — человекочитаемое имя шага.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Template — ID шаблона. Пусто для passthrough.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`

	// Inputs — привязки: имя переменной шаблона → ключ источника
	// (начальный вход или output другого шага).
	Inputs map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Output — ключ, под которым записывается результат. По умолчанию ID.
	Output string `yaml:"output,omitempty" json:"output,omitempty"`

	// Capability — имя capability. "none" — шаг только рендерит шаблон.
	Capability string `yaml:"capability,omitempty" json:"capability,omitempty"`

	// Model, Temperature, MaxTokens, System — параметры вызова.
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	System      string   `yaml:"system,omitempty" json:"system,omitempty"`

	// Schema — имя схемы структурированного вывода.
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`

	// Passthrough — ключ источника, который шаг пересылает без изменений.
	Passthrough string `yaml:"passthrough,omitempty" json:"passthrough,omitempty"`

	// Retry — политика повторных попыток. Переопределяет defaults.retry.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// TimeoutSec — бюджет вызова. Переопределяет defaults.timeout_sec.
	TimeoutSec int `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`
}

// OutputKey возвращает ключ output шага (ID, если Output не задан).
func (s *StepDef) OutputKey() string {
	if s.Output != "" {
		return s.Output
	}
	return s.ID
}

// Стратегии backoff.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RetryPolicy — политика повторных попыток.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `yaml:"initial_delay_ms,omitempty" json:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `yaml:"max_delay_ms,omitempty" json:"max_delay_ms,omitempty"`

	// RepairSchema — разрешить одну повторную попытку "с починкой"
	// после ошибки валидации схемы.
	RepairSchema bool `yaml:"repair_schema,omitempty" json:"repair_schema,omitempty"`
}
