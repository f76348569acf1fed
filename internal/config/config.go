package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/mq"
	"github.com/shaiso/Promptflow/internal/orchestrator"
	"github.com/shaiso/Promptflow/internal/repo"
)

const (
	// EnvPrefix — префикс переменных окружения: PROMPTFLOW_DATABASE_URL и т.д.
	EnvPrefix = "PROMPTFLOW"

	// PathEnv — путь к файлу конфигурации, если он не передан явно.
	PathEnv = "PROMPTFLOW_CONFIG"
)

// Config — конфигурация Promptflow.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Providers struct {
		OpenAI ProviderConfig `mapstructure:"openai"`
		Groq   ProviderConfig `mapstructure:"groq"`
		Ollama struct {
			URL     string        `mapstructure:"url"`
			Model   string        `mapstructure:"model"`
			Timeout time.Duration `mapstructure:"timeout"`
		} `mapstructure:"ollama"`
	} `mapstructure:"providers"`

	// DefaultCapability — capability для шагов без явного имени.
	DefaultCapability string `mapstructure:"default_capability"`

	// PipelinesDir — каталог со спецификациями поверх встроенных.
	PipelinesDir string `mapstructure:"pipelines_dir"`

	Executor ExecutorConfig `mapstructure:"executor"`

	Database struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"database"`

	RabbitMQ struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"rabbitmq"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Schedules []domain.Schedule `mapstructure:"schedules"`
}

// ProviderConfig — OpenAI-совместимый backend.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// APIKeyEnv — имя переменной окружения с ключом; сам ключ в файле не хранится.
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// APIKey читает ключ из окружения.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// ExecutorConfig — политика выполнения run.
type ExecutorConfig struct {
	FailMode       string        `mapstructure:"fail_mode"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// RetryConfig — политика retry по умолчанию.
type RetryConfig struct {
	MaxAttempts    int    `mapstructure:"max_attempts"`
	Backoff        string `mapstructure:"backoff"`
	InitialDelayMs int    `mapstructure:"initial_delay_ms"`
	MaxDelayMs     int    `mapstructure:"max_delay_ms"`
	RepairSchema   bool   `mapstructure:"repair_schema"`
}

// RetryPolicy переводит RetryConfig в доменную политику.
func (r RetryConfig) RetryPolicy() *domain.RetryPolicy {
	return &domain.RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		Backoff:        r.Backoff,
		InitialDelayMs: r.InitialDelayMs,
		MaxDelayMs:     r.MaxDelayMs,
		RepairSchema:   r.RepairSchema,
	}
}

// Policy собирает политику оркестратора.
func (e ExecutorConfig) Policy() (orchestrator.Policy, error) {
	mode, err := orchestrator.ParseFailMode(e.FailMode)
	if err != nil {
		return orchestrator.Policy{}, err
	}
	if e.MaxConcurrency < 0 {
		return orchestrator.Policy{}, fmt.Errorf("executor.max_concurrency must be >= 0, got %d", e.MaxConcurrency)
	}
	return orchestrator.Policy{
		FailMode:       mode,
		MaxConcurrency: e.MaxConcurrency,
		Retry:          e.Retry.RetryPolicy(),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "json")

	v.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.openai.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("providers.openai.model", "gpt-4o-mini")
	v.SetDefault("providers.openai.timeout", 120*time.Second)

	v.SetDefault("providers.groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("providers.groq.api_key_env", "GROQ_API_KEY")
	v.SetDefault("providers.groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("providers.groq.timeout", 120*time.Second)

	v.SetDefault("providers.ollama.url", "http://localhost:11434")
	v.SetDefault("providers.ollama.model", "gemma3")
	v.SetDefault("providers.ollama.timeout", 300*time.Second)

	v.SetDefault("default_capability", "groq")

	v.SetDefault("executor.fail_mode", string(orchestrator.FailFast))
	v.SetDefault("executor.max_concurrency", 0)
	v.SetDefault("executor.call_timeout", 60*time.Second)
	v.SetDefault("executor.retry.max_attempts", 3)
	v.SetDefault("executor.retry.backoff", "exponential")
	v.SetDefault("executor.retry.initial_delay_ms", 1000)
	v.SetDefault("executor.retry.max_delay_ms", 30000)

	v.SetDefault("database.url", repo.DefaultDSN)
	v.SetDefault("rabbitmq.url", mq.DefaultURL())
	v.SetDefault("metrics.addr", ":9090")
}

// Load читает конфигурацию.
//
// path — YAML файл; пустой path — PROMPTFLOW_CONFIG, затем promptflow.yaml
// в текущем каталоге или ./config, если он есть. Отсутствие файла по умолчанию не ошибка.
// Переменные окружения перекрывают файл: PROMPTFLOW_EXECUTOR_FAIL_MODE
// для executor.fail_mode.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(PathEnv)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("promptflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	enableSchedules(v, cfg.Schedules)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// enableSchedules включает расписания, где enabled не указан явно.
func enableSchedules(v *viper.Viper, schedules []domain.Schedule) {
	raw, _ := v.Get("schedules").([]any)
	for i := range schedules {
		if i >= len(raw) {
			break
		}
		m, ok := raw[i].(map[string]any)
		if !ok {
			continue
		}
		if _, set := m["enabled"]; !set {
			schedules[i].Enabled = true
		}
	}
}

// Validate проверяет значения, которые иначе всплыли бы только при запуске run.
func (c *Config) Validate() error {
	if _, err := c.Executor.Policy(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Executor.CallTimeout < 0 {
		return fmt.Errorf("config: executor.call_timeout must be >= 0")
	}
	names := make(map[string]bool, len(c.Schedules))
	for _, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("config: schedule without name")
		}
		if names[s.Name] {
			return fmt.Errorf("config: duplicate schedule %q", s.Name)
		}
		names[s.Name] = true
	}
	return nil
}
