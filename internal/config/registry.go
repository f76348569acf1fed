package config

import (
	"fmt"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/pipeline"
	"github.com/shaiso/Promptflow/internal/steps"
	"github.com/shaiso/Promptflow/internal/telemetry"
)

// Registry собирает реестр capability: openai, groq, ollama и echo,
// каждая обёрнута в capability.Metered. metrics может быть nil.
//
// Отсутствующий API ключ не ошибка конфигурации: вызов такой capability
// завершится фатальной ошибкой, а остальные продолжат работать.
func Registry(cfg *Config, metrics *telemetry.Metrics) (*steps.Registry, error) {
	reg := steps.NewRegistry()

	for name, p := range map[string]ProviderConfig{
		"openai": cfg.Providers.OpenAI,
		"groq":   cfg.Providers.Groq,
	} {
		reg.Register(capability.NewMetered(capability.NewOpenAI(capability.OpenAIConfig{
			Name:    name,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey(),
			Model:   p.Model,
			Timeout: p.Timeout,
		}), metrics))
	}

	ollama, err := capability.NewOllama(capability.OllamaConfig{
		URL:     cfg.Providers.Ollama.URL,
		Model:   cfg.Providers.Ollama.Model,
		Timeout: cfg.Providers.Ollama.Timeout,
	})
	if err != nil {
		return nil, err
	}
	reg.Register(capability.NewMetered(ollama, metrics))
	reg.Register(capability.NewMetered(capability.Echo{}, metrics))

	if cfg.DefaultCapability != "" {
		if !reg.Has(cfg.DefaultCapability) {
			return nil, fmt.Errorf("default_capability %q is not registered (have %v)", cfg.DefaultCapability, reg.Names())
		}
		reg.SetDefault(cfg.DefaultCapability)
	}
	return reg, nil
}

// LoadOptions — параметры загрузки pipeline из конфигурации executor.
func (c *Config) LoadOptions() pipeline.LoadOptions {
	return pipeline.LoadOptions{
		Validator:      capability.JSONValidator{},
		DefaultTimeout: c.Executor.CallTimeout,
		DefaultRetry:   c.Executor.Retry.RetryPolicy(),
	}
}
