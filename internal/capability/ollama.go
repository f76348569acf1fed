package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	api "github.com/ollama/ollama/api"
)

// OllamaConfig — настройки локального Ollama.
type OllamaConfig struct {
	// URL — адрес Ollama, например "http://localhost:11434".
	URL string

	// Model — модель по умолчанию ("gemma3", "deepseek-r1").
	Model string

	// Timeout — таймаут HTTP клиента.
	Timeout time.Duration
}

// Ollama — capability поверх Ollama chat API.
// В структурированном режиме запрашивает format=json.
type Ollama struct {
	client    *api.Client
	model     string
	Validator SchemaValidator
}

// NewOllama создаёт адаптер.
func NewOllama(cfg OllamaConfig) (*Ollama, error) {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:11434"
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}

	return &Ollama{
		client:    api.NewClient(base, httpClient),
		model:     cfg.Model,
		Validator: JSONValidator{},
	}, nil
}

// Name реализует Capability.
func (o *Ollama) Name() string { return "ollama" }

// Structured реализует StructuredCapability.
func (o *Ollama) Structured() bool { return true }

// Complete реализует Capability.
func (o *Ollama) Complete(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	model := req.Params.Model
	if model == "" {
		model = o.model
	}
	if model == "" {
		return nil, Fatal(o.Name(), fmt.Errorf("%w: model is empty", ErrNotConfigured))
	}

	prompt := req.Prompt
	stream := false
	cReq := &api.ChatRequest{
		Model:   model,
		Stream:  &stream,
		Options: map[string]any{},
	}
	if req.Schema != nil {
		cReq.Format = json.RawMessage(`"json"`)
		prompt = req.Schema.AppendInstructions(prompt)
	}
	if req.Params.Temperature != nil {
		cReq.Options["temperature"] = *req.Params.Temperature
	}
	if req.Params.MaxTokens > 0 {
		cReq.Options["num_predict"] = req.Params.MaxTokens
	}
	if req.Params.System != "" {
		cReq.Messages = append(cReq.Messages, api.Message{Role: "system", Content: req.Params.System})
	}
	cReq.Messages = append(cReq.Messages, api.Message{Role: "user", Content: prompt})

	var (
		sb        strings.Builder
		tokensIn  int
		tokensOut int
	)
	err := o.client.Chat(ctx, cReq, func(cr api.ChatResponse) error {
		sb.WriteString(cr.Message.Content)
		if cr.Done {
			tokensIn = cr.PromptEvalCount
			tokensOut = cr.EvalCount
		}
		return nil
	})
	if err != nil {
		return nil, classifyOllama(err)
	}

	result := &Result{
		Text:       sb.String(),
		Capability: o.Name(),
		Model:      model,
		Usage:      Usage{PromptTokens: tokensIn, CompletionTokens: tokensOut},
	}

	if req.Schema != nil {
		value, err := o.Validator.Validate(result.Text, req.Schema)
		if err != nil {
			return nil, err
		}
		result.Value = value
	}

	result.Duration = time.Since(start)
	return result, nil
}

// classifyOllama учитывает HTTP статус из api.StatusError.
func classifyOllama(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return FromStatus("ollama", statusErr.StatusCode, statusErr.ErrorMessage)
	}
	var statusPtr *api.StatusError
	if errors.As(err, &statusPtr) && statusPtr != nil {
		return FromStatus("ollama", statusPtr.StatusCode, statusPtr.ErrorMessage)
	}
	return Classify("ollama", fmt.Errorf("ollama chat: %w", err))
}
