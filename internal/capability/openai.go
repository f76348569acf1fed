package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIConfig — настройки OpenAI-совместимого backend
// (OpenAI, Groq и любой сервер с /chat/completions).
type OpenAIConfig struct {
	// Name — имя capability в реестре ("openai", "groq").
	Name string

	// BaseURL — базовый URL, например "https://api.groq.com/openai/v1".
	BaseURL string

	// APIKey — ключ доступа.
	APIKey string

	// Model — модель по умолчанию.
	Model string

	// Timeout — таймаут HTTP клиента, если HTTPClient не задан.
	Timeout time.Duration
}

// OpenAI — capability для OpenAI-совместимого /chat/completions API.
//
// В структурированном режиме запрашивает response_format json_object,
// добавляет инструкции по формату и валидирует ответ через Validator.
type OpenAI struct {
	cfg        OpenAIConfig
	HTTPClient *http.Client
	Validator  SchemaValidator
}

// NewOpenAI создаёт адаптер.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAI{
		cfg:        cfg,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		Validator:  JSONValidator{},
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Name реализует Capability.
func (o *OpenAI) Name() string { return o.cfg.Name }

// Structured реализует StructuredCapability.
func (o *OpenAI) Structured() bool { return true }

// Complete реализует Capability.
func (o *OpenAI) Complete(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	if o.cfg.APIKey == "" {
		return nil, Fatal(o.cfg.Name, fmt.Errorf("%w: api key is empty", ErrNotConfigured))
	}

	model := req.Params.Model
	if model == "" {
		model = o.cfg.Model
	}
	if model == "" {
		return nil, Fatal(o.cfg.Name, fmt.Errorf("%w: model is empty", ErrNotConfigured))
	}

	prompt := req.Prompt
	payload := chatRequest{
		Model:       model,
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxTokens,
	}
	if req.Schema != nil {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
		prompt = req.Schema.AppendInstructions(prompt)
	}
	if req.Params.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.Params.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Fatal(o.cfg.Name, fmt.Errorf("marshaling request: %w", err))
	}

	endpoint := strings.TrimRight(o.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Fatal(o.cfg.Name, fmt.Errorf("creating HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, Classify(o.cfg.Name, fmt.Errorf("API request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(o.cfg.Name, fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, FromStatus(o.cfg.Name, resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, Transient(o.cfg.Name, fmt.Errorf("parsing response: %w", err))
	}
	if len(chatResp.Choices) == 0 {
		return nil, Transient(o.cfg.Name, fmt.Errorf("empty choices in API response"))
	}

	result := &Result{
		Text:       chatResp.Choices[0].Message.Content,
		Capability: o.cfg.Name,
		Model:      model,
		Usage: Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
		},
	}
	if chatResp.Model != "" {
		result.Model = chatResp.Model
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
