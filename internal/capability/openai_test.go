package capability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/Promptflow/internal/domain"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(OpenAIConfig{
		Name:    "groq",
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "llama-3.3-70b-versatile",
	})
}

func TestOpenAI_Complete(t *testing.T) {
	var got chatRequest
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model": "llama-3.3-70b-versatile",
			"choices": [{"message": {"role": "assistant", "content": "Quantum bits..."}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 30}}`))
	})

	temp := 0.7
	res, err := o.Complete(context.Background(), &Request{
		Prompt: "Explain Quantum Computing",
		Params: Params{Temperature: &temp, System: "You are a tutor."},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Text != "Quantum bits..." {
		t.Errorf("unexpected text %q", res.Text)
	}
	if res.Capability != "groq" {
		t.Errorf("expected capability groq, got %q", res.Capability)
	}
	if res.Usage.PromptTokens != 12 || res.Usage.CompletionTokens != 30 {
		t.Errorf("unexpected usage %+v", res.Usage)
	}

	if got.Model != "llama-3.3-70b-versatile" {
		t.Errorf("default model should be used, got %q", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "Explain Quantum Computing" {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Error("temperature should be forwarded")
	}
	if got.ResponseFormat != nil {
		t.Error("response_format must be empty in text mode")
	}
}

func TestOpenAI_Structured(t *testing.T) {
	var got chatRequest
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "{\"answer\": \"42\"}"}}]}`))
	})

	schema, err := NewSchema(domain.SchemaDef{Name: "Answer", Fields: []domain.FieldDef{{Name: "answer", Type: "string"}}})
	if err != nil {
		t.Fatal(err)
	}

	res, err := o.Complete(context.Background(), &Request{Prompt: "Q", Schema: schema})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Error("structured mode should request json_object")
	}
	if !strings.Contains(got.Messages[0].Content, "JSON schema") {
		t.Error("prompt should include format instructions")
	}
	if res.Value.(map[string]any)["answer"] != "42" {
		t.Errorf("unexpected value %v", res.Value)
	}
	if !IsStructured(o) {
		t.Error("OpenAI should be structured")
	}

	// Шаблон уже содержит инструкции (partial format_instructions): второй раз не добавляются
	prompt := "Q\n" + schema.FormatInstructions()
	if _, err := o.Complete(context.Background(), &Request{Prompt: prompt, Schema: schema}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Messages[0].Content != prompt {
		t.Errorf("instructions duplicated in prompt:\n%s", got.Messages[0].Content)
	}
}

func TestSchema_AppendInstructions(t *testing.T) {
	schema, err := NewSchema(domain.SchemaDef{Name: "Answer", Fields: []domain.FieldDef{{Name: "answer", Type: "string"}}})
	if err != nil {
		t.Fatal(err)
	}
	instructions := schema.FormatInstructions()

	if got := schema.AppendInstructions("Q"); got != "Q\n\n"+instructions {
		t.Errorf("instructions should be appended, got %q", got)
	}
	with := "Q\n" + instructions + "\nThink step by step."
	if got := schema.AppendInstructions(with); got != with {
		t.Errorf("prompt with instructions must not change, got %q", got)
	}
}

func TestOpenAI_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrCapabilityTransient},
		{http.StatusBadGateway, ErrCapabilityTransient},
		{http.StatusUnauthorized, ErrCapabilityFatal},
		{http.StatusBadRequest, ErrCapabilityFatal},
	}

	for _, tt := range tests {
		o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", tt.status)
		})

		_, err := o.Complete(context.Background(), &Request{Prompt: "x"})
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}

		var capErr *CapabilityError
		if errors.As(err, &capErr) && capErr.StatusCode != tt.status {
			t.Errorf("expected status %d in error, got %d", tt.status, capErr.StatusCode)
		}
	}
}

func TestOpenAI_MissingKey(t *testing.T) {
	o := NewOpenAI(OpenAIConfig{Model: "gpt-4o-mini"})

	_, err := o.Complete(context.Background(), &Request{Prompt: "x"})
	if !errors.Is(err, ErrCapabilityFatal) || !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected fatal not-configured error, got %v", err)
	}
}

func TestOpenAI_Timeout(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := o.Complete(ctx, &Request{Prompt: "x"})
	if !errors.Is(err, ErrCapabilityTransient) {
		t.Errorf("timeout should be transient, got %v", err)
	}
}
