package capability

import (
	"context"
	"errors"
	"time"
)

// Echo возвращает отрендеренный prompt как ответ.
// Используется для dry-run и тестов: pipeline выполняется без сети.
type Echo struct {
	// Prefix добавляется перед prompt (например "[echo] ").
	Prefix string
}

// Name реализует Capability.
func (Echo) Name() string { return "echo" }

// Complete реализует Capability.
func (e Echo) Complete(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{
		Text:       e.Prefix + req.Prompt,
		Capability: "echo",
		Model:      req.Params.Model,
	}, nil
}

// Func — адаптер обычной функции к Capability.
type Func struct {
	ID string
	Fn func(ctx context.Context, req *Request) (*Result, error)
}

// NewFunc создаёт Func capability.
func NewFunc(name string, fn func(ctx context.Context, req *Request) (*Result, error)) *Func {
	return &Func{ID: name, Fn: fn}
}

// Name реализует Capability.
func (f *Func) Name() string { return f.ID }

// Complete реализует Capability.
func (f *Func) Complete(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	res, err := f.Fn(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, Fatal(f.ID, errors.New("capability returned no result"))
	}
	if res.Capability == "" {
		res.Capability = f.ID
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, nil
}

// Text — сокращение для Func, возвращающей только текст.
func Text(name string, fn func(ctx context.Context, prompt string) (string, error)) *Func {
	return NewFunc(name, func(ctx context.Context, req *Request) (*Result, error) {
		text, err := fn(ctx, req.Prompt)
		if err != nil {
			return nil, err
		}
		return &Result{Text: text}, nil
	})
}
