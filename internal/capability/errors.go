package capability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind — вид ошибки capability.
type Kind string

const (
	// KindTransient — временный сбой: rate limit, таймаут, обрыв соединения.
	KindTransient Kind = "transient"

	// KindFatal — постоянный отказ: авторизация, конфигурация, неверный запрос.
	KindFatal Kind = "fatal"
)

// Sentinel ошибки для errors.Is.
var (
	ErrCapabilityTransient = errors.New("capability transient failure")
	ErrCapabilityFatal     = errors.New("capability fatal failure")
	ErrSchemaValidation    = errors.New("schema validation failed")

	// ErrNotConfigured — у адаптера нет обязательной настройки (API key, URL).
	ErrNotConfigured = errors.New("capability not configured")
)

// CapabilityError — сбой backend.
type CapabilityError struct {
	Kind       Kind
	Capability string
	StatusCode int // HTTP статус, если есть
	Err        error
}

func (e *CapabilityError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("capability %s: %s failure (status %d): %v", e.Capability, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("capability %s: %s failure: %v", e.Capability, e.Kind, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// Is сопоставляет ошибку с ErrCapabilityTransient / ErrCapabilityFatal.
func (e *CapabilityError) Is(target error) bool {
	switch target {
	case ErrCapabilityTransient:
		return e.Kind == KindTransient
	case ErrCapabilityFatal:
		return e.Kind == KindFatal
	}
	return false
}

// Transient создаёт временную ошибку.
func Transient(capability string, err error) *CapabilityError {
	return &CapabilityError{Kind: KindTransient, Capability: capability, Err: err}
}

// Fatal создаёт постоянную ошибку.
func Fatal(capability string, err error) *CapabilityError {
	return &CapabilityError{Kind: KindFatal, Capability: capability, Err: err}
}

// KindForStatus классифицирует HTTP статус ответа.
//
//	408, 409, 425, 429, 5xx → transient
//	остальные 4xx            → fatal
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}

// FromStatus создаёт ошибку по HTTP статусу и телу ответа.
func FromStatus(capability string, code int, body string) *CapabilityError {
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return &CapabilityError{
		Kind:       KindForStatus(code),
		Capability: capability,
		StatusCode: code,
		Err:        fmt.Errorf("backend returned %d: %s", code, body),
	}
}

// Classify приводит ошибку транспорта к таксономии capability.
//
// Уже классифицированные ошибки и отмена родительского контекста
// возвращаются как есть. Таймауты и сетевые ошибки — transient,
// всё остальное — fatal.
func Classify(capability string, err error) error {
	if err == nil {
		return nil
	}

	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return err
	}
	var schemaErr *SchemaValidationError
	if errors.As(err, &schemaErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(capability, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(capability, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient(capability, err)
	}

	return Fatal(capability, err)
}

// IsTransient проверяет, можно ли повторить вызов.
func IsTransient(err error) bool {
	return errors.Is(err, ErrCapabilityTransient)
}

// SchemaValidationError — ответ не удалось привести к схеме.
// Raw содержит исходный текст для диагностики.
type SchemaValidationError struct {
	Schema string
	Raw    string
	Err    error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema %s: %v", e.Schema, e.Err)
}

func (e *SchemaValidationError) Unwrap() error {
	return e.Err
}

func (e *SchemaValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}
