package capability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Promptflow/internal/telemetry"
)

// Metered — декоратор: каждому вызову назначается call_id,
// вызов логируется и попадает в метрики.
type Metered struct {
	inner   Capability
	metrics *telemetry.Metrics
}

// NewMetered оборачивает capability. metrics может быть nil.
func NewMetered(inner Capability, metrics *telemetry.Metrics) *Metered {
	return &Metered{inner: inner, metrics: metrics}
}

// Unwrap возвращает исходную capability.
func (m *Metered) Unwrap() Capability { return m.inner }

// Name реализует Capability.
func (m *Metered) Name() string { return m.inner.Name() }

// Structured реализует StructuredCapability.
func (m *Metered) Structured() bool { return IsStructured(m.inner) }

// Complete реализует Capability.
func (m *Metered) Complete(ctx context.Context, req *Request) (*Result, error) {
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}

	logger := telemetry.FromContext(ctx).With(
		"call_id", req.CallID,
		"capability", m.inner.Name(),
		"model", req.Params.Model,
	)
	logger.Debug("capability call started", "prompt_len", len(req.Prompt))

	start := time.Now()
	res, err := m.inner.Complete(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		status := callStatus(err)
		m.metrics.ObserveCall(m.inner.Name(), status, elapsed, 0, 0)
		logger.Warn("capability call failed",
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	m.metrics.ObserveCall(m.inner.Name(), "ok", elapsed,
		res.Usage.PromptTokens, res.Usage.CompletionTokens)
	logger.Info("capability call completed",
		"duration_ms", elapsed.Milliseconds(),
		"tokens_in", res.Usage.PromptTokens,
		"tokens_out", res.Usage.CompletionTokens,
	)
	return res, nil
}

func callStatus(err error) string {
	switch {
	case errors.Is(err, ErrSchemaValidation):
		return "schema_error"
	case errors.Is(err, ErrCapabilityTransient):
		return "transient"
	case errors.Is(err, ErrCapabilityFatal):
		return "fatal"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
