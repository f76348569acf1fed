package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Promptflow/internal/domain"
)

// Metrics — Prometheus метрики Promptflow.
//
// Метрики вызовов (calls_total, call_duration, tokens) пишет capability.Metered,
// метрики runs и шагов — Metrics как observer оркестратора.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	StepsTotal    *prometheus.CounterVec
	StepRetries   *prometheus.CounterVec
	CallsInFlight prometheus.Gauge

	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	TokensTotal  *prometheus.CounterVec
}

// NewMetrics создаёт и регистрирует метрики.
// reg == nil — метрики не регистрируются (тесты, dry-run).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptflow_runs_total",
			Help: "Total pipeline runs by final status.",
		}, []string{"pipeline", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promptflow_run_duration_seconds",
			Help:    "Pipeline run duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"pipeline"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptflow_steps_total",
			Help: "Total pipeline steps by final status.",
		}, []string{"pipeline", "status"}),
		StepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptflow_step_retries_total",
			Help: "Total step retries.",
		}, []string{"pipeline", "step"}),
		CallsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promptflow_capability_calls_in_flight",
			Help: "Capability calls currently in progress.",
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptflow_capability_calls_total",
			Help: "Total capability calls by outcome.",
		}, []string{"capability", "status"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promptflow_capability_call_duration_seconds",
			Help:    "Capability call duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"capability"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptflow_capability_tokens_total",
			Help: "Tokens consumed by capability calls.",
		}, []string{"capability", "direction"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RunsTotal, m.RunDuration, m.StepsTotal, m.StepRetries, m.CallsInFlight,
			m.CallsTotal, m.CallDuration, m.TokensTotal,
		)
	}
	return m
}

// ObserveCall записывает метрики одного вызова capability.
func (m *Metrics) ObserveCall(capability, status string, d time.Duration, tokensIn, tokensOut int) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(capability, status).Inc()
	m.CallDuration.WithLabelValues(capability).Observe(d.Seconds())
	if tokensIn > 0 {
		m.TokensTotal.WithLabelValues(capability, "in").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		m.TokensTotal.WithLabelValues(capability, "out").Add(float64(tokensOut))
	}
}

// RunStarted реализует observer оркестратора.
func (m *Metrics) RunStarted(_ context.Context, _ *domain.Run) error {
	return nil
}

// CallStarted реализует observer оркестратора.
func (m *Metrics) CallStarted(_ context.Context, _ *domain.Call) error {
	m.CallsInFlight.Inc()
	return nil
}

// CallFinished реализует observer оркестратора.
func (m *Metrics) CallFinished(_ context.Context, _ *domain.Call) error {
	m.CallsInFlight.Dec()
	return nil
}

// StepFinished реализует observer оркестратора.
func (m *Metrics) StepFinished(_ context.Context, step *domain.StepResult) error {
	m.StepsTotal.WithLabelValues(step.Pipeline, string(step.Status)).Inc()
	if step.Attempts > 1 {
		m.StepRetries.WithLabelValues(step.Pipeline, step.StepID).Add(float64(step.Attempts - 1))
	}
	return nil
}

// RunFinished реализует observer оркестратора.
func (m *Metrics) RunFinished(_ context.Context, run *domain.Run) error {
	m.RunsTotal.WithLabelValues(run.Pipeline, string(run.Status)).Inc()
	m.RunDuration.WithLabelValues(run.Pipeline).Observe(run.Duration().Seconds())
	return nil
}
