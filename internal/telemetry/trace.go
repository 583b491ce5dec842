// Package telemetry owns the turn-level observability contract: one
// structured LLM_CALL_TRACE log line per turn recording whether the LLM was
// invoked and why, plus the Prometheus series layered on top of
// internal/observability's generic Metrics.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/telyx/turnguard/internal/observability"
	"github.com/telyx/turnguard/pkg/contract"
)

// CallTrace records, for a single turn, whether the LLM was invoked and the
// deterministic reason if it was not. It is the direct successor to the
// teacher's per-run call trace, reshaped around this module's pre-LLM
// deterministic-exit design instead of a generic agent run.
type CallTrace struct {
	SessionID    string    `json:"session_id"`
	Channel      string    `json:"channel"`
	LLMCalled    bool      `json:"llm_called"`
	Bypassed     bool      `json:"bypassed"`
	BypassReason string    `json:"bypass_reason,omitempty"`
	Outcome      string    `json:"outcome"`
	GuardrailHit string    `json:"guardrail_hit,omitempty"`
	Grounding    string    `json:"grounding,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	StartedAt    time.Time `json:"started_at"`
}

// Recorder emits CallTrace entries and the turn-level Prometheus series.
type Recorder struct {
	logger  *observability.Logger
	metrics *observability.Metrics

	turnCounter      *prometheus.CounterVec
	bypassCounter    *prometheus.CounterVec
	guardrailCounter *prometheus.CounterVec
	verificationCtr  *prometheus.CounterVec
	securityCounter  *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
}

// NewRecorder builds a Recorder logging through logger and registering its
// own Prometheus series against the default registerer (distinct names from
// internal/observability.Metrics so both can be registered in the same
// process).
func NewRecorder(logger *observability.Logger, metrics *observability.Metrics) *Recorder {
	return NewRecorderWithRegisterer(prometheus.DefaultRegisterer, logger, metrics)
}

// NewRecorderWithRegisterer is NewRecorder against an explicit Registerer,
// so tests can use a throwaway prometheus.NewRegistry() instead of
// colliding on the global default registry across test cases.
func NewRecorderWithRegisterer(reg prometheus.Registerer, logger *observability.Logger, metrics *observability.Metrics) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		logger:  logger,
		metrics: metrics,
		turnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnguard_turns_total",
			Help: "Total turns processed, labeled by channel and outcome.",
		}, []string{"channel", "outcome"}),
		bypassCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnguard_llm_bypass_total",
			Help: "Turns that short-circuited before reaching the LLM, labeled by reason.",
		}, []string{"reason"}),
		guardrailCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnguard_guardrail_trips_total",
			Help: "Guardrail filter trips, labeled by filter name and action.",
		}, []string{"filter", "action"}),
		verificationCtr: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnguard_verification_outcomes_total",
			Help: "Verification attempts, labeled by outcome (matched|failed|locked).",
		}, []string{"outcome"}),
		securityCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnguard_security_events_total",
			Help: "Security events, labeled by kind (PII_BLOCK|SSRF_BLOCK|ENUMERATION_LOCK).",
		}, []string{"kind"}),
		turnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnguard_turn_duration_seconds",
			Help:    "End-to-end turn processing latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"channel"}),
	}
}

// RecordTurn logs one LLM_CALL_TRACE entry and updates the turn counters.
func (r *Recorder) RecordTurn(ctx context.Context, trace CallTrace) {
	r.turnCounter.WithLabelValues(trace.Channel, trace.Outcome).Inc()
	if trace.Bypassed {
		r.bypassCounter.WithLabelValues(trace.BypassReason).Inc()
	}
	r.turnDuration.WithLabelValues(trace.Channel).Observe(float64(trace.DurationMS) / 1000)

	if r.logger == nil {
		return
	}
	r.logger.Info(ctx, "LLM_CALL_TRACE",
		"session_id", trace.SessionID,
		"channel", trace.Channel,
		"llm_called", trace.LLMCalled,
		"bypassed", trace.Bypassed,
		"bypass_reason", trace.BypassReason,
		"outcome", trace.Outcome,
		"guardrail_hit", trace.GuardrailHit,
		"grounding", trace.Grounding,
		"duration_ms", trace.DurationMS,
	)
}

// RecordGuardrailTrip updates the guardrail-trip series for a single filter
// verdict.
func (r *Recorder) RecordGuardrailTrip(filter string, action contract.GuardrailAction) {
	r.guardrailCounter.WithLabelValues(filter, string(action)).Inc()
}

// RecordVerification updates the verification-outcome series.
func (r *Recorder) RecordVerification(outcome string) {
	r.verificationCtr.WithLabelValues(outcome).Inc()
}

// RecordSecurityEvent updates the security-event series for kind (e.g.
// PII_BLOCK, SSRF_BLOCK, ENUMERATION_LOCK) and, if a logger is attached, logs
// it as its own line rather than folding it into LLM_CALL_TRACE.
func (r *Recorder) RecordSecurityEvent(ctx context.Context, kind, sessionID, detail string) {
	r.securityCounter.WithLabelValues(kind).Inc()
	if r.logger == nil {
		return
	}
	r.logger.Warn(ctx, "security event", "kind", kind, "session_id", sessionID, "detail", detail)
}

// NewBypassTrace builds a CallTrace for a turn that never reached the LLM.
func NewBypassTrace(sessionID, channel, reason, outcome string, start time.Time) CallTrace {
	return CallTrace{
		SessionID:    sessionID,
		Channel:      channel,
		LLMCalled:    false,
		Bypassed:     true,
		BypassReason: reason,
		Outcome:      outcome,
		DurationMS:   time.Since(start).Milliseconds(),
		StartedAt:    start,
	}
}

// NewLLMTrace builds a CallTrace for a turn that invoked the LLM.
func NewLLMTrace(sessionID, channel, outcome, guardrailHit, grounding string, start time.Time) CallTrace {
	return CallTrace{
		SessionID:    sessionID,
		Channel:      channel,
		LLMCalled:    true,
		Bypassed:     false,
		Outcome:      outcome,
		GuardrailHit: guardrailHit,
		Grounding:    grounding,
		DurationMS:   time.Since(start).Milliseconds(),
		StartedAt:    start,
	}
}
