// Package orchestrator drives the per-turn pipeline end to end: session
// resolution, pre-LLM deterministic exits, identity and verification,
// classification, the tool loop, the guardrail chain, response grounding,
// and persistence. It owns the "was the LLM called, and why" trace that
// every other component only contributes inputs to.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/telyx/turnguard/internal/cache"
	"github.com/telyx/turnguard/internal/catalog"
	"github.com/telyx/turnguard/internal/classifier"
	"github.com/telyx/turnguard/internal/grounding"
	"github.com/telyx/turnguard/internal/guardrails"
	"github.com/telyx/turnguard/internal/identityproof"
	"github.com/telyx/turnguard/internal/llmturn"
	"github.com/telyx/turnguard/internal/observability"
	"github.com/telyx/turnguard/internal/ratelimit"
	"github.com/telyx/turnguard/internal/sessionlock"
	"github.com/telyx/turnguard/internal/sessionmap"
	"github.com/telyx/turnguard/internal/telemetry"
	"github.com/telyx/turnguard/internal/turnstate"
	"github.com/telyx/turnguard/internal/verification"
	"github.com/telyx/turnguard/pkg/contract"
)

// Request is the orchestrator's external entrypoint payload, one per
// inbound turn regardless of channel.
type Request struct {
	Channel       contract.Channel
	BusinessID    string
	AssistantID   string
	ChannelUserID string
	SessionID     string // optional; if set, the orchestrator must not create a different session
	MessageID     string
	UserMessage   string
	Language      string
	Timezone      string
	Metadata      map[string]string
}

// Result is the orchestrator's external entrypoint return value. The
// orchestrator never sends a message itself; channel adapters do that with
// Reply.
type Result struct {
	Reply             string
	Outcome           contract.Outcome
	GuardrailAction   contract.GuardrailAction
	MessageType       string
	LLMCalled         bool
	LLMCallReason     string
	Bypassed          bool
	ResponseGrounding contract.ResponseGrounding
	ToolOutcomes      []contract.ToolResult
	ShouldEndSession  bool
	ForceEnd          bool
	State             contract.State
	InputTokens       int
	OutputTokens      int
	ToolsCalled       []string
}

// ToolGate decides which tools are exposed to the LLM for a given state, so
// the orchestrator never needs to know individual tool names.
type ToolGate interface {
	Allowed(state contract.State) []llmturn.ToolSchema
}

// Orchestrator wires every pipeline stage together for handleIncomingMessage.
type Orchestrator struct {
	sessions          sessionmap.Mapper
	states            turnstate.Store
	locks             sessionlock.Store
	throttle          *ratelimit.Limiter
	identity          *identityproof.Deriver
	autoverify        *verification.Gate
	verifier          *verification.Service
	classify          classifier.Classifier
	tools             ToolGate
	toolInvoker       llmturn.ToolInvoker
	loop              *llmturn.Loop
	gateway           *guardrails.Gateway
	cat               *catalog.Catalog
	telemetry         *telemetry.Recorder
	tracer            *observability.Tracer
	serializer        *sessionSerializer
	dedupe            *cache.DedupeCache
	defaultLang       string
	disableAutoverify bool
}

// messageDedupeTTL bounds how long an inbound (channel, messageID) pair is
// remembered to suppress webhook-redelivery duplicates; it is not an
// operator-tunable setting since it reflects transport retry windows, not
// business policy.
const messageDedupeTTL = 5 * time.Minute

// Config bundles every collaborator an Orchestrator needs.
type Config struct {
	Sessions    sessionmap.Mapper
	States      turnstate.Store
	Locks       sessionlock.Store
	Throttle    *ratelimit.Limiter
	Identity    *identityproof.Deriver
	Autoverify  *verification.Gate
	Verifier    *verification.Service
	Classify    classifier.Classifier
	Tools       ToolGate
	// ToolInvoker is used to probe a verification-gated tool directly,
	// bypassing the LLM, when an intent needs a tool the caller isn't yet
	// verified for. Normally the same *toolsvc.Executor passed to Loop.
	ToolInvoker llmturn.ToolInvoker
	Loop        *llmturn.Loop
	Gateway     *guardrails.Gateway
	Catalog     *catalog.Catalog
	Telemetry   *telemetry.Recorder
	Tracer      *observability.Tracer
	DefaultLang string
	// DisableAutoverify turns off the channel-possession autoverify shortcut
	// entirely, forcing every verification-gated tool through the explicit
	// challenge-response flow regardless of identity proof strength.
	DisableAutoverify bool
}

// New builds an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	lang := cfg.DefaultLang
	if lang == "" {
		lang = "en"
	}
	return &Orchestrator{
		sessions:          cfg.Sessions,
		states:            cfg.States,
		locks:             cfg.Locks,
		throttle:          cfg.Throttle,
		identity:          cfg.Identity,
		autoverify:        cfg.Autoverify,
		verifier:          cfg.Verifier,
		classify:          cfg.Classify,
		tools:             cfg.Tools,
		toolInvoker:       cfg.ToolInvoker,
		loop:              cfg.Loop,
		gateway:           cfg.Gateway,
		cat:               cfg.Catalog,
		telemetry:         cfg.Telemetry,
		tracer:            cfg.Tracer,
		serializer:        newSessionSerializer(),
		dedupe:            cache.NewDedupeCache(cache.DedupeCacheOptions{TTL: messageDedupeTTL, MaxSize: 10000}),
		defaultLang:       lang,
		disableAutoverify: cfg.DisableAutoverify,
	}
}

// HandleIncomingMessage runs the full pipeline for one turn. It never sends
// the resulting reply anywhere; the caller's channel adapter does that.
func (o *Orchestrator) HandleIncomingMessage(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	language := req.Language
	if language == "" {
		language = o.defaultLang
	}

	// A redelivered webhook for a message already processed is suppressed
	// before it touches session state, locks, or the LLM: the channel
	// adapter's at-least-once delivery is not this package's problem once
	// filtered out here.
	if req.MessageID != "" && o.dedupe.Check(cache.MessageDedupeKey(string(req.Channel), req.MessageID)) {
		return Result{Outcome: contract.OutcomeOK, MessageType: "duplicate_suppressed"}, nil
	}

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.TraceMessageProcessing(ctx, string(req.Channel), "inbound", req.SessionID)
		defer span.End()
	}

	defer func() {
		if r := recover(); r != nil {
			res = o.fatalResult(language, fmt.Errorf("panic: %v", r))
			o.recordTrace(ctx, req.SessionID, req.Channel, start, false, "panic_recovered", res)
		}
	}()

	sessionID, session, err := o.resolveSession(ctx, req)
	if err != nil {
		res = o.fatalResult(language, err)
		o.recordTrace(ctx, sessionID, req.Channel, start, false, "session_resolution_failed", res)
		return res, nil
	}

	release := o.serializer.acquire(sessionID)
	defer release()

	if bypassRes, reason, bypassed := o.preLLMExits(ctx, sessionID, req, language); bypassed {
		o.recordTrace(ctx, sessionID, req.Channel, start, false, reason, bypassRes)
		return bypassRes, nil
	}

	state, err := o.states.Get(ctx, sessionID)
	if err != nil {
		res = o.fatalResult(language, err)
		o.recordTrace(ctx, sessionID, req.Channel, start, false, "state_load_failed", res)
		return res, nil
	}

	// Identity proof is derived up front: a WhatsApp/email channel attests to
	// the sender before any challenge-response verification happens, and the
	// Autoverify Gate consults it the moment a probed tool reports
	// VERIFICATION_REQUIRED later in this turn.
	proof := o.identity.Derive(ctx, req.Channel, req.ChannelUserID)
	_ = session

	var intent classifier.Classification
	var toolRequired bool
	if o.classify != nil && classifier.ShouldRun(state) {
		intent, err = o.classify.Classify(ctx, req.UserMessage, state)
		if err == nil {
			dec := classifier.Route(intent, state)
			state = dec.State
			toolRequired = dec.ToolRequired
		}
	}

	// A turn arriving with a challenge already pending is never handed to the
	// LLM: its only job is to collect and check the next piece of evidence.
	if state.Verification.Status == contract.VerificationPending {
		verRes, verr := o.handleVerificationAnswer(ctx, sessionID, req, state, language)
		if verr != nil {
			res = o.fatalResult(language, verr)
			o.recordTrace(ctx, sessionID, req.Channel, start, false, "verification_check_failed", res)
			return res, nil
		}
		o.recordTrace(ctx, sessionID, req.Channel, start, verRes.LLMCalled, "verification_answer", verRes)
		return verRes, nil
	}

	// An intent needing a verification-gated tool is probed directly before
	// ever reaching the LLM, since toolgate.go hides such a tool from the LLM
	// entirely while unverified.
	probeRes, newState, handled, perr := o.maybeProbeVerification(ctx, sessionID, req, state, intent, proof, toolRequired, language)
	if handled {
		if perr != nil {
			res = o.fatalResult(language, perr)
			o.recordTrace(ctx, sessionID, req.Channel, start, false, "verification_probe_failed", res)
			return res, nil
		}
		o.recordTrace(ctx, sessionID, req.Channel, start, probeRes.LLMCalled, "verification_probe", probeRes)
		return probeRes, nil
	}
	state = newState

	res, err = o.runLLMTurn(ctx, sessionID, state, req.UserMessage, intent, toolRequired, language)
	if err != nil {
		res = o.fatalResult(language, err)
		o.recordTrace(ctx, sessionID, req.Channel, start, true, "", res)
		return res, nil
	}

	o.recordTrace(ctx, sessionID, req.Channel, start, true, "", res)
	return res, nil
}

// runLLMTurn runs the bounded tool loop for userMessage and turns its
// outcome into a Result: guardrail filtering, response grounding, and state
// persistence. Shared by the normal path and by handleVerificationAnswer's
// resume-after-verification path.
func (o *Orchestrator) runLLMTurn(ctx context.Context, sessionID string, state contract.State, userMessage string, intent classifier.Classification, toolRequired bool, language string) (Result, error) {
	loopReq := llmturn.LoopRequest{
		SessionID:   sessionID,
		UserMessage: userMessage,
		Tools:       o.gatedTools(state),
	}

	turnOutcome := o.runLoop(ctx, loopReq)
	if turnOutcome.Err != nil {
		o.persist(ctx, sessionID, state)
		return Result{}, turnOutcome.Err
	}

	state = applyStateEvents(state, turnOutcome.DomainResults)

	gatewayIn := guardrails.Input{
		Response:       turnOutcome.Reply,
		State:          state,
		Intent:         intent.Type,
		ToolRequired:   toolRequired,
		ToolResults:    turnOutcome.DomainResults,
		HadToolSuccess: turnOutcome.HadToolSuccess,
	}
	verdict, err := o.gateway.Run(ctx, sessionID, gatewayIn)
	if err != nil {
		o.persist(ctx, sessionID, state)
		return Result{}, err
	}
	if o.telemetry != nil && verdict.FailedFilter != "" {
		o.telemetry.RecordGuardrailTrip(verdict.FailedFilter, verdict.Action)
	}

	reply := turnOutcome.Reply
	if verdict.Action != contract.GuardrailAllow && verdict.FinalResponse != "" {
		reply = verdict.FinalResponse
	}

	g := grounding.Classify(grounding.Input{
		Response:       reply,
		HadToolSuccess: turnOutcome.HadToolSuccess,
		IsChatter:      intent.Type == "chatter",
		AskedForInfo:   verdict.NeedsCorrection != nil,
	})
	state.ResponseGrounding = g

	o.persist(ctx, sessionID, state)

	res := Result{
		Reply:             reply,
		Outcome:           o.deriveOutcome(turnOutcome, verdict),
		GuardrailAction:   verdict.Action,
		LLMCalled:         true,
		ResponseGrounding: g,
		ToolOutcomes:      turnOutcome.DomainResults,
		State:             state,
		InputTokens:       turnOutcome.InputTokens,
		OutputTokens:      turnOutcome.OutputTokens,
	}
	for _, tc := range turnOutcome.ToolsCalled {
		res.ToolsCalled = append(res.ToolsCalled, tc.Name)
	}
	return res, nil
}

// runLoop runs the tool loop, wrapped in a trace span when tracing is
// configured; errors are recorded on the span rather than swallowed.
func (o *Orchestrator) runLoop(ctx context.Context, req llmturn.LoopRequest) llmturn.TurnOutcome {
	if o.tracer == nil {
		return o.loop.Run(ctx, req)
	}
	ctx, span := o.tracer.TraceLLMRequest(ctx, "turnguard", "")
	defer span.End()
	outcome := o.loop.Run(ctx, req)
	if outcome.Err != nil {
		o.tracer.RecordError(span, outcome.Err)
	}
	return outcome
}

func (o *Orchestrator) deriveOutcome(t llmturn.TurnOutcome, v contract.GuardrailVerdict) contract.Outcome {
	if v.Action == contract.GuardrailBlock {
		return contract.OutcomeDenied
	}
	if t.HadToolFailure && !t.HadToolSuccess {
		return contract.OutcomeInfraError
	}
	return contract.OutcomeOK
}

func (o *Orchestrator) gatedTools(state contract.State) []llmturn.ToolSchema {
	if o.tools == nil {
		return nil
	}
	return o.tools.Allowed(state)
}

func (o *Orchestrator) resolveSession(ctx context.Context, req Request) (string, *contract.Session, error) {
	if req.SessionID != "" {
		sess, err := o.sessions.Get(ctx, req.SessionID)
		if err != nil {
			return req.SessionID, nil, nil
		}
		return req.SessionID, sess, nil
	}
	sess, err := o.sessions.GetOrCreate(ctx, req.BusinessID, req.Channel, req.ChannelUserID)
	if err != nil {
		return "", nil, err
	}
	return sess.ID, sess, nil
}

// preLLMExits checks every deterministic, no-LLM-required reason to short
// circuit a turn: a locked session, a throttled channel handle, or a
// critical prompt-injection/content-safety match. It returns (result,
// reason, true) if the turn should stop here.
func (o *Orchestrator) preLLMExits(ctx context.Context, sessionID string, req Request, language string) (Result, string, bool) {
	if o.locks != nil {
		rec, err := o.locks.Check(ctx, sessionID)
		if err == nil && rec != nil {
			msg := o.cat.Resolve(req.BusinessID, catalog.Key{Name: "session_locked", Language: language, Severity: "info"})
			return Result{Reply: msg, Outcome: contract.OutcomeDenied, Bypassed: true}, "session_locked", true
		}
	}

	if o.throttle != nil {
		key := ratelimit.CompositeKey(req.BusinessID, string(req.Channel), req.ChannelUserID)
		if !o.throttle.Allow(key) {
			msg := o.cat.Resolve(req.BusinessID, catalog.Key{Name: "throttled", Language: language, Severity: "info"})
			return Result{Reply: msg, Outcome: contract.OutcomeDenied, Bypassed: true}, "session_throttled", true
		}
	}

	if hasCriticalInjection(req.UserMessage) {
		if o.locks != nil {
			_ = o.locks.Lock(ctx, sessionID, contract.LockAbuse, time.Now().Add(time.Hour))
		}
		msg := o.cat.Resolve(req.BusinessID, catalog.Key{Name: "injection_denied", Language: language, Severity: "critical"})
		return Result{Reply: msg, Outcome: contract.OutcomeDenied, Bypassed: true, ForceEnd: false}, "critical_prompt_injection", true
	}

	if hasCriticalContent(req.UserMessage) {
		if o.locks != nil {
			_ = o.locks.Lock(ctx, sessionID, contract.LockContentSafety, time.Now().Add(24*time.Hour))
		}
		msg := o.cat.Resolve(req.BusinessID, catalog.Key{Name: "content_safety_denied", Language: language, Severity: "critical"})
		return Result{Reply: msg, Outcome: contract.OutcomeDenied, Bypassed: true, ForceEnd: true}, "critical_content_safety", true
	}

	return Result{}, "", false
}

func (o *Orchestrator) persist(ctx context.Context, sessionID string, state contract.State) {
	if o.states == nil {
		return
	}
	_ = o.states.Put(ctx, sessionID, state)
}

func (o *Orchestrator) fatalResult(language string, err error) Result {
	msg := "We're unable to process your request right now. Please try again shortly."
	if o.cat != nil {
		msg = o.cat.Resolve("", catalog.Key{Name: "fatal_error", Language: language, Severity: "critical"})
	}
	return Result{Reply: msg, Outcome: contract.OutcomeInfraError}
}

func (o *Orchestrator) recordTrace(ctx context.Context, sessionID string, channel contract.Channel, start time.Time, llmCalled bool, bypassReason string, res Result) {
	if o.telemetry == nil {
		return
	}
	var trace telemetry.CallTrace
	if llmCalled {
		trace = telemetry.NewLLMTrace(sessionID, string(channel), string(res.Outcome), string(res.GuardrailAction), string(res.ResponseGrounding), start)
	} else {
		trace = telemetry.NewBypassTrace(sessionID, string(channel), bypassReason, string(res.Outcome), start)
	}
	o.telemetry.RecordTurn(ctx, trace)
}
