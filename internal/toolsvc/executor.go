package toolsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telyx/turnguard/internal/cache"
	"github.com/telyx/turnguard/internal/net/ssrf"
	"github.com/telyx/turnguard/internal/outcome"
	"github.com/telyx/turnguard/internal/retry"
	"github.com/telyx/turnguard/pkg/contract"
)

// SecurityLogger receives security-relevant events the executor observes
// (currently just SSRF blocks) for metrics/logging. Satisfied by
// *telemetry.Recorder; nil is a valid no-op.
type SecurityLogger interface {
	RecordSecurityEvent(ctx context.Context, kind, sessionID, detail string)
}

// ExecConfig controls timeout and retry behavior for a tool invocation.
// Per-tool overrides are applied on top of these defaults.
type ExecConfig struct {
	Timeout      time.Duration
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// DefaultExecConfig returns the baseline timeout/retry policy applied to
// tools that don't declare their own override.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Timeout:      15 * time.Second,
		MaxAttempts:  2,
		RetryInitial: 200 * time.Millisecond,
		RetryMax:     2 * time.Second,
	}
}

// Overrider supplies a per-tool ExecConfig override; returning the zero value
// leaves the executor's default in effect.
type Overrider func(toolName string) (ExecConfig, bool)

// Executor runs tool calls against a Registry, applying per-call timeout,
// retry-on-transient-failure, and idempotency deduplication.
type Executor struct {
	registry  *Registry
	config    ExecConfig
	overrides Overrider
	security  SecurityLogger

	idemTTL time.Duration
	idem    *cache.TTLCache[*Result]
}

// NewExecutor builds an Executor over registry with the given default config.
// idemTTL controls how long an idempotent tool's result is reused for an
// identical (session, tool, args) key; 0 disables idempotency caching.
// security may be nil; if set, SSRF blocks are reported to it.
func NewExecutor(registry *Registry, config ExecConfig, overrides Overrider, idemTTL time.Duration) *Executor {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Executor{
		registry:  registry,
		config:    config,
		overrides: overrides,
		idemTTL:   idemTTL,
		idem:      cache.NewTTLCache[*Result](idemTTL, maxIdemEntries),
	}
}

// maxIdemEntries bounds the idempotency cache so a burst of distinct
// (session, tool, args) keys can't grow it unbounded between TTL sweeps.
const maxIdemEntries = 10000

// WithSecurityLogger attaches a SecurityLogger and returns the same Executor,
// for use at construction time: toolsvc.NewExecutor(...).WithSecurityLogger(recorder).
func (e *Executor) WithSecurityLogger(security SecurityLogger) *Executor {
	e.security = security
	return e
}

// Invoke runs a single validated tool call, honoring idempotency, timeout and
// retry policy, and normalizes the outcome onto the contract.Outcome enum.
func (e *Executor) Invoke(ctx context.Context, sessionID string, call contract.ToolCall) (*Result, error) {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", call.Name)
	}

	if blocked := e.checkSSRF(ctx, sessionID, tool, call); blocked != nil {
		return blocked, nil
	}

	if tool.Idempotent() && e.idemTTL > 0 {
		key := idempotencyKey(sessionID, call.Name, call.Args)
		// VERIFICATION_REQUIRED is never cached or replayed: it depends on the
		// session's verification status, not just (sessionID, tool, args), so a
		// cached copy would keep re-blocking a session that has since verified.
		if cached, ok := e.lookupIdem(key); ok && cached.Outcome != contract.OutcomeVerificationRequired {
			return cached, nil
		}
		result, err := e.invokeWithPolicy(ctx, sessionID, tool, call)
		if err == nil && result != nil && result.Outcome != contract.OutcomeVerificationRequired {
			e.storeIdem(key, result)
		}
		return result, err
	}

	return e.invokeWithPolicy(ctx, sessionID, tool, call)
}

// checkSSRF validates a tool's declared outbound hostname, if any, against
// the SSRF policy before the call is ever dispatched. It returns a non-nil
// blocked Result if the hostname is disallowed, nil otherwise.
func (e *Executor) checkSSRF(ctx context.Context, sessionID string, tool Tool, call contract.ToolCall) *Result {
	hostname, ok := tool.OutboundHostname(call.Args)
	if !ok {
		return nil
	}
	if err := ssrf.ValidatePublicHostname(hostname); err != nil {
		if e.security != nil {
			e.security.RecordSecurityEvent(ctx, "SSRF_PROTECTION", sessionID, err.Error())
		}
		return &Result{
			Name:    call.Name,
			Outcome: contract.OutcomeDenied,
			Success: false,
			Message: "blocked outbound request to a disallowed host",
		}
	}
	return nil
}

// invokeWithPolicy dispatches the call under the timeout/retry policy. A tool
// error is classified via outcome.Classify: anything other than
// OutcomeInfraError is a terminal, well-formed Result (the tool told us NOT_
// FOUND/DENIED/etc., no point retrying it), while OutcomeInfraError is left
// as a plain error so the retry loop above treats it as transient.
func (e *Executor) invokeWithPolicy(ctx context.Context, sessionID string, tool Tool, call contract.ToolCall) (*Result, error) {
	cfg := e.config
	if e.overrides != nil {
		if override, ok := e.overrides(call.Name); ok {
			cfg = override
		}
	}

	result, retryResult := retry.DoWithValue(ctx, retry.Config{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.RetryInitial,
		MaxDelay:     cfg.RetryMax,
		Factor:       2,
		Jitter:       true,
	}, func() (*Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		res, err := e.registry.dispatch(callCtx, sessionID, call.Name, call.Args)
		if err == nil {
			return res, nil
		}
		classified := outcome.Classify(err)
		if classified == contract.OutcomeInfraError {
			return nil, err
		}
		return &Result{Name: call.Name, Outcome: classified, Success: false, Message: err.Error()}, retry.Permanent(err)
	})

	if retryResult.Err != nil {
		if retry.IsPermanent(retryResult.Err) && result != nil {
			return result, nil
		}
		return nil, retryResult.Err
	}
	return result, nil
}

func (e *Executor) lookupIdem(key string) (*Result, bool) {
	return e.idem.Get(key)
}

func (e *Executor) storeIdem(key string, result *Result) {
	e.idem.Set(key, result)
}

func idempotencyKey(sessionID, toolName string, args json.RawMessage) string {
	return sessionID + "|" + toolName + "|" + string(args)
}
