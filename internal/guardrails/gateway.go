package guardrails

import (
	"context"
	"sync"
	"time"

	"github.com/telyx/turnguard/internal/sessionlock"
	"github.com/telyx/turnguard/pkg/contract"
)

// OffenseTracker counts response-firewall trips per session, so a repeat
// leak in the same session escalates from a soft sanitize to a hard block.
type OffenseTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewOffenseTracker returns an empty OffenseTracker.
func NewOffenseTracker() *OffenseTracker {
	return &OffenseTracker{counts: make(map[string]int)}
}

func (t *OffenseTracker) get(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[sessionID]
}

func (t *OffenseTracker) record(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[sessionID]++
}

// Gateway runs a candidate response through the ordered guardrail filter
// chain, stopping at the first filter that returns a non-PASS verdict.
type Gateway struct {
	locks    sessionlock.Store
	offenses *OffenseTracker
	lockTTL  time.Duration
}

// NewGateway builds a Gateway. locks may be nil, in which case the PII
// Prevention Scan's CRITICAL branch still blocks the response but cannot
// lock the session.
func NewGateway(locks sessionlock.Store) *Gateway {
	return &Gateway{locks: locks, offenses: NewOffenseTracker(), lockTTL: time.Hour}
}

// Run evaluates in against the full ordered filter chain and returns the
// resulting verdict to hand back to the customer (or to the re-prompt loop,
// for NEED_CORRECTION/NEED_MIN_INFO_FOR_TOOL verdicts).
func (g *Gateway) Run(ctx context.Context, sessionID string, in Input) (contract.GuardrailVerdict, error) {
	if v := responseFirewall(g.offenses.get(sessionID)).Check(in); v.terminal() {
		g.offenses.record(sessionID)
		return toContractVerdict("response_firewall", v), nil
	}

	if v := piiPreventionScan().Check(in); v.terminal() {
		if v.Action == ActionBlock && g.locks != nil {
			if err := g.locks.Lock(ctx, sessionID, contract.LockPIIRisk, time.Now().Add(g.lockTTL)); err != nil {
				return contract.GuardrailVerdict{}, err
			}
		}
		return toContractVerdict("pii_prevention_scan", v), nil
	}

	if v := notFoundEarlyOverride().Check(in); v.terminal() {
		// Leak Filter is deliberately skipped here: there is no sensitive
		// record in play once the response has been overwritten to a
		// not-found message.
		return toContractVerdict("not_found_early_override", v), nil
	}

	chain := []Filter{
		leakFilter(),
		toolRequiredEnforcement(),
		identityMatchCheck(),
		toolOnlyDataGuard(),
		internalProtocolGuard(),
		antiConfabulation(),
		actionClaimPolicy(),
		policyGuidancePostPass(),
	}

	for _, f := range chain {
		v := f.Check(in)
		if v.terminal() {
			return toContractVerdict(f.Name(), v), nil
		}
	}

	return contract.GuardrailVerdict{Action: contract.GuardrailAllow, FinalResponse: in.Response}, nil
}

func toContractVerdict(filterName string, v Verdict) contract.GuardrailVerdict {
	out := contract.GuardrailVerdict{FailedFilter: filterName}
	switch v.Action {
	case ActionSanitize:
		out.Action = contract.GuardrailRewrite
		out.FinalResponse = v.Text
	case ActionBlock:
		out.Action = contract.GuardrailBlock
		out.FinalResponse = v.Text
	case ActionNeedCorrection:
		out.Action = contract.GuardrailRewrite
		out.NeedsCorrection = &contract.NeedsCorrection{Type: v.CorrectionType, Constraint: v.Constraint}
	case ActionNeedMinInfo:
		out.Action = contract.GuardrailRewrite
		out.FinalResponse = v.Text
		out.NeedsCorrection = &contract.NeedsCorrection{Type: "NEED_MIN_INFO_FOR_TOOL"}
	default:
		out.Action = contract.GuardrailAllow
		out.FinalResponse = v.Text
	}
	return out
}
