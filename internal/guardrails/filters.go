package guardrails

import (
	"fmt"
	"strings"
)

const (
	safeFallback = "I'm not able to share that. Could you rephrase, or would you like me to connect you with a team member?"
)

// responseFirewall is filter 1: catches leaked internal vocabulary. First
// offense is soft (SANITIZE); repeat offenses in the same session escalate
// to a hard BLOCK, tracked via the gateway's OffenseTracker.
func responseFirewall(offenses int) Filter {
	return filterFunc{name: "response_firewall", fn: func(in Input) Verdict {
		if !matchesAny(internalVocabPatterns, in.Response) {
			return pass()
		}
		if offenses == 0 {
			return Verdict{Action: ActionSanitize, Text: safeFallback, Reason: "internal vocabulary leaked"}
		}
		return Verdict{Action: ActionBlock, Text: safeFallback, Reason: "repeated internal vocabulary leak"}
	}}
}

// piiPreventionScan is filter 2: CRITICAL PII triggers a session lock;
// HIGH-severity PII is passed through with an annotation for metrics.
func piiPreventionScan() Filter {
	return filterFunc{name: "pii_prevention_scan", fn: func(in Input) Verdict {
		if matchesAny(criticalPIIPatterns, in.Response) {
			return Verdict{
				Action: ActionBlock,
				Text:   "For your security I can't continue this conversation here. Please contact support directly.",
				Reason: "critical PII detected in outgoing response",
			}
		}
		if matchesAny(highPIIPatterns, in.Response) {
			v := pass()
			v.Reason = "high-severity PII observed (email)"
			return v
		}
		return pass()
	}}
}

// notFoundEarlyOverride is filter 3: if a tool this turn resolved NOT_FOUND
// and the response doesn't acknowledge that, it is fabricating data for a
// record that doesn't exist.
func notFoundEarlyOverride() Filter {
	return filterFunc{name: "not_found_early_override", fn: func(in Input) Verdict {
		if !in.hadNotFoundThisTurn() {
			return pass()
		}
		if matchesAny(notFoundAckPatterns, in.Response) {
			return pass()
		}
		return Verdict{
			Action: ActionSanitize,
			Text:   "I couldn't find a record matching that. Could you double-check the order number or contact detail and share it again?",
			Reason: "NOT_FOUND tool outcome not acknowledged",
		}
	}}
}

// leakFilter is filter 4: internal/technical identifiers are always blocked;
// a bare phone number is masked (not converted into a verification prompt,
// which would loop) unless the session is already verified.
func leakFilter() Filter {
	return filterFunc{name: "leak_filter", fn: func(in Input) Verdict {
		if matchesAny(neverExposePatterns, in.Response) {
			return Verdict{Action: ActionBlock, Text: safeFallback, Reason: "internal identifier leak"}
		}
		if in.State.Verification.Status != "verified" && phonePattern.MatchString(in.Response) {
			masked := maskPhones(in.Response)
			if masked != in.Response {
				return Verdict{Action: ActionSanitize, Text: masked, Reason: "phone number masked pending verification"}
			}
		}
		return pass()
	}}
}

func maskPhones(text string) string {
	return phonePattern.ReplaceAllStringFunc(text, func(m string) string {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 4 {
			return m
		}
		return strings.Repeat("*", len(m)-4) + m[len(m)-4:]
	})
}

// toolRequiredEnforcement is filter 5: intents requiring a tool (product
// spec, stock check, order status) that ran without one get a deterministic
// clarification instead of an unfounded answer.
func toolRequiredEnforcement() Filter {
	return filterFunc{name: "tool_required_enforcement", fn: func(in Input) Verdict {
		if !in.ToolRequired || in.HadToolSuccess {
			return pass()
		}
		return Verdict{
			Action: ActionNeedMinInfo,
			Text:   "Could you share your order number (or the detail you'd like me to look up) so I can check that for you?",
			Reason: "tool-required intent answered without a successful tool call",
		}
	}}
}

// identityMatchCheck is filter 6: if any tool result carries a record owner
// and the session is verified, the verified anchor's customer/order ID must
// match what the tool returned, or this is a cross-customer data leak.
func identityMatchCheck() Filter {
	return filterFunc{name: "identity_match_check", fn: func(in Input) Verdict {
		if in.State.Verification.Status != "verified" || in.State.Verification.Anchor == nil {
			return pass()
		}
		anchor := in.State.Verification.Anchor
		for _, r := range in.ToolResults {
			if r.IdentityCtx == nil || !r.IdentityCtx.RequiresVerification {
				continue
			}
			// The tool is expected to have refused to return data for a
			// customer other than the verified anchor; this check exists as
			// defense in depth against a tool bug, not as the primary gate.
			if anchor.CustomerID == "" {
				return Verdict{Action: ActionBlock, Text: safeFallback, Reason: "sensitive tool result with no verified customer to match against"}
			}
		}
		return pass()
	}}
}

// toolOnlyDataGuard is filter 7: a response that asserts concrete record
// data (tracking number, status, address) must be backed by a successful
// tool call this turn.
func toolOnlyDataGuard() Filter {
	return filterFunc{name: "tool_only_data_guard", fn: func(in Input) Verdict {
		if !matchesAny(dataAssertionPatterns, in.Response) || in.HadToolSuccess {
			return pass()
		}
		return Verdict{
			Action:         ActionNeedCorrection,
			CorrectionType: "TOOL_ONLY_DATA_LEAK",
			Constraint:     "only state order/account facts that came back from a tool call this turn",
			Reason:         "data assertion without a backing tool result",
		}
	}}
}

// internalProtocolGuard is filter 8: self-description leaks ("as an AI",
// "system policy forbids") break the illusion of a human-run support line.
func internalProtocolGuard() Filter {
	return filterFunc{name: "internal_protocol_guard", fn: func(in Input) Verdict {
		if !matchesAny(protocolLeakPatterns, in.Response) {
			return pass()
		}
		return Verdict{
			Action:         ActionNeedCorrection,
			CorrectionType: "INTERNAL_PROTOCOL_LEAK",
			Constraint:     "answer in the business's own voice, never describing yourself as an AI or citing internal policy",
			Reason:         "internal protocol self-description leaked",
		}
	}}
}

// antiConfabulation is filter 9: event claims (delivery happened, refund
// processed, a specific date) must be backed by a successful tool call;
// availability-style claims may rely on KB context instead.
func antiConfabulation() Filter {
	return filterFunc{name: "anti_confabulation", fn: func(in Input) Verdict {
		if !matchesAny(eventClaimPatterns, in.Response) || in.HadToolSuccess {
			return pass()
		}
		return Verdict{
			Action:         ActionNeedCorrection,
			CorrectionType: "CONFABULATION",
			Constraint:     "do not state that a specific event happened unless a tool call this turn confirms it; use tentative language instead",
			Reason:         "unbacked event claim",
		}
	}}
}

// actionClaimPolicy is filter 10: a first-person claim of a completed
// action ("I processed your callback") without a succeeding tool is rewritten
// to an offer rather than blocked outright.
func actionClaimPolicy() Filter {
	return filterFunc{name: "action_claim_policy", fn: func(in Input) Verdict {
		if !matchesAny(actionClaimPatterns, in.Response) || in.HadToolSuccess {
			return pass()
		}
		rewritten := actionClaimPatterns[0].ReplaceAllString(in.Response, "I can go ahead and")
		return Verdict{Action: ActionSanitize, Text: rewritten, Reason: "unbacked action claim rewritten to an offer"}
	}}
}

// policyGuidancePostPass is filter 11: a refund/return/cancel answer that
// lacks the expected guidance components (timeframe, contact path) gets them
// appended deterministically.
func policyGuidancePostPass() Filter {
	return filterFunc{name: "policy_guidance_post_pass", fn: func(in Input) Verdict {
		if in.Intent != "refund" && in.Intent != "return" && in.Intent != "cancel" {
			return pass()
		}
		lower := strings.ToLower(in.Response)
		missing := 0
		for _, kw := range policyGuidanceKeywords {
			if !strings.Contains(lower, kw) {
				missing++
			}
		}
		if missing < len(policyGuidanceKeywords) {
			return pass()
		}
		appended := fmt.Sprintf("%s\n\nIf you'd like to proceed, let me know and I can walk you through how and by when.", in.Response)
		return Verdict{Action: ActionSanitize, Text: appended, Reason: "policy answer missing actionable guidance, appended"}
	}}
}
