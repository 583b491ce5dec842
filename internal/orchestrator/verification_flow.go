package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/telyx/turnguard/internal/classifier"
	"github.com/telyx/turnguard/internal/grounding"
	"github.com/telyx/turnguard/internal/guardrails"
	"github.com/telyx/turnguard/internal/verification"
	"github.com/telyx/turnguard/pkg/contract"
)

// pendingQuerySlotKey stashes the user's original message in ExtractedSlots
// while a verification challenge is outstanding, so the query that triggered
// the challenge can be resumed, rather than lost, once the customer answers
// it successfully.
const pendingQuerySlotKey = "__pending_query"

// maybeProbeVerification is invoked for any turn whose intent requires a
// tool the customer is not yet verified for. toolgate.go hides
// RequiresVerification tools from the LLM entirely while unverified, so the
// only way to discover a VERIFICATION_REQUIRED outcome (or NOT_FOUND,
// INFRA_ERROR, DENIED) is to invoke the tool directly here, bypassing the
// LLM conversation rather than ever advertising a gated tool to it. The tool
// name is assumed to equal the classified intent type, matching the
// convention ToolRequiredIntents establishes.
//
// It returns (result, state, true, err) when the turn is fully handled and
// should return immediately, or (zero, state, false, nil) when the turn
// should continue into the normal LLM-driven loop (either because nothing
// blocked it, or because autoverify just cleared the block).
func (o *Orchestrator) maybeProbeVerification(ctx context.Context, sessionID string, req Request, state contract.State, intent classifier.Classification, proof contract.IdentityProof, toolRequired bool, language string) (Result, contract.State, bool, error) {
	if !toolRequired || state.Verification.Status == contract.VerificationVerified || o.toolInvoker == nil {
		return Result{}, state, false, nil
	}

	args, err := json.Marshal(state.ExtractedSlots)
	if err != nil {
		return Result{}, state, false, nil
	}
	result, err := o.toolInvoker.Invoke(ctx, sessionID, contract.ToolCall{
		ID: "probe:" + sessionID, Name: intent.Type, Args: args,
	})
	if err != nil || result == nil {
		// No tool registered for this intent, or a transport hiccup: let the
		// normal loop discover and handle it rather than failing the turn here.
		return Result{}, state, false, nil
	}

	switch result.Outcome {
	case contract.OutcomeVerificationRequired:
		return o.handleVerificationRequired(ctx, sessionID, req, state, intent, proof, toolRequired, *result, language)

	case contract.OutcomeNotFound, contract.OutcomeInfraError, contract.OutcomeDenied:
		res, err := o.terminalResult(ctx, sessionID, state, intent, toolRequired, *result, notFoundOrErrorReply(result.Outcome), result.Outcome)
		return res, state, true, err

	default:
		return Result{}, state, false, nil
	}
}

// handleVerificationRequired decodes the anchor a VERIFICATION_REQUIRED
// result carries in its Data field, tries the Autoverify Gate, and either
// resumes the normal loop (autoverified) or starts a challenge (not).
func (o *Orchestrator) handleVerificationRequired(ctx context.Context, sessionID string, req Request, state contract.State, intent classifier.Classification, proof contract.IdentityProof, toolRequired bool, result contract.ToolResult, language string) (Result, contract.State, bool, error) {
	anchor, ok := decodeAnchor(result.Data)
	if !ok {
		res, err := o.terminalResult(ctx, sessionID, state, intent, toolRequired, result,
			"We're unable to verify that right now. Please try again shortly.", contract.OutcomeInfraError)
		return res, state, true, err
	}

	if o.autoverify != nil {
		gated := o.autoverify.Autoverify(ctx, !o.disableAutoverify, proof, anchor, result)
		if gated.Outcome == contract.OutcomeOK {
			state = applyStateEvents(state, []contract.ToolResult{gated})
			state = verification.MarkVerified(state, anchor)
			return Result{}, state, false, nil
		}
	}

	state = verification.CreateAnchor(state, anchor)
	if state.ExtractedSlots == nil {
		state.ExtractedSlots = map[string]string{}
	}
	state.ExtractedSlots[pendingQuerySlotKey] = req.UserMessage
	o.persist(ctx, sessionID, state)

	return Result{
		Reply:    verification.ChallengeMessage(),
		Outcome:  contract.OutcomeVerificationRequired,
		Bypassed: true,
		State:    state,
	}, state, true, nil
}

// handleVerificationAnswer runs a turn arriving while a challenge is
// pending: it is never routed through the LLM, since its only job is to
// collect and check one more piece of evidence against the anchor.
func (o *Orchestrator) handleVerificationAnswer(ctx context.Context, sessionID string, req Request, state contract.State, language string) (Result, error) {
	field, value := classifyChallengeAnswer(req.UserMessage)
	state = verification.CollectAnswer(state, field, value)

	check, err := o.verifier.CheckVerification(ctx, sessionID, state)
	if err != nil {
		return Result{}, err
	}
	state = check.State

	if check.Locked {
		o.persist(ctx, sessionID, state)
		return Result{
			Reply: verification.LockedMessage(), Outcome: contract.OutcomeDenied,
			Bypassed: true, ForceEnd: true, State: state,
		}, nil
	}

	if !check.Matched {
		o.persist(ctx, sessionID, state)
		return Result{
			Reply: verification.MismatchMessage(), Outcome: contract.OutcomeVerificationRequired,
			Bypassed: true, State: state,
		}, nil
	}

	pending := state.ExtractedSlots[pendingQuerySlotKey]
	if state.ExtractedSlots != nil {
		delete(state.ExtractedSlots, pendingQuerySlotKey)
	}
	userMessage := req.UserMessage
	if pending != "" {
		userMessage = pending
	}

	var intent classifier.Classification
	var toolRequired bool
	if o.classify != nil && classifier.ShouldRun(state) {
		if reclassified, cerr := o.classify.Classify(ctx, userMessage, state); cerr == nil {
			dec := classifier.Route(reclassified, state)
			intent = reclassified
			state = dec.State
			toolRequired = dec.ToolRequired
		}
	}

	return o.runLLMTurn(ctx, sessionID, state, userMessage, intent, toolRequired, language)
}

// terminalResult builds a Result for a turn the orchestrator resolved
// itself, without ever calling the LLM: the candidate reply still passes
// through the full guardrail chain and response grounding classifier for
// defense in depth, since a deterministic reply is not automatically exempt
// from the PII and leak filters.
func (o *Orchestrator) terminalResult(ctx context.Context, sessionID string, state contract.State, intent classifier.Classification, toolRequired bool, result contract.ToolResult, seedReply string, outcome contract.Outcome) (Result, error) {
	gatewayIn := guardrails.Input{
		Response:       seedReply,
		State:          state,
		Intent:         intent.Type,
		ToolRequired:   toolRequired,
		ToolResults:    []contract.ToolResult{result},
		HadToolSuccess: result.Success,
	}
	verdict, err := o.gateway.Run(ctx, sessionID, gatewayIn)
	if err != nil {
		o.persist(ctx, sessionID, state)
		return Result{}, err
	}
	if o.telemetry != nil && verdict.FailedFilter != "" {
		o.telemetry.RecordGuardrailTrip(verdict.FailedFilter, verdict.Action)
	}

	reply := seedReply
	if verdict.Action != contract.GuardrailAllow && verdict.FinalResponse != "" {
		reply = verdict.FinalResponse
	}

	g := grounding.Classify(grounding.Input{
		Response:       reply,
		HadToolSuccess: result.Success,
		AskedForInfo:   verdict.NeedsCorrection != nil,
	})
	state.ResponseGrounding = g
	state = applyStateEvents(state, []contract.ToolResult{result})
	o.persist(ctx, sessionID, state)

	finalOutcome := outcome
	if verdict.Action == contract.GuardrailBlock {
		finalOutcome = contract.OutcomeDenied
	}

	return Result{
		Reply:             reply,
		Outcome:           finalOutcome,
		GuardrailAction:   verdict.Action,
		Bypassed:          true,
		ResponseGrounding: g,
		ToolOutcomes:      []contract.ToolResult{result},
		State:             state,
	}, nil
}

// applyStateEvents folds the StateEvents a tool (or the Autoverify Gate)
// emitted alongside its result into state: VERIFICATION_PASSED marks the
// session verified and resets the failure counter, VERIFICATION_FAILED
// increments it. Any other Op is ignored rather than rejected, since new
// event types may be introduced by a tool before the orchestrator knows
// what to do with them.
func applyStateEvents(state contract.State, results []contract.ToolResult) contract.State {
	out := state
	cloned := false
	ensureClone := func() {
		if !cloned {
			out = state.Clone()
			cloned = true
		}
	}
	for _, r := range results {
		for _, ev := range r.StateEvents {
			switch ev.Op {
			case "VERIFICATION_PASSED":
				ensureClone()
				out.Verification.Status = contract.VerificationVerified
				out.Verification.Attempts = 0
			case "VERIFICATION_FAILED":
				ensureClone()
				out.Verification.Attempts++
			}
		}
	}
	return out
}

// decodeAnchor extracts the contract.Anchor a VERIFICATION_REQUIRED result
// carries in its Data field, by convention rather than a dedicated field, so
// the Outcome Contract's closed ToolResult shape doesn't need a
// verification-specific member.
func decodeAnchor(data json.RawMessage) (contract.Anchor, bool) {
	var a contract.Anchor
	if len(data) == 0 {
		return a, false
	}
	if err := json.Unmarshal(data, &a); err != nil || a.ID == "" {
		return contract.Anchor{}, false
	}
	return a, true
}

// classifyChallengeAnswer guesses which ChallengeField a free-text answer
// represents: a 4-digit answer is the phone_last4 challenge, a longer
// all-digit answer is phone_e164, anything else is taken as a full name.
func classifyChallengeAnswer(text string) (verification.ChallengeField, string) {
	trimmed := strings.TrimSpace(text)
	digits := 0
	allNumeric := trimmed != ""
	for _, r := range trimmed {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '+':
			// punctuation/spacing allowed within a phone-shaped answer
		default:
			allNumeric = false
		}
	}

	switch {
	case allNumeric && digits == 4:
		return verification.FieldPhoneLast4, trimmed
	case allNumeric && digits >= 10:
		return verification.FieldPhoneE164, trimmed
	default:
		return verification.FieldFullName, trimmed
	}
}

// notFoundOrErrorReply produces the deterministic acknowledgement text for
// an outcome discovered by the verification probe, phrased to satisfy the
// not-found-acknowledgement guardrail rather than let the (never-called) LLM
// invent wording for it.
func notFoundOrErrorReply(outcome contract.Outcome) string {
	switch outcome {
	case contract.OutcomeNotFound:
		return "I couldn't find a record matching that. Could you double-check the details and try again?"
	case contract.OutcomeDenied:
		return "I'm not able to help with that request."
	default:
		return "Something went wrong on our end while looking that up. Please try again in a moment."
	}
}
