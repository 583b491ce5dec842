// Package classifier assigns a message-type intent to an inbound turn, and
// routes it to either a direct-response hint or a named intent for the tool
// loop to act on. It is distinct from internal/llmturn/routing, which
// selects an LLM *provider*; this package selects a conversational *intent*.
package classifier

import (
	"context"
	"regexp"
	"strings"

	"github.com/telyx/turnguard/pkg/contract"
)

// Classification is the result of classifying one inbound message.
type Classification struct {
	Type           string            `json:"type"`
	Confidence     float64           `json:"confidence"`
	ExtractedSlots map[string]string `json:"extracted_slots,omitempty"`
}

// Classifier assigns a Classification to a message given the session's
// current state (flow status, verification posture).
type Classifier interface {
	Classify(ctx context.Context, text string, state contract.State) (Classification, error)
}

// ShouldRun reports whether the classifier should run at all for this turn.
// It is skipped for idle sessions with no pending verification, to avoid
// slot corruption: an idle classifier cannot distinguish a phone_last_4
// answer from an order-number-looking token.
func ShouldRun(state contract.State) bool {
	if state.Verification.Status == contract.VerificationPending {
		return true
	}
	switch state.FlowStatus {
	case "in_progress", "resolved", "post_result", "not_found", "validation_error":
		return true
	default:
		return false
	}
}

var orderNumberPattern = regexp.MustCompile(`(?i)\b(?:ord|order)?[-#]?(\d{5,12})\b`)

// HeuristicClassifier is a fast, deterministic, non-LLM classifier based on
// keyword and pattern matching, for the common intents that don't need a
// model call to recognize.
type HeuristicClassifier struct{}

// NewHeuristicClassifier returns a HeuristicClassifier.
func NewHeuristicClassifier() *HeuristicClassifier { return &HeuristicClassifier{} }

// Classify inspects text for known intent signals: an order number, a stock
// or product-spec question, or plain chatter, in that priority order.
func (c *HeuristicClassifier) Classify(ctx context.Context, text string, state contract.State) (Classification, error) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if state.Verification.Status == contract.VerificationPending {
		// During verification, any token is a candidate challenge answer, not
		// an intent; slot extraction is left to the verification service.
		return Classification{Type: "verification_answer", Confidence: 0.6}, nil
	}

	if m := orderNumberPattern.FindStringSubmatch(trimmed); m != nil {
		return Classification{
			Type:           "order_status",
			Confidence:     0.85,
			ExtractedSlots: map[string]string{"order_number": m[1]},
		}, nil
	}

	switch {
	case containsAny(lower, "in stock", "stock check", "available", "availability"):
		return Classification{Type: "stock_check", Confidence: 0.7}, nil
	case containsAny(lower, "spec", "specification", "dimensions", "what is", "how does"):
		return Classification{Type: "product_spec", Confidence: 0.6}, nil
	case containsAny(lower, "hi", "hello", "thanks", "thank you", "ok", "okay"):
		return Classification{Type: "chatter", Confidence: 0.9}, nil
	default:
		return Classification{Type: "unknown", Confidence: 0.3}, nil
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// ToolRequiredIntents is the set of intents that must be backed by a tool
// call before any factual claim about them is made; the guardrail pipeline's
// Tool-Required Enforcement filter consults this set.
var ToolRequiredIntents = map[string]bool{
	"product_spec": true,
	"stock_check":  true,
	"order_status": true,
}

// Route decides what to do with a Classification: merge its slots into
// state (unless verification is pending, to avoid corrupting challenge
// answers) and return either a direct chatter hint or a named intent for the
// tool loop.
type RouteDecision struct {
	State        contract.State
	ChatterHint  string // non-empty only for direct-response hints; never returned verbatim
	Intent       string // non-empty when the tool loop should act on a named intent
	ToolRequired bool
}

// Route applies a Classification to state per the merge rule above and
// decides the routing outcome.
func Route(c Classification, state contract.State) RouteDecision {
	out := state

	// A different order number than the one currently anchored means the
	// customer has moved on to a new order; carrying the old verification
	// forward would let them read someone else's order under the prior
	// challenge-response pass, so the anchor change resets it and forces the
	// flow back into ORDER_STATUS for the new value.
	if newOrder, ok := c.ExtractedSlots["order_number"]; ok &&
		state.Verification.Status != contract.VerificationPending &&
		state.Anchor != nil && state.Anchor.Value != "" && newOrder != state.Anchor.Value {
		out = state.Clone()
		out.Verification = contract.Verification{}
		out.ActiveFlow = "ORDER_STATUS"
		if out.ExtractedSlots == nil {
			out.ExtractedSlots = map[string]string{}
		}
		out.ExtractedSlots["order_number"] = newOrder
		return RouteDecision{State: out, Intent: "order_status", ToolRequired: true}
	}

	if state.Verification.Status != contract.VerificationPending && len(c.ExtractedSlots) > 0 {
		out = state.Clone()
		if out.ExtractedSlots == nil {
			out.ExtractedSlots = map[string]string{}
		}
		for k, v := range c.ExtractedSlots {
			out.ExtractedSlots[k] = v
		}
	}

	if c.Type == "chatter" {
		return RouteDecision{State: out, ChatterHint: "acknowledgement"}
	}
	if c.Type == "verification_answer" || c.Type == "unknown" {
		return RouteDecision{State: out}
	}

	return RouteDecision{State: out, Intent: c.Type, ToolRequired: ToolRequiredIntents[c.Type]}
}
