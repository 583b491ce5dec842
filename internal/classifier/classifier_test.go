package classifier

import (
	"context"
	"testing"

	"github.com/telyx/turnguard/pkg/contract"
)

func TestShouldRun(t *testing.T) {
	cases := []struct {
		name  string
		state contract.State
		want  bool
	}{
		{"idle no verification", contract.State{FlowStatus: "idle"}, false},
		{"in_progress", contract.State{FlowStatus: "in_progress"}, true},
		{"resolved", contract.State{FlowStatus: "resolved"}, true},
		{"verification pending overrides idle", contract.State{FlowStatus: "idle", Verification: contract.Verification{Status: contract.VerificationPending}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldRun(tc.state); got != tc.want {
				t.Errorf("ShouldRun() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHeuristicClassifier_OrderNumber(t *testing.T) {
	c := NewHeuristicClassifier()
	got, err := c.Classify(context.Background(), "where is my order #123456", contract.State{})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.Type != "order_status" {
		t.Errorf("Type = %q, want order_status", got.Type)
	}
	if got.ExtractedSlots["order_number"] != "123456" {
		t.Errorf("ExtractedSlots = %v, want order_number=123456", got.ExtractedSlots)
	}
}

func TestHeuristicClassifier_Chatter(t *testing.T) {
	c := NewHeuristicClassifier()
	got, err := c.Classify(context.Background(), "thank you!", contract.State{})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.Type != "chatter" {
		t.Errorf("Type = %q, want chatter", got.Type)
	}
}

func TestHeuristicClassifier_VerificationPendingIsAnswer(t *testing.T) {
	c := NewHeuristicClassifier()
	state := contract.State{Verification: contract.Verification{Status: contract.VerificationPending}}
	got, err := c.Classify(context.Background(), "order #555555", state)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.Type != "verification_answer" {
		t.Errorf("Type = %q, want verification_answer even though text looks like an order number", got.Type)
	}
}

func TestRoute_SlotsMergedWhenNotVerifying(t *testing.T) {
	c := Classification{Type: "order_status", ExtractedSlots: map[string]string{"order_number": "123"}}
	dec := Route(c, contract.State{})
	if dec.State.ExtractedSlots["order_number"] != "123" {
		t.Errorf("ExtractedSlots = %v, want order_number=123", dec.State.ExtractedSlots)
	}
	if dec.Intent != "order_status" || !dec.ToolRequired {
		t.Errorf("Route() = %+v, want order_status intent requiring a tool", dec)
	}
}

func TestRoute_SlotsNotMergedWhenVerificationPending(t *testing.T) {
	c := Classification{Type: "order_status", ExtractedSlots: map[string]string{"order_number": "123"}}
	state := contract.State{Verification: contract.Verification{Status: contract.VerificationPending}}
	dec := Route(c, state)
	if len(dec.State.ExtractedSlots) != 0 {
		t.Errorf("ExtractedSlots = %v, want untouched while verification pending", dec.State.ExtractedSlots)
	}
}

func TestRoute_DifferentOrderNumberResetsVerificationAndForcesOrderStatus(t *testing.T) {
	c := Classification{Type: "order_status", ExtractedSlots: map[string]string{"order_number": "999999"}}
	state := contract.State{
		Verification: contract.Verification{Status: contract.VerificationVerified, Anchor: &contract.Anchor{ID: "a-1", Value: "123456"}},
		Anchor:       &contract.Anchor{ID: "a-1", Value: "123456"},
		ActiveFlow:   "ACCOUNT_LOOKUP",
	}
	dec := Route(c, state)

	if dec.State.Verification.Status != contract.VerificationNone {
		t.Errorf("Verification.Status = %v, want none after anchor change", dec.State.Verification.Status)
	}
	if dec.State.ActiveFlow != "ORDER_STATUS" {
		t.Errorf("ActiveFlow = %q, want ORDER_STATUS", dec.State.ActiveFlow)
	}
	if dec.State.ExtractedSlots["order_number"] != "999999" {
		t.Errorf("ExtractedSlots[order_number] = %q, want 999999", dec.State.ExtractedSlots["order_number"])
	}
	if !dec.ToolRequired {
		t.Error("ToolRequired = false, want true so the new order re-enters the verification probe")
	}
}

func TestRoute_SameOrderNumberDoesNotResetVerification(t *testing.T) {
	c := Classification{Type: "order_status", ExtractedSlots: map[string]string{"order_number": "123456"}}
	state := contract.State{
		Verification: contract.Verification{Status: contract.VerificationVerified, Anchor: &contract.Anchor{ID: "a-1", Value: "123456"}},
		Anchor:       &contract.Anchor{ID: "a-1", Value: "123456"},
	}
	dec := Route(c, state)

	if dec.State.Verification.Status != contract.VerificationVerified {
		t.Errorf("Verification.Status = %v, want verified to survive a repeated mention of the same order", dec.State.Verification.Status)
	}
}

func TestRoute_ChatterNeverReturnsIntent(t *testing.T) {
	dec := Route(Classification{Type: "chatter"}, contract.State{})
	if dec.Intent != "" {
		t.Errorf("Intent = %q, want empty for chatter", dec.Intent)
	}
	if dec.ChatterHint == "" {
		t.Error("ChatterHint = empty, want a hint for chatter")
	}
}
