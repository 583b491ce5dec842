package grounding

import (
	"testing"

	"github.com/telyx/turnguard/pkg/contract"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want contract.ResponseGrounding
	}{
		{"chatter is always grounded", Input{IsChatter: true}, contract.GroundingGrounded},
		{"tool success is grounded", Input{HadToolSuccess: true}, contract.GroundingGrounded},
		{"high KB confidence is grounded", Input{KBConfidence: 0.9}, contract.GroundingGrounded},
		{"low KB confidence with clarifying question", Input{KBConfidence: 0.2, AskedForInfo: true}, contract.GroundingClarification},
		{"no backing at all is out of scope", Input{}, contract.GroundingOutOfScope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.in); got != tc.want {
				t.Errorf("Classify(%+v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
