// Package grounding classifies a finished turn's response as GROUNDED,
// CLARIFICATION, or OUT_OF_SCOPE, for telemetry and for picking the message
// shape (a confident answer, a request for more detail, or a redirect).
package grounding

import "github.com/telyx/turnguard/pkg/contract"

// Input is everything the grounding classifier needs about a finished turn.
type Input struct {
	Response       string
	HadToolSuccess bool
	KBConfidence   float64 // 0 when no KB retrieval ran this turn
	IsChatter      bool
	AskedForInfo   bool // the response itself asks the customer a clarifying question
}

// Classify assigns a contract.ResponseGrounding to a finished turn.
//
// A tool-backed or high-confidence-KB answer is GROUNDED. A response that
// itself asks for more information, or that had neither tool nor KB backing
// and isn't plain chatter, is a CLARIFICATION. Anything else defaults to
// OUT_OF_SCOPE: a reply the system can't vouch for as grounded in anything
// it actually knows.
func Classify(in Input) contract.ResponseGrounding {
	if in.IsChatter {
		return contract.GroundingGrounded
	}
	if in.HadToolSuccess || in.KBConfidence >= 0.6 {
		return contract.GroundingGrounded
	}
	if in.AskedForInfo {
		return contract.GroundingClarification
	}
	return contract.GroundingOutOfScope
}
