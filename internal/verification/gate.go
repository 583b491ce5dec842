package verification

import (
	"context"
	"encoding/json"

	"github.com/telyx/turnguard/pkg/contract"
)

// RecordFetcher re-fetches the full record named by an anchor's declared
// source table. The Autoverify Gate uses it to attach fresher, complete data
// to a result it rewrites from VERIFICATION_REQUIRED to OK; a Gate built
// without one still flips status and emits VERIFICATION_PASSED, it just
// can't improve on the data the probing tool call already returned.
type RecordFetcher interface {
	FetchRecord(ctx context.Context, sourceTable, id string) (json.RawMessage, error)
}

// Gate decides whether a channel-level identity proof is strong enough to
// skip the explicit challenge-response verification flow for a given
// anchor, and carries out that skip.
type Gate struct {
	fetcher RecordFetcher
}

// NewGate returns an autoverify Gate. fetcher may be nil, disabling the
// full-record re-fetch step but not the status transition itself.
func NewGate(fetcher RecordFetcher) *Gate {
	return &Gate{fetcher: fetcher}
}

// ShouldAutoverify reports whether proof and anchor together satisfy the
// channel-possession autoverify invariant: the proof must be STRONG, and the
// customer id the proof matched must equal the customer id the anchor names.
// Matching on strength alone would let a WhatsApp sender skip verification
// for an order belonging to someone who merely shares a directory match;
// requiring equal customer ids is what makes this channel possession rather
// than a blanket "trust this channel" shortcut.
func (g *Gate) ShouldAutoverify(proof contract.IdentityProof, anchor contract.Anchor) bool {
	if proof.Strength != contract.IdentityStrong {
		return false
	}
	if proof.MatchedCustomerID == "" || anchor.CustomerID == "" {
		return false
	}
	return proof.MatchedCustomerID == anchor.CustomerID
}

// Autoverify applies the gate to a VERIFICATION_REQUIRED result. When
// featureEnabled and ShouldAutoverify holds, it re-fetches the full record
// (if a RecordFetcher is configured), overwrites the result to OK, and
// appends a VERIFICATION_PASSED state event with reason channel_proof. Any
// fetch error, or the preconditions not holding, leaves result unchanged:
// autoverify fails closed, never open.
func (g *Gate) Autoverify(ctx context.Context, featureEnabled bool, proof contract.IdentityProof, anchor contract.Anchor, result contract.ToolResult) contract.ToolResult {
	if !featureEnabled || result.Outcome != contract.OutcomeVerificationRequired {
		return result
	}
	if !g.ShouldAutoverify(proof, anchor) {
		return result
	}

	out := result
	if g.fetcher != nil {
		data, err := g.fetcher.FetchRecord(ctx, anchor.SourceTable, anchor.ID)
		if err != nil {
			return result
		}
		out.Data = data
	}
	out.Outcome = contract.OutcomeOK
	out.Success = true
	out.StateEvents = append(append([]contract.StateEvent{}, result.StateEvents...), contract.StateEvent{
		Op: "VERIFICATION_PASSED", Key: "reason", Value: "channel_proof",
	})
	return out
}
