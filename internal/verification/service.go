package verification

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/telyx/turnguard/internal/sessionlock"
	"github.com/telyx/turnguard/pkg/contract"
)

// ChallengeField names one of the two pieces of evidence a customer can
// supply to pass a challenge: the last four digits of the phone number on
// file, or the full name on the account.
type ChallengeField string

const (
	FieldPhoneLast4 ChallengeField = "phone_last4"
	FieldFullName   ChallengeField = "full_name"
	FieldPhoneE164  ChallengeField = "phone_e164"
)

var digitsOnly = regexp.MustCompile(`\D`)

// Service drives the challenge-response identity verification state machine:
// create an anchor from a tool result or identity proof, collect challenge
// answers across turns, and check them against the anchor in a fixed order.
type Service struct {
	locks     sessionlock.Store
	tracker   *sessionlock.EnumerationTracker
	lockUntil time.Duration
}

// NewService builds a Service. locks and tracker may be nil, in which case
// enumeration lockout is disabled (useful for tests and for callers that
// enforce it elsewhere).
func NewService(locks sessionlock.Store, tracker *sessionlock.EnumerationTracker) *Service {
	return &Service{locks: locks, tracker: tracker, lockUntil: 30 * time.Minute}
}

// CreateAnchor starts a new verification challenge against anchor, replacing
// any prior in-progress challenge on the state. It does not consult identity
// proof: a STRONG proof should instead go through the Autoverify Gate and
// call MarkVerified directly.
func CreateAnchor(state contract.State, anchor contract.Anchor) contract.State {
	out := state.Clone()
	a := anchor
	out.Verification = contract.Verification{
		Status:    contract.VerificationPending,
		Anchor:    &a,
		Collected: map[string]string{},
		Attempts:  0,
	}
	return out
}

// MarkVerified marks state as verified against its existing anchor without
// running the challenge-response flow, for use when the Autoverify Gate
// passes a STRONG identity proof.
func MarkVerified(state contract.State, anchor contract.Anchor) contract.State {
	out := state.Clone()
	a := anchor
	out.Verification = contract.Verification{
		Status: contract.VerificationVerified,
		Anchor: &a,
	}
	return out
}

// CollectAnswer records a customer-supplied challenge answer into the
// in-progress verification, without yet checking it. Collected answers
// accumulate across turns until CheckVerification is called.
func CollectAnswer(state contract.State, field ChallengeField, value string) contract.State {
	out := state.Clone()
	if out.Verification.Collected == nil {
		out.Verification.Collected = map[string]string{}
	}
	out.Verification.Collected[string(field)] = value
	return out
}

// CheckResult is the outcome of running the collected challenge answers
// against the session's anchor.
type CheckResult struct {
	State   contract.State
	Matched bool
	Locked  bool // true if this failure tripped the enumeration lockout
}

// CheckVerification compares the collected challenge answers against the
// session's anchor in the fixed evaluation order required by the
// verification state machine:
//
//  1. phone_last4 — last four digits of the phone on file
//  2. full_name   — Turkish-aware, diacritic-insensitive name match
//  3. phone_e164  — full E.164-normalized phone comparison (>=10 digits)
//
// Any single field matching is sufficient. A non-match increments the
// attempt counter and, after three consecutive failures, locks the session
// for ENUMERATION via the configured sessionlock.Store.
func (s *Service) CheckVerification(ctx context.Context, sessionID string, state contract.State) (CheckResult, error) {
	v := state.Verification
	if v.Status != contract.VerificationPending || v.Anchor == nil {
		return CheckResult{State: state}, nil
	}

	if verifyAgainstAnchor(*v.Anchor, v.Collected) {
		out := state.Clone()
		out.Verification.Status = contract.VerificationVerified
		out.Verification.Attempts = 0
		if s.tracker != nil {
			s.tracker.Reset(sessionID)
		}
		return CheckResult{State: out, Matched: true}, nil
	}

	out := state.Clone()
	out.Verification.Attempts++
	out.Verification.Collected = map[string]string{}

	locked := false
	if s.tracker != nil {
		locked = s.tracker.RecordFailure(sessionID)
		if locked {
			out.Verification.Status = contract.VerificationNone
			out.Verification.Anchor = nil
			if s.locks != nil {
				if err := s.locks.Lock(ctx, sessionID, contract.LockEnumeration, time.Now().Add(s.lockUntil)); err != nil {
					return CheckResult{}, err
				}
			}
		}
	}

	return CheckResult{State: out, Matched: false, Locked: locked}, nil
}

// verifyAgainstAnchor reports whether any collected challenge answer matches
// the anchor, evaluated in the required fixed order.
func verifyAgainstAnchor(anchor contract.Anchor, collected map[string]string) bool {
	if last4, ok := collected[string(FieldPhoneLast4)]; ok {
		if matchPhoneLast4(anchor.Phone, last4) {
			return true
		}
	}
	if name, ok := collected[string(FieldFullName)]; ok {
		if compareTurkishNames(anchor.Name, name) {
			return true
		}
	}
	if phone, ok := collected[string(FieldPhoneE164)]; ok {
		if matchPhoneE164(anchor.Phone, phone) {
			return true
		}
	}
	return false
}

func matchPhoneLast4(onFile, supplied string) bool {
	supplied = strings.TrimSpace(supplied)
	if len(supplied) != 4 || digitsOnly.MatchString(supplied) {
		return false
	}
	digits := digitsOnly.ReplaceAllString(onFile, "")
	if len(digits) < 4 {
		return false
	}
	return digits[len(digits)-4:] == supplied
}

func matchPhoneE164(onFile, supplied string) bool {
	a := digitsOnly.ReplaceAllString(onFile, "")
	b := digitsOnly.ReplaceAllString(supplied, "")
	if len(a) < 10 || len(b) < 10 {
		return false
	}
	if len(a) > 10 {
		a = a[len(a)-10:]
	}
	if len(b) > 10 {
		b = b[len(b)-10:]
	}
	return a == b
}

// MinimalResult is the PII-minimized view of a verification's anchor,
// returned while verification is pending or failed: enough to confirm a
// challenge is in progress, never enough to leak the anchor itself.
type MinimalResult struct {
	Status   contract.VerificationStatus `json:"status"`
	Attempts int                         `json:"attempts"`
}

// FullResult is the complete anchor view, only returned once verification
// has succeeded.
type FullResult struct {
	Status contract.VerificationStatus `json:"status"`
	Anchor contract.Anchor             `json:"anchor"`
}

// GetMinimalResult returns the PII-safe verification summary, suitable for
// use in any context (tool responses, logs, intermediate state) regardless
// of verification status.
func GetMinimalResult(state contract.State) MinimalResult {
	return MinimalResult{Status: state.Verification.Status, Attempts: state.Verification.Attempts}
}

// GetFullResult returns the full anchor, and true, only once verification
// has succeeded; otherwise it returns the zero value and false so callers
// cannot accidentally leak an unverified anchor.
func GetFullResult(state contract.State) (FullResult, bool) {
	if state.Verification.Status != contract.VerificationVerified || state.Verification.Anchor == nil {
		return FullResult{}, false
	}
	return FullResult{Status: state.Verification.Status, Anchor: *state.Verification.Anchor}, true
}

// GetFullResultRedacted is GetFullResult with PII masking applied to the
// anchor before it is handed to the LLM: a verified session still must not
// see its own customer's phone/email in full, since that text flows into a
// model prompt and, from there, potentially into a logged transcript.
func GetFullResultRedacted(state contract.State) (FullResult, bool) {
	full, ok := GetFullResult(state)
	if !ok {
		return FullResult{}, false
	}
	full.Anchor.Phone = redactPhone(full.Anchor.Phone)
	full.Anchor.Email = redactEmail(full.Anchor.Email)
	return full, true
}

// redactPhone masks all but the country code and last 4 digits: "+905551234567" -> "+90******4567".
func redactPhone(phone string) string {
	digits := digitsOnly.ReplaceAllString(phone, "")
	if len(digits) < 6 {
		return phone
	}
	prefix := ""
	if strings.HasPrefix(phone, "+") {
		prefix = "+" + digits[:2]
		digits = digits[2:]
	}
	if len(digits) < 4 {
		return phone
	}
	masked := strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
	return prefix + masked
}

// redactEmail masks the local part of an email down to its first letter: "alice@example.com" -> "a***@example.com".
func redactEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return email
	}
	return email[:1] + "***" + email[at:]
}

// ChallengeMessage is the deterministic text asking for the first piece of
// challenge evidence: the last four digits of the phone on file, falling
// back to the full name on the account. It never repeats anchor data back to
// the customer.
func ChallengeMessage() string {
	return "To continue, could you confirm the last 4 digits of the phone number on your account? If you don't have that handy, the full name on the account works too."
}

// MismatchMessage is the deterministic text returned after a collected
// challenge answer fails to match the anchor.
func MismatchMessage() string {
	return "That doesn't match what we have on file. Could you double-check and try again?"
}

// LockedMessage is the deterministic text returned once three consecutive
// verification failures have locked the session.
func LockedMessage() string {
	return "For your security, this session has been temporarily paused after too many failed verification attempts. Please contact support to continue."
}
