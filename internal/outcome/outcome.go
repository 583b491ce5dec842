// Package outcome classifies raw tool and transport errors into the closed
// contract.Outcome enum the rest of the pipeline reasons about.
package outcome

import (
	"errors"
	"strings"

	"github.com/telyx/turnguard/pkg/contract"
)

// Sentinel errors raised by tool adapters and the orchestrator.
var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation error")
	ErrVerificationRequired = errors.New("verification required")
	ErrNeedMoreInfo         = errors.New("need more info")
	ErrDenied               = errors.New("denied")
)

// Classify derives a contract.Outcome from a Go error returned by a tool
// handler. Unrecognized errors are treated as infrastructure failures per the
// fail-closed invariant: nothing defaults to OK.
func Classify(err error) contract.Outcome {
	if err == nil {
		return contract.OutcomeOK
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return contract.OutcomeNotFound
	case errors.Is(err, ErrValidation):
		return contract.OutcomeValidationError
	case errors.Is(err, ErrVerificationRequired):
		return contract.OutcomeVerificationRequired
	case errors.Is(err, ErrNeedMoreInfo):
		return contract.OutcomeNeedMoreInfo
	case errors.Is(err, ErrDenied):
		return contract.OutcomeDenied
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such"):
		return contract.OutcomeNotFound
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation") || strings.Contains(msg, "required field"):
		return contract.OutcomeValidationError
	case strings.Contains(msg, "verification") || strings.Contains(msg, "verify"):
		return contract.OutcomeVerificationRequired
	case strings.Contains(msg, "denied") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "unauthorized"):
		return contract.OutcomeDenied
	default:
		return contract.OutcomeInfraError
	}
}

// FromString normalizes a raw outcome string coming off a tool's wire
// response, falling back to INFRA_ERROR for anything outside the enum.
func FromString(raw string) contract.Outcome {
	return contract.Normalize(raw)
}
