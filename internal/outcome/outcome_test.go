package outcome

import (
	"errors"
	"fmt"
	"testing"

	"github.com/telyx/turnguard/pkg/contract"
)

func TestClassify_Sentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want contract.Outcome
	}{
		{"nil", nil, contract.OutcomeOK},
		{"not found", ErrNotFound, contract.OutcomeNotFound},
		{"wrapped not found", fmt.Errorf("order 42: %w", ErrNotFound), contract.OutcomeNotFound},
		{"validation", ErrValidation, contract.OutcomeValidationError},
		{"verification required", ErrVerificationRequired, contract.OutcomeVerificationRequired},
		{"need more info", ErrNeedMoreInfo, contract.OutcomeNeedMoreInfo},
		{"denied", ErrDenied, contract.OutcomeDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassify_MessageSniffing(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want contract.Outcome
	}{
		{"not found phrase", "customer not found", contract.OutcomeNotFound},
		{"no such phrase", "no such order", contract.OutcomeNotFound},
		{"invalid phrase", "invalid phone number", contract.OutcomeValidationError},
		{"required field phrase", "missing required field: email", contract.OutcomeValidationError},
		{"verification phrase", "identity verification failed", contract.OutcomeVerificationRequired},
		{"forbidden phrase", "forbidden: insufficient scope", contract.OutcomeDenied},
		{"unrecognized error", "connection reset by peer", contract.OutcomeInfraError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(errors.New(tc.msg)); got != tc.want {
				t.Errorf("Classify(%q) = %v, want %v", tc.msg, got, tc.want)
			}
		})
	}
}

func TestFromString(t *testing.T) {
	if got := FromString("NOT_FOUND"); got != contract.OutcomeNotFound {
		t.Errorf("FromString(NOT_FOUND) = %v, want NOT_FOUND", got)
	}
	if got := FromString("garbage"); got != contract.OutcomeInfraError {
		t.Errorf("FromString(garbage) = %v, want INFRA_ERROR", got)
	}
}
