// Package guardrails implements the Security Gateway: an ordered chain of
// response filters that inspects a candidate reply before it reaches the
// customer, sanitizing, blocking, or requesting a correction when the reply
// leaks internal detail, asserts ungrounded facts, or violates identity
// boundaries.
package guardrails

import "github.com/telyx/turnguard/pkg/contract"

// Action is the verdict a single filter reaches about a candidate response.
type Action string

const (
	ActionPass           Action = "PASS"
	ActionSanitize       Action = "SANITIZE"
	ActionBlock          Action = "BLOCK"
	ActionNeedCorrection Action = "NEED_CORRECTION"
	ActionNeedMinInfo    Action = "NEED_MIN_INFO_FOR_TOOL"
)

// Verdict is what one filter decided about the response it inspected.
type Verdict struct {
	Action         Action
	Text           string // replacement text for SANITIZE/BLOCK
	Reason         string
	CorrectionType string
	Constraint     string
	MissingFields  []string
}

func pass() Verdict { return Verdict{Action: ActionPass} }

// terminal reports whether v ends the chain (stops remaining filters from
// running) rather than merely annotating and passing through.
func (v Verdict) terminal() bool {
	return v.Action != ActionPass
}

// Input is everything a filter needs to judge one candidate response.
type Input struct {
	Response       string
	State          contract.State
	Intent         string
	ToolRequired   bool
	ToolResults    []contract.ToolResult
	HadToolSuccess bool
}

// hadNotFoundThisTurn reports whether any tool call this turn resolved
// NOT_FOUND.
func (in Input) hadNotFoundThisTurn() bool {
	for _, r := range in.ToolResults {
		if r.Outcome == contract.OutcomeNotFound {
			return true
		}
	}
	return false
}

// Filter is one stage of the ordered guardrail chain.
type Filter interface {
	Name() string
	Check(in Input) Verdict
}

type filterFunc struct {
	name string
	fn   func(Input) Verdict
}

func (f filterFunc) Name() string           { return f.name }
func (f filterFunc) Check(in Input) Verdict { return f.fn(in) }
