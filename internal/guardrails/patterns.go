package guardrails

import "regexp"

// internalVocabPatterns catch leaked implementation detail: tool/function
// names, raw JSON/HTML dumps, and system-prompt disclosure. Grounded on the
// teacher's builtinSecretPatterns idiom in its deleted tool-result guard,
// repurposed from API-key detection to internal-vocabulary detection.
var internalVocabPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(function_call|tool_call|tool_use|toolu_[a-z0-9]+)\b`),
	regexp.MustCompile(`(?i)\bsystem[_ ]prompt\b`),
	regexp.MustCompile(`(?i)\b(as an ai language model|my instructions (say|tell me))\b`),
	regexp.MustCompile(`\{\s*"(name|arguments|tool_call_id)"\s*:`),
	regexp.MustCompile(`(?i)<(system|assistant|tool)[ >]`),
}

// neverExposePatterns catch internal/technical identifiers that must never
// reach a customer regardless of verification state: database-looking IDs,
// internal reference codes, stack traces.
var neverExposePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\binternal[_-]?ref(erence)?[:=]\s*\S+`),
	regexp.MustCompile(`(?i)\b(cust|ord|usr)_[0-9a-f]{6,}\b`),
	regexp.MustCompile(`(?i)\bat\s+[\w./]+\.go:\d+\b`),
	regexp.MustCompile(`(?i)\bSELECT\b.+\bFROM\b`),
}

// phonePattern matches a loosely-formatted phone number (7+ digits with
// optional separators), used both for PII scanning and the leak filter's
// masking rule.
var phonePattern = regexp.MustCompile(`(?:\+?\d[\s.-]?){7,15}\d`)

// criticalPIIPatterns are PII categories severe enough to trigger a session
// lock if leaked: Turkish national ID (TC kimlik no, 11 digits), Turkish tax
// ID (VKN, 10 digits), and payment card numbers.
var criticalPIIPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[1-9][0-9]{10}\b`),                 // TC kimlik no
	regexp.MustCompile(`\b[0-9]{10}\b`),                       // VKN
	regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),              // card number
}

// highPIIPatterns are PII categories that warrant a metric but not a lock:
// bare email addresses appearing in a response (expected in some contexts,
// but worth tracking).
var highPIIPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[\w.+-]+@[\w-]+\.[a-zA-Z]{2,}`),
}

var protocolLeakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bas an ai\b`),
	regexp.MustCompile(`(?i)\bi don't have access\b`),
	regexp.MustCompile(`(?i)\bsystem policy (forbids|prevents)\b`),
	regexp.MustCompile(`(?i)\bi('m| am) (just |only )?a(n)? (language model|large language model)\b`),
}

// eventClaimPatterns match statements about a discrete, falsifiable event
// that must have happened for the claim to be true: delivery, refund,
// cancellation completion.
var eventClaimPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(was|has been|is) delivered\b`),
	regexp.MustCompile(`(?i)\bleft (it |the package )?with (a |your )?neighbor\b`),
	regexp.MustCompile(`(?i)\brefund (has been|was) processed\b`),
	regexp.MustCompile(`(?i)\b(your )?(order|package) (shipped|arrived) on\b`),
}

// actionClaimPatterns match first-person claims of a completed action.
var actionClaimPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi('ve| have) (processed|cancelled|canceled|submitted|issued)\b`),
	regexp.MustCompile(`(?i)\bi('ve| have) (gone ahead and )?(updated|changed) your\b`),
}

// notFoundAckPatterns recognize a response that correctly acknowledges a
// NOT_FOUND tool outcome instead of fabricating data for it.
var notFoundAckPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(couldn't|could not|can't|cannot) find\b`),
	regexp.MustCompile(`(?i)\bno (record|order|match) found\b`),
	regexp.MustCompile(`(?i)\bdouble[- ]check\b`),
}

// dataAssertionPatterns recognize a response asserting concrete record data
// (status, tracking number, address) that should only appear backed by a
// successful tool call.
var dataAssertionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btracking (number|code)\b`),
	regexp.MustCompile(`(?i)\byour order (is|status is)\b`),
	regexp.MustCompile(`(?i)\bshipped to\b`),
}

// policyGuidanceKeywords are the components a refund/return/cancel policy
// answer should include; their absence trips the post-pass filter.
var policyGuidanceKeywords = []string{"within", "days", "contact", "how to"}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
