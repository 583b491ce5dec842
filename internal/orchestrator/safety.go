package orchestrator

import "regexp"

// criticalInjectionPatterns catch prompt-injection attempts severe enough to
// deny the turn outright before any LLM call: instructions that try to
// override the system prompt or exfiltrate it.
var criticalInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bignore (all |the )?(previous|prior|above) instructions\b`),
	regexp.MustCompile(`(?i)\breveal (your |the )?system prompt\b`),
	regexp.MustCompile(`(?i)\byou are now (in )?dan\b`),
	regexp.MustCompile(`(?i)\bdisregard (your|all) (safety|previous) (rules|instructions)\b`),
}

// criticalContentPatterns catch content severe enough to deny the turn
// outright: self-harm, violence threats, or csam-adjacent vocabulary. This
// is deliberately narrow (hard-deny triggers only); broad content
// moderation is explicitly out of scope.
var criticalContentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bhow (do|can) i (make|build) a bomb\b`),
	regexp.MustCompile(`(?i)\bi('m| am) going to (kill|hurt) (myself|someone)\b`),
}

func hasCriticalInjection(text string) bool {
	for _, re := range criticalInjectionPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func hasCriticalContent(text string) bool {
	for _, re := range criticalContentPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
