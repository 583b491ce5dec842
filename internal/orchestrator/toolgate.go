package orchestrator

import (
	"github.com/telyx/turnguard/internal/llmturn"
	"github.com/telyx/turnguard/internal/toolsvc"
	"github.com/telyx/turnguard/pkg/contract"
)

// RegistryToolGate filters a toolsvc.Registry's tools down to the ones
// advertised to the LLM for a given state: a tool requiring verification is
// withheld until the session has reached VerificationVerified, so the model
// is never tempted to call a tool it isn't allowed to use yet.
type RegistryToolGate struct {
	registry *toolsvc.Registry
}

// NewRegistryToolGate wraps registry as a ToolGate.
func NewRegistryToolGate(registry *toolsvc.Registry) *RegistryToolGate {
	return &RegistryToolGate{registry: registry}
}

// Allowed returns the tool schemas permitted for state, gated by
// verification status.
func (g *RegistryToolGate) Allowed(state contract.State) []llmturn.ToolSchema {
	if g.registry == nil {
		return nil
	}
	verified := state.Verification.Status == contract.VerificationVerified

	all := g.registry.All()
	out := make([]llmturn.ToolSchema, 0, len(all))
	for _, tool := range all {
		if tool.RequiresVerification() && !verified {
			continue
		}
		out = append(out, llmturn.ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return out
}
