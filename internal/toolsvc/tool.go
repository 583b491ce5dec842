// Package toolsvc implements the business-tool registry and executor: schema
// validation, idempotency, per-tool timeout/retry, and the outcome contract
// every tool call returns to the orchestrator.
package toolsvc

import (
	"context"
	"encoding/json"
)

// Tool is a single business-facing capability the assistant can invoke:
// looking up an order, issuing a refund, updating an address. Handlers
// receive already-schema-validated arguments and the current turn state and
// return a contract.ToolResult.
type Tool interface {
	// Name is the identifier the LLM uses to request this tool.
	Name() string

	// Description is shown to the LLM to help it decide when to call this tool.
	Description() string

	// Schema returns the JSON Schema describing valid arguments.
	Schema() json.RawMessage

	// RequiresVerification reports whether this tool may only run once the
	// session has reached VerificationVerified.
	RequiresVerification() bool

	// Idempotent reports whether repeating this call with identical
	// arguments is safe to deduplicate.
	Idempotent() bool

	// OutboundHostname reports the hostname this call will dial outbound
	// HTTP to, if any, given its already-schema-validated params. Tools
	// that never make outbound HTTP calls on the assistant's behalf
	// return ("", false); the executor skips the SSRF check for them.
	OutboundHostname(params json.RawMessage) (hostname string, ok bool)

	// Execute runs the tool. params have already been validated against Schema().
	Execute(ctx context.Context, sessionID string, params json.RawMessage) (*Result, error)
}
