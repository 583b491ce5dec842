package toolsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/telyx/turnguard/pkg/contract"
)

// Result is the outcome of a single tool invocation, before guardrail
// post-processing.
type Result = contract.ToolResult

// MaxToolNameLength bounds tool-name size to prevent resource exhaustion from
// a malformed or adversarial LLM tool call.
const MaxToolNameLength = 256

// MaxParamsSize bounds the JSON argument payload size (1MB).
const MaxParamsSize = 1 << 20

// Registry holds the tools available to the assistant for a given business,
// keyed by name, with compiled JSON schemas cached for validation.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas sync.Map // name -> *jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name, compiling its schema eagerly so
// malformed schemas fail at startup rather than at first call.
func (r *Registry) Register(tool Tool) error {
	compiled, err := jsonschema.CompileString(tool.Name()+".schema.json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", tool.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas.Store(tool.Name(), compiled)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool, e.g. for advertising to the LLM request
// builder (subject to flow/verification gating applied by the caller).
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Validate checks params against the registered tool's compiled schema.
func (r *Registry) Validate(name string, params json.RawMessage) error {
	cached, ok := r.schemas.Load(name)
	if !ok {
		return fmt.Errorf("no schema registered for tool %q", name)
	}
	schema := cached.(*jsonschema.Schema)

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("decode tool arguments: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("tool arguments invalid: %w", err)
	}
	return nil
}

// dispatch validates and runs a single tool call with no timeout/retry/dedup
// logic; Executor wraps this with those concerns.
func (r *Registry) dispatch(ctx context.Context, sessionID, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return nil, fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	if len(params) > MaxParamsSize {
		return nil, fmt.Errorf("tool parameters exceed maximum size of %d bytes", MaxParamsSize)
	}

	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if err := r.Validate(name, params); err != nil {
		return nil, err
	}
	return tool.Execute(ctx, sessionID, params)
}
