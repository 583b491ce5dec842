package llmturn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/telyx/turnguard/pkg/contract"
	"github.com/telyx/turnguard/pkg/models"
)

// MaxIterations bounds how many times the loop may call the LLM for a single
// turn before giving up and returning whatever text it has. This guards
// against a tool-calling LLM that never converges to a final answer.
const MaxIterations = 6

// ToolInvoker executes a single tool call and returns the outcome contract.
// internal/toolsvc.Executor satisfies this.
type ToolInvoker interface {
	Invoke(ctx context.Context, sessionID string, call contract.ToolCall) (*contract.ToolResult, error)
}

// ToolSchema describes a tool's shape as presented to the LLM, already
// filtered by the caller for flow/verification gating.
type ToolSchema struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// LoopRequest is everything the bounded tool loop needs to drive one turn.
type LoopRequest struct {
	SessionID      string
	Model          string
	System         string
	History        []CompletionMessage
	UserMessage    string
	Tools          []ToolSchema
	MaxTokens      int
}

// Loop drives the bounded LLM request/tool-execution cycle described by the
// turn orchestrator: build the prompt from system+history+gated tools, ask
// the provider, execute any requested tools, append their results, and
// repeat until the model replies with text only or the iteration cap is hit.
type Loop struct {
	provider LLMProvider
	tools    ToolInvoker
}

// NewLoop builds a Loop over the given provider and tool invoker.
func NewLoop(provider LLMProvider, tools ToolInvoker) *Loop {
	return &Loop{provider: provider, tools: tools}
}

// Run executes the bounded tool loop for one turn and returns the aggregated
// outcome. It never streams partial chunks to the caller: turns are
// request/response at the orchestrator boundary even though each individual
// LLM call is consumed as a stream internally.
func (l *Loop) Run(ctx context.Context, req LoopRequest) TurnOutcome {
	if l.provider == nil {
		return TurnOutcome{Err: ErrNoProvider}
	}

	messages := make([]CompletionMessage, len(req.History), len(req.History)+1)
	copy(messages, req.History)
	messages = append(messages, CompletionMessage{Role: "user", Content: req.UserMessage})

	tools := toProviderTools(req.Tools)

	var outcome TurnOutcome

	for iteration := 1; iteration <= MaxIterations; iteration++ {
		outcome.IterationsUsed = iteration

		if err := ctx.Err(); err != nil {
			outcome.Err = &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
			return outcome
		}

		chunks, err := l.provider.Complete(ctx, &CompletionRequest{
			Model:     req.Model,
			System:    req.System,
			Messages:  messages,
			Tools:     tools,
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			outcome.Err = &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
			return outcome
		}

		text, toolCalls, inTok, outTok, streamErr := aggregate(chunks)
		outcome.InputTokens += inTok
		outcome.OutputTokens += outTok
		if streamErr != nil {
			outcome.Err = &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: streamErr}
			return outcome
		}

		if len(toolCalls) == 0 {
			outcome.Reply = text
			return outcome
		}

		assistantMsg := CompletionMessage{Role: "assistant", Content: text, ToolCalls: toolCalls}
		messages = append(messages, assistantMsg)

		results := make([]models.ToolResult, 0, len(toolCalls))
		for _, tc := range toolCalls {
			outcome.ToolsCalled = append(outcome.ToolsCalled, tc)

			res, execErr := l.tools.Invoke(ctx, req.SessionID, contract.ToolCall{
				ID: tc.ID, Name: tc.Name, Args: tc.Input,
			})
			if execErr != nil {
				outcome.HadToolFailure = true
				outcome.DomainResults = append(outcome.DomainResults, contract.ToolResult{
					Name: tc.Name, Outcome: contract.OutcomeInfraError, Success: false, Message: execErr.Error(),
				})
				results = append(results, models.ToolResult{ToolCallID: tc.ID, Content: execErr.Error(), IsError: true})
				continue
			}

			wireResult := toWireToolResult(tc.ID, res)
			outcome.ToolResults = append(outcome.ToolResults, wireResult)
			outcome.DomainResults = append(outcome.DomainResults, *res)
			if res.Success {
				outcome.HadToolSuccess = true
			} else {
				outcome.HadToolFailure = true
			}
			results = append(results, wireResult)
		}

		messages = append(messages, CompletionMessage{Role: "tool", ToolResults: results})
	}

	outcome.Err = &LoopError{Phase: PhaseComplete, Iteration: MaxIterations, Cause: ErrMaxIterations}
	return outcome
}

// aggregate drains a completion stream into its final text, any requested
// tool calls, and token accounting, mirroring the aggregation the teacher's
// provider adapters already expect callers to perform over CompletionChunk.
func aggregate(chunks <-chan *CompletionChunk) (text string, calls []models.ToolCall, inputTokens, outputTokens int, err error) {
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return sb.String(), calls, inputTokens, outputTokens, chunk.Error
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Done {
			inputTokens = chunk.InputTokens
			outputTokens = chunk.OutputTokens
		}
	}
	return sb.String(), calls, inputTokens, outputTokens, nil
}

func toProviderTools(schemas []ToolSchema) []Tool {
	out := make([]Tool, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, staticTool{s})
	}
	return out
}

// staticTool adapts a ToolSchema (description only, no executable body) to
// the llmturn.Tool interface so it can be advertised to a provider. Execution
// never reaches staticTool.Execute: the loop dispatches tool calls itself via
// ToolInvoker, so this exists purely to satisfy the provider's Tool contract.
type staticTool struct {
	schema ToolSchema
}

func (t staticTool) Name() string               { return t.schema.Name }
func (t staticTool) Description() string        { return t.schema.Description }
func (t staticTool) Schema() json.RawMessage     { return t.schema.Schema }
func (t staticTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return nil, fmt.Errorf("staticTool %q is schema-only and cannot be executed directly", t.schema.Name)
}

func toWireToolResult(toolCallID string, res *contract.ToolResult) models.ToolResult {
	content := res.Message
	if content == "" && len(res.Data) > 0 {
		content = string(res.Data)
	}
	return models.ToolResult{
		ToolCallID: toolCallID,
		Content:    content,
		IsError:    !res.Success,
	}
}
