package toolsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telyx/turnguard/internal/jobs"
	"github.com/telyx/turnguard/pkg/contract"
	"github.com/telyx/turnguard/pkg/models"
)

// AsyncPredicate reports whether a tool call should run as a background job
// instead of blocking the turn. Long-running business tools (e.g. a refund
// that calls out to a payment processor) are flagged this way so the
// customer gets a NEED_MORE_INFO-style "we're working on it" reply rather
// than the turn stalling on the call.
type AsyncPredicate func(toolName string) bool

// AsyncExecutor wraps an Executor to dispatch flagged tool calls as
// fire-and-forget jobs tracked in a jobs.Store, polled later by a follow-up
// turn or an out-of-band status check.
type AsyncExecutor struct {
	exec    *Executor
	store   jobs.Store
	isAsync AsyncPredicate
}

// NewAsyncExecutor builds an AsyncExecutor over exec, persisting jobs in store.
func NewAsyncExecutor(exec *Executor, store jobs.Store, isAsync AsyncPredicate) *AsyncExecutor {
	return &AsyncExecutor{exec: exec, store: store, isAsync: isAsync}
}

// Invoke runs call synchronously unless isAsync flags it, in which case a
// job is queued and a NEED_MORE_INFO-outcome placeholder result is returned
// immediately referencing the job ID.
func (a *AsyncExecutor) Invoke(ctx context.Context, sessionID string, call contract.ToolCall) (*Result, error) {
	if a.isAsync == nil || !a.isAsync(call.Name) || a.store == nil {
		return a.exec.Invoke(ctx, sessionID, call)
	}

	job := &jobs.Job{
		ID:         uuid.NewString(),
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Status:     jobs.StatusQueued,
		CreatedAt:  time.Now(),
	}
	if err := a.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("queue async job: %w", err)
	}

	go a.run(job, sessionID, call)

	return &Result{
		Name:    call.Name,
		Outcome: contract.OutcomeNeedMoreInfo,
		Success: true,
		Message: fmt.Sprintf("request queued (job %s); check back shortly", job.ID),
	}, nil
}

func (a *AsyncExecutor) run(job *jobs.Job, sessionID string, call contract.ToolCall) {
	ctx := context.Background()
	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	_ = a.store.Update(ctx, job)

	result, err := a.exec.Invoke(ctx, sessionID, call)

	job.FinishedAt = time.Now()
	if err != nil {
		job.Status = jobs.StatusFailed
		job.Error = err.Error()
	} else if !result.Success {
		job.Status = jobs.StatusFailed
		job.Error = result.Message
		job.Result = &models.ToolResult{ToolCallID: call.ID, Content: result.Message, IsError: true}
	} else {
		job.Status = jobs.StatusSucceeded
		content := result.Message
		if content == "" {
			content = string(result.Data)
		}
		job.Result = &models.ToolResult{ToolCallID: call.ID, Content: content}
	}
	_ = a.store.Update(ctx, job)
}
