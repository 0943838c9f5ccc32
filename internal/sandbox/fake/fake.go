// Package fake provides a scripted, in-process sandbox.Runtime for tests:
// a fixed sequence of steps (tool calls, output lines) followed by a final
// result, with no real code execution or isolation.
package fake

import (
	"context"
	"time"

	"github.com/sandboxgw/core/internal/sandbox"
)

// Step is one action the scripted runtime takes before producing its final
// Result.
type Step struct {
	// ToolCall, if set, is relayed to the adapter's InvokeTool.
	ToolCall *sandbox.ToolCall
	// Output, if set, is relayed to the adapter's EmitOutput.
	Output *sandbox.OutputLine
}

// Runtime replays Steps in order against whatever Adapter Execute is given,
// then returns Result (or blocks until ctx is canceled if Block is set, to
// exercise timeout handling in callers).
type Runtime struct {
	Steps  []Step
	Result sandbox.Result
	// Block, if true, causes Execute to wait on ctx.Done() after replaying
	// Steps instead of returning Result, simulating a runtime that missed
	// its timeout deadline.
	Block bool
}

func (r *Runtime) Execute(ctx context.Context, req sandbox.ExecRequest, adapter sandbox.Adapter) (sandbox.Result, error) {
	start := time.Now()
	for _, step := range r.Steps {
		if step.ToolCall != nil {
			result, err := adapter.InvokeTool(ctx, *step.ToolCall)
			if err != nil {
				return sandbox.Result{Status: sandbox.StatusFailed, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}, nil
			}
			if !result.OK && result.Denied {
				return sandbox.Result{Status: sandbox.StatusDenied, Error: result.Error, DurationMs: time.Since(start).Milliseconds()}, nil
			}
		}
		if step.Output != nil {
			line := *step.Output
			if line.Timestamp.IsZero() {
				line.Timestamp = time.Now()
			}
			adapter.EmitOutput(ctx, line)
		}
	}
	if r.Block {
		<-ctx.Done()
		return sandbox.Result{Status: sandbox.StatusTimedOut, Error: "timed out", DurationMs: time.Since(start).Milliseconds()}, nil
	}
	res := r.Result
	if res.Status == "" {
		res.Status = sandbox.StatusCompleted
	}
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res, nil
}

var _ sandbox.Runtime = (*Runtime)(nil)
