// Package sandbox defines the boundary between the gateway and the
// sandboxed runtime that actually executes a client's code. The core never
// runs untrusted code itself; it delegates to a Runtime collaborator and
// communicates with it purely through the Adapter callbacks passed to
// Execute.
package sandbox

import (
	"context"
	"time"
)

// ExecRequest is what the Task Runner hands to a Runtime for one code
// execution.
type ExecRequest struct {
	// RunID identifies the task (spec.md's code-execution request) this
	// execution belongs to, for the runtime's own logging/correlation.
	RunID string
	// Code is the opaque source text to execute.
	Code string
	// RuntimeID selects which language/runtime image the sandbox should
	// use (e.g. "python3.12", "node20"). Opaque to the core.
	RuntimeID string
	// TimeoutMs bounds wall-clock execution time; the runtime is
	// responsible for enforcing it and returning StatusTimedOut on expiry.
	TimeoutMs int
}

// ToolCall is one invocation the running code makes against a tool, relayed
// by the sandbox back into the adapter.
type ToolCall struct {
	// CallID identifies this specific call for event correlation
	// (tool.call.started/completed/failed/denied share this id).
	CallID string
	// ToolPath is the dotted tool identifier being invoked.
	ToolPath string
	// Input is the raw JSON arguments the code passed to the tool.
	Input []byte
}

// ToolCallResult is what invokeTool returns to the sandbox: a normalized
// shape so the runtime never has to distinguish Go error types from a
// deliberate policy/approval denial.
type ToolCallResult struct {
	// OK is true when the tool call returned a value.
	OK bool
	// Value is the tool's JSON-encoded return value, set iff OK.
	Value []byte
	// Denied is true when the call was refused by policy or by a human
	// reviewer, as opposed to failing during invocation.
	Denied bool
	// Error carries the human-readable failure detail when OK is false.
	Error string
}

// OutputLine is one line of captured stdout/stderr the running code wrote,
// relayed by the sandbox into the adapter for event-log publication.
type OutputLine struct {
	// Stream is "stdout" or "stderr".
	Stream string
	Line string
	// Timestamp is when the runtime observed the line; the adapter stamps
	// it if zero.
	Timestamp time.Time
}

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Adapter is the callback surface a Runtime uses to reach back into the
// gateway core while code is executing. The core constructs one Adapter per
// execution and the runtime must not retain it past Execute's return.
type Adapter interface {
	// InvokeTool dispatches one tool call on the code's behalf, blocking
	// until the call resolves (including any approval wait).
	InvokeTool(ctx context.Context, call ToolCall) (ToolCallResult, error)
	// EmitOutput appends one captured output line to the task's event
	// stream.
	EmitOutput(ctx context.Context, line OutputLine)
}

// Status enumerates how an execution ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusDenied    Status = "denied"
)

// Result is what Execute returns once the code has finished running (or the
// runtime gave up on it).
type Result struct {
	Status     Status
	ExitCode   int
	Error      string
	DurationMs int64
}

// Runtime executes one code submission, calling back into adapter for every
// tool invocation and output line the code produces. Implementations may run
// the code in-process, in a subprocess, or in a remote sandbox reached over
// the internal run-callback HTTP surface; the core is agnostic to which.
type Runtime interface {
	Execute(ctx context.Context, req ExecRequest, adapter Adapter) (Result, error)
}
