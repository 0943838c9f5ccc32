// Package run models a queued code-execution request: one submission of
// source code to a runtime, which may in turn make any number of tool calls
// (each driven through internal/task and internal/dispatcher) before reaching
// a terminal state. This is the "Task" of the gateway's external API; it is
// named Run here to keep it distinct from internal/task.Task, which models
// one tool invocation inside a run rather than the run itself.
package run

import (
	"context"
	"errors"
	"time"
)

// Status enumerates the lifecycle states a run passes through.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusDenied    Status = "denied"
)

// Terminal reports whether s is one of the states a run cannot leave.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusDenied:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned by Store.Load when no run exists for the given ID.
var ErrNotFound = errors.New("run not found")

// ErrInvalidTransition is returned when a status update would move a run out
// of a terminal state, or when MarkRunning finds the run already past queued.
var ErrInvalidTransition = errors.New("invalid run status transition")

// DefaultTimeoutMs is applied when a run is created without an explicit
// timeout, per spec: 300000ms (5 minutes).
const DefaultTimeoutMs = 300000

// Run is one queued code-execution request.
type Run struct {
	// ID is the task_<uuid> identity (the spec's Task ID; the gateway's wire
	// protocol never distinguishes Run from Task).
	ID string
	// WorkspaceID scopes the run to one workspace's tool sources, policies,
	// and credentials.
	WorkspaceID string
	// ActorID identifies who (or what agent) submitted the code.
	ActorID string
	// ClientID identifies the calling MCP/HTTP client.
	ClientID string
	// Code is the opaque source submitted for execution.
	Code string
	// RuntimeID selects which sandbox runtime image/language executes Code.
	RuntimeID string
	// TimeoutMs bounds total execution time; DefaultTimeoutMs if zero.
	TimeoutMs int64
	// Metadata carries caller-supplied labels propagated into emitted events.
	Metadata map[string]string
	// Status is the current lifecycle state.
	Status Status
	// Error holds the terminal failure detail. For denied runs this carries
	// the dispatcher's DeniedSentinel-prefixed reason surfaced by whichever
	// tool call triggered the denial.
	Error string
	// ExitCode is the sandbox runtime's reported exit code once terminal.
	ExitCode int
	// CreatedAt is when the run was queued.
	CreatedAt time.Time
	// StartedAt is when the run entered StatusRunning; zero until then.
	StartedAt time.Time
	// UpdatedAt is the last status transition time.
	UpdatedAt time.Time
}

// Store persists Run records.
type Store interface {
	// Create inserts r in StatusQueued, defaulting TimeoutMs if zero.
	Create(ctx context.Context, r Run) error
	// Load returns the run with the given ID, or ErrNotFound.
	Load(ctx context.Context, id string) (Run, error)
	// MarkRunning atomically transitions a queued run to running. It returns
	// ErrInvalidTransition (not an error callers should treat as fatal) if the
	// run was already running or terminal, so Trigger can be called
	// idempotently by multiple workers racing on the same run id.
	MarkRunning(ctx context.Context, id string) error
	// MarkFinished transitions a running run to one of the terminal statuses,
	// applying apply (Error, ExitCode) atomically with the status change.
	MarkFinished(ctx context.Context, id string, status Status, apply func(*Run)) error
	// ListByWorkspace returns runs for a workspace, optionally filtered to a
	// set of statuses. A nil or empty statuses filter returns all runs.
	ListByWorkspace(ctx context.Context, workspaceID string, statuses []Status) ([]Run, error)
}
