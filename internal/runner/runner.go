// Package runner implements the Task Runner: the component that actually
// drives one queued run through the sandbox, turning its tool calls into
// dispatcher.Dispatch invocations and its output into eventlog.Event rows.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxgw/core/internal/dispatcher"
	"github.com/sandboxgw/core/internal/eventlog"
	"github.com/sandboxgw/core/internal/run"
	"github.com/sandboxgw/core/internal/sandbox"
	"github.com/sandboxgw/core/internal/task"
	"github.com/sandboxgw/core/internal/telemetry"
)

// Dependencies wires the collaborators a Runner needs.
type Dependencies struct {
	Runs   run.Store
	Tasks  task.Store
	Events eventlog.Store

	Sandbox    sandbox.Runtime
	Dispatcher *dispatcher.Dispatcher

	Logger telemetry.Logger
	Tracer telemetry.Tracer
}

// Runner drives runs from StatusQueued to a terminal status.
type Runner struct {
	deps Dependencies
}

// New constructs a Runner.
func New(deps Dependencies) *Runner {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewNoopTracer()
	}
	return &Runner{deps: deps}
}

// Submit creates a new queued run and records its task.created/task.queued
// events. Callers trigger execution separately via Trigger; the MCP
// transport's execute handler calls Trigger directly after Submit.
func (rn *Runner) Submit(ctx context.Context, r run.Run) (run.Run, error) {
	if r.ID == "" {
		r.ID = "task_" + uuid.NewString()
	}
	if err := rn.deps.Runs.Create(ctx, r); err != nil {
		return run.Run{}, err
	}
	stored, err := rn.deps.Runs.Load(ctx, r.ID)
	if err != nil {
		return run.Run{}, err
	}
	rn.appendEvent(ctx, stored, eventlog.KindTaskCreated, nil)
	rn.appendEvent(ctx, stored, eventlog.KindTaskQueued, nil)
	return stored, nil
}

// Load returns the current state of the run with the given id, for callers
// (e.g. transport/mcpserver) that need its terminal status after Trigger.
func (rn *Runner) Load(ctx context.Context, runID string) (run.Run, error) {
	return rn.deps.Runs.Load(ctx, runID)
}

// Trigger drives the run with the given id from queued through to a
// terminal status. It is idempotent: if the run is not queued (already
// running, or already terminal) Trigger returns nil without doing anything,
// so callers may safely invoke it more than once for the same id, e.g. from
// competing workers in a pool.
func (rn *Runner) Trigger(ctx context.Context, runID string) error {
	ctx, span := rn.deps.Tracer.Start(ctx, "runner.trigger", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("runner.run_id", runID)))
	defer span.End()

	r, err := rn.deps.Runs.Load(ctx, runID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if r.Status != run.StatusQueued {
		return nil
	}

	if err := rn.deps.Runs.MarkRunning(ctx, runID); err != nil {
		if errors.Is(err, run.ErrInvalidTransition) {
			// Another worker already advanced this run past queued.
			return nil
		}
		span.RecordError(err)
		return err
	}
	r, err = rn.deps.Runs.Load(ctx, runID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	rn.appendEvent(ctx, r, eventlog.KindTaskRunning, nil)

	adapter := &taskAdapter{runner: rn, run: r}
	result, execErr := rn.deps.Sandbox.Execute(ctx, sandbox.ExecRequest{
		RunID:     r.ID,
		Code:      r.Code,
		RuntimeID: r.RuntimeID,
		TimeoutMs: int(r.TimeoutMs),
	}, adapter)

	status, detail := terminalStatus(result, execErr)
	finishErr := rn.deps.Runs.MarkFinished(ctx, runID, status, func(rr *run.Run) {
		rr.ExitCode = result.ExitCode
		if execErr != nil {
			rr.Error = execErr.Error()
		} else {
			rr.Error = result.Error
		}
	})
	if finishErr != nil {
		span.RecordError(finishErr)
		return finishErr
	}
	r, err = rn.deps.Runs.Load(ctx, runID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	rn.appendEvent(ctx, r, terminalKind(status), detail)
	if status == run.StatusFailed || status == run.StatusDenied {
		span.SetStatus(codes.Error, r.Error)
	}
	return nil
}

// terminalStatus maps a sandbox.Result (or an uncaught execution error) to
// the run status it should finish in. An uncaught error whose message starts
// with dispatcher.DeniedSentinel means a tool invocation's approval denial
// propagated out of the sandbox runtime uncaught, rather than being handled
// by the runtime's own tool-call/denied branch.
func terminalStatus(result sandbox.Result, execErr error) (run.Status, map[string]any) {
	if execErr != nil {
		if strings.HasPrefix(execErr.Error(), dispatcher.DeniedSentinel) {
			return run.StatusDenied, map[string]any{"error": execErr.Error()}
		}
		return run.StatusFailed, map[string]any{"error": execErr.Error()}
	}
	switch result.Status {
	case sandbox.StatusCompleted:
		return run.StatusCompleted, map[string]any{"exit_code": result.ExitCode}
	case sandbox.StatusDenied:
		return run.StatusDenied, map[string]any{"error": result.Error}
	case sandbox.StatusTimedOut:
		return run.StatusTimedOut, map[string]any{"error": result.Error}
	default:
		return run.StatusFailed, map[string]any{"error": result.Error}
	}
}

func terminalKind(status run.Status) eventlog.Kind {
	switch status {
	case run.StatusCompleted:
		return eventlog.KindTaskCompleted
	case run.StatusDenied:
		return eventlog.KindTaskDenied
	case run.StatusTimedOut:
		return eventlog.KindTaskTimedOut
	default:
		return eventlog.KindTaskFailed
	}
}

func (rn *Runner) appendEvent(ctx context.Context, r run.Run, kind eventlog.Kind, detail map[string]any) {
	payload, err := json.Marshal(detail)
	if err != nil {
		payload = []byte("{}")
	}
	e := eventlog.Event{
		ID:          "event_" + uuid.NewString(),
		TaskID:      r.ID,
		WorkspaceID: r.WorkspaceID,
		Kind:        kind,
		Detail:      payload,
		Labels:      r.Metadata,
	}
	if err := rn.deps.Events.Append(ctx, e); err != nil {
		rn.deps.Logger.Warn(ctx, "runner: append event failed", "run_id", r.ID, "kind", string(kind), "err", err)
	}
}

// taskAdapter implements sandbox.Adapter over a Runner: every tool call the
// sandbox makes becomes an ad hoc task.Task row driven through
// dispatcher.Dispatch, and every output line becomes a task.stdout/stderr
// event on the owning run.
type taskAdapter struct {
	runner *Runner
	run    run.Run
}

func (a *taskAdapter) InvokeTool(ctx context.Context, call sandbox.ToolCall) (sandbox.ToolCallResult, error) {
	callID := call.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	t := task.Task{
		ID:          "task_" + callID,
		WorkspaceID: a.run.WorkspaceID,
		ActorID:     a.run.ActorID,
		ClientID:    a.run.ClientID,
		Tool:        task.Ref{ToolName: call.ToolPath},
		Args:        call.Input,
		Labels:      a.run.Metadata,
		// Dispatch's contract is to drive t from StatusRunning to a terminal
		// status; this call is already underway by the time the sandbox asks
		// to invoke a tool, so the per-call row starts there rather than
		// StatusQueued.
		Status: task.StatusRunning,
	}
	if err := a.runner.deps.Tasks.Create(ctx, t); err != nil {
		return sandbox.ToolCallResult{OK: false, Error: err.Error()}, nil
	}
	a.runner.appendEvent(ctx, a.run, eventlog.KindToolCallStarted, map[string]any{"call_id": callID, "tool": call.ToolPath})

	out, err := a.runner.deps.Dispatcher.Dispatch(ctx, t)
	if err != nil {
		a.runner.appendEvent(ctx, a.run, eventlog.KindToolCallFailed, map[string]any{"call_id": callID, "error": err.Error()})
		return sandbox.ToolCallResult{OK: false, Error: err.Error()}, nil
	}

	switch out.Status {
	case task.StatusCompleted:
		a.runner.appendEvent(ctx, a.run, eventlog.KindToolCallCompleted, map[string]any{"call_id": callID})
		return sandbox.ToolCallResult{OK: true, Value: out.Result}, nil
	case task.StatusDenied:
		a.runner.appendEvent(ctx, a.run, eventlog.KindToolCallDenied, map[string]any{"call_id": callID, "error": out.Error})
		return sandbox.ToolCallResult{OK: false, Denied: true, Error: out.Error}, nil
	default:
		a.runner.appendEvent(ctx, a.run, eventlog.KindToolCallFailed, map[string]any{"call_id": callID, "error": out.Error})
		return sandbox.ToolCallResult{OK: false, Error: out.Error}, nil
	}
}

func (a *taskAdapter) EmitOutput(ctx context.Context, line sandbox.OutputLine) {
	kind := eventlog.KindTaskStdout
	if line.Stream == sandbox.StreamStderr {
		kind = eventlog.KindTaskStderr
	}
	ts := line.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	a.runner.appendEvent(ctx, a.run, kind, map[string]any{"line": line.Line, "timestamp": ts.Format(time.RFC3339Nano)})
}

var _ sandbox.Adapter = (*taskAdapter)(nil)
