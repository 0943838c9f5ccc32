// Package dispatcher implements the Tool Dispatcher: the pipeline that
// turns one queued task.Task into a completed, denied, or failed terminal
// state by resolving its tool, evaluating workspace policy, suspending for
// human approval when required, binding a credential, invoking the tool,
// and appending every step to the Event Log.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/sandboxgw/core/internal/approval"
	"github.com/sandboxgw/core/internal/approvalcoord"
	"github.com/sandboxgw/core/internal/credential"
	"github.com/sandboxgw/core/internal/eventlog"
	"github.com/sandboxgw/core/internal/policy"
	"github.com/sandboxgw/core/internal/task"
	"github.com/sandboxgw/core/internal/telemetry"
	"github.com/sandboxgw/core/internal/tools"
	"github.com/sandboxgw/core/internal/toolcache"
	"github.com/sandboxgw/core/internal/toolsource"
	"github.com/sandboxgw/core/internal/toolsource/graphqlsource"
)

// DeniedSentinel prefixes task.Task.Error for a policy- or approval-denied
// task, distinguishing a deliberate denial from an execution failure.
const DeniedSentinel = "APPROVAL_DENIED:"

// ApprovalTimeout bounds how long a suspended task waits for a human
// decision before the Approval Coordinator auto-denies it as expired.
const ApprovalTimeout = 24 * time.Hour

// Dependencies collects the collaborators a Dispatcher is built from.
type Dependencies struct {
	Tasks         task.Store
	Events        eventlog.Store
	Policies      policy.Store
	Approvals     *approvalcoord.Coordinator
	Credentials   *credential.Resolver
	ToolCache     *toolcache.Cache
	BaseTools     []tools.Definition
	BuildDiscover func([]tools.Definition) tools.Definition
	Logger        telemetry.Logger
	Tracer        telemetry.Tracer
}

// Dispatcher runs the resolution -> policy -> approval -> credential ->
// invoke -> emit pipeline for one task at a time. Concurrency is the
// caller's responsibility (internal/runner bounds how many tasks run
// concurrently); Dispatch itself is safe to call from multiple goroutines
// since every collaborator it touches is.
type Dispatcher struct {
	deps Dependencies
}

// New constructs a Dispatcher. Logger/Tracer default to no-op
// implementations when nil.
func New(deps Dependencies) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewNoopTracer()
	}
	return &Dispatcher{deps: deps}
}

// Dispatch drives t from StatusRunning to a terminal status, persisting
// every transition through Dependencies.Tasks and appending an Event for
// every step. It returns the task's final state; a non-nil error means the
// pipeline itself could not run to completion (e.g. the task store is
// unreachable), distinct from a denied or failed task, both of which are
// reported via the returned Task's Status/Error, not via error.
func (d *Dispatcher) Dispatch(ctx context.Context, t task.Task) (task.Task, error) {
	ctx, span := d.deps.Tracer.Start(ctx, "dispatcher.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("dispatcher.task_id", t.ID),
			attribute.String("dispatcher.workspace_id", t.WorkspaceID),
			attribute.String("dispatcher.tool", t.Tool.ToolName),
		),
	)
	defer span.End()

	def, warnings, err := d.resolve(ctx, t)
	for _, w := range warnings {
		d.deps.Logger.Warn(ctx, "tool source compile warning", "workspace_id", t.WorkspaceID, "source_id", w.SourceID, "detail", w.Detail)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve tool")
		return d.fail(ctx, t, fmt.Errorf("resolve tool %q: %w", t.Tool.ToolName, err))
	}

	decision, matchedRule, err := d.evaluatePolicy(ctx, t, def)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluate policy")
		return d.fail(ctx, t, fmt.Errorf("evaluate policy: %w", err))
	}
	d.appendEvent(ctx, t, eventlog.KindPolicyDecided, map[string]any{"decision": string(decision), "rule": matchedRule})

	switch decision {
	case policy.DecisionDeny:
		return d.deny(ctx, t, "policy denied")
	case policy.DecisionRequireApproval:
		approved, reason, err := d.awaitApproval(ctx, t, def)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "await approval")
			return d.fail(ctx, t, fmt.Errorf("await approval: %w", err))
		}
		if !approved {
			return d.deny(ctx, t, reason)
		}
	case policy.DecisionAllow:
		// proceed
	}

	if issues := d.validate(def, t.Args); len(issues) > 0 {
		detail, _ := json.Marshal(issues)
		return d.fail(ctx, t, fmt.Errorf("invalid arguments: %s", string(detail)))
	}

	invokeCtx, err := d.bindCredential(ctx, t, def)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bind credential")
		return d.fail(ctx, t, fmt.Errorf("bind credential: %w", err))
	}

	start := time.Now()
	result, err := def.Invoke(invokeCtx, t.Args)
	duration := time.Since(start)
	d.appendEvent(ctx, t, eventlog.KindToolInvoked, map[string]any{"tool": t.Tool.ToolName, "duration_ms": duration.Milliseconds(), "error": errString(err)})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invoke tool")
		return d.fail(ctx, t, fmt.Errorf("invoke %s: %w", t.Tool.ToolName, err))
	}

	return d.complete(ctx, t, result)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// resolve loads the workspace's full tool set (via the Workspace Tool
// Cache) and resolves t.Tool.ToolName against it.
func (d *Dispatcher) resolve(ctx context.Context, t task.Task) (tools.Definition, []toolsource.CompileWarning, error) {
	defs, warnings, err := d.deps.ToolCache.Lookup(ctx, t.WorkspaceID, d.deps.BaseTools, d.deps.BuildDiscover)
	if err != nil {
		return tools.Definition{}, nil, err
	}
	registry := tools.NewRegistry(nil, defs)
	def, err := registry.Resolve(t.Tool.ToolName)
	if err != nil {
		return tools.Definition{}, warnings, err
	}
	return def, warnings, nil
}

// evaluatePolicy decides whether the call may proceed. For a GraphQL
// source's synthetic "execute" tool, it decomposes t.Args's operation
// string into pseudo-tool paths per §4.7 and combines their individual
// decisions (worst wins) rather than evaluating the execute tool itself,
// since the execute tool's own ApprovalMode carries no field-level
// distinction.
func (d *Dispatcher) evaluatePolicy(ctx context.Context, t task.Task, def tools.Definition) (policy.Decision, string, error) {
	// discover is the anti-dead-end escape hatch: a client with zero allowed
	// tools must still be able to discover what it could ask for, so no
	// workspace policy rule (not even a catch-all "*" deny) may block it.
	if def.Name == tools.DiscoverName {
		return policy.DecisionAllow, "", nil
	}

	rules, err := d.deps.Policies.Load(ctx, t.WorkspaceID)
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		return "", "", err
	}
	engine := policy.New(rules)

	if !isGraphQLExecuteTool(def.Tags) {
		res, err := engine.Decide(ctx, policy.Input{
			ActorID: t.ActorID, ClientID: t.ClientID, ToolName: string(def.Name),
			DefaultDecision: defaultDecision(def.ApprovalMode),
		})
		if err != nil {
			return "", "", err
		}
		return res.Decision, res.MatchedID, nil
	}

	sourceName, _, _ := splitSourcePrefix(string(def.Name))
	queryFields, mutationFields := graphqlsource.ExtractFieldPaths(extractOperationString(t.Args))

	var decisions []policy.Decision
	var matched string
	for _, f := range queryFields {
		name := graphqlsource.QueryPseudoTool(sourceName, f)
		res, err := engine.Decide(ctx, policy.Input{ActorID: t.ActorID, ClientID: t.ClientID, ToolName: string(name), DefaultDecision: policy.DecisionAllow})
		if err != nil {
			return "", "", err
		}
		decisions = append(decisions, res.Decision)
		if res.MatchedID != "" {
			matched = res.MatchedID
		}
	}
	for _, f := range mutationFields {
		name := graphqlsource.MutationPseudoTool(sourceName, f)
		res, err := engine.Decide(ctx, policy.Input{ActorID: t.ActorID, ClientID: t.ClientID, ToolName: string(name), DefaultDecision: policy.DecisionRequireApproval})
		if err != nil {
			return "", "", err
		}
		decisions = append(decisions, res.Decision)
		if res.MatchedID != "" {
			matched = res.MatchedID
		}
	}
	return policy.Combine(decisions...), matched, nil
}

// isGraphQLExecuteTool reports whether tags mark a Definition as the
// synthetic GraphQL execute tool, whose own ApprovalMode is bypassed in
// favor of per-field pseudo-tool decisions.
func isGraphQLExecuteTool(tags []string) bool {
	for _, t := range tags {
		if t == graphqlsource.GraphQLSourceTag {
			return true
		}
	}
	return false
}

func defaultDecision(mode tools.ApprovalMode) policy.Decision {
	if mode == tools.ApprovalAlways {
		return policy.DecisionRequireApproval
	}
	return policy.DecisionAllow
}

// splitSourcePrefix splits a fully qualified tool name "source.rest" into
// its source-name prefix and remainder.
func splitSourcePrefix(name string) (source, rest string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i], name[i+1:], true
		}
	}
	return name, "", false
}

// extractOperationString pulls the GraphQL operation string out of the
// execute tool's call arguments ({"query": "..."}).
func extractOperationString(args []byte) string {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ""
	}
	return req.Query
}

// validate checks t's args against def's payload schema, when one is set.
func (d *Dispatcher) validate(def tools.Definition, args []byte) []tools.FieldIssue {
	if len(def.Payload.Schema) == 0 {
		return nil
	}
	validator, err := tools.CompileValidator(string(def.Name), def.Payload.Schema)
	if err != nil {
		return nil
	}
	issues, err := validator.Validate(args)
	if err != nil {
		return []tools.FieldIssue{{Detail: err.Error()}}
	}
	return issues
}

// awaitApproval requests and blocks on a human decision for def's call.
func (d *Dispatcher) awaitApproval(ctx context.Context, t task.Task, def tools.Definition) (bool, string, error) {
	summary := fmt.Sprintf("Call %s", def.Name)
	if def.Confirmation != nil && def.Confirmation.PromptTemplate != "" {
		summary = def.Confirmation.PromptTemplate
	}
	approvalID, err := d.deps.Approvals.RequestApproval(ctx, t.WorkspaceID, t.ID, string(def.Name), summary, time.Now().Add(ApprovalTimeout))
	if err != nil {
		return false, "", err
	}
	if err := d.deps.Tasks.UpdateStatus(ctx, t.ID, task.StatusRunning, func(tt *task.Task) { tt.ApprovalID = approvalID }); err != nil {
		return false, "", err
	}
	d.appendEvent(ctx, t, eventlog.KindApprovalCreated, map[string]any{"approval_id": approvalID, "tool": string(def.Name)})

	resolved, err := d.deps.Approvals.Await(ctx, approvalID)
	if err != nil {
		return false, "", err
	}
	d.appendEvent(ctx, t, eventlog.KindApprovalDecided, map[string]any{"approval_id": approvalID, "status": string(resolved.Status), "reason": resolved.Reason})

	switch resolved.Status {
	case approval.StatusApproved:
		return true, "", nil
	default:
		reason := resolved.Reason
		if reason == "" {
			reason = string(resolved.Status)
		}
		return false, reason, nil
	}
}

// bindCredential resolves a credential for def's owning tool source, if
// one is registered, and attaches it to ctx for the invoker to read back.
// A missing credential registration is not an error: most tool sources
// call unauthenticated or rely on baked-in auth.
func (d *Dispatcher) bindCredential(ctx context.Context, t task.Task, def tools.Definition) (context.Context, error) {
	if d.deps.Credentials == nil {
		return ctx, nil
	}
	cred, err := d.deps.Credentials.Resolve(ctx, def.SourceID)
	if errors.Is(err, credential.ErrNotFound) {
		return ctx, nil
	}
	if err != nil {
		return ctx, err
	}
	d.appendEvent(ctx, t, eventlog.KindCredentialBound, map[string]any{"source_id": def.SourceID, "kind": string(cred.Kind)})
	return toolsource.WithCredential(ctx, cred), nil
}

func (d *Dispatcher) deny(ctx context.Context, t task.Task, reason string) (task.Task, error) {
	errMsg := DeniedSentinel + reason
	if err := d.deps.Tasks.UpdateStatus(ctx, t.ID, task.StatusDenied, func(tt *task.Task) { tt.Error = errMsg }); err != nil {
		return task.Task{}, err
	}
	d.appendEvent(ctx, t, eventlog.KindTaskDenied, map[string]any{"reason": reason})
	return d.reload(ctx, t.ID)
}

func (d *Dispatcher) fail(ctx context.Context, t task.Task, cause error) (task.Task, error) {
	if err := d.deps.Tasks.UpdateStatus(ctx, t.ID, task.StatusFailed, func(tt *task.Task) { tt.Error = cause.Error() }); err != nil {
		return task.Task{}, err
	}
	d.appendEvent(ctx, t, eventlog.KindTaskFailed, map[string]any{"error": cause.Error()})
	return d.reload(ctx, t.ID)
}

func (d *Dispatcher) complete(ctx context.Context, t task.Task, result []byte) (task.Task, error) {
	if err := d.deps.Tasks.UpdateStatus(ctx, t.ID, task.StatusCompleted, func(tt *task.Task) { tt.Result = result }); err != nil {
		return task.Task{}, err
	}
	d.appendEvent(ctx, t, eventlog.KindTaskCompleted, map[string]any{})
	return d.reload(ctx, t.ID)
}

func (d *Dispatcher) reload(ctx context.Context, id string) (task.Task, error) {
	return d.deps.Tasks.Load(ctx, id)
}

func (d *Dispatcher) appendEvent(ctx context.Context, t task.Task, kind eventlog.Kind, detail map[string]any) {
	raw, err := json.Marshal(detail)
	if err != nil {
		raw = nil
	}
	err = d.deps.Events.Append(ctx, eventlog.Event{
		ID:          "event_" + uuid.NewString(),
		TaskID:      t.ID,
		WorkspaceID: t.WorkspaceID,
		Kind:        kind,
		Detail:      raw,
		Labels:      t.Labels,
	})
	if err != nil {
		d.deps.Logger.Error(ctx, "append event failed", "task_id", t.ID, "kind", string(kind), "error", err)
	}
}
