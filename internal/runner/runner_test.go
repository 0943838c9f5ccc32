package runner

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	approvalinmem "github.com/sandboxgw/core/internal/approval/inmem"
	"github.com/sandboxgw/core/internal/approvalcoord"
	"github.com/sandboxgw/core/internal/credential"
	credentialinmem "github.com/sandboxgw/core/internal/credential/inmem"
	"github.com/sandboxgw/core/internal/dispatcher"
	"github.com/sandboxgw/core/internal/eventlog"
	eventloginmem "github.com/sandboxgw/core/internal/eventlog/inmem"
	"github.com/sandboxgw/core/internal/policy"
	"github.com/sandboxgw/core/internal/run"
	runinmem "github.com/sandboxgw/core/internal/run/inmem"
	"github.com/sandboxgw/core/internal/sandbox"
	"github.com/sandboxgw/core/internal/sandbox/fake"
	"github.com/sandboxgw/core/internal/task"
	taskinmem "github.com/sandboxgw/core/internal/task/inmem"
	"github.com/sandboxgw/core/internal/tools"
	"github.com/sandboxgw/core/internal/toolcache"
	toolcacheinmem "github.com/sandboxgw/core/internal/toolcache/inmem"
	"github.com/sandboxgw/core/internal/toolsource"
	toolsourceinmem "github.com/sandboxgw/core/internal/toolsource/inmem"
)

type fakePolicyStore struct{ rules []policy.Rule }

func (s fakePolicyStore) Load(context.Context, string) ([]policy.Rule, error) { return s.rules, nil }
func (fakePolicyStore) Save(context.Context, string, []policy.Rule) error     { return nil }

type noVault struct{}

func (noVault) Read(context.Context, string) (credential.Credential, error) {
	return credential.Credential{}, credential.ErrNotFound
}

type fakeCompiler struct{ result toolsource.CompileResult }

func (c fakeCompiler) Type() toolsource.Type { return toolsource.TypeOpenAPI }

func (c fakeCompiler) Compile(context.Context, toolsource.Source) (toolsource.CompileResult, error) {
	return c.result, nil
}

func (c fakeCompiler) Recompile(_ context.Context, _ toolsource.Source, a toolsource.CompiledArtifact) (tools.Definition, error) {
	return tools.Definition{
		SourceID:     a.SourceID,
		Name:         a.Name,
		Description:  a.Description,
		Tags:         a.Tags,
		ApprovalMode: a.Approval,
		Confirmation: a.Confirmation,
		Payload:      a.Payload,
		Result:       a.Result,
		Invoke: func(context.Context, []byte) ([]byte, error) {
			return []byte(`{"ok":true}`), nil
		},
	}, nil
}

func testRunner(t *testing.T) (*Runner, run.Store, eventlog.Store, *fake.Runtime) {
	t.Helper()

	src := toolsource.Source{ID: "src_1", WorkspaceID: "ws_1", Name: "gh", Type: toolsource.TypeOpenAPI, Enabled: true, UpdatedAt: time.Now()}
	srcStore := toolsourceinmem.New()
	_, err := srcStore.Create(context.Background(), src)
	require.NoError(t, err)

	compiler := fakeCompiler{result: toolsource.CompileResult{
		Artifacts: []toolsource.CompiledArtifact{
			{SourceID: src.ID, Name: "gh.getRepo", Approval: tools.ApprovalNever},
		},
	}}
	cache := toolcache.New(srcStore, map[toolsource.Type]toolsource.Compiler{toolsource.TypeOpenAPI: compiler}, toolcacheinmem.New(), slog.Default())

	buildDiscover := func(defs []tools.Definition) tools.Definition {
		return tools.Definition{
			Name: tools.DiscoverName,
			Invoke: func(context.Context, []byte) ([]byte, error) {
				return []byte(`[]`), nil
			},
		}
	}

	tasks := taskinmem.New()
	events := eventloginmem.New()
	approvals := approvalinmem.New()
	coord := approvalcoord.New(approvals, approvalcoord.Options{PollInterval: 10 * time.Millisecond})
	credStore := credentialinmem.New()
	resolver := credential.NewResolver(credStore, noVault{}, credential.Options{})

	d := dispatcher.New(dispatcher.Dependencies{
		Tasks:         tasks,
		Events:        events,
		Policies:      fakePolicyStore{},
		Approvals:     coord,
		Credentials:   resolver,
		ToolCache:     cache,
		BuildDiscover: buildDiscover,
	})

	runs := runinmem.New()
	rt := &fake.Runtime{}
	rn := New(Dependencies{
		Runs:       runs,
		Tasks:      tasks,
		Events:     events,
		Sandbox:    rt,
		Dispatcher: d,
	})
	return rn, runs, events, rt
}

func TestSubmitCreatesQueuedRunAndEvents(t *testing.T) {
	rn, runs, events, _ := testRunner(t)
	ctx := context.Background()

	r, err := rn.Submit(ctx, run.Run{ID: "task_1", WorkspaceID: "ws_1", Code: "print(1)"})
	require.NoError(t, err)
	require.Equal(t, run.StatusQueued, r.Status)

	stored, err := runs.Load(ctx, "task_1")
	require.NoError(t, err)
	require.Equal(t, run.StatusQueued, stored.Status)

	evs, err := events.ListByTask(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, eventlog.KindTaskCreated, evs[0].Kind)
	require.Equal(t, eventlog.KindTaskQueued, evs[1].Kind)
}

func TestTriggerInvokesToolAndCompletes(t *testing.T) {
	rn, runs, events, rt := testRunner(t)
	ctx := context.Background()

	rt.Steps = []fake.Step{
		{Output: &sandbox.OutputLine{Stream: sandbox.StreamStdout, Line: "hello"}},
		{ToolCall: &sandbox.ToolCall{CallID: "call_1", ToolPath: "gh.getRepo", Input: []byte(`{}`)}},
	}
	rt.Result = sandbox.Result{Status: sandbox.StatusCompleted, ExitCode: 0}

	_, err := rn.Submit(ctx, run.Run{ID: "task_1", WorkspaceID: "ws_1", ActorID: "actor_1", Code: "print(1)"})
	require.NoError(t, err)

	require.NoError(t, rn.Trigger(ctx, "task_1"))

	stored, err := runs.Load(ctx, "task_1")
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, stored.Status)

	kinds := eventKinds(t, events, "task_1")
	require.Contains(t, kinds, eventlog.KindTaskRunning)
	require.Contains(t, kinds, eventlog.KindTaskStdout)
	require.Contains(t, kinds, eventlog.KindToolCallStarted)
	require.Contains(t, kinds, eventlog.KindToolCallCompleted)
	require.Contains(t, kinds, eventlog.KindTaskCompleted)
}

func TestTriggerIsIdempotentOnceRunning(t *testing.T) {
	rn, _, _, rt := testRunner(t)
	ctx := context.Background()
	rt.Result = sandbox.Result{Status: sandbox.StatusCompleted}

	_, err := rn.Submit(ctx, run.Run{ID: "task_1", WorkspaceID: "ws_1", Code: "print(1)"})
	require.NoError(t, err)

	require.NoError(t, rn.Trigger(ctx, "task_1"))
	// Second trigger on an already-terminal run is a no-op, not an error.
	require.NoError(t, rn.Trigger(ctx, "task_1"))
}

func TestTriggerMapsFailedToolCallToFailedRun(t *testing.T) {
	rn, runs, _, rt := testRunner(t)
	ctx := context.Background()
	rt.Steps = []fake.Step{
		{ToolCall: &sandbox.ToolCall{CallID: "call_1", ToolPath: "gh.nope", Input: []byte(`{}`)}},
	}

	_, err := rn.Submit(ctx, run.Run{ID: "task_1", WorkspaceID: "ws_1", Code: "print(1)"})
	require.NoError(t, err)
	require.NoError(t, rn.Trigger(ctx, "task_1"))

	stored, err := runs.Load(ctx, "task_1")
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, stored.Status)
}

func TestTriggerMapsTimeoutToTimedOutRun(t *testing.T) {
	rn, runs, _, rt := testRunner(t)
	ctx := context.Background()
	rt.Result = sandbox.Result{Status: sandbox.StatusTimedOut, Error: "deadline exceeded"}

	_, err := rn.Submit(ctx, run.Run{ID: "task_1", WorkspaceID: "ws_1", Code: "while True: pass", TimeoutMs: 50})
	require.NoError(t, err)
	require.NoError(t, rn.Trigger(ctx, "task_1"))

	stored, err := runs.Load(ctx, "task_1")
	require.NoError(t, err)
	require.Equal(t, run.StatusTimedOut, stored.Status)
}

func eventKinds(t *testing.T, events eventlog.Store, runID string) []eventlog.Kind {
	t.Helper()
	evs, err := events.ListByTask(context.Background(), runID)
	require.NoError(t, err)
	kinds := make([]eventlog.Kind, len(evs))
	for i, e := range evs {
		kinds[i] = e.Kind
	}
	return kinds
}
