package dispatcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxgw/core/internal/approval"
	approvalinmem "github.com/sandboxgw/core/internal/approval/inmem"
	"github.com/sandboxgw/core/internal/approvalcoord"
	"github.com/sandboxgw/core/internal/credential"
	credentialinmem "github.com/sandboxgw/core/internal/credential/inmem"
	eventloginmem "github.com/sandboxgw/core/internal/eventlog/inmem"
	"github.com/sandboxgw/core/internal/policy"
	"github.com/sandboxgw/core/internal/task"
	taskinmem "github.com/sandboxgw/core/internal/task/inmem"
	"github.com/sandboxgw/core/internal/tools"
	"github.com/sandboxgw/core/internal/toolcache"
	toolcacheinmem "github.com/sandboxgw/core/internal/toolcache/inmem"
	"github.com/sandboxgw/core/internal/toolsource"
	toolsourceinmem "github.com/sandboxgw/core/internal/toolsource/inmem"
)

type fakePolicyStore struct {
	rules []policy.Rule
}

func (s fakePolicyStore) Load(context.Context, string) ([]policy.Rule, error) { return s.rules, nil }
func (fakePolicyStore) Save(context.Context, string, []policy.Rule) error     { return nil }

type fakeCompiler struct {
	result toolsource.CompileResult
}

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

func testDispatcher(t *testing.T, rules []policy.Rule) (*Dispatcher, task.Store, *approvalinmem.Store, toolsource.Source) {
	t.Helper()

	src := toolsource.Source{ID: "src_1", WorkspaceID: "ws_1", Name: "gh", Type: toolsource.TypeOpenAPI, Enabled: true, UpdatedAt: time.Now()}
	srcStore := toolsourceinmem.New()
	_, err := srcStore.Create(context.Background(), src)
	require.NoError(t, err)

	compiler := fakeCompiler{result: toolsource.CompileResult{
		Artifacts: []toolsource.CompiledArtifact{
			{SourceID: src.ID, Name: "gh.getRepo", Approval: tools.ApprovalNever},
			{SourceID: src.ID, Name: "gh.deleteRepo", Approval: tools.ApprovalAlways,
				Confirmation: &tools.ConfirmationSpec{PromptTemplate: "delete repo?"}},
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

	d := New(Dependencies{
		Tasks:         tasks,
		Events:        events,
		Policies:      fakePolicyStore{rules: rules},
		Approvals:     coord,
		Credentials:   resolver,
		ToolCache:     cache,
		BuildDiscover: buildDiscover,
	})
	return d, tasks, approvals, src
}

type noVault struct{}

func (noVault) Read(context.Context, string) (credential.Credential, error) {
	return credential.Credential{}, credential.ErrNotFound
}

func newRunningTask(id, toolName string, args []byte) task.Task {
	return task.Task{
		ID:          id,
		WorkspaceID: "ws_1",
		ActorID:     "actor_1",
		ClientID:    "client_1",
		Tool:        task.Ref{ToolSourceID: "src_1", ToolName: toolName},
		Args:        args,
		Status:      task.StatusRunning,
	}
}

func TestDispatchAllowsToolWithoutApproval(t *testing.T) {
	d, tasks, _, _ := testDispatcher(t, nil)
	ctx := context.Background()
	tk := newRunningTask("task_1", "gh.getRepo", []byte(`{}`))
	require.NoError(t, tasks.Create(ctx, tk))

	out, err := d.Dispatch(ctx, tk)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, out.Status)
	require.JSONEq(t, `{"ok":true}`, string(out.Result))
}

func TestDispatchFailsUnknownTool(t *testing.T) {
	d, tasks, _, _ := testDispatcher(t, nil)
	ctx := context.Background()
	tk := newRunningTask("task_1", "gh.nope", []byte(`{}`))
	require.NoError(t, tasks.Create(ctx, tk))

	out, err := d.Dispatch(ctx, tk)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, out.Status)
	require.NotEmpty(t, out.Error)
}

func TestDispatchDeniesByPolicyRule(t *testing.T) {
	d, tasks, _, _ := testDispatcher(t, []policy.Rule{
		{ID: "rule_1", ToolPattern: "gh.getRepo", Decision: policy.DecisionDeny},
	})
	ctx := context.Background()
	tk := newRunningTask("task_1", "gh.getRepo", []byte(`{}`))
	require.NoError(t, tasks.Create(ctx, tk))

	out, err := d.Dispatch(ctx, tk)
	require.NoError(t, err)
	require.Equal(t, task.StatusDenied, out.Status)
	require.Contains(t, out.Error, DeniedSentinel)
}

func TestDispatchSuspendsForApprovalAndCompletesOnApprove(t *testing.T) {
	d, tasks, approvals, _ := testDispatcher(t, nil)
	ctx := context.Background()
	tk := newRunningTask("task_1", "gh.deleteRepo", []byte(`{}`))
	require.NoError(t, tasks.Create(ctx, tk))

	done := make(chan struct {
		out task.Task
		err error
	}, 1)
	go func() {
		out, err := d.Dispatch(ctx, tk)
		done <- struct {
			out task.Task
			err error
		}{out, err}
	}()

	var approvalID string
	require.Eventually(t, func() bool {
		reloaded, err := tasks.Load(ctx, tk.ID)
		if err != nil || reloaded.ApprovalID == "" {
			return false
		}
		approvalID = reloaded.ApprovalID
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, approvals.Resolve(ctx, approvalID, approval.StatusApproved, "approver_1", "looks fine"))

	result := <-done
	require.NoError(t, result.err)
	require.Equal(t, task.StatusCompleted, result.out.Status)
}

func TestDispatchSuspendsForApprovalAndDeniesOnReject(t *testing.T) {
	d, tasks, approvals, _ := testDispatcher(t, nil)
	ctx := context.Background()
	tk := newRunningTask("task_1", "gh.deleteRepo", []byte(`{}`))
	require.NoError(t, tasks.Create(ctx, tk))

	done := make(chan struct {
		out task.Task
		err error
	}, 1)
	go func() {
		out, err := d.Dispatch(ctx, tk)
		done <- struct {
			out task.Task
			err error
		}{out, err}
	}()

	var approvalID string
	require.Eventually(t, func() bool {
		reloaded, err := tasks.Load(ctx, tk.ID)
		if err != nil || reloaded.ApprovalID == "" {
			return false
		}
		approvalID = reloaded.ApprovalID
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, approvals.Resolve(ctx, approvalID, approval.StatusDenied, "approver_1", "not today"))

	result := <-done
	require.NoError(t, result.err)
	require.Equal(t, task.StatusDenied, result.out.Status)
	require.Contains(t, result.out.Error, "not today")
}
