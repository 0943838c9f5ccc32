package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	approvalinmem "github.com/sandboxgw/core/internal/approval/inmem"
	"github.com/sandboxgw/core/internal/approvalcoord"
	"github.com/sandboxgw/core/internal/credential"
	credentialinmem "github.com/sandboxgw/core/internal/credential/inmem"
	"github.com/sandboxgw/core/internal/dispatcher"
	eventloginmem "github.com/sandboxgw/core/internal/eventlog/inmem"
	"github.com/sandboxgw/core/internal/policy"
	"github.com/sandboxgw/core/internal/run"
	runinmem "github.com/sandboxgw/core/internal/run/inmem"
	"github.com/sandboxgw/core/internal/runner"
	"github.com/sandboxgw/core/internal/sandbox"
	"github.com/sandboxgw/core/internal/sandbox/fake"
	taskinmem "github.com/sandboxgw/core/internal/task/inmem"
	"github.com/sandboxgw/core/internal/tools"
	"github.com/sandboxgw/core/internal/toolcache"
	toolcacheinmem "github.com/sandboxgw/core/internal/toolcache/inmem"
	toolsourceinmem "github.com/sandboxgw/core/internal/toolsource/inmem"
)

type noVault struct{}

func (noVault) Read(context.Context, string) (credential.Credential, error) {
	return credential.Credential{}, credential.ErrNotFound
}

type fakePolicyStore struct{}

func (fakePolicyStore) Load(context.Context, string) ([]policy.Rule, error) { return nil, nil }
func (fakePolicyStore) Save(context.Context, string, []policy.Rule) error   { return nil }

func testRunner(t *testing.T) (*runner.Runner, *fake.Runtime) {
	t.Helper()

	cache := toolcache.New(toolsourceinmem.New(), nil, toolcacheinmem.New(), slog.Default())
	buildDiscover := func([]tools.Definition) tools.Definition {
		return tools.Definition{Name: tools.DiscoverName, Invoke: func(context.Context, []byte) ([]byte, error) {
			return []byte(`[]`), nil
		}}
	}

	coord := approvalcoord.New(approvalinmem.New(), approvalcoord.Options{PollInterval: 10 * time.Millisecond})
	resolver := credential.NewResolver(credentialinmem.New(), noVault{}, credential.Options{})

	d := dispatcher.New(dispatcher.Dependencies{
		Tasks:         taskinmem.New(),
		Events:        eventloginmem.New(),
		Policies:      fakePolicyStore{},
		Approvals:     coord,
		Credentials:   resolver,
		ToolCache:     cache,
		BuildDiscover: buildDiscover,
	})

	rt := &fake.Runtime{Result: sandbox.Result{Status: sandbox.StatusCompleted, ExitCode: 0}}
	rn := runner.New(runner.Dependencies{
		Runs:       runinmem.New(),
		Tasks:      taskinmem.New(),
		Events:     eventloginmem.New(),
		Sandbox:    rt,
		Dispatcher: d,
	})
	return rn, rt
}

func toolRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestExecuteHandlerRejectsMissingWorkspaceContext(t *testing.T) {
	rn, _ := testRunner(t)
	handler := executeHandler(rn)

	res, err := handler(context.Background(), toolRequest(map[string]any{"code": "print(1)"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestExecuteHandlerRejectsMissingCode(t *testing.T) {
	rn, _ := testRunner(t)
	handler := executeHandler(rn)
	ctx := WithWorkspaceContext(context.Background(), WorkspaceContext{WorkspaceID: "ws_1"})

	res, err := handler(ctx, toolRequest(map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestExecuteHandlerRunsCodeToCompletion(t *testing.T) {
	rn, rt := testRunner(t)
	rt.Steps = []fake.Step{
		{Output: &sandbox.OutputLine{Stream: sandbox.StreamStdout, Line: "hello"}},
	}
	handler := executeHandler(rn)
	ctx := WithWorkspaceContext(context.Background(), WorkspaceContext{WorkspaceID: "ws_1", ActorID: "actor_1"})

	res, err := handler(ctx, toolRequest(map[string]any{"code": "print('hello')"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)

	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)

	var out executeResult
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	require.Equal(t, "completed", out.Status)
	require.NotEmpty(t, out.RunID)
}

func TestExecuteHandlerReportsFailedRuns(t *testing.T) {
	rn, rt := testRunner(t)
	rt.Result = sandbox.Result{Status: sandbox.StatusFailed, Error: "boom"}
	handler := executeHandler(rn)
	ctx := WithWorkspaceContext(context.Background(), WorkspaceContext{WorkspaceID: "ws_1"})

	res, err := handler(ctx, toolRequest(map[string]any{"code": "raise Exception()"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)

	var out executeResult
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	require.Equal(t, "failed", out.Status)
	require.Equal(t, "boom", out.Error)
}

func TestWorkspaceContextRoundTrips(t *testing.T) {
	wc := WorkspaceContext{WorkspaceID: "ws_1", ClientID: "client_1", ActorID: "actor_1"}
	ctx := WithWorkspaceContext(context.Background(), wc)
	got, ok := workspaceContextFrom(ctx)
	require.True(t, ok)
	require.Equal(t, wc, got)
}
