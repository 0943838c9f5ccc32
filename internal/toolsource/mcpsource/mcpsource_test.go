package mcpsource

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxgw/core/internal/toolsource"
)

type fakeClient struct {
	tools     []RemoteTool
	listErr   error
	lastCall  CallRequest
	callResp  CallResponse
	callErr   error
}

func (f *fakeClient) ListTools(context.Context, Config) ([]RemoteTool, error) {
	return f.tools, f.listErr
}

func (f *fakeClient) CallTool(_ context.Context, _ Config, req CallRequest) (CallResponse, error) {
	f.lastCall = req
	return f.callResp, f.callErr
}

func sourceWith(t *testing.T, cfg Config) toolsource.Source {
	t.Helper()
	cfgJSON, err := json.Marshal(cfg)
	require.NoError(t, err)
	return toolsource.Source{ID: "src_1", Name: "fs", Config: cfgJSON}
}

func TestCompileListsRemoteTools(t *testing.T) {
	client := &fakeClient{tools: []RemoteTool{{Name: "read_file", Description: "reads a file"}}}
	c := New(client)
	result, err := c.Compile(context.Background(), sourceWith(t, Config{URL: "wss://x", Transport: TransportStreamableHTTP}))
	require.NoError(t, err)
	require.Len(t, result.Artifacts, 1)
	require.Equal(t, "fs.read_file", string(result.Artifacts[0].Name))
}

func TestCompileRejectsUnknownTransport(t *testing.T) {
	c := New(&fakeClient{})
	_, err := c.Compile(context.Background(), sourceWith(t, Config{URL: "wss://x", Transport: "carrier-pigeon"}))
	require.Error(t, err)
}

func TestCompileSkipsUnnamedRemoteTool(t *testing.T) {
	client := &fakeClient{tools: []RemoteTool{{Name: ""}}}
	c := New(client)
	result, err := c.Compile(context.Background(), sourceWith(t, Config{URL: "wss://x", Transport: TransportSSE}))
	require.NoError(t, err)
	require.Empty(t, result.Artifacts)
	require.Len(t, result.Warnings, 1)
}

func TestRecompileProxiesCall(t *testing.T) {
	client := &fakeClient{callResp: CallResponse{Result: json.RawMessage(`{"ok":true}`)}}
	c := New(client)
	src := sourceWith(t, Config{URL: "wss://x", Transport: TransportSSE})
	artifact := toolsource.CompiledArtifact{SourceID: "src_1", Name: "fs.read_file", Tags: []string{remoteToolTag + "read_file"}}

	def, err := c.Recompile(context.Background(), src, artifact)
	require.NoError(t, err)

	out, err := def.Invoke(context.Background(), []byte(`{"path":"/tmp/x"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(out))
	require.Equal(t, "read_file", client.lastCall.Tool)
}
