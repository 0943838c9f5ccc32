package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxgw/core/internal/sandbox"
	"github.com/sandboxgw/core/internal/sandbox/remote"
	"github.com/sandboxgw/core/transport/oauth"
)

func TestNewRouterServesProtectedResourceMetadata(t *testing.T) {
	r := NewRouter(Config{ResourceMetadata: oauth.ProtectedResourceMetadata{Resource: "https://gateway.test"}})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/oauth-protected-resource")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRouterServesAuthServerMetadataFromIssuer(t *testing.T) {
	key, err := oauth.GenerateSigningKey()
	require.NoError(t, err)
	issuer, err := oauth.NewIssuer("https://gateway.test", key)
	require.NoError(t, err)

	r := NewRouter(Config{Issuer: issuer})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRouterReturnsNotFoundForAuthServerMetadataWhenUnconfigured(t *testing.T) {
	r := NewRouter(Config{})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMCPRouteAllowsRequestsWhenNoAuthenticatorConfigured(t *testing.T) {
	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r := NewRouter(Config{MCPHandler: mcp})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMCPRouteRejectsMissingBearerTokenWhenAuthenticatorConfigured(t *testing.T) {
	key, err := oauth.GenerateSigningKey()
	require.NoError(t, err)
	issuer, err := oauth.NewIssuer("https://gateway.test", key)
	require.NoError(t, err)

	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r := NewRouter(Config{MCPHandler: mcp, Authenticator: issuer})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestCallbackAuthRejectsWrongToken(t *testing.T) {
	rt := remote.New(remote.Config{WorkerURL: "http://unused"})
	r := NewRouter(Config{RemoteRuntime: rt, CallbackToken: "secret"})
	srv := httptest.NewServer(r)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/internal/runs/run-1/output", strings.NewReader(""))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type fakeAdapter struct {
	mu     sync.Mutex
	lines  []sandbox.OutputLine
	result sandbox.ToolCallResult
}

func (a *fakeAdapter) InvokeTool(ctx context.Context, call sandbox.ToolCall) (sandbox.ToolCallResult, error) {
	return a.result, nil
}

func (a *fakeAdapter) EmitOutput(ctx context.Context, line sandbox.OutputLine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines = append(a.lines, line)
}

// startExecution runs rt.Execute for runID in the background against a
// no-op worker and waits until the callback handlers can reach it, so the
// caller can then drive transport/httpapi's internal run-callback routes.
func startExecution(t *testing.T, rt *remote.Runtime, runID string, adapter sandbox.Adapter) <-chan sandbox.Result {
	t.Helper()
	done := make(chan sandbox.Result, 1)
	go func() {
		res, err := rt.Execute(context.Background(), sandbox.ExecRequest{RunID: runID, Code: "print(1)"}, adapter)
		require.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool {
		return rt.HandleOutput(context.Background(), runID, sandbox.OutputLine{}) == nil
	}, time.Second, time.Millisecond)
	return done
}

func TestToolCallCallbackRelaysToAdapter(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) }))
	defer worker.Close()

	rt := remote.New(remote.Config{WorkerURL: worker.URL})
	r := NewRouter(Config{RemoteRuntime: rt, CallbackToken: "secret"})
	srv := httptest.NewServer(r)
	defer srv.Close()

	adapter := &fakeAdapter{result: sandbox.ToolCallResult{OK: true, Value: []byte(`"ok"`)}}
	done := startExecution(t, rt, "run-1", adapter)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/internal/runs/run-1/tool-call",
		strings.NewReader(`{"callId":"c1","toolPath":"demo.tool"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	completeRun(t, srv.URL, "run-1", "secret")
	<-done
}

func TestOutputCallbackRelaysToAdapter(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) }))
	defer worker.Close()

	rt := remote.New(remote.Config{WorkerURL: worker.URL})
	r := NewRouter(Config{RemoteRuntime: rt, CallbackToken: "secret"})
	srv := httptest.NewServer(r)
	defer srv.Close()

	adapter := &fakeAdapter{}
	done := startExecution(t, rt, "run-2", adapter)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/internal/runs/run-2/output",
		strings.NewReader(`{"stream":"stdout","line":"hello"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	adapter.mu.Lock()
	require.NotEmpty(t, adapter.lines)
	require.Equal(t, "hello", adapter.lines[len(adapter.lines)-1].Line)
	adapter.mu.Unlock()

	completeRun(t, srv.URL, "run-2", "secret")
	<-done
}

func TestCompleteCallbackUnblocksExecute(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) }))
	defer worker.Close()

	rt := remote.New(remote.Config{WorkerURL: worker.URL})
	r := NewRouter(Config{RemoteRuntime: rt, CallbackToken: "secret"})
	srv := httptest.NewServer(r)
	defer srv.Close()

	adapter := &fakeAdapter{}
	done := startExecution(t, rt, "run-3", adapter)

	completeRun(t, srv.URL, "run-3", "secret")

	select {
	case res := <-done:
		require.Equal(t, sandbox.StatusCompleted, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not unblock after complete callback")
	}
}

func completeRun(t *testing.T, baseURL, runID, token string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/internal/runs/"+runID+"/complete",
		strings.NewReader(`{"status":"completed","exitCode":0,"durationMs":1}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}
