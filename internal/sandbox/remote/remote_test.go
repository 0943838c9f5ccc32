package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxgw/core/internal/sandbox"
)

type recordingAdapter struct {
	calls []sandbox.ToolCall
	lines []sandbox.OutputLine
}

func (a *recordingAdapter) InvokeTool(ctx context.Context, call sandbox.ToolCall) (sandbox.ToolCallResult, error) {
	a.calls = append(a.calls, call)
	return sandbox.ToolCallResult{OK: true, Value: []byte(`"ok"`)}, nil
}

func (a *recordingAdapter) EmitOutput(ctx context.Context, line sandbox.OutputLine) {
	a.lines = append(a.lines, line)
}

func TestExecuteRoundTripsThroughCallbacks(t *testing.T) {
	var rt *Runtime
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&start))
		go func() {
			_, err := rt.HandleToolCall(context.Background(), start.RunID, sandbox.ToolCall{CallID: "call_1", ToolPath: "demo.ping"})
			require.NoError(t, err)
			require.NoError(t, rt.HandleOutput(context.Background(), start.RunID, sandbox.OutputLine{Stream: sandbox.StreamStdout, Line: "hi"}))
			require.NoError(t, rt.HandleComplete(start.RunID, sandbox.Result{Status: sandbox.StatusCompleted, ExitCode: 0}))
		}()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer worker.Close()

	rt = New(Config{WorkerURL: worker.URL, CallbackBaseURL: "http://gateway.test", CallbackToken: "tok"})
	adapter := &recordingAdapter{}

	result, err := rt.Execute(context.Background(), sandbox.ExecRequest{RunID: "task_1", Code: "print(1)", TimeoutMs: 1000}, adapter)
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusCompleted, result.Status)
	require.Len(t, adapter.calls, 1)
	require.Equal(t, "demo.ping", adapter.calls[0].ToolPath)
	require.Len(t, adapter.lines, 1)
	require.Equal(t, "hi", adapter.lines[0].Line)
}

func TestExecuteReturnsTimedOutWhenWorkerNeverCompletes(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer worker.Close()

	rt := New(Config{WorkerURL: worker.URL})
	result, err := rt.Execute(context.Background(), sandbox.ExecRequest{RunID: "task_2", TimeoutMs: 10}, &recordingAdapter{})
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusTimedOut, result.Status)
}

func TestExecuteFailsWhenWorkerRejects(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer worker.Close()

	rt := New(Config{WorkerURL: worker.URL})
	_, err := rt.Execute(context.Background(), sandbox.ExecRequest{RunID: "task_3"}, &recordingAdapter{})
	require.Error(t, err)
}

func TestHandleCallbacksReturnErrUnknownRunWithoutExecution(t *testing.T) {
	rt := New(Config{WorkerURL: "http://unused.test"})
	_, err := rt.HandleToolCall(context.Background(), "task_missing", sandbox.ToolCall{})
	require.ErrorIs(t, err, ErrUnknownRun)
	require.ErrorIs(t, rt.HandleOutput(context.Background(), "task_missing", sandbox.OutputLine{}), ErrUnknownRun)
	require.ErrorIs(t, rt.HandleComplete("task_missing", sandbox.Result{}), ErrUnknownRun)
}

func TestExecuteRespectsContextCancellation(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer worker.Close()

	rt := New(Config{WorkerURL: worker.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rt.Execute(ctx, sandbox.ExecRequest{RunID: "task_4"}, &recordingAdapter{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
