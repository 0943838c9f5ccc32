// Package remote implements sandbox.Runtime by handing execution off to an
// out-of-process sandbox worker over HTTP: the worker is told where to call
// back, and transport/httpapi's internal run-callback routes relay those
// calls into the Adapter for whichever execution is in flight.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sandboxgw/core/internal/sandbox"
)

// ErrUnknownRun is returned by the Handle* methods when no Execute call is
// currently in flight for the given run id, e.g. a callback that arrived
// after the run already finished.
var ErrUnknownRun = errors.New("remote: no execution in flight for run")

// StartRequest is the body posted to WorkerURL to begin one execution.
type StartRequest struct {
	RunID           string `json:"runId"`
	Code            string `json:"code"`
	RuntimeID       string `json:"runtimeId"`
	TimeoutMs       int    `json:"timeoutMs"`
	CallbackBaseURL string `json:"callbackBaseUrl"`
	CallbackToken   string `json:"callbackToken"`
}

// Config wires a Runtime to the worker it dispatches executions to.
type Config struct {
	// WorkerURL is the out-of-process sandbox worker's start endpoint; the
	// Runtime POSTs a StartRequest to it and expects a 2xx acknowledging the
	// job was accepted, not the execution result.
	WorkerURL string
	// CallbackBaseURL is this gateway's own externally-reachable base URL,
	// handed to the worker so it knows where to POST tool-call/output
	// callbacks back (e.g. "https://gateway.example.com").
	CallbackBaseURL string
	// CallbackToken is the bearer token the worker must present on every
	// callback; transport/httpapi's internal-callback middleware checks it.
	CallbackToken string
	HTTPClient    *http.Client
}

type pendingExec struct {
	adapter sandbox.Adapter
	done    chan sandbox.Result
}

// Runtime is a sandbox.Runtime that delegates code execution to a remote
// worker process reached over HTTP.
type Runtime struct {
	cfg     Config
	pending sync.Map // run id -> *pendingExec
}

// New constructs a Runtime. cfg.HTTPClient defaults to http.DefaultClient.
func New(cfg Config) *Runtime {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Runtime{cfg: cfg}
}

func (r *Runtime) Execute(ctx context.Context, req sandbox.ExecRequest, adapter sandbox.Adapter) (sandbox.Result, error) {
	p := &pendingExec{adapter: adapter, done: make(chan sandbox.Result, 1)}
	r.pending.Store(req.RunID, p)
	defer r.pending.Delete(req.RunID)

	start := StartRequest{
		RunID:           req.RunID,
		Code:            req.Code,
		RuntimeID:       req.RuntimeID,
		TimeoutMs:       req.TimeoutMs,
		CallbackBaseURL: r.cfg.CallbackBaseURL,
		CallbackToken:   r.cfg.CallbackToken,
	}
	body, err := json.Marshal(start)
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("remote: encode start request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.WorkerURL, bytes.NewReader(body))
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("remote: build start request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := r.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("remote: dispatch to worker: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return sandbox.Result{}, fmt.Errorf("remote: worker rejected run %s: status %d", req.RunID, resp.StatusCode)
	}

	var deadline <-chan time.Time
	if req.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(req.TimeoutMs)*time.Millisecond + 5*time.Second)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case res := <-p.done:
		return res, nil
	case <-deadline:
		return sandbox.Result{Status: sandbox.StatusTimedOut, Error: "worker did not report completion before deadline"}, nil
	case <-ctx.Done():
		return sandbox.Result{}, ctx.Err()
	}
}

// HandleToolCall relays one tool-call callback from the worker into the
// adapter for runID's in-flight execution.
func (r *Runtime) HandleToolCall(ctx context.Context, runID string, call sandbox.ToolCall) (sandbox.ToolCallResult, error) {
	v, ok := r.pending.Load(runID)
	if !ok {
		return sandbox.ToolCallResult{}, ErrUnknownRun
	}
	return v.(*pendingExec).adapter.InvokeTool(ctx, call)
}

// HandleOutput relays one output-line callback from the worker into the
// adapter for runID's in-flight execution.
func (r *Runtime) HandleOutput(ctx context.Context, runID string, line sandbox.OutputLine) error {
	v, ok := r.pending.Load(runID)
	if !ok {
		return ErrUnknownRun
	}
	v.(*pendingExec).adapter.EmitOutput(ctx, line)
	return nil
}

// HandleComplete reports runID's final Result, unblocking the Execute call
// that is waiting on it. Not part of spec.md's two documented callback
// routes, but a worker needs some way to hand back its terminal status;
// transport/httpapi exposes it as a third internal run-callback route.
func (r *Runtime) HandleComplete(runID string, result sandbox.Result) error {
	v, ok := r.pending.Load(runID)
	if !ok {
		return ErrUnknownRun
	}
	select {
	case v.(*pendingExec).done <- result:
	default:
	}
	return nil
}

var _ sandbox.Runtime = (*Runtime)(nil)
