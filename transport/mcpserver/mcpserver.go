// Package mcpserver builds the inbound MCP surface the gateway speaks at
// /mcp: one "execute" tool that submits a code snippet as a run and drives
// it to completion, grounded on the same mark3labs/mcp-go server used for
// the outbound tool-source client in this package.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/sandboxgw/core/internal/run"
	"github.com/sandboxgw/core/internal/runner"
)

// WorkspaceContext identifies the caller a given MCP session belongs to, as
// extracted from /mcp's query parameters and bearer principal.
type WorkspaceContext struct {
	WorkspaceID string
	ClientID    string
	ActorID     string
}

type wsContextKey struct{}

// WithWorkspaceContext attaches wc to ctx so the execute tool handler (which
// only receives the MCP-level context) can recover which workspace/actor a
// call belongs to.
func WithWorkspaceContext(ctx context.Context, wc WorkspaceContext) context.Context {
	return context.WithValue(ctx, wsContextKey{}, wc)
}

func workspaceContextFrom(ctx context.Context) (WorkspaceContext, bool) {
	wc, ok := ctx.Value(wsContextKey{}).(WorkspaceContext)
	return wc, ok
}

// executeArgs is the shape of the "execute" tool's arguments.
type executeArgs struct {
	Code      string `json:"code"`
	RuntimeID string `json:"runtimeId"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// executeResult is what "execute" returns: a snapshot of the run's terminal
// state. Full per-line event streaming is published to the Event Log
// independently of this response; a client that wants it subscribes there.
type executeResult struct {
	RunID    string `json:"runId"`
	Status   string `json:"status"`
	ExitCode int    `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

// New builds an MCP server exposing one "execute" tool backed by rn. name
// and version identify this server in MCP's initialize handshake.
func New(name, version string, rn *runner.Runner) *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(name, version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithPromptCapabilities(false),
	)

	tool := mcp.NewTool("execute",
		mcp.WithDescription("Run a code snippet against the gateway's sandbox, calling tools by name from within it."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code to execute.")),
		mcp.WithString("runtimeId", mcp.Description("Runtime/language image to execute the code in.")),
		mcp.WithNumber("timeoutMs", mcp.Description("Wall-clock execution timeout in milliseconds.")),
	)
	srv.AddTool(tool, executeHandler(rn))
	return srv
}

// NewStreamableHTTPHandler wraps srv in mark3labs/mcp-go's Streamable HTTP
// transport, ready to mount at /mcp.
func NewStreamableHTTPHandler(srv *mcpserver.MCPServer) http.Handler {
	return mcpserver.NewStreamableHTTPServer(srv)
}

func executeHandler(rn *runner.Runner) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		wc, ok := workspaceContextFrom(ctx)
		if !ok || wc.WorkspaceID == "" {
			return mcp.NewToolResultError("missing workspace context"), nil
		}

		raw, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode arguments: %v", err)), nil
		}
		var args executeArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Code == "" {
			return mcp.NewToolResultError("code is required"), nil
		}

		r, err := rn.Submit(ctx, run.Run{
			WorkspaceID: wc.WorkspaceID,
			ClientID:    wc.ClientID,
			ActorID:     wc.ActorID,
			Code:        args.Code,
			RuntimeID:   args.RuntimeID,
			TimeoutMs:   args.TimeoutMs,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("submit run: %v", err)), nil
		}
		if err := rn.Trigger(ctx, r.ID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trigger run: %v", err)), nil
		}

		final, err := rn.Load(ctx, r.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load run: %v", err)), nil
		}
		out := executeResult{RunID: final.ID, Status: string(final.Status), ExitCode: final.ExitCode, Error: final.Error}
		body, err := json.Marshal(out)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}
