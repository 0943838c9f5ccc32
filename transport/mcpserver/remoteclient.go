package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sandboxgw/core/internal/toolsource/mcpsource"
)

// clientInfo identifies this gateway to the remote MCP servers it proxies
// tool calls to.
var clientInfo = mcp.Implementation{Name: "sandboxgw-core", Version: "1.0.0"}

// RemoteClient implements mcpsource.Client against live MCP servers over
// either the SSE or Streamable HTTP transport, connecting lazily and
// caching one live session per distinct (url, transport, query) config. A
// cached session is reused as is; it is not re-established after a failure.
type RemoteClient struct {
	mu       sync.Mutex
	sessions map[string]mcpclient.MCPClient
}

// NewRemoteClient builds a RemoteClient with no live sessions; each is
// established on first use.
func NewRemoteClient() *RemoteClient {
	return &RemoteClient{sessions: make(map[string]mcpclient.MCPClient)}
}

func sessionKey(cfg mcpsource.Config) string {
	raw, _ := json.Marshal(cfg)
	return string(raw)
}

func buildURL(cfg mcpsource.Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("mcpserver: parse url %q: %w", cfg.URL, err)
	}
	q := u.Query()
	for k, v := range cfg.Query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *RemoteClient) session(ctx context.Context, cfg mcpsource.Config) (mcpclient.MCPClient, error) {
	key := sessionKey(cfg)

	r.mu.Lock()
	if c, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	target, err := buildURL(cfg)
	if err != nil {
		return nil, err
	}

	var c mcpclient.MCPClient
	switch cfg.Transport {
	case mcpsource.TransportSSE:
		sse, sseErr := mcpclient.NewSSEMCPClient(target)
		if sseErr != nil {
			return nil, fmt.Errorf("mcpserver: build mcp client for %s: %w", target, sseErr)
		}
		if err := sse.Start(ctx); err != nil {
			return nil, fmt.Errorf("mcpserver: start sse transport for %s: %w", target, err)
		}
		c = sse
	case mcpsource.TransportStreamableHTTP, "":
		c, err = mcpclient.NewStreamableHttpClient(target, transport.WithHTTPHeaders(nil))
		if err != nil {
			return nil, fmt.Errorf("mcpserver: build mcp client for %s: %w", target, err)
		}
	default:
		return nil, fmt.Errorf("mcpserver: unsupported mcp transport %q", cfg.Transport)
	}

	if _, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo:      clientInfo,
			Capabilities:    mcp.ClientCapabilities{},
		},
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcpserver: initialize mcp session at %s: %w", target, err)
	}

	r.mu.Lock()
	r.sessions[key] = c
	r.mu.Unlock()
	return c, nil
}

// ListTools satisfies mcpsource.Client.
func (r *RemoteClient) ListTools(ctx context.Context, cfg mcpsource.Config) ([]mcpsource.RemoteTool, error) {
	c, err := r.session(ctx, cfg)
	if err != nil {
		return nil, err
	}
	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpserver: list tools: %w", err)
	}
	out := make([]mcpsource.RemoteTool, len(result.Tools))
	for i, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = []byte("{}")
		}
		out[i] = mcpsource.RemoteTool{Name: t.Name, Description: t.Description, InputSchema: schema}
	}
	return out, nil
}

// CallTool satisfies mcpsource.Client.
func (r *RemoteClient) CallTool(ctx context.Context, cfg mcpsource.Config, req mcpsource.CallRequest) (mcpsource.CallResponse, error) {
	c, err := r.session(ctx, cfg)
	if err != nil {
		return mcpsource.CallResponse{}, err
	}
	var args map[string]any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &args); err != nil {
			return mcpsource.CallResponse{}, fmt.Errorf("mcpserver: decode call payload: %w", err)
		}
	}
	result, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      req.Tool,
			Arguments: args,
		},
	})
	if err != nil {
		return mcpsource.CallResponse{}, &mcpsource.RPCError{Code: mcpsource.RPCInternalError, Message: err.Error()}
	}
	if result.IsError {
		msg := "tool call failed"
		if len(result.Content) > 0 {
			if tc, ok := result.Content[0].(mcp.TextContent); ok {
				msg = tc.Text
			}
		}
		return mcpsource.CallResponse{}, &mcpsource.RPCError{Code: mcpsource.RPCInternalError, Message: msg}
	}

	resultJSON, err := json.Marshal(result.Content)
	if err != nil {
		return mcpsource.CallResponse{}, fmt.Errorf("mcpserver: encode call result: %w", err)
	}
	var structured json.RawMessage
	if result.StructuredContent != nil {
		structured, _ = json.Marshal(result.StructuredContent)
	}
	return mcpsource.CallResponse{Result: resultJSON, Structured: structured}, nil
}

var _ mcpsource.Client = (*RemoteClient)(nil)
