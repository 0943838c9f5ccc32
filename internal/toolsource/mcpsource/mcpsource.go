// Package mcpsource compiles an MCP tool source: each remote tool exposed
// by a configured MCP server becomes one Tool Definition whose invoker
// proxies the call over the configured transport.
package mcpsource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sandboxgw/core/internal/tools"
	"github.com/sandboxgw/core/internal/toolsource"
)

// Transport enumerates the MCP transports a source can be configured with.
type Transport string

const (
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable-http"
)

// Config is the normalized Source.Config shape for an MCP source.
type Config struct {
	URL       string            `json:"url"`
	Transport Transport         `json:"transport"`
	Query     map[string]string `json:"query,omitempty"`
}

// RemoteTool describes one tool advertised by the MCP server's tools/list
// response, enough to compile a Tool Definition.
type RemoteTool struct {
	Name        string
	Description string
	InputSchema []byte
}

// CallRequest describes the MCP tool invocation issued by the gateway.
// Mirrors the JSON-RPC "tools/call" params shape.
type CallRequest struct {
	Tool    string
	Payload json.RawMessage
}

// CallResponse captures the MCP tool result.
type CallResponse struct {
	Result     json.RawMessage
	Structured json.RawMessage
}

// RPCError represents a JSON-RPC error returned by the MCP server.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// JSON-RPC canonical error codes, per the MCP/JSON-RPC spec.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
)

// Client lists and calls tools on a configured MCP server. Transport-
// specific implementations (SSE, Streamable HTTP) satisfy this against the
// wire protocol; internal/toolsource/mcpsource is transport-agnostic.
type Client interface {
	ListTools(ctx context.Context, cfg Config) ([]RemoteTool, error)
	CallTool(ctx context.Context, cfg Config, req CallRequest) (CallResponse, error)
}

// Compiler implements toolsource.Compiler for Type mcp.
type Compiler struct {
	client Client
}

// New constructs a Compiler backed by client.
func New(client Client) *Compiler {
	return &Compiler{client: client}
}

// Type returns toolsource.TypeMCP.
func (c *Compiler) Type() toolsource.Type { return toolsource.TypeMCP }

// Compile lists the server's tools and produces one CompiledArtifact per
// remote tool. Remote tools default to tools.ApprovalAlways: MCP servers
// are third-party code with no read/write distinction the compiler can
// infer, unlike OpenAPI's HTTP-method signal.
func (c *Compiler) Compile(ctx context.Context, s toolsource.Source) (toolsource.CompileResult, error) {
	var cfg Config
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return toolsource.CompileResult{}, fmt.Errorf("mcp source %s: decode config: %w", s.ID, err)
	}
	if cfg.URL == "" {
		return toolsource.CompileResult{}, fmt.Errorf("mcp source %s: url required", s.ID)
	}
	if cfg.Transport != TransportSSE && cfg.Transport != TransportStreamableHTTP {
		return toolsource.CompileResult{}, fmt.Errorf("mcp source %s: unsupported transport %q", s.ID, cfg.Transport)
	}

	remoteTools, err := c.client.ListTools(ctx, cfg)
	if err != nil {
		return toolsource.CompileResult{}, fmt.Errorf("mcp source %s: list tools: %w", s.ID, err)
	}

	result := toolsource.CompileResult{}
	for _, rt := range remoteTools {
		if rt.Name == "" {
			result.Warnings = append(result.Warnings, toolsource.CompileWarning{SourceID: s.ID, Detail: "remote tool missing name, skipped"})
			continue
		}
		result.Artifacts = append(result.Artifacts, toolsource.CompiledArtifact{
			SourceID:    s.ID,
			Name:        tools.Ident(s.Name + "." + rt.Name),
			Description: rt.Description,
			Approval:    tools.ApprovalAlways,
			Tags:        []string{remoteToolTag + rt.Name},
			Confirmation: &tools.ConfirmationSpec{
				Title:          fmt.Sprintf("Run %s.%s", s.Name, rt.Name),
				PromptTemplate: fmt.Sprintf("Call remote MCP tool %s with the given arguments?", rt.Name),
			},
			Payload: tools.TypeSpec{Name: rt.Name + "Payload", Schema: rt.InputSchema, Codec: tools.AnyJSONCodec},
			Result:  tools.TypeSpec{Name: rt.Name + "Result", Codec: tools.AnyJSONCodec},
		})
	}
	return result, nil
}

// remoteToolTag prefixes the remote (unprefixed) MCP tool name stashed in
// a CompiledArtifact's Tags, so Recompile does not need to re-derive it
// from Name (which carries the source-name prefix).
const remoteToolTag = "mcp.remote.tool="

func remoteToolName(tags []string, fallback string) string {
	for _, t := range tags {
		if len(t) > len(remoteToolTag) && t[:len(remoteToolTag)] == remoteToolTag {
			return t[len(remoteToolTag):]
		}
	}
	return fallback
}

// Recompile reattaches an invoker that proxies the call through Client.
func (c *Compiler) Recompile(ctx context.Context, s toolsource.Source, a toolsource.CompiledArtifact) (tools.Definition, error) {
	var cfg Config
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return tools.Definition{}, fmt.Errorf("mcp source %s: decode config: %w", s.ID, err)
	}
	remote := remoteToolName(a.Tags, string(a.Name))
	invoke := func(ctx context.Context, args []byte) ([]byte, error) {
		resp, err := c.client.CallTool(ctx, cfg, CallRequest{Tool: remote, Payload: args})
		if err != nil {
			return nil, fmt.Errorf("mcpsource invoke %s: %w", a.Name, err)
		}
		if resp.Structured != nil {
			return resp.Structured, nil
		}
		return resp.Result, nil
	}
	return toolsource.ToDefinition(a, invoke), nil
}
