// Package openapi compiles an OpenAPI tool source: a set of HTTP operations
// described by an OpenAPI document, either fetched by URL (through the
// Prepared-Spec Cache) or supplied inline.
package openapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxgw/core/internal/credential"
	"github.com/sandboxgw/core/internal/tools"
	"github.com/sandboxgw/core/internal/toolsource"
)

// Config is the normalized (workspace.toolsource.Source.Config, decoded)
// shape for an OpenAPI source.
type Config struct {
	// SpecURL is set when the document is fetched remotely through the
	// Prepared-Spec Cache. Mutually exclusive with InlineSpec.
	SpecURL string `json:"specUrl,omitempty"`
	// InlineSpec is a raw OpenAPI document supplied directly.
	InlineSpec json.RawMessage `json:"inlineSpec,omitempty"`
	// BaseURL overrides the document's own server URL.
	BaseURL string `json:"baseUrl,omitempty"`
	// DefaultReadApproval overrides the read-operation (GET/HEAD) default
	// of tools.ApprovalNever.
	DefaultReadApproval *tools.ApprovalMode `json:"defaultReadApproval,omitempty"`
	// Overrides pins an approval mode per operation id.
	Overrides map[string]tools.ApprovalMode `json:"overrides,omitempty"`
	// CredentialSourceKey names the credential.Credential to resolve for
	// every operation in this source; empty means no auth is applied.
	CredentialSourceKey string `json:"credentialSourceKey,omitempty"`
}

// SpecFetcher loads and normalizes a URL-sourced OpenAPI document through
// the Prepared-Spec Cache (internal/preparedspec), returning the raw
// document bytes.
type SpecFetcher interface {
	Fetch(ctx context.Context, specURL string) ([]byte, error)
}

// Operation is the normalized shape the document parser produces per
// OpenAPI operation; a minimal internal representation rather than a full
// OpenAPI object model, since the gateway only needs enough to bind
// parameters and validate a request/response body.
type Operation struct {
	ID          string
	Method      string
	Path        string
	Description string
	// ParamSchema is the JSON Schema synthesized from path/query/header
	// parameters plus the request body schema, used to validate bound
	// tool args before the HTTP call is issued.
	ParamSchema []byte
	ResultSchema []byte
}

// DocumentParser turns a raw OpenAPI document into a flat operation list,
// collapsing parameters + request body into Operation.ParamSchema (YAMLParser,
// the implementation in this package, does not resolve $ref); the gateway
// takes this as a collaborator
// interface so the parser can be swapped without touching the compiler.
type DocumentParser interface {
	Parse(doc []byte) ([]Operation, error)
}

// Compiler implements toolsource.Compiler for Type openapi.
type Compiler struct {
	fetcher    SpecFetcher
	parser     DocumentParser
	httpClient *http.Client
}

// New constructs a Compiler. httpClient defaults to http.DefaultClient.
func New(fetcher SpecFetcher, parser DocumentParser, httpClient *http.Client) *Compiler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Compiler{fetcher: fetcher, parser: parser, httpClient: httpClient}
}

// Type returns toolsource.TypeOpenAPI.
func (c *Compiler) Type() toolsource.Type { return toolsource.TypeOpenAPI }

// Compile normalizes s.Config, fetches or accepts the document, and
// produces one Tool Definition per OpenAPI operation. Approval defaults:
// GET/HEAD operations default to tools.ApprovalNever unless
// Config.DefaultReadApproval overrides; all other methods default to
// tools.ApprovalAlways. Config.Overrides pins a specific operation.
func (c *Compiler) Compile(ctx context.Context, s toolsource.Source) (toolsource.CompileResult, error) {
	var cfg Config
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return toolsource.CompileResult{}, fmt.Errorf("openapi source %s: decode config: %w", s.ID, err)
	}
	if cfg.SpecURL == "" && len(cfg.InlineSpec) == 0 {
		return toolsource.CompileResult{}, fmt.Errorf("openapi source %s: neither specUrl nor inlineSpec set", s.ID)
	}

	var doc []byte
	if cfg.SpecURL != "" {
		fetched, err := c.fetcher.Fetch(ctx, cfg.SpecURL)
		if err != nil {
			return toolsource.CompileResult{}, fmt.Errorf("openapi source %s: fetch spec: %w", s.ID, err)
		}
		doc = fetched
	} else {
		doc = cfg.InlineSpec
	}

	ops, err := c.parser.Parse(doc)
	if err != nil {
		return toolsource.CompileResult{}, fmt.Errorf("openapi source %s: parse document: %w", s.ID, err)
	}

	result := toolsource.CompileResult{}
	for _, op := range ops {
		artifact, warn := c.compileOperation(s, cfg, op)
		if warn != nil {
			result.Warnings = append(result.Warnings, *warn)
			continue
		}
		result.Artifacts = append(result.Artifacts, artifact)
	}
	return result, nil
}

func (c *Compiler) compileOperation(s toolsource.Source, cfg Config, op Operation) (toolsource.CompiledArtifact, *toolsource.CompileWarning) {
	if op.ID == "" {
		return toolsource.CompiledArtifact{}, &toolsource.CompileWarning{SourceID: s.ID, Detail: "operation missing operationId, skipped"}
	}

	approval := defaultApproval(op.Method, cfg.DefaultReadApproval)
	if override, ok := cfg.Overrides[op.ID]; ok {
		approval = override
	}

	name := tools.Ident(s.Name + "." + op.ID)
	artifact := toolsource.CompiledArtifact{
		SourceID:    s.ID,
		Name:        name,
		Description: op.Description,
		Approval:    approval,
		Tags:        []string{tagMethod + op.Method, tagPath + op.Path},
		Payload: tools.TypeSpec{
			Name:   op.ID + "Payload",
			Schema: op.ParamSchema,
			Codec:  tools.AnyJSONCodec,
		},
		Result: tools.TypeSpec{
			Name:   op.ID + "Result",
			Schema: op.ResultSchema,
			Codec:  tools.AnyJSONCodec,
		},
	}
	if approval == tools.ApprovalAlways {
		artifact.Confirmation = &tools.ConfirmationSpec{
			Title:          fmt.Sprintf("Run %s", op.ID),
			PromptTemplate: fmt.Sprintf("Call %s %s with the given arguments?", op.Method, op.Path),
		}
	}
	return artifact, nil
}

// defaultApproval applies §4.4's read/write default: GET/HEAD operations
// are tools.ApprovalNever unless override overrides it; every other method
// defaults to tools.ApprovalAlways.
func defaultApproval(method string, override *tools.ApprovalMode) tools.ApprovalMode {
	isRead := method == http.MethodGet || method == http.MethodHead
	if isRead {
		if override != nil {
			return *override
		}
		return tools.ApprovalNever
	}
	return tools.ApprovalAlways
}

// Recompile reattaches an HTTP-invoking closure to a, binding args against
// a.Payload.Schema-validated JSON at call time. The base URL is read from
// s.Config when Recompile runs; any credential is taken from the call's
// context on every call. Neither is serialized into the artifact.
func (c *Compiler) Recompile(ctx context.Context, s toolsource.Source, a toolsource.CompiledArtifact) (tools.Definition, error) {
	var cfg Config
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return tools.Definition{}, fmt.Errorf("openapi source %s: decode config: %w", s.ID, err)
	}
	invoke := func(ctx context.Context, args []byte) ([]byte, error) {
		return c.invokeHTTP(ctx, cfg, a, args)
	}
	return toolsource.ToDefinition(a, invoke), nil
}

// tagMethod/tagPath prefix the HTTP method and path template stashed in a
// CompiledArtifact's Tags, since CompiledArtifact is a source-type-agnostic
// struct shared with mcpsource/graphqlsource and has no dedicated fields for
// HTTP binding metadata.
const (
	tagMethod = "http.method="
	tagPath   = "http.path="
)

func methodAndPath(tags []string) (method, path string) {
	method = http.MethodPost
	for _, t := range tags {
		switch {
		case strings.HasPrefix(t, tagMethod):
			method = strings.TrimPrefix(t, tagMethod)
		case strings.HasPrefix(t, tagPath):
			path = strings.TrimPrefix(t, tagPath)
		}
	}
	return method, path
}

func (c *Compiler) invokeHTTP(ctx context.Context, cfg Config, a toolsource.CompiledArtifact, args []byte) ([]byte, error) {
	var bound map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &bound); err != nil {
			return nil, fmt.Errorf("openapi invoke %s: decode args: %w", a.Name, err)
		}
	}

	method, path := methodAndPath(a.Tags)
	url := strings.TrimSuffix(cfg.BaseURL, "/") + bindPath(path, bound)

	var body *bytes.Reader
	if method == http.MethodGet || method == http.MethodHead {
		body = bytes.NewReader(nil)
	} else {
		body = bytes.NewReader(args)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("openapi invoke %s: build request: %w", a.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.CredentialSourceKey != "" {
		if cred, ok := toolsource.CredentialFromContext(ctx); ok {
			applyCredential(req, cred)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openapi invoke %s: %w", a.Name, err)
	}
	defer resp.Body.Close()

	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("openapi invoke %s: read response: %w", a.Name, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("openapi invoke %s: status %d: %s", a.Name, resp.StatusCode, buf.String())
	}
	return buf.Bytes(), nil
}

// applyCredential sets the outbound auth header appropriate to cred.Kind.
func applyCredential(req *http.Request, cred credential.Credential) {
	switch cred.Kind {
	case credential.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+cred.Material)
	case credential.AuthAPIKey:
		req.Header.Set("X-Api-Key", cred.Material)
	case credential.AuthBasic:
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cred.Material)))
	}
}

// bindPath substitutes "{param}" path template placeholders from bound
// arguments of the same name.
func bindPath(path string, bound map[string]any) string {
	out := path
	for k, v := range bound {
		placeholder := "{" + k + "}"
		if strings.Contains(out, placeholder) {
			out = strings.ReplaceAll(out, placeholder, fmt.Sprintf("%v", v))
		}
	}
	return out
}

// CoerceQuery converts a URL query map into a JSON-friendly object. The
// OpenAPI invoker does not call it; it binds path parameters only. Repeated
// parameters become arrays preserving input order,
// "true"/"false" become booleans, RFC3339 timestamps become time.Time, and
// numeric strings become int64 or float64 when unambiguous.
func CoerceQuery(m map[string][]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, vals := range m {
		if len(vals) == 1 {
			out[k] = coerceScalar(vals[0])
			continue
		}
		arr := make([]any, len(vals))
		for i := range vals {
			arr[i] = coerceScalar(vals[i])
		}
		out[k] = arr
	}
	return out
}

func coerceScalar(s string) any {
	t := strings.TrimSpace(s)
	if t == "" {
		return ""
	}
	if strings.EqualFold(t, "true") {
		return true
	}
	if strings.EqualFold(t, "false") {
		return false
	}
	if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
		return ts
	}
	if looksIntegral(t) {
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return i
		}
	}
	if strings.ContainsAny(t, ".eE") {
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return s
}

func looksIntegral(s string) bool {
	if s == "" {
		return false
	}
	start := 0
	if s[0] == '-' {
		if len(s) == 1 {
			return false
		}
		start = 1
	}
	for i := start; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
