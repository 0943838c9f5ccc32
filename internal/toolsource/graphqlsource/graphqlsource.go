// Package graphqlsource compiles a GraphQL tool source: one synthetic tool
// that executes an arbitrary GraphQL operation against the configured
// endpoint, plus a set of pseudo-tools of shape "<source>.query.<field>" and
// "<source>.mutation.<field>" used only by the policy evaluator (§4.6/§4.7)
// when decomposing a submitted operation's top-level selections. Pseudo-tools
// never appear in a Workspace Tool Cache snapshot's callable set; they exist
// solely so policy.Engine.Decide can match per-field patterns.
package graphqlsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sandboxgw/core/internal/tools"
	"github.com/sandboxgw/core/internal/toolsource"
)

// Config is the normalized Source.Config shape for a GraphQL source.
type Config struct {
	Endpoint string   `json:"endpoint"`
	Fields   []string `json:"queryFields,omitempty"`
	Mutations []string `json:"mutationFields,omitempty"`
}

// ExecuteOperationName is the name suffix of the synthetic tool every GraphQL
// source compiles ("<source>.execute"); the dispatcher recognizes that tool
// by its GraphQLSourceTag, not by this name.
const ExecuteOperationName = "execute"

// QueryPseudoTool returns the pseudo-tool Ident used by the policy evaluator
// for query field name within sourceName.
func QueryPseudoTool(sourceName, field string) tools.Ident {
	return tools.Ident(sourceName + ".query." + field)
}

// MutationPseudoTool returns the pseudo-tool Ident used by the policy
// evaluator for mutation field name within sourceName.
func MutationPseudoTool(sourceName, field string) tools.Ident {
	return tools.Ident(sourceName + ".mutation." + field)
}

// Compiler implements toolsource.Compiler for Type graphql.
type Compiler struct {
	httpClient *http.Client
}

// New constructs a Compiler. httpClient defaults to http.DefaultClient.
func New(httpClient *http.Client) *Compiler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Compiler{httpClient: httpClient}
}

// Type returns toolsource.TypeGraphQL.
func (c *Compiler) Type() toolsource.Type { return toolsource.TypeGraphQL }

// Compile produces the single synthetic "execute" tool plus one
// CompiledArtifact per declared query/mutation field, tagged so the
// dispatcher can recognize the GraphQL-source marker and so the policy
// evaluator can match decomposed field paths. Pseudo-tool artifacts carry
// no Invoke closure of their own: they are never resolved by the
// dispatcher's normal path, only looked up by name in the policy step.
func (c *Compiler) Compile(_ context.Context, s toolsource.Source) (toolsource.CompileResult, error) {
	var cfg Config
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return toolsource.CompileResult{}, fmt.Errorf("graphql source %s: decode config: %w", s.ID, err)
	}
	if cfg.Endpoint == "" {
		return toolsource.CompileResult{}, fmt.Errorf("graphql source %s: endpoint required", s.ID)
	}

	result := toolsource.CompileResult{
		Artifacts: []toolsource.CompiledArtifact{
			{
				SourceID:    s.ID,
				Name:        tools.Ident(s.Name + "." + ExecuteOperationName),
				Description: fmt.Sprintf("Execute a GraphQL operation against %s", s.Name),
				Approval:    tools.ApprovalAlways,
				Tags:        []string{GraphQLSourceTag},
				Confirmation: &tools.ConfirmationSpec{
					Title:          fmt.Sprintf("Run GraphQL operation on %s", s.Name),
					PromptTemplate: "Execute the given GraphQL query/mutation?",
				},
				Payload: tools.TypeSpec{Name: "GraphQLRequest", Codec: tools.AnyJSONCodec},
				Result:  tools.TypeSpec{Name: "GraphQLResponse", Codec: tools.AnyJSONCodec},
			},
		},
	}
	for _, f := range cfg.Fields {
		result.Artifacts = append(result.Artifacts, toolsource.CompiledArtifact{
			SourceID: s.ID,
			Name:     QueryPseudoTool(s.Name, f),
			Approval: tools.ApprovalNever,
			Tags:     []string{pseudoToolTag},
		})
	}
	for _, f := range cfg.Mutations {
		result.Artifacts = append(result.Artifacts, toolsource.CompiledArtifact{
			SourceID: s.ID,
			Name:     MutationPseudoTool(s.Name, f),
			Approval: tools.ApprovalAlways,
			Tags:     []string{pseudoToolTag},
		})
	}
	return result, nil
}

// GraphQLSourceTag marks a CompiledArtifact/Definition as the synthetic
// "execute" tool of a GraphQL source; the dispatcher checks for this tag to
// decide whether to run §4.7 sub-operation decomposition before the normal
// policy evaluation step.
const GraphQLSourceTag = "graphql.source.execute"

const pseudoToolTag = "graphql.pseudo.tool"

// IsPseudoTool reports whether a's Tags mark it as a decomposition-only
// pseudo-tool (never directly invocable).
func IsPseudoTool(tags []string) bool {
	for _, t := range tags {
		if t == pseudoToolTag {
			return true
		}
	}
	return false
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Recompile attaches the HTTP-posting invoker to the "execute" artifact.
// Pseudo-tool artifacts have no live invoker: recompiling one is a
// programming error, since the dispatcher never resolves them through the
// normal tool-set lookup.
func (c *Compiler) Recompile(ctx context.Context, s toolsource.Source, a toolsource.CompiledArtifact) (tools.Definition, error) {
	if IsPseudoTool(a.Tags) {
		return tools.Definition{}, fmt.Errorf("graphqlsource: %s is a pseudo-tool and cannot be invoked directly", a.Name)
	}
	var cfg Config
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return tools.Definition{}, fmt.Errorf("graphql source %s: decode config: %w", s.ID, err)
	}
	invoke := func(ctx context.Context, args []byte) ([]byte, error) {
		return c.invoke(ctx, cfg.Endpoint, args)
	}
	return toolsource.ToDefinition(a, invoke), nil
}

func (c *Compiler) invoke(ctx context.Context, endpoint string, args []byte) ([]byte, error) {
	var req graphQLRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("graphqlsource: decode args: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("graphqlsource: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("graphqlsource: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("graphqlsource: %w", err)
	}
	defer resp.Body.Close()

	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("graphqlsource: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("graphqlsource: status %d: %s", resp.StatusCode, buf.String())
	}
	return buf.Bytes(), nil
}

// ExtractFieldPaths parses the top-level selections of a GraphQL operation
// string into pseudo-tool paths for policy decomposition (§4.7). This is a
// deliberately shallow parser: it recognizes "query { field ... }" /
// "mutation { field ... }" shapes and extracts each top-level field name,
// which is sufficient because nested selections do not carry independent
// access decisions in this gateway's policy model.
func ExtractFieldPaths(operation string) (queryFields, mutationFields []string) {
	fields := topLevelFields(operation)
	if len(fields) == 0 {
		return nil, nil
	}
	// A bare "{ field }" with no leading "query"/"mutation" keyword is an
	// implicit query per the GraphQL spec.
	if leadingKeyword(operation) == "mutation" {
		return nil, fields
	}
	return fields, nil
}
