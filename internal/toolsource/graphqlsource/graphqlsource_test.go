package graphqlsource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxgw/core/internal/tools"
	"github.com/sandboxgw/core/internal/toolsource"
)

func TestCompileProducesExecuteAndPseudoTools(t *testing.T) {
	c := New(nil)
	cfg := Config{Endpoint: "https://example.test/graphql", Fields: []string{"repository"}, Mutations: []string{"createIssue"}}
	cfgJSON, _ := json.Marshal(cfg)

	result, err := c.Compile(context.Background(), toolsource.Source{ID: "src_1", Name: "github", Config: cfgJSON})
	require.NoError(t, err)
	require.Len(t, result.Artifacts, 3)

	byName := map[tools.Ident]toolsource.CompiledArtifact{}
	for _, a := range result.Artifacts {
		byName[a.Name] = a
	}
	require.Contains(t, byName, tools.Ident("github.execute"))
	require.Equal(t, tools.ApprovalAlways, byName["github.execute"].Approval)
	require.Contains(t, byName, QueryPseudoTool("github", "repository"))
	require.Equal(t, tools.ApprovalNever, byName[QueryPseudoTool("github", "repository")].Approval)
	require.Contains(t, byName, MutationPseudoTool("github", "createIssue"))
	require.Equal(t, tools.ApprovalAlways, byName[MutationPseudoTool("github", "createIssue")].Approval)
}

func TestCompileRequiresEndpoint(t *testing.T) {
	c := New(nil)
	_, err := c.Compile(context.Background(), toolsource.Source{ID: "src_1", Name: "gh", Config: []byte(`{}`)})
	require.Error(t, err)
}

func TestRecompileRejectsPseudoTool(t *testing.T) {
	c := New(nil)
	cfg := Config{Endpoint: "https://example.test/graphql"}
	cfgJSON, _ := json.Marshal(cfg)
	_, err := c.Recompile(context.Background(), toolsource.Source{ID: "src_1", Config: cfgJSON}, toolsource.CompiledArtifact{
		Name: QueryPseudoTool("gh", "repository"),
		Tags: []string{pseudoToolTag},
	})
	require.Error(t, err)
}

func TestRecompileInvokesEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"viewer":{"login":"octo"}}}`))
	}))
	defer srv.Close()

	c := New(srv.Client())
	cfg := Config{Endpoint: srv.URL}
	cfgJSON, _ := json.Marshal(cfg)
	src := toolsource.Source{ID: "src_1", Name: "gh", Config: cfgJSON}

	artifact := toolsource.CompiledArtifact{Name: "gh.execute", Tags: []string{GraphQLSourceTag}}
	def, err := c.Recompile(context.Background(), src, artifact)
	require.NoError(t, err)

	out, err := def.Invoke(context.Background(), []byte(`{"query":"{ viewer { login } }"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"data":{"viewer":{"login":"octo"}}}`, string(out))
}

func TestExtractFieldPathsQuery(t *testing.T) {
	q, m := ExtractFieldPaths(`query { repository(owner: "a", name: "b") { issues { nodes { id } } } viewer { login } }`)
	require.ElementsMatch(t, []string{"repository", "viewer"}, q)
	require.Empty(t, m)
}

func TestExtractFieldPathsMutation(t *testing.T) {
	q, m := ExtractFieldPaths(`mutation { createIssue(input: {title: "x"}) { issue { id } } }`)
	require.Empty(t, q)
	require.ElementsMatch(t, []string{"createIssue"}, m)
}

func TestExtractFieldPathsImplicitQuery(t *testing.T) {
	q, m := ExtractFieldPaths(`{ viewer { login } }`)
	require.ElementsMatch(t, []string{"viewer"}, q)
	require.Empty(t, m)
}

func TestIsPseudoTool(t *testing.T) {
	require.True(t, IsPseudoTool([]string{pseudoToolTag}))
	require.False(t, IsPseudoTool([]string{GraphQLSourceTag}))
}
