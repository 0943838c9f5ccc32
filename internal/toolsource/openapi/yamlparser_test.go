package openapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAMLDoc = `
paths:
  /widgets:
    get:
      operationId: listWidgets
      summary: List widgets
      parameters:
        - name: limit
          in: query
          required: false
          schema: {type: integer}
      responses:
        "200":
          content:
            application/json:
              schema: {type: array}
  /widgets/{id}:
    post:
      operationId: createWidget
      parameters:
        - name: id
          in: path
          required: true
          schema: {type: string}
      requestBody:
        content:
          application/json:
            schema: {type: object}
      responses:
        "201":
          content:
            application/json:
              schema: {type: object}
`

const sampleJSONDoc = `{
  "paths": {
    "/ping": {
      "get": {
        "operationId": "ping",
        "responses": {"200": {"content": {"application/json": {"schema": {"type": "string"}}}}}
      }
    }
  }
}`

func TestYAMLParserFlattensPathsDeterministically(t *testing.T) {
	p := NewYAMLParser()
	ops, err := p.Parse([]byte(sampleYAMLDoc))
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, "listWidgets", ops[0].ID)
	require.Equal(t, "List widgets", ops[0].Description)

	require.Equal(t, "createWidget", ops[1].ID)
	require.Equal(t, "/widgets/{id}", ops[1].Path)
	require.Equal(t, "post", ops[1].Method)
	require.Contains(t, string(ops[1].ParamSchema), `"id"`)
	require.Contains(t, string(ops[1].ParamSchema), `"body"`)
	require.NotNil(t, ops[1].ResultSchema)
}

func TestYAMLParserAcceptsJSONDocuments(t *testing.T) {
	p := NewYAMLParser()
	ops, err := p.Parse([]byte(sampleJSONDoc))
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "ping", ops[0].ID)
	require.Equal(t, "get", ops[0].Method)
}

func TestYAMLParserIgnoresNonMethodKeys(t *testing.T) {
	p := NewYAMLParser()
	ops, err := p.Parse([]byte(`
paths:
  /widgets:
    parameters: []
    get:
      operationId: listWidgets
`))
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "listWidgets", ops[0].ID)
}

func TestYAMLParserRejectsInvalidDocument(t *testing.T) {
	p := NewYAMLParser()
	_, err := p.Parse([]byte("not: [valid"))
	require.Error(t, err)
}
