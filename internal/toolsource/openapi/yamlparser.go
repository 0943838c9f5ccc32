package openapi

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// yamlOperation mirrors just enough of an OpenAPI Operation Object to
// synthesize a parameter schema; $ref resolution and full schema composition
// are out of scope for this minimal parser.
type yamlOperation struct {
	OperationID string                   `yaml:"operationId"`
	Summary     string                   `yaml:"summary"`
	Description string                   `yaml:"description"`
	Parameters  []yamlParameter          `yaml:"parameters"`
	RequestBody *yamlRequestBody         `yaml:"requestBody"`
	Responses   map[string]yamlResponse  `yaml:"responses"`
}

type yamlParameter struct {
	Name     string         `yaml:"name"`
	In       string         `yaml:"in"`
	Required bool           `yaml:"required"`
	Schema   map[string]any `yaml:"schema"`
}

type yamlRequestBody struct {
	Content map[string]yamlMediaType `yaml:"content"`
}

type yamlMediaType struct {
	Schema map[string]any `yaml:"schema"`
}

type yamlResponse struct {
	Content map[string]yamlMediaType `yaml:"content"`
}

type yamlDocument struct {
	Paths map[string]map[string]yaml.Node `yaml:"paths"`
}

// YAMLParser is a minimal production DocumentParser: it decodes the
// document with gopkg.in/yaml.v3 (a strict superset of JSON, so the same
// decoder handles OpenAPI documents authored in either format) and flattens
// each path+method into one Operation, synthesizing ParamSchema from path,
// query, and request-body parameters. It does not resolve $ref.
type YAMLParser struct{}

// NewYAMLParser constructs a YAMLParser.
func NewYAMLParser() *YAMLParser { return &YAMLParser{} }

var httpMethods = map[string]bool{
	"get": true, "put": true, "post": true, "delete": true,
	"options": true, "head": true, "patch": true, "trace": true,
}

func (p *YAMLParser) Parse(doc []byte) ([]Operation, error) {
	var parsed yamlDocument
	if err := yaml.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("openapi: decode document: %w", err)
	}

	paths := make([]string, 0, len(parsed.Paths))
	for path := range parsed.Paths {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var ops []Operation
	for _, path := range paths {
		methods := parsed.Paths[path]
		names := make([]string, 0, len(methods))
		for m := range methods {
			names = append(names, m)
		}
		sort.Strings(names)
		for _, method := range names {
			if !httpMethods[method] {
				continue
			}
			node := methods[method]
			var op yamlOperation
			if err := node.Decode(&op); err != nil {
				return nil, fmt.Errorf("openapi: decode operation %s %s: %w", method, path, err)
			}
			paramSchema, err := buildParamSchema(op)
			if err != nil {
				return nil, fmt.Errorf("openapi: build param schema for %s %s: %w", method, path, err)
			}
			resultSchema := firstSuccessSchema(op.Responses)
			ops = append(ops, Operation{
				ID:           op.OperationID,
				Method:       method,
				Path:         path,
				Description:  firstNonEmpty(op.Description, op.Summary),
				ParamSchema:  paramSchema,
				ResultSchema: resultSchema,
			})
		}
	}
	return ops, nil
}

func buildParamSchema(op yamlOperation) ([]byte, error) {
	properties := make(map[string]any)
	var required []string

	for _, param := range op.Parameters {
		schema := param.Schema
		if schema == nil {
			schema = map[string]any{"type": "string"}
		}
		properties[param.Name] = schema
		if param.Required {
			required = append(required, param.Name)
		}
	}
	if op.RequestBody != nil {
		if mt, ok := op.RequestBody.Content["application/json"]; ok && mt.Schema != nil {
			properties["body"] = mt.Schema
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return json.Marshal(schema)
}

func firstSuccessSchema(responses map[string]yamlResponse) []byte {
	for _, code := range []string{"200", "201", "202", "204"} {
		resp, ok := responses[code]
		if !ok {
			continue
		}
		if mt, ok := resp.Content["application/json"]; ok && mt.Schema != nil {
			if b, err := json.Marshal(mt.Schema); err == nil {
				return b
			}
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ DocumentParser = (*YAMLParser)(nil)
