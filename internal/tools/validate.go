package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles a tool's payload/result JSON Schema once and validates
// candidate values against it, translating jsonschema's verbose error tree
// into the flat FieldIssue shape the dispatcher surfaces to callers.
type Validator struct {
	schema *jsonschema.Schema
}

// CompileValidator compiles schema (raw JSON Schema bytes) under name, for
// use in error messages.
func CompileValidator(name string, schema []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("tools: decode schema %q: %w", name, err)
	}
	resourceURL := "mem://" + name + ".json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("tools: add schema resource %q: %w", name, err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema %q: %w", name, err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate checks data against the compiled schema, returning a flat list
// of FieldIssue on failure (empty slice, nil error on success).
func (v *Validator) Validate(data []byte) ([]FieldIssue, error) {
	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return []FieldIssue{{Field: "", Constraint: "invalid_field_type", Detail: err.Error()}}, nil
	}
	if err := v.schema.Validate(instance); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return nil, err
		}
		return flattenIssues(ve), nil
	}
	return nil, nil
}

// flattenIssues walks a jsonschema.ValidationError's cause tree (DFS over
// Causes) into a flat slice of leaf FieldIssue entries. Only leaves (nodes
// with no Causes) are kept: intermediate nodes just restate "value does not
// validate against schema" for the enclosing object/array and add no
// actionable information.
func flattenIssues(ve *jsonschema.ValidationError) []FieldIssue {
	var issues []FieldIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := "/"
			if len(e.InstanceLocation) > 0 {
				field = "/" + joinPointer(e.InstanceLocation)
			}
			issues = append(issues, FieldIssue{
				Field:      field,
				Constraint: constraintKind(e),
				Detail:     e.Error(),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return issues
}

func joinPointer(segments []string) string {
	out := ""
	for i, s := range segments {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

// constraintKind maps a leaf jsonschema validation error to the goa-style
// constraint vocabulary the gateway's FieldIssue uses elsewhere
// (missing_field, invalid_enum_value, invalid_format, invalid_pattern,
// invalid_range, invalid_length, invalid_field_type). The jsonschema/v6
// error tree does not expose a stable machine-readable keyword for a leaf
// cause, so this matches on the rendered message, which is stable across
// the library's released error templates; an unrecognized message falls
// back to "invalid_value".
func constraintKind(e *jsonschema.ValidationError) string {
	msg := e.Error()
	switch {
	case strings.Contains(msg, "missing properties"):
		return "missing_field"
	case strings.Contains(msg, "value must be one of"):
		return "invalid_enum_value"
	case strings.Contains(msg, "is not valid") && strings.Contains(msg, "format"):
		return "invalid_format"
	case strings.Contains(msg, "does not match pattern"):
		return "invalid_pattern"
	case strings.Contains(msg, "must be"+" >="), strings.Contains(msg, "must be <="), strings.Contains(msg, "minimum"), strings.Contains(msg, "maximum"):
		return "invalid_range"
	case strings.Contains(msg, "length must be"), strings.Contains(msg, "minItems"), strings.Contains(msg, "maxItems"):
		return "invalid_length"
	case strings.Contains(msg, "got") && strings.Contains(msg, "want"):
		return "invalid_field_type"
	default:
		return "invalid_value"
	}
}
