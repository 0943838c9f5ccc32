// Package tools defines the Tool Definition: the runtime-only, compiled
// description of one invocable operation produced by a tool source
// compiler (openapi, graphqlsource, mcpsource) and consumed by the
// dispatcher.
package tools

import (
	"context"
	"encoding/json"
)

// DiscoverName is the reserved identifier of the always-present base tool
// that lists every tool currently callable in a workspace. Its Invoke
// closure is rebuilt over the full merged tool set on every Workspace Tool
// Cache lookup, so it is never itself part of the set a compiler merge
// folds in.
const DiscoverName Ident = "discover"

// Ident is the strong type for a fully-qualified tool identifier
// (e.g. "github.search_issues" or, for a decomposed GraphQL operation,
// "github.query.repository"). Using a distinct type instead of a bare
// string keeps call sites from accidentally mixing tool identifiers with
// other free-form strings.
type Ident string

// ApprovalMode controls whether a tool call requires human sign-off before
// the dispatcher invokes it, and supplies the policy evaluator's default
// decision when no Access Policy rule matches.
type ApprovalMode string

const (
	// ApprovalNever means the tool never requires approval by default.
	ApprovalNever ApprovalMode = "never"
	// ApprovalAlways means the tool always requires approval unless a
	// policy rule explicitly allows it.
	ApprovalAlways ApprovalMode = "always"
)

// JSONCodec serializes and deserializes strongly typed values to and from
// JSON. Tool source compilers populate this from the operation's schema.
type JSONCodec[T any] struct {
	ToJSON   func(T) ([]byte, error)
	FromJSON func([]byte) (T, error)
}

// AnyJSONCodec is a codec over untyped JSON, used by compilers that bind
// arguments as a raw map rather than a generated struct.
var AnyJSONCodec = JSONCodec[any]{
	ToJSON: func(v any) ([]byte, error) { return json.Marshal(v) },
	FromJSON: func(b []byte) (any, error) {
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return v, nil
	},
}

// TypeSpec describes the payload or result schema for a tool, including a
// raw JSON Schema document used for argument validation.
type TypeSpec struct {
	// Name is a human-readable label for the type (e.g. the operationId).
	Name string
	// Schema is the JSON Schema document bytes used to validate values of
	// this type before invocation.
	Schema []byte
	// Codec serializes/deserializes values matching the type.
	Codec JSONCodec[any]
}

// ConfirmationSpec carries the human-facing approval prompt for a tool that
// requires sign-off. The dispatcher uses PromptTemplate, as written, as the
// Approval.Summary; the call's arguments are not interpolated into it.
type ConfirmationSpec struct {
	// Title is a short label shown in approval UIs.
	Title string
	// PromptTemplate describes the specific call being approved.
	PromptTemplate string
	// DeniedResultTemplate is carried with the compiled tool. The dispatcher
	// does not read it: a denied call's task Error is DeniedSentinel followed
	// by the denial reason.
	DeniedResultTemplate string
}

// Definition is the compiled, runtime-only description of one invocable
// tool. Definitions are never persisted directly: they are re-derived from
// a ToolSource's compiled artifacts on every cache rehydrate, because the
// Invoke closure cannot cross a serialization boundary.
type Definition struct {
	// Name is the fully qualified tool identifier.
	Name Ident
	// SourceID is the src_<uuid> identity of the compiling ToolSource.
	SourceID string
	// Description is shown to callers/planners listing available tools.
	Description string
	// Tags carries metadata labels consumed by the policy evaluator.
	Tags []string
	// ApprovalMode is the tool's own default when no Access Policy rule
	// matches.
	ApprovalMode ApprovalMode
	// Confirmation is set when ApprovalMode is ApprovalAlways (or a policy
	// rule can still force require_approval on an ApprovalNever tool).
	Confirmation *ConfirmationSpec
	// Payload describes the expected call arguments.
	Payload TypeSpec
	// Result describes the tool's return value.
	Result TypeSpec
	// Invoke performs the actual call against the underlying transport
	// (HTTP for OpenAPI/GraphQL, an MCP client call for mcpsource). It is
	// never serialized; the Workspace Tool Cache stores everything in
	// Definition except this field and re-materializes it via the owning
	// compiler on rehydrate.
	Invoke func(ctx context.Context, args []byte) ([]byte, error)
}

// FieldIssue describes a single JSON Schema validation failure for a tool
// call's arguments.
type FieldIssue struct {
	Field      string
	Constraint string
	Detail     string
}
