package toolsource

import (
	"context"
	"fmt"

	"github.com/sandboxgw/core/internal/tools"
)

// CompiledArtifact is the persistable half of a compiled tool source: every
// Definition field except Invoke, since closures cannot cross the
// serialization boundary the Workspace Tool Cache stores artifacts across.
// Rehydrating an artifact into a live Definition means re-applying the
// owning Compiler's Recompile step to reattach an Invoke closure.
type CompiledArtifact struct {
	SourceID    string
	Name        tools.Ident
	Description string
	Tags        []string
	Approval    tools.ApprovalMode
	Confirmation *tools.ConfirmationSpec
	Payload     tools.TypeSpec
	Result      tools.TypeSpec
}

// CompileWarning records a per-operation normalization failure that does not
// abort the whole source compile; the dispatcher surfaces these to callers
// as workspace warnings rather than failing tool resolution entirely.
type CompileWarning struct {
	SourceID string
	Detail   string
}

func (w CompileWarning) Error() string {
	return fmt.Sprintf("tool source %s: %s", w.SourceID, w.Detail)
}

// CompileResult is what a Compiler.Compile call returns: the artifacts that
// compiled successfully plus warnings for the operations that did not.
type CompileResult struct {
	Artifacts []CompiledArtifact
	Warnings  []CompileWarning
}

// Compiler turns one Source's config into a CompileResult, and can
// reattach an Invoke closure to a previously compiled artifact without
// recompiling the whole source (used on Workspace Tool Cache rehydrate).
type Compiler interface {
	// Type returns the Source Type this Compiler handles.
	Type() Type
	// Compile normalizes s.Config and produces tool definitions. A
	// normalization failure for the whole source (e.g. malformed JSON
	// config) is returned as err; per-operation failures are appended to
	// CompileResult.Warnings instead of aborting the compile.
	Compile(ctx context.Context, s Source) (CompileResult, error)
	// Recompile reattaches a live Invoke closure to a compiled artifact,
	// without re-fetching or re-parsing the source's spec, so cache
	// rehydrate stays cheap.
	Recompile(ctx context.Context, s Source, a CompiledArtifact) (tools.Definition, error)
}

// ToDefinition is a convenience used by compilers whose Recompile needs no
// extra work beyond attaching invoke: most MCP and GraphQL operations.
func ToDefinition(a CompiledArtifact, invoke func(ctx context.Context, args []byte) ([]byte, error)) tools.Definition {
	return tools.Definition{
		Name:         a.Name,
		SourceID:     a.SourceID,
		Description:  a.Description,
		Tags:         a.Tags,
		ApprovalMode: a.Approval,
		Confirmation: a.Confirmation,
		Payload:      a.Payload,
		Result:       a.Result,
		Invoke:       invoke,
	}
}
