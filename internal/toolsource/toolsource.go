// Package toolsource defines the Tool Source entity and the Compiler
// contract that turns a source config into invocable tool.Definitions.
package toolsource

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a tool source does not exist in a workspace.
var ErrNotFound = errors.New("tool source not found")

// ErrDuplicateName is returned by Create when (workspace, name) already
// exists.
var ErrDuplicateName = errors.New("tool source name already exists in workspace")

// Type enumerates the supported tool source backends.
type Type string

const (
	TypeOpenAPI Type = "openapi"
	TypeGraphQL Type = "graphql"
	TypeMCP     Type = "mcp"
)

// Source is a workspace's registration of one external tool provider. Config
// is opaque to the store: it is interpreted by the Compiler for Type.
type Source struct {
	// ID is the src_<uuid> identity.
	ID          string
	WorkspaceID string
	Name        string
	Type        Type
	Enabled     bool
	Config      []byte
	UpdatedAt   time.Time
}

// Store persists Tool Source rows. (workspace, name) is unique; type-specific
// config validity is checked at compile time, not at Create.
type Store interface {
	Create(ctx context.Context, s Source) (Source, error)
	Load(ctx context.Context, workspaceID, id string) (Source, error)
	Update(ctx context.Context, s Source) (Source, error)
	Delete(ctx context.Context, workspaceID, id string) error
	ListByWorkspace(ctx context.Context, workspaceID string) ([]Source, error)
	// ListEnabled returns enabled sources for a workspace ordered by ID, the
	// order the Workspace Tool Cache rebuild step requires.
	ListEnabled(ctx context.Context, workspaceID string) ([]Source, error)
}
