package policy

import "context"

// Store persists a workspace's rule set. The evaluator itself is stateless
// (see Engine); the dispatcher loads a workspace's rules from Store on each
// call and builds an Engine from them. cmd/gateway wires the Mongo-backed
// Store.
type Store interface {
	// Load returns the rules configured for workspaceID, or ErrNotFound if
	// none have been saved.
	Load(ctx context.Context, workspaceID string) ([]Rule, error)
	// Save replaces the full rule set for workspaceID.
	Save(ctx context.Context, workspaceID string, rules []Rule) error
}
