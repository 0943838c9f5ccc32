// Package approval models the human-in-the-loop decision a task waits on
// when the policy evaluator's decision is require_approval. Resolution is
// polled rather than signaled: the approval coordinator and the dispatcher
// both observe Store state directly, so a single persisted row is the only
// source of truth and no decision can be lost to a missed wakeup.
package approval

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an approval lookup misses.
var ErrNotFound = errors.New("approval not found")

// ErrAlreadyResolved is returned by Resolve when the approval is no longer
// pending.
var ErrAlreadyResolved = errors.New("approval already resolved")

// Status enumerates the lifecycle of a single approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Approval is a single human-in-the-loop decision gating one task.
type Approval struct {
	// ID is the approval_<uuid> identity.
	ID string
	// TaskID is the task suspended on this approval.
	TaskID string
	// WorkspaceID scopes the approval for listing/polling queries.
	WorkspaceID string
	// ToolName is the tool the task is attempting to invoke, surfaced to
	// the approver.
	ToolName string
	// Summary is a human-readable description of the call being approved,
	// derived from the tool's ConfirmationSpec prompt template.
	Summary string
	// Status is the current lifecycle state.
	Status Status
	// ApproverID identifies who resolved the approval; empty while pending.
	ApproverID string
	// Reason carries the approver's rationale, or the expiry/timeout reason
	// when the coordinator auto-resolves a stale approval.
	Reason string
	// RequestedAt is when the approval was created.
	RequestedAt time.Time
	// ExpiresAt is when a still-pending approval is resolved as
	// StatusExpired. Zero means no expiry.
	ExpiresAt time.Time
	// ResolvedAt is when the approval left StatusPending; zero while
	// pending.
	ResolvedAt time.Time
}

// Store persists Approval records.
type Store interface {
	// Create inserts a new approval in StatusPending.
	Create(ctx context.Context, a Approval) error
	// Load returns the approval with the given ID, or ErrNotFound.
	Load(ctx context.Context, id string) (Approval, error)
	// Resolve transitions a pending approval to approved, denied or expired,
	// recording the approver and reason. Returns ErrAlreadyResolved if the
	// approval is no longer pending.
	Resolve(ctx context.Context, id string, status Status, approverID, reason string) error
	// ListPending returns all pending approvals for a workspace, in request
	// order, for the approval coordinator's expiry sweep and for UI
	// listings.
	ListPending(ctx context.Context, workspaceID string) ([]Approval, error)
}
