// Package approvalcoord implements the Approval Coordinator: the layer over
// the Approval Store that the dispatcher calls to create approvals and to
// wait for their resolution. RequestApproval, ListPending and ExpireStale
// take a workspace ID; Await and Resolve address an approval by its ID alone
// and do not check which workspace it belongs to.
//
// Suspension is polling-based by design: the dispatcher calls Await, which
// polls the persisted Approval row every pollInterval rather than blocking on
// a channel. A persisted row is the only state a restarted process can
// recover; a channel-based equivalent is possible but would need explicit
// lost-wakeup protection on every process restart, which the polling loop
// gets for free.
package approvalcoord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxgw/core/internal/approval"
	"github.com/sandboxgw/core/internal/telemetry"
)

// DefaultPollInterval matches the dispatch design note's 500ms suspend-poll
// cadence.
const DefaultPollInterval = 500 * time.Millisecond

// Coordinator requests and awaits human approval decisions for suspended
// tasks.
type Coordinator struct {
	store        approval.Store
	pollInterval time.Duration
	logger       telemetry.Logger
}

// Options configures a Coordinator.
type Options struct {
	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
	// Logger receives coordinator diagnostics; defaults to a no-op logger.
	Logger telemetry.Logger
}

// New constructs a Coordinator backed by store.
func New(store approval.Store, opts Options) *Coordinator {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Coordinator{store: store, pollInterval: interval, logger: logger}
}

// RequestApproval persists a new pending approval for taskID and returns its
// ID. The dispatcher records this ID on the task before suspending.
func (c *Coordinator) RequestApproval(ctx context.Context, workspaceID, taskID, toolName, summary string, expiresAt time.Time) (string, error) {
	id := fmt.Sprintf("approval_%s", uuid.NewString())
	a := approval.Approval{
		ID:          id,
		TaskID:      taskID,
		WorkspaceID: workspaceID,
		ToolName:    toolName,
		Summary:     summary,
		Status:      approval.StatusPending,
		RequestedAt: time.Now(),
		ExpiresAt:   expiresAt,
	}
	if err := c.store.Create(ctx, a); err != nil {
		return "", fmt.Errorf("request approval: %w", err)
	}
	c.logger.Info(ctx, "approval requested", "approval_id", id, "task_id", taskID, "tool", toolName)
	return id, nil
}

// Await polls the approval until it leaves StatusPending, the context is
// canceled, or the approval's ExpiresAt passes (in which case it is resolved
// as StatusExpired with reason "expired"). It returns the final Approval.
func (c *Coordinator) Await(ctx context.Context, approvalID string) (approval.Approval, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		a, err := c.store.Load(ctx, approvalID)
		if err != nil {
			return approval.Approval{}, fmt.Errorf("await approval: %w", err)
		}
		if a.Status != approval.StatusPending {
			return a, nil
		}
		if !a.ExpiresAt.IsZero() && time.Now().After(a.ExpiresAt) {
			if resolveErr := c.store.Resolve(ctx, approvalID, approval.StatusExpired, "", "expired"); resolveErr != nil && resolveErr != approval.ErrAlreadyResolved {
				return approval.Approval{}, fmt.Errorf("expire approval: %w", resolveErr)
			}
			return c.store.Load(ctx, approvalID)
		}
		select {
		case <-ctx.Done():
			return approval.Approval{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Resolve records a human decision on approvalID: StatusApproved when
// approved is true, StatusDenied otherwise. It does not compare approverID
// with the actor that originated the task.
func (c *Coordinator) Resolve(ctx context.Context, approvalID string, approved bool, approverID, reason string) error {
	status := approval.StatusDenied
	if approved {
		status = approval.StatusApproved
	}
	if err := c.store.Resolve(ctx, approvalID, status, approverID, reason); err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	c.logger.Info(ctx, "approval resolved", "approval_id", approvalID, "status", string(status), "approver_id", approverID)
	return nil
}

// ListPending returns pending approvals for a workspace, for UI listings and
// the expiry sweep.
func (c *Coordinator) ListPending(ctx context.Context, workspaceID string) ([]approval.Approval, error) {
	return c.store.ListPending(ctx, workspaceID)
}

// ExpireStale resolves any pending approval in workspaceID whose ExpiresAt
// has passed. It is intended to run on a periodic sweep independent of
// Await, so that approvals belonging to crashed or restarted task runs still
// expire.
func (c *Coordinator) ExpireStale(ctx context.Context, workspaceID string) (int, error) {
	pending, err := c.store.ListPending(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	expired := 0
	now := time.Now()
	for _, a := range pending {
		if a.ExpiresAt.IsZero() || now.Before(a.ExpiresAt) {
			continue
		}
		if err := c.store.Resolve(ctx, a.ID, approval.StatusExpired, "", "expired"); err != nil && err != approval.ErrAlreadyResolved {
			return expired, fmt.Errorf("expire approval %q: %w", a.ID, err)
		}
		expired++
	}
	return expired, nil
}
