package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxgw/core/internal/run"
)

func TestCreateDefaultsQueuedAndTimeout(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, run.Run{ID: "task_1", WorkspaceID: "ws_1", Code: "print(1)"}))

	got, err := s.Load(ctx, "task_1")
	require.NoError(t, err)
	require.Equal(t, run.StatusQueued, got.Status)
	require.EqualValues(t, run.DefaultTimeoutMs, got.TimeoutMs)
}

func TestMarkRunningIsIdempotentOnlyOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, run.Run{ID: "task_1", WorkspaceID: "ws_1"}))

	require.NoError(t, s.MarkRunning(ctx, "task_1"))
	require.ErrorIs(t, s.MarkRunning(ctx, "task_1"), run.ErrInvalidTransition)
}

func TestMarkFinishedRejectsAfterTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, run.Run{ID: "task_1", WorkspaceID: "ws_1"}))
	require.NoError(t, s.MarkRunning(ctx, "task_1"))

	require.NoError(t, s.MarkFinished(ctx, "task_1", run.StatusCompleted, func(r *run.Run) {
		r.ExitCode = 0
	}))

	err := s.MarkFinished(ctx, "task_1", run.StatusFailed, nil)
	require.ErrorIs(t, err, run.ErrInvalidTransition)

	got, err := s.Load(ctx, "task_1")
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, got.Status)
}

func TestListByWorkspaceFiltersByStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, run.Run{ID: "task_1", WorkspaceID: "ws_1"}))
	require.NoError(t, s.Create(ctx, run.Run{ID: "task_2", WorkspaceID: "ws_1"}))
	require.NoError(t, s.MarkRunning(ctx, "task_2"))

	queued, err := s.ListByWorkspace(ctx, "ws_1", []run.Status{run.StatusQueued})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, "task_1", queued[0].ID)
}
