package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxgw/core/internal/eventlog"
)

func TestStoreAppendListByTask(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, eventlog.Event{ID: "e1", TaskID: "t1", Kind: eventlog.KindTaskQueued}))
	require.NoError(t, store.Append(ctx, eventlog.Event{ID: "e2", TaskID: "t1", Kind: eventlog.KindTaskStarted}))
	require.NoError(t, store.Append(ctx, eventlog.Event{ID: "e3", TaskID: "t2", Kind: eventlog.KindTaskQueued}))

	events, err := store.ListByTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, eventlog.KindTaskQueued, events[0].Kind)
	require.Equal(t, eventlog.KindTaskStarted, events[1].Kind)
}

func TestStoreListByWorkspaceWindow(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, eventlog.Event{ID: "e1", WorkspaceID: "ws", At: base}))
	require.NoError(t, store.Append(ctx, eventlog.Event{ID: "e2", WorkspaceID: "ws", At: base.Add(time.Hour)}))
	require.NoError(t, store.Append(ctx, eventlog.Event{ID: "e3", WorkspaceID: "other", At: base.Add(time.Hour)}))

	events, err := store.ListByWorkspace(ctx, "ws", base.Add(30*time.Minute), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "e2", events[0].ID)
}

func TestStoreAppendDefensiveLabelCopy(t *testing.T) {
	store := New()
	ctx := context.Background()
	labels := map[string]string{"k": "v"}
	require.NoError(t, store.Append(ctx, eventlog.Event{ID: "e1", TaskID: "t1", Labels: labels}))
	labels["k"] = "mutated"

	events, err := store.ListByTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "v", events[0].Labels["k"])
}
