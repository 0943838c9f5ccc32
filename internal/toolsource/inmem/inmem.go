// Package inmem provides an in-memory toolsource.Store suitable for tests.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sandboxgw/core/internal/toolsource"
)

// Store is a sync.RWMutex-guarded map of tool sources.
type Store struct {
	mu      sync.RWMutex
	sources map[string]toolsource.Source
}

var _ toolsource.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{sources: make(map[string]toolsource.Source)}
}

// Create inserts s, rejecting a duplicate id or a duplicate (workspace, name).
func (st *Store) Create(_ context.Context, s toolsource.Source) (toolsource.Source, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.sources[s.ID]; exists {
		return toolsource.Source{}, toolsource.ErrDuplicateName
	}
	for _, existing := range st.sources {
		if existing.WorkspaceID == s.WorkspaceID && existing.Name == s.Name {
			return toolsource.Source{}, toolsource.ErrDuplicateName
		}
	}
	s.UpdatedAt = time.Now()
	st.sources[s.ID] = s
	return s, nil
}

// Load returns the source by (workspace, id).
func (st *Store) Load(_ context.Context, workspaceID, id string) (toolsource.Source, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sources[id]
	if !ok || s.WorkspaceID != workspaceID {
		return toolsource.Source{}, toolsource.ErrNotFound
	}
	return s, nil
}

// Update replaces an existing source, stamping UpdatedAt.
func (st *Store) Update(_ context.Context, s toolsource.Source) (toolsource.Source, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	existing, ok := st.sources[s.ID]
	if !ok || existing.WorkspaceID != s.WorkspaceID {
		return toolsource.Source{}, toolsource.ErrNotFound
	}
	s.UpdatedAt = time.Now()
	st.sources[s.ID] = s
	return s, nil
}

// Delete removes the source by (workspace, id).
func (st *Store) Delete(_ context.Context, workspaceID, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sources[id]
	if !ok || s.WorkspaceID != workspaceID {
		return toolsource.ErrNotFound
	}
	delete(st.sources, id)
	return nil
}

// ListByWorkspace returns every source owned by workspaceID.
func (st *Store) ListByWorkspace(_ context.Context, workspaceID string) ([]toolsource.Source, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []toolsource.Source
	for _, s := range st.sources {
		if s.WorkspaceID == workspaceID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListEnabled returns enabled sources for workspaceID ordered by ID.
func (st *Store) ListEnabled(ctx context.Context, workspaceID string) ([]toolsource.Source, error) {
	all, err := st.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, s := range all {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

// Reset clears the store. Test helper.
func (st *Store) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sources = make(map[string]toolsource.Source)
}
