// Package inmem provides an in-memory eventlog.Store suitable for tests and
// single-process deployments.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sandboxgw/core/internal/eventlog"
)

// Store is a sync.RWMutex-guarded append-only event log, indexed by task for
// fast lookup.
type Store struct {
	mu       sync.RWMutex
	byTask   map[string][]eventlog.Event
	ordered  []eventlog.Event
}

// New returns an empty Store.
func New() *Store {
	return &Store{byTask: make(map[string][]eventlog.Event)}
}

// Append records e, stamping At if zero.
func (s *Store) Append(_ context.Context, e eventlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.Labels = cloneLabels(e.Labels)
	s.byTask[e.TaskID] = append(s.byTask[e.TaskID], e)
	s.ordered = append(s.ordered, e)
	return nil
}

// ListByTask returns a copy of the events recorded for taskID, in append
// order.
func (s *Store) ListByTask(_ context.Context, taskID string) ([]eventlog.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.byTask[taskID]
	out := make([]eventlog.Event, len(events))
	copy(out, events)
	return out, nil
}

// ListByWorkspace returns events for workspaceID within [since, until),
// sorted by time.
func (s *Store) ListByWorkspace(_ context.Context, workspaceID string, since, until time.Time) ([]eventlog.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []eventlog.Event
	for _, e := range s.ordered {
		if e.WorkspaceID != workspaceID {
			continue
		}
		if !since.IsZero() && e.At.Before(since) {
			continue
		}
		if !until.IsZero() && !e.At.Before(until) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// Reset clears the log. Test helper.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTask = make(map[string][]eventlog.Event)
	s.ordered = nil
}

func cloneLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
