// Package inmem provides an in-memory task.Store suitable for tests and
// single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandboxgw/core/internal/task"
)

// Store is a sync.RWMutex-guarded map of tasks. Every returned Task is a
// defensive copy; callers cannot mutate internal state through it.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]task.Task
}

// New returns an empty Store.
func New() *Store {
	return &Store{tasks: make(map[string]task.Task)}
}

// Create inserts t in StatusQueued, stamping CreatedAt/UpdatedAt if zero.
func (s *Store) Create(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[t.ID]; dup {
		return fmt.Errorf("task %q already exists", t.ID)
	}
	if t.Status == "" {
		t.Status = task.StatusQueued
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	t.Labels = cloneLabels(t.Labels)
	s.tasks[t.ID] = t
	return nil
}

// Load returns a copy of the task with the given ID.
func (s *Store) Load(_ context.Context, id string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	t.Labels = cloneLabels(t.Labels)
	return t, nil
}

// UpdateStatus applies apply and the new status atomically, rejecting the
// update if the stored task is already terminal.
func (s *Store) UpdateStatus(_ context.Context, id string, status task.Status, apply func(*task.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status.Terminal() {
		return task.ErrInvalidTransition
	}
	if apply != nil {
		apply(&t)
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	if status == task.StatusRunning && t.StartedAt.IsZero() {
		t.StartedAt = t.UpdatedAt
	}
	s.tasks[id] = t
	return nil
}

// ListByWorkspace returns copies of all tasks for workspaceID, optionally
// filtered to statuses.
func (s *Store) ListByWorkspace(_ context.Context, workspaceID string, statuses []task.Status) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var allow map[task.Status]bool
	if len(statuses) > 0 {
		allow = make(map[task.Status]bool, len(statuses))
		for _, st := range statuses {
			allow[st] = true
		}
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.WorkspaceID != workspaceID {
			continue
		}
		if allow != nil && !allow[t.Status] {
			continue
		}
		t.Labels = cloneLabels(t.Labels)
		out = append(out, t)
	}
	return out, nil
}

// Reset clears all stored tasks. Test helper.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]task.Task)
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
