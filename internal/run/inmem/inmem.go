// Package inmem provides an in-memory run.Store suitable for tests and
// single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandboxgw/core/internal/run"
)

// Store is a sync.RWMutex-guarded map of runs. Every returned Run is a
// defensive copy; callers cannot mutate internal state through it.
type Store struct {
	mu   sync.RWMutex
	runs map[string]run.Run
}

// New returns an empty Store.
func New() *Store {
	return &Store{runs: make(map[string]run.Run)}
}

func (s *Store) Create(_ context.Context, r run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.runs[r.ID]; dup {
		return fmt.Errorf("run %q already exists", r.ID)
	}
	if r.Status == "" {
		r.Status = run.StatusQueued
	}
	if r.TimeoutMs == 0 {
		r.TimeoutMs = run.DefaultTimeoutMs
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	r.Metadata = cloneLabels(r.Metadata)
	s.runs[r.ID] = r
	return nil
}

func (s *Store) Load(_ context.Context, id string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return run.Run{}, run.ErrNotFound
	}
	r.Metadata = cloneLabels(r.Metadata)
	return r, nil
}

func (s *Store) MarkRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return run.ErrNotFound
	}
	if r.Status != run.StatusQueued {
		return run.ErrInvalidTransition
	}
	now := time.Now()
	r.Status = run.StatusRunning
	r.StartedAt = now
	r.UpdatedAt = now
	s.runs[id] = r
	return nil
}

func (s *Store) MarkFinished(_ context.Context, id string, status run.Status, apply func(*run.Run)) error {
	if !status.Terminal() {
		return fmt.Errorf("run: %q is not a terminal status", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return run.ErrNotFound
	}
	if r.Status.Terminal() {
		return run.ErrInvalidTransition
	}
	if apply != nil {
		apply(&r)
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	s.runs[id] = r
	return nil
}

func (s *Store) ListByWorkspace(_ context.Context, workspaceID string, statuses []run.Status) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var allow map[run.Status]bool
	if len(statuses) > 0 {
		allow = make(map[run.Status]bool, len(statuses))
		for _, st := range statuses {
			allow[st] = true
		}
	}
	var out []run.Run
	for _, r := range s.runs {
		if r.WorkspaceID != workspaceID {
			continue
		}
		if allow != nil && !allow[r.Status] {
			continue
		}
		r.Metadata = cloneLabels(r.Metadata)
		out = append(out, r)
	}
	return out, nil
}

// Reset clears all stored runs. Test helper.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]run.Run)
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
