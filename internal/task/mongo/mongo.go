// Package mongo provides a MongoDB-backed task.Store for durability across
// gateway restarts.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sandboxgw/core/internal/task"
)

// Store is a MongoDB implementation of task.Store.
type Store struct {
	collection *mongo.Collection
}

var _ task.Store = (*Store)(nil)

// document is the MongoDB representation of a Task.
type document struct {
	ID           string            `bson:"_id"`
	WorkspaceID  string            `bson:"workspace_id"`
	ActorID      string            `bson:"actor_id,omitempty"`
	ClientID     string            `bson:"client_id,omitempty"`
	ToolSourceID string            `bson:"tool_source_id"`
	ToolName     string            `bson:"tool_name"`
	Args         []byte            `bson:"args,omitempty"`
	Status       string            `bson:"status"`
	ApprovalID   string            `bson:"approval_id,omitempty"`
	Result       []byte            `bson:"result,omitempty"`
	Error        string            `bson:"error,omitempty"`
	Labels       map[string]string `bson:"labels,omitempty"`
	CreatedAt    time.Time         `bson:"created_at"`
	StartedAt    time.Time         `bson:"started_at,omitempty"`
	UpdatedAt    time.Time         `bson:"updated_at"`
}

// New creates a Store using the provided collection. The collection should
// come from a connected mongo.Client (see cmd/gateway's wiring).
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Create inserts t. Returns an error if a document with the same ID exists.
func (s *Store) Create(ctx context.Context, t task.Task) error {
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
	_, err := s.collection.InsertOne(ctx, toDocument(t))
	if err != nil {
		return fmt.Errorf("mongodb create task %q: %w", t.ID, err)
	}
	return nil
}

// Load retrieves the task with the given ID.
func (s *Store) Load(ctx context.Context, id string) (task.Task, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return task.Task{}, task.ErrNotFound
		}
		return task.Task{}, fmt.Errorf("mongodb load task %q: %w", id, err)
	}
	return fromDocument(&doc), nil
}

// UpdateStatus loads the task, applies apply and the new status, and
// replaces the document, rejecting the update if the stored task is
// terminal. The load-apply-replace sequence is not transactional across a
// concurrent writer; callers that need compare-and-swap semantics should run
// inside a Mongo session transaction.
func (s *Store) UpdateStatus(ctx context.Context, id string, status task.Status, apply func(*task.Task)) error {
	current, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return task.ErrInvalidTransition
	}
	if apply != nil {
		apply(&current)
	}
	current.Status = status
	current.UpdatedAt = time.Now()
	if status == task.StatusRunning && current.StartedAt.IsZero() {
		current.StartedAt = current.UpdatedAt
	}
	opts := options.Replace().SetUpsert(false)
	_, err = s.collection.ReplaceOne(ctx, bson.M{"_id": id}, toDocument(current), opts)
	if err != nil {
		return fmt.Errorf("mongodb update task %q: %w", id, err)
	}
	return nil
}

// ListByWorkspace returns tasks for workspaceID, optionally filtered by
// statuses.
func (s *Store) ListByWorkspace(ctx context.Context, workspaceID string, statuses []task.Status) ([]task.Task, error) {
	filter := bson.M{"workspace_id": workspaceID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		filter["status"] = bson.M{"$in": names}
	}
	cursor, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb list tasks for workspace %q: %w", workspaceID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list tasks decode: %w", err)
	}
	out := make([]task.Task, len(docs))
	for i, doc := range docs {
		out[i] = fromDocument(&doc)
	}
	return out, nil
}

func toDocument(t task.Task) *document {
	return &document{
		ID:           t.ID,
		WorkspaceID:  t.WorkspaceID,
		ActorID:      t.ActorID,
		ClientID:     t.ClientID,
		ToolSourceID: t.Tool.ToolSourceID,
		ToolName:     t.Tool.ToolName,
		Args:         t.Args,
		Status:       string(t.Status),
		ApprovalID:   t.ApprovalID,
		Result:       t.Result,
		Error:        t.Error,
		Labels:       t.Labels,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func fromDocument(doc *document) task.Task {
	return task.Task{
		ID:          doc.ID,
		WorkspaceID: doc.WorkspaceID,
		ActorID:     doc.ActorID,
		ClientID:    doc.ClientID,
		Tool:        task.Ref{ToolSourceID: doc.ToolSourceID, ToolName: doc.ToolName},
		Args:        doc.Args,
		Status:      task.Status(doc.Status),
		ApprovalID:  doc.ApprovalID,
		Result:      doc.Result,
		Error:       doc.Error,
		Labels:      doc.Labels,
		CreatedAt:   doc.CreatedAt,
		StartedAt:   doc.StartedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}
