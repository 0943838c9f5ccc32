// Package mongo provides a MongoDB-backed eventlog.Store.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sandboxgw/core/internal/eventlog"
)

// Store is a MongoDB implementation of eventlog.Store. Documents are never
// updated or deleted after insertion.
type Store struct {
	collection *mongo.Collection
}

var _ eventlog.Store = (*Store)(nil)

type document struct {
	ID          string            `bson:"_id"`
	TaskID      string            `bson:"task_id"`
	WorkspaceID string            `bson:"workspace_id"`
	Kind        string            `bson:"kind"`
	Detail      []byte            `bson:"detail,omitempty"`
	Labels      map[string]string `bson:"labels,omitempty"`
	At          time.Time         `bson:"at"`
}

// New creates a Store using the provided collection.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Append inserts e, stamping At if zero.
func (s *Store) Append(ctx context.Context, e eventlog.Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	doc := document{
		ID:          e.ID,
		TaskID:      e.TaskID,
		WorkspaceID: e.WorkspaceID,
		Kind:        string(e.Kind),
		Detail:      e.Detail,
		Labels:      e.Labels,
		At:          e.At,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb append event %q: %w", e.ID, err)
	}
	return nil
}

// ListByTask returns events for taskID ordered by insertion time.
func (s *Store) ListByTask(ctx context.Context, taskID string) ([]eventlog.Event, error) {
	return s.find(ctx, bson.M{"task_id": taskID})
}

// ListByWorkspace returns events for workspaceID within [since, until).
func (s *Store) ListByWorkspace(ctx context.Context, workspaceID string, since, until time.Time) ([]eventlog.Event, error) {
	filter := bson.M{"workspace_id": workspaceID}
	rng := bson.M{}
	if !since.IsZero() {
		rng["$gte"] = since
	}
	if !until.IsZero() {
		rng["$lt"] = until
	}
	if len(rng) > 0 {
		filter["at"] = rng
	}
	return s.find(ctx, filter)
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]eventlog.Event, error) {
	cursor, err := s.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list events: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list events decode: %w", err)
	}
	out := make([]eventlog.Event, len(docs))
	for i, doc := range docs {
		out[i] = eventlog.Event{
			ID:          doc.ID,
			TaskID:      doc.TaskID,
			WorkspaceID: doc.WorkspaceID,
			Kind:        eventlog.Kind(doc.Kind),
			Detail:      doc.Detail,
			Labels:      doc.Labels,
			At:          doc.At,
		}
	}
	return out, nil
}
