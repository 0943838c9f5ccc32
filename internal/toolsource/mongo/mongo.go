// Package mongo provides a MongoDB-backed toolsource.Store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sandboxgw/core/internal/toolsource"
)

// Store is a MongoDB implementation of toolsource.Store.
type Store struct {
	collection *mongo.Collection
}

var _ toolsource.Store = (*Store)(nil)

type document struct {
	ID          string    `bson:"_id"`
	WorkspaceID string    `bson:"workspace_id"`
	Name        string    `bson:"name"`
	Type        string    `bson:"type"`
	Enabled     bool      `bson:"enabled"`
	Config      []byte    `bson:"config"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// New creates a Store using the provided collection. Callers should ensure
// a unique index on {workspace_id: 1, name: 1}.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

func toDocument(s toolsource.Source) document {
	return document{
		ID:          s.ID,
		WorkspaceID: s.WorkspaceID,
		Name:        s.Name,
		Type:        string(s.Type),
		Enabled:     s.Enabled,
		Config:      s.Config,
		UpdatedAt:   s.UpdatedAt,
	}
}

func fromDocument(d document) toolsource.Source {
	return toolsource.Source{
		ID:          d.ID,
		WorkspaceID: d.WorkspaceID,
		Name:        d.Name,
		Type:        toolsource.Type(d.Type),
		Enabled:     d.Enabled,
		Config:      d.Config,
		UpdatedAt:   d.UpdatedAt,
	}
}

// Create inserts s, stamping UpdatedAt. A duplicate _id or a duplicate
// (workspace_id, name) pair (enforced by a unique index) surfaces as
// ErrDuplicateName.
func (s *Store) Create(ctx context.Context, src toolsource.Source) (toolsource.Source, error) {
	src.UpdatedAt = time.Now()
	doc := toDocument(src)
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return toolsource.Source{}, toolsource.ErrDuplicateName
		}
		return toolsource.Source{}, fmt.Errorf("mongodb create tool source %q: %w", src.ID, err)
	}
	return src, nil
}

// Load returns the source by (workspace, id).
func (s *Store) Load(ctx context.Context, workspaceID, id string) (toolsource.Source, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": id, "workspace_id": workspaceID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return toolsource.Source{}, toolsource.ErrNotFound
		}
		return toolsource.Source{}, fmt.Errorf("mongodb load tool source %q: %w", id, err)
	}
	return fromDocument(doc), nil
}

// Update replaces the source, stamping UpdatedAt.
func (s *Store) Update(ctx context.Context, src toolsource.Source) (toolsource.Source, error) {
	src.UpdatedAt = time.Now()
	doc := toDocument(src)
	res, err := s.collection.ReplaceOne(ctx, bson.M{"_id": src.ID, "workspace_id": src.WorkspaceID}, doc)
	if err != nil {
		return toolsource.Source{}, fmt.Errorf("mongodb update tool source %q: %w", src.ID, err)
	}
	if res.MatchedCount == 0 {
		return toolsource.Source{}, toolsource.ErrNotFound
	}
	return src, nil
}

// Delete removes the source by (workspace, id).
func (s *Store) Delete(ctx context.Context, workspaceID, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id, "workspace_id": workspaceID})
	if err != nil {
		return fmt.Errorf("mongodb delete tool source %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return toolsource.ErrNotFound
	}
	return nil
}

// ListByWorkspace returns every source owned by workspaceID.
func (s *Store) ListByWorkspace(ctx context.Context, workspaceID string) ([]toolsource.Source, error) {
	return s.find(ctx, bson.M{"workspace_id": workspaceID})
}

// ListEnabled returns enabled sources for workspaceID ordered by _id.
func (s *Store) ListEnabled(ctx context.Context, workspaceID string) ([]toolsource.Source, error) {
	return s.find(ctx, bson.M{"workspace_id": workspaceID, "enabled": true})
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]toolsource.Source, error) {
	cursor, err := s.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list tool sources: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb decode tool sources: %w", err)
	}
	out := make([]toolsource.Source, len(docs))
	for i, d := range docs {
		out[i] = fromDocument(d)
	}
	return out, nil
}
