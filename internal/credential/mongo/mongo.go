// Package mongo provides a MongoDB-backed credential.Store cache.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sandboxgw/core/internal/credential"
)

// Store is a MongoDB implementation of credential.Store, keyed by tool
// source ID. Material is stored as-is; deployments that require
// encryption-at-rest beyond MongoDB's own should wrap the collection with a
// client-side field encryption configuration, which is out of scope here.
type Store struct {
	collection *mongo.Collection
}

var _ credential.Store = (*Store)(nil)

type document struct {
	ToolSourceID string    `bson:"_id"`
	Kind         string    `bson:"kind"`
	Provider     string    `bson:"provider"`
	Material     string    `bson:"material"`
	ExpiresAt    time.Time `bson:"expires_at,omitempty"`
}

// New creates a Store using the provided collection.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Load returns the cached credential for toolSourceID.
func (s *Store) Load(ctx context.Context, toolSourceID string) (credential.Credential, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": toolSourceID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return credential.Credential{}, credential.ErrNotFound
		}
		return credential.Credential{}, fmt.Errorf("mongodb load credential %q: %w", toolSourceID, err)
	}
	return credential.Credential{
		ToolSourceID: doc.ToolSourceID,
		Kind:         credential.AuthKind(doc.Kind),
		Provider:     credential.Provider(doc.Provider),
		Material:     doc.Material,
		ExpiresAt:    doc.ExpiresAt,
	}, nil
}

// Save upserts c.
func (s *Store) Save(ctx context.Context, c credential.Credential) error {
	doc := document{
		ToolSourceID: c.ToolSourceID,
		Kind:         string(c.Kind),
		Provider:     string(c.Provider),
		Material:     c.Material,
		ExpiresAt:    c.ExpiresAt,
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": c.ToolSourceID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongodb save credential %q: %w", c.ToolSourceID, err)
	}
	return nil
}
