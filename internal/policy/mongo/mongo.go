// Package mongo provides a MongoDB-backed policy.Store.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sandboxgw/core/internal/policy"
)

// Store is a MongoDB implementation of policy.Store, keyed by workspace ID.
type Store struct {
	collection *mongo.Collection
}

var _ policy.Store = (*Store)(nil)

type document struct {
	WorkspaceID string       `bson:"_id"`
	Rules       []ruleRecord `bson:"rules"`
}

type ruleRecord struct {
	ID          string `bson:"id"`
	Actor       string `bson:"actor,omitempty"`
	Client      string `bson:"client,omitempty"`
	ToolPattern string `bson:"tool_pattern"`
	Decision    string `bson:"decision"`
	Priority    int    `bson:"priority"`
}

// New creates a Store using the provided collection.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Load returns the rules saved for workspaceID.
func (s *Store) Load(ctx context.Context, workspaceID string) ([]policy.Rule, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": workspaceID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, policy.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb load policy %q: %w", workspaceID, err)
	}
	out := make([]policy.Rule, len(doc.Rules))
	for i, r := range doc.Rules {
		out[i] = policy.Rule{
			ID:          r.ID,
			Actor:       r.Actor,
			Client:      r.Client,
			ToolPattern: r.ToolPattern,
			Decision:    policy.Decision(r.Decision),
			Priority:    r.Priority,
		}
	}
	return out, nil
}

// Save replaces the rule set stored for workspaceID.
func (s *Store) Save(ctx context.Context, workspaceID string, rules []policy.Rule) error {
	records := make([]ruleRecord, len(rules))
	for i, r := range rules {
		records[i] = ruleRecord{
			ID:          r.ID,
			Actor:       r.Actor,
			Client:      r.Client,
			ToolPattern: r.ToolPattern,
			Decision:    string(r.Decision),
			Priority:    r.Priority,
		}
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": workspaceID}, document{WorkspaceID: workspaceID, Rules: records}, opts)
	if err != nil {
		return fmt.Errorf("mongodb save policy %q: %w", workspaceID, err)
	}
	return nil
}
