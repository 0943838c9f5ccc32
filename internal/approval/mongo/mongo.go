// Package mongo provides a MongoDB-backed approval.Store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sandboxgw/core/internal/approval"
)

// Store is a MongoDB implementation of approval.Store.
type Store struct {
	collection *mongo.Collection
}

var _ approval.Store = (*Store)(nil)

type document struct {
	ID          string    `bson:"_id"`
	TaskID      string    `bson:"task_id"`
	WorkspaceID string    `bson:"workspace_id"`
	ToolName    string    `bson:"tool_name"`
	Summary     string    `bson:"summary,omitempty"`
	Status      string    `bson:"status"`
	ApproverID  string    `bson:"approver_id,omitempty"`
	Reason      string    `bson:"reason,omitempty"`
	RequestedAt time.Time `bson:"requested_at"`
	ExpiresAt   time.Time `bson:"expires_at,omitempty"`
	ResolvedAt  time.Time `bson:"resolved_at,omitempty"`
}

// New creates a Store using the provided collection.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Create inserts a, stamping RequestedAt if zero.
func (s *Store) Create(ctx context.Context, a approval.Approval) error {
	if a.Status == "" {
		a.Status = approval.StatusPending
	}
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now()
	}
	if _, err := s.collection.InsertOne(ctx, toDocument(a)); err != nil {
		return fmt.Errorf("mongodb create approval %q: %w", a.ID, err)
	}
	return nil
}

// Load retrieves the approval with the given ID.
func (s *Store) Load(ctx context.Context, id string) (approval.Approval, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return approval.Approval{}, approval.ErrNotFound
		}
		return approval.Approval{}, fmt.Errorf("mongodb load approval %q: %w", id, err)
	}
	return fromDocument(&doc), nil
}

// Resolve conditionally updates a pending approval to a terminal status.
// The filter includes status=pending so a concurrent resolver loses the
// race atomically at the database layer rather than via a read-modify-write.
func (s *Store) Resolve(ctx context.Context, id string, status approval.Status, approverID, reason string) error {
	filter := bson.M{"_id": id, "status": string(approval.StatusPending)}
	update := bson.M{"$set": bson.M{
		"status":      string(status),
		"approver_id": approverID,
		"reason":      reason,
		"resolved_at": time.Now(),
	}}
	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongodb resolve approval %q: %w", id, err)
	}
	if result.MatchedCount == 0 {
		if _, loadErr := s.Load(ctx, id); loadErr != nil {
			return loadErr
		}
		return approval.ErrAlreadyResolved
	}
	return nil
}

// ListPending returns pending approvals for workspaceID, oldest first.
func (s *Store) ListPending(ctx context.Context, workspaceID string) ([]approval.Approval, error) {
	filter := bson.M{"workspace_id": workspaceID, "status": string(approval.StatusPending)}
	cursor, err := s.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "requested_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list pending approvals: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list pending approvals decode: %w", err)
	}
	out := make([]approval.Approval, len(docs))
	for i, doc := range docs {
		out[i] = fromDocument(&doc)
	}
	return out, nil
}

func toDocument(a approval.Approval) *document {
	return &document{
		ID:          a.ID,
		TaskID:      a.TaskID,
		WorkspaceID: a.WorkspaceID,
		ToolName:    a.ToolName,
		Summary:     a.Summary,
		Status:      string(a.Status),
		ApproverID:  a.ApproverID,
		Reason:      a.Reason,
		RequestedAt: a.RequestedAt,
		ExpiresAt:   a.ExpiresAt,
		ResolvedAt:  a.ResolvedAt,
	}
}

func fromDocument(doc *document) approval.Approval {
	return approval.Approval{
		ID:          doc.ID,
		TaskID:      doc.TaskID,
		WorkspaceID: doc.WorkspaceID,
		ToolName:    doc.ToolName,
		Summary:     doc.Summary,
		Status:      approval.Status(doc.Status),
		ApproverID:  doc.ApproverID,
		Reason:      doc.Reason,
		RequestedAt: doc.RequestedAt,
		ExpiresAt:   doc.ExpiresAt,
		ResolvedAt:  doc.ResolvedAt,
	}
}
