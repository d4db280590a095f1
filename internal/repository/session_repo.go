package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"studysync/internal/model"
)

// SessionHistoryRepo archives sessions once they end or expire
type SessionHistoryRepo interface {
	Archive(ctx context.Context, entry *model.SessionHistory) error
	ListByOwner(ctx context.Context, ownerID string, limit int64) ([]*model.SessionHistory, error)
}

type sessionHistoryRepo struct {
	collection *mongo.Collection
}

// NewSessionHistoryRepo creates a new session history repository
func NewSessionHistoryRepo(db *mongo.Database) SessionHistoryRepo {
	return &sessionHistoryRepo{
		collection: db.Collection("session_history"),
	}
}

func (r *sessionHistoryRepo) Archive(ctx context.Context, entry *model.SessionHistory) error {
	_, err := r.collection.InsertOne(ctx, entry)
	return err
}

func (r *sessionHistoryRepo) ListByOwner(ctx context.Context, ownerID string, limit int64) ([]*model.SessionHistory, error) {
	opts := options.Find().SetSort(bson.D{{Key: "endedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := r.collection.Find(ctx, bson.M{"ownerId": ownerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []*model.SessionHistory
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
