package repository

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"studysync/internal/model"
)

// SnapshotRepo stores the latest snapshot of each room's document. Saving
// the same snapshot twice leaves the collection unchanged.
type SnapshotRepo interface {
	LoadSnapshot(ctx context.Context, roomID string) (*model.DocumentSnapshot, error)
	SaveSnapshot(ctx context.Context, snapshot *model.DocumentSnapshot) error
}

type snapshotRepo struct {
	snapshots *mongo.Collection
}

// NewSnapshotRepo creates a new snapshot repository
func NewSnapshotRepo(db *mongo.Database) SnapshotRepo {
	return &snapshotRepo{
		snapshots: db.Collection("document_snapshots"),
	}
}

func (r *snapshotRepo) LoadSnapshot(ctx context.Context, roomID string) (*model.DocumentSnapshot, error) {
	var snapshot model.DocumentSnapshot
	err := r.snapshots.FindOne(ctx, bson.M{"_id": roomID}).Decode(&snapshot)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *snapshotRepo) SaveSnapshot(ctx context.Context, snapshot *model.DocumentSnapshot) error {
	opts := options.Replace().SetUpsert(true)
	_, err := r.snapshots.ReplaceOne(ctx, bson.M{"_id": snapshot.RoomID}, snapshot, opts)
	return err
}
