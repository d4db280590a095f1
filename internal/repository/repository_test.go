package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"studysync/internal/model"
)

func TestRoomRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("create", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		repo := NewRoomRepo(mt.DB)

		err := repo.Create(ctx, &model.Room{ID: "r1", ActivityKind: model.ActivityCounter, CreatedBy: "u1"})
		assert.NoError(mt, err)
	})

	mt.Run("create duplicate", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))
		repo := NewRoomRepo(mt.DB)

		err := repo.Create(ctx, &model.Room{ID: "r1"})
		assert.ErrorIs(mt, err, model.ErrRoomExists)
	})

	mt.Run("get", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(1, "studysync.rooms", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "r1"},
			{Key: "activityKind", Value: "tictactoe"},
			{Key: "createdBy", Value: "u1"},
		}))
		repo := NewRoomRepo(mt.DB)

		room, err := repo.GetByID(ctx, "r1")
		require.NoError(mt, err)
		assert.Equal(mt, "r1", room.ID)
		assert.Equal(mt, model.ActivityTicTacToe, room.ActivityKind)
		assert.Equal(mt, "u1", room.CreatedBy)
	})

	mt.Run("get missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "studysync.rooms", mtest.FirstBatch))
		repo := NewRoomRepo(mt.DB)

		_, err := repo.GetByID(ctx, "nope")
		assert.ErrorIs(mt, err, model.ErrRoomNotFound)
	})
}

func TestSnapshotRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("save", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))
		repo := NewSnapshotRepo(mt.DB)

		err := repo.SaveSnapshot(ctx, &model.DocumentSnapshot{
			RoomID:      "r1",
			Data:        []byte(`{"ops":[]}`),
			StateVector: map[string]uint64{"c1": 2},
			UpdatedAt:   time.Now(),
		})
		assert.NoError(mt, err)
	})

	mt.Run("load", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(1, "studysync.document_snapshots", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "r1"},
			{Key: "data", Value: []byte(`{"ops":[]}`)},
			{Key: "stateVector", Value: bson.D{{Key: "c1", Value: int64(2)}}},
		}))
		repo := NewSnapshotRepo(mt.DB)

		snap, err := repo.LoadSnapshot(ctx, "r1")
		require.NoError(mt, err)
		assert.Equal(mt, "r1", snap.RoomID)
		assert.Equal(mt, []byte(`{"ops":[]}`), snap.Data)
		assert.Equal(mt, uint64(2), snap.StateVector["c1"])
	})

	mt.Run("load missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "studysync.document_snapshots", mtest.FirstBatch))
		repo := NewSnapshotRepo(mt.DB)

		_, err := repo.LoadSnapshot(ctx, "r1")
		assert.ErrorIs(mt, err, model.ErrSnapshotNotFound)
	})
}

func TestSessionHistoryRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("archive", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		repo := NewSessionHistoryRepo(mt.DB)

		err := repo.Archive(ctx, &model.SessionHistory{
			SessionID: "user:u1",
			OwnerID:   "u1",
			Reason:    model.EndReasonExited,
			EndedAt:   time.Now(),
		})
		assert.NoError(mt, err)
	})

	mt.Run("list by owner", func(mt *mtest.T) {
		first := mtest.CreateCursorResponse(1, "studysync.session_history", mtest.FirstBatch,
			bson.D{{Key: "sessionId", Value: "user:u1"}, {Key: "ownerId", Value: "u1"}, {Key: "reason", Value: "expired"}},
			bson.D{{Key: "sessionId", Value: "room:r1"}, {Key: "ownerId", Value: "u1"}, {Key: "reason", Value: "exited"}},
		)
		last := mtest.CreateCursorResponse(0, "studysync.session_history", mtest.NextBatch)
		mt.AddMockResponses(first, last)
		repo := NewSessionHistoryRepo(mt.DB)

		entries, err := repo.ListByOwner(ctx, "u1", 10)
		require.NoError(mt, err)
		require.Len(mt, entries, 2)
		assert.Equal(mt, model.EndReasonExpired, entries[0].Reason)
		assert.Equal(mt, "room:r1", entries[1].SessionID)
	})
}
