package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"studysync/internal/activity"
	"studysync/internal/cache"
	"studysync/internal/model"
	"studysync/internal/repository"
)

// RoomService manages room configuration and reports membership
type RoomService struct {
	roomRepo  repository.RoomRepo
	roomCache cache.RoomCache
	rules     *activity.Registry
	logger    *zap.Logger
	now       func() time.Time
}

// NewRoomService creates a new room service. roomCache may be nil, in which
// case rooms report no members.
func NewRoomService(roomRepo repository.RoomRepo, roomCache cache.RoomCache, rules *activity.Registry, logger *zap.Logger) *RoomService {
	return &RoomService{
		roomRepo:  roomRepo,
		roomCache: roomCache,
		rules:     rules,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateRoom stores a room configuration. The activity kind must be known
// and its config must produce an initial state.
func (s *RoomService) CreateRoom(ctx context.Context, req *model.CreateRoomRequest, createdBy string) (*model.Room, error) {
	rules, err := s.rules.Lookup(req.ActivityKind)
	if err != nil {
		return nil, err
	}
	if _, err := rules.InitialState(req.Config); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidMove, err)
	}

	room := &model.Room{
		ID:           req.RoomID,
		ActivityKind: req.ActivityKind,
		Config:       req.Config,
		CreatedBy:    createdBy,
		CreatedAt:    s.now().UTC(),
	}

	if room.ID != "" {
		if err := s.roomRepo.Create(ctx, room); err != nil {
			return nil, err
		}
	} else if err := s.createWithCode(ctx, room); err != nil {
		return nil, err
	}

	if s.roomCache != nil {
		if err := s.roomCache.AddMember(ctx, room.ID, createdBy); err != nil {
			s.logger.Warn("failed to record room member", zap.String("room", room.ID), zap.Error(err))
		}
	}
	s.logger.Info("room created",
		zap.String("room", room.ID),
		zap.String("activity", string(room.ActivityKind)),
		zap.String("user", createdBy))
	return room, nil
}

// createWithCode retries generated codes until one is free
func (s *RoomService) createWithCode(ctx context.Context, room *model.Room) error {
	for attempts := 0; attempts < 10; attempts++ {
		code, err := generateRoomCode()
		if err != nil {
			return err
		}
		room.ID = code
		err = s.roomRepo.Create(ctx, room)
		if !errors.Is(err, model.ErrRoomExists) {
			return err
		}
	}
	return fmt.Errorf("failed to generate unique room code")
}

// GetRoom returns a room's configuration with its members and who is online
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (*model.RoomView, error) {
	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}

	view := &model.RoomView{Room: *room, MemberIDs: []string{}, OnlineMemberIDs: []string{}}
	if s.roomCache == nil {
		return view, nil
	}
	if view.MemberIDs, err = s.roomCache.Members(ctx, roomID); err != nil {
		return nil, fmt.Errorf("room members: %w", err)
	}
	if view.OnlineMemberIDs, err = s.roomCache.OnlineMembers(ctx, roomID); err != nil {
		return nil, fmt.Errorf("room presence: %w", err)
	}
	return view, nil
}

// DeleteRoom removes a room's configuration. Only its creator may.
func (s *RoomService) DeleteRoom(ctx context.Context, roomID, userID string) error {
	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room.CreatedBy != userID {
		return model.ErrNotRoomCreator
	}
	return s.roomRepo.Delete(ctx, roomID)
}

// generateRoomCode creates a 6-char alphanumeric code
func generateRoomCode() (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	const codeLen = 6

	b := make([]byte, codeLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	code := make([]byte, codeLen)
	for i := range code {
		code[i] = chars[int(b[i])%len(chars)]
	}
	return string(code), nil
}
