package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"studysync/internal/cache"
	"studysync/internal/model"
)

// SessionService handles the session-level requests of a connection: join,
// propose, exit and keep-alive
type SessionService struct {
	store     cache.SessionStore
	router    *MoveRouter
	lifecycle *Lifecycle
	logger    *zap.Logger
}

// NewSessionService creates a new session service
func NewSessionService(store cache.SessionStore, router *MoveRouter, lifecycle *Lifecycle, logger *zap.Logger) *SessionService {
	return &SessionService{
		store:     store,
		router:    router,
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// owner checks that a request only speaks for the authenticated user
func owner(caller Caller, ownerID string) (string, error) {
	if ownerID == "" {
		return caller.UserID, nil
	}
	if ownerID != caller.UserID {
		return "", model.ErrIdentityMismatch
	}
	return ownerID, nil
}

func (s *SessionService) active(ctx context.Context, key string) (*model.Session, error) {
	sess, err := s.store.Get(ctx, key)
	if errors.Is(err, model.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sess.IsActive {
		return nil, nil
	}
	return sess, nil
}

// resolve finds the active session a request addresses. A room reference
// names the room's session. A bare owner reference means the owner's
// private session, then the session the owner created last, then the room
// session the owner last joined, so every device of a user lands on the
// same one. Returns the key the request maps to and the session, which is
// nil when none of them is active.
func (s *SessionService) resolve(ctx context.Context, ownerID, roomID string) (string, *model.Session, error) {
	key := model.SessionKey(ownerID, roomID)
	sess, err := s.active(ctx, key)
	if err != nil || sess != nil || roomID != "" {
		return key, sess, err
	}

	owned, err := s.store.GetOwned(ctx, ownerID)
	if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		return key, nil, err
	}
	if owned != nil && owned.IsActive {
		return owned.ID, owned, nil
	}

	pointer, err := s.store.GetActive(ctx, ownerID)
	if err != nil || pointer == "" || pointer == key {
		return key, nil, err
	}
	if sess, err = s.active(ctx, pointer); err != nil || sess == nil {
		return key, nil, err
	}
	return pointer, sess, nil
}

// Join binds the connection to the session it asks for and returns its
// current state, or nil when there is none. Joining a configured room whose
// session hasn't started starts it; joining any room subscribes the
// connection to the room session's channel, so it hears the start move even
// when the session comes later.
func (s *SessionService) Join(ctx context.Context, caller Caller, ref model.SessionRef) (*model.Session, error) {
	ownerID, err := owner(caller, ref.OwnerID)
	if err != nil {
		return nil, err
	}

	_, sess, err := s.resolve(ctx, ownerID, ref.RoomID)
	if err != nil {
		return nil, err
	}
	if sess == nil && ref.RoomID != "" {
		if sess, err = s.router.OpenRoom(ctx, caller, ref.RoomID); err != nil {
			return nil, err
		}
	}

	if sess == nil {
		if ref.RoomID != "" {
			s.lifecycle.BindRoom(ctx, caller, ref.RoomID)
		}
		return nil, nil
	}

	if sess.IsShared() && !sess.HasParticipant(caller.UserID) {
		updated, err := s.store.AddParticipant(ctx, sess.ID, caller.UserID)
		if err != nil {
			return nil, fmt.Errorf("join %s: %w", sess.ID, err)
		}
		sess = updated
	}
	if err := s.store.SetActive(ctx, caller.UserID, sess.ID); err != nil {
		s.logger.Warn("failed to record active session", zap.String("user", caller.UserID), zap.Error(err))
	}

	s.lifecycle.BindSession(ctx, caller, sess)
	return sess, nil
}

// Propose routes a move. A successful start binds the proposer to the new
// session.
func (s *SessionService) Propose(ctx context.Context, caller Caller, req *model.ProposeMoveRequest) (*model.MoveOutcome, error) {
	ownerID, err := owner(caller, req.OwnerID)
	if err != nil {
		return nil, err
	}

	outcome, sess, err := s.router.Propose(ctx, caller, ownerID, req.RoomID, req.Move, req.Version())
	if err != nil {
		return nil, err
	}
	if outcome.Accepted && outcome.Move.Type == model.MoveStart && sess != nil {
		s.lifecycle.BindSession(ctx, caller, sess)
	}
	return outcome, nil
}

// Exit ends the session for every device and participant bound to it. The
// exiting connection is told as well, even if it never joined.
func (s *SessionService) Exit(ctx context.Context, caller Caller, ref model.SessionRef) (*model.Session, error) {
	ownerID, err := owner(caller, ref.OwnerID)
	if err != nil {
		return nil, err
	}

	key, sess, err := s.resolve(ctx, ownerID, ref.RoomID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, model.ErrNoActiveSession
	}

	ended, err := s.store.SoftDelete(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("exit %s: %w", key, err)
	}

	s.lifecycle.Subscribe(caller, model.SessionChannel(key))
	s.lifecycle.EndSession(ctx, ended, model.EndReasonExited)
	return ended, nil
}

// KeepAlive pushes the session's expiry forward. Returns nil when there is
// no active session.
func (s *SessionService) KeepAlive(ctx context.Context, caller Caller, ref model.SessionRef) (*model.Session, error) {
	ownerID, err := owner(caller, ref.OwnerID)
	if err != nil {
		return nil, err
	}

	key, sess, err := s.resolve(ctx, ownerID, ref.RoomID)
	if err != nil || sess == nil {
		return nil, err
	}

	sess, err = s.store.Refresh(ctx, key)
	if errors.Is(err, model.ErrSessionNotFound) || errors.Is(err, model.ErrNoActiveSession) {
		return nil, nil
	}
	return sess, err
}

// Active returns the session userID would resume on a new device, or nil
func (s *SessionService) Active(ctx context.Context, userID string) (*model.Session, error) {
	_, sess, err := s.resolve(ctx, userID, "")
	return sess, err
}
