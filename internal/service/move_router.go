package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"studysync/internal/activity"
	"studysync/internal/cache"
	"studysync/internal/metrics"
	"studysync/internal/model"
	"studysync/internal/repository"
)

// MoveRouter validates proposed moves, applies them through the session
// store's compare-and-swap and fans accepted moves out to the session
// channel. Rejections are only ever returned to the proposer.
type MoveRouter struct {
	store        cache.SessionStore
	rooms        repository.RoomRepo
	rules        *activity.Registry
	broadcaster  Broadcaster
	rulesTimeout time.Duration
	logger       *zap.Logger
}

// NewMoveRouter creates a new move router. rooms may be nil, in which case
// room sessions are configured from the start move's payload.
func NewMoveRouter(store cache.SessionStore, rooms repository.RoomRepo, rules *activity.Registry, rulesTimeout time.Duration, logger *zap.Logger) *MoveRouter {
	return &MoveRouter{
		store:        store,
		rooms:        rooms,
		rules:        rules,
		rulesTimeout: rulesTimeout,
		logger:       logger,
	}
}

// SetBroadcaster sets the broadcaster for channel fan-out
func (r *MoveRouter) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// Propose runs one move through validation and CAS. The returned outcome is
// meant for the proposer; everyone else on the session channel has already
// been notified when it is accepted.
func (r *MoveRouter) Propose(ctx context.Context, caller Caller, ownerID, roomID string, move model.Move, clientVersion int64) (*model.MoveOutcome, *model.Session, error) {
	move.ProposerID = caller.UserID
	move.ClientVersion = clientVersion
	key := model.SessionKey(ownerID, roomID)

	sess, err := r.store.Get(ctx, key)
	if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		metrics.MoveProcessed(metrics.OutcomeError)
		return nil, nil, err
	}

	if sess == nil || !sess.IsActive {
		if move.Type != model.MoveStart {
			metrics.MoveProcessed(metrics.OutcomeNoActive)
			return rejected(move, model.ReasonNoActiveSession, nil), nil, nil
		}
		return r.start(ctx, caller, key, ownerID, roomID, move)
	}

	if move.Type == model.MoveStart {
		metrics.MoveProcessed(metrics.OutcomeInvalid)
		return rejected(move, model.ReasonSessionActive, sess), sess, nil
	}

	// A proposal built on an old version can never win the CAS, so it is
	// answered with the authoritative state without consulting the rules.
	if sess.Version != clientVersion {
		metrics.MoveProcessed(metrics.OutcomeStale)
		return rejected(move, model.ReasonStaleVersion, sess), sess, nil
	}

	rules, err := r.rules.Lookup(sess.ActivityKind)
	if err != nil {
		metrics.MoveProcessed(metrics.OutcomeError)
		return rejected(move, model.ReasonRulesFailed, nil), sess, nil
	}

	res, err := r.runRules(ctx, func() (activity.Result, error) {
		return rules.ValidateMove(sess.StateBlob, move)
	})
	if err != nil {
		r.logger.Warn("activity rules failed",
			zap.String("session", key),
			zap.String("move", move.Type),
			zap.Error(err))
		metrics.MoveProcessed(metrics.OutcomeError)
		return rejected(move, model.ReasonRulesFailed, nil), sess, nil
	}
	if !res.Valid {
		metrics.MoveProcessed(metrics.OutcomeInvalid)
		return rejected(move, res.Reason, nil), sess, nil
	}

	updated, accepted, err := r.store.CompareAndSwap(ctx, key, sess.Version, res.NewState)
	if errors.Is(err, model.ErrNoActiveSession) || errors.Is(err, model.ErrSessionNotFound) {
		metrics.MoveProcessed(metrics.OutcomeNoActive)
		return rejected(move, model.ReasonNoActiveSession, nil), nil, nil
	}
	if err != nil {
		metrics.MoveProcessed(metrics.OutcomeError)
		return nil, nil, fmt.Errorf("apply move to %s: %w", key, err)
	}
	if !accepted {
		metrics.MoveProcessed(metrics.OutcomeStale)
		return rejected(move, model.ReasonStaleVersion, updated), updated, nil
	}

	metrics.MoveProcessed(metrics.OutcomeAccepted)
	r.announce(caller, updated, move)
	return acceptedOutcome(move, updated), updated, nil
}

// start creates a session from a START move. Room sessions take their
// activity and config from the room record when there is one.
func (r *MoveRouter) start(ctx context.Context, caller Caller, key, ownerID, roomID string, move model.Move) (*model.MoveOutcome, *model.Session, error) {
	var payload model.StartPayload
	if len(move.Payload) > 0 {
		if err := json.Unmarshal(move.Payload, &payload); err != nil {
			metrics.MoveProcessed(metrics.OutcomeInvalid)
			return rejected(move, "malformed start payload", nil), nil, nil
		}
	}

	room, err := r.roomConfig(ctx, roomID)
	if err != nil {
		metrics.MoveProcessed(metrics.OutcomeError)
		return nil, nil, err
	}
	if room != nil {
		payload.ActivityKind = room.ActivityKind
		payload.Config = room.Config
	}

	created, current, reason, err := r.create(ctx, caller, key, ownerID, roomID, payload)
	if err != nil {
		metrics.MoveProcessed(metrics.OutcomeError)
		return nil, nil, err
	}
	if created == nil {
		if reason == model.ReasonRulesFailed {
			metrics.MoveProcessed(metrics.OutcomeError)
		} else {
			metrics.MoveProcessed(metrics.OutcomeInvalid)
		}
		return rejected(move, reason, current), current, nil
	}

	metrics.MoveProcessed(metrics.OutcomeStarted)
	r.announce(caller, created, move)
	return acceptedOutcome(move, created), created, nil
}

// OpenRoom creates the session of a configured room that has none yet, so
// the first member to join finds it running. Returns nil when the room has
// no configuration or the joining user can't own another session.
func (r *MoveRouter) OpenRoom(ctx context.Context, caller Caller, roomID string) (*model.Session, error) {
	room, err := r.roomConfig(ctx, roomID)
	if err != nil || room == nil {
		return nil, err
	}

	key := model.SessionKey("", roomID)
	created, current, reason, err := r.create(ctx, caller, key, caller.UserID, roomID, model.StartPayload{
		ActivityKind: room.ActivityKind,
		Config:       room.Config,
	})
	if err != nil {
		return nil, err
	}
	if created != nil {
		return created, nil
	}
	if current != nil && current.ID == key {
		// another member opened it first
		return current, nil
	}
	r.logger.Debug("room session not opened",
		zap.String("room", roomID),
		zap.String("user", caller.UserID),
		zap.String("reason", reason))
	return nil, nil
}

// roomConfig loads the room record, or nil when roomID is empty, there is no
// room repository or the room was never configured
func (r *MoveRouter) roomConfig(ctx context.Context, roomID string) (*model.Room, error) {
	if roomID == "" || r.rooms == nil {
		return nil, nil
	}
	room, err := r.rooms.GetByID(ctx, roomID)
	if errors.Is(err, model.ErrRoomNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	return room, nil
}

// create builds the initial state and stores a new session. When it can't,
// it returns the rejection reason and, if one is in the way, the session
// that blocked it.
func (r *MoveRouter) create(ctx context.Context, caller Caller, key, ownerID, roomID string, payload model.StartPayload) (*model.Session, *model.Session, string, error) {
	rules, err := r.rules.Lookup(payload.ActivityKind)
	if err != nil {
		return nil, nil, err.Error(), nil
	}

	res, err := r.runRules(ctx, func() (activity.Result, error) {
		state, err := rules.InitialState(payload.Config)
		if err != nil {
			return activity.Invalid("%v", err), nil
		}
		return activity.Valid(state), nil
	})
	if err != nil {
		r.logger.Warn("activity rules failed",
			zap.String("session", key),
			zap.String("move", model.MoveStart),
			zap.Error(err))
		return nil, nil, model.ReasonRulesFailed, nil
	}
	if !res.Valid {
		return nil, nil, res.Reason, nil
	}

	created, err := r.store.Create(ctx, &model.Session{
		ID:                 key,
		OwnerID:            ownerID,
		ActivityKind:       payload.ActivityKind,
		StateBlob:          res.NewState,
		RoomID:             roomID,
		ActiveParticipants: []string{caller.UserID},
	})
	switch {
	case errors.Is(err, model.ErrSessionExists):
		// somebody else started it first
		current, getErr := r.store.Get(ctx, key)
		if getErr != nil {
			return nil, nil, "", getErr
		}
		return nil, current, model.ReasonSessionActive, nil
	case errors.Is(err, model.ErrOwnerHasSession):
		owned, getErr := r.store.GetOwned(ctx, ownerID)
		if getErr != nil && !errors.Is(getErr, model.ErrSessionNotFound) {
			return nil, nil, "", getErr
		}
		return nil, owned, model.ReasonOwnerBusy, nil
	case err != nil:
		return nil, nil, "", fmt.Errorf("create session %s: %w", key, err)
	}

	if err := r.store.SetActive(ctx, caller.UserID, key); err != nil {
		r.logger.Warn("failed to record active session", zap.String("user", caller.UserID), zap.Error(err))
	}
	r.logger.Info("session started",
		zap.String("session", key),
		zap.String("activity", string(created.ActivityKind)),
		zap.String("user", caller.UserID))
	return created, nil, "", nil
}

func (r *MoveRouter) announce(caller Caller, sess *model.Session, move model.Move) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Publish(model.SessionChannel(sess.ID), model.MsgMoveAccepted, &model.MoveAccepted{
		SessionID: sess.ID,
		Move:      move,
		Version:   sess.Version,
		StateBlob: sess.StateBlob,
	}, caller.ConnID)
}

// runRules calls into a rule set with a deadline. A rule set that panics or
// hangs fails the move instead of the connection.
func (r *MoveRouter) runRules(ctx context.Context, fn func() (activity.Result, error)) (activity.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.rulesTimeout)
	defer cancel()

	type result struct {
		res activity.Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("rules panicked: %v", p)}
			}
		}()
		res, err := fn()
		done <- result{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return activity.Result{}, ctx.Err()
	}
}

func acceptedOutcome(move model.Move, sess *model.Session) *model.MoveOutcome {
	return &model.MoveOutcome{
		SessionID: sess.ID,
		Accepted:  true,
		Move:      move,
		Version:   sess.Version,
		StateBlob: sess.StateBlob,
	}
}

func rejected(move model.Move, reason string, current *model.Session) *model.MoveOutcome {
	out := &model.MoveOutcome{
		Move:   move,
		Reason: reason,
	}
	if current != nil {
		out.SessionID = current.ID
		out.ServerState = current.StateBlob
		out.ServerVersion = current.Version
	}
	return out
}
