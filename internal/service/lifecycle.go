package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"studysync/internal/cache"
	"studysync/internal/metrics"
	"studysync/internal/model"
	"studysync/internal/repository"
)

// LifecycleConfig holds the timing knobs of the lifecycle manager
type LifecycleConfig struct {
	GracePeriod     time.Duration
	SweepInterval   time.Duration
	PersistInterval time.Duration
	PersistTimeout  time.Duration
}

// Lifecycle tracks which connections are bound to which sessions and rooms,
// tears down idle room documents after a grace period and runs the
// background expiry sweep and snapshot schedule.
type Lifecycle struct {
	mu sync.Mutex
	// room -> connections joined to its document
	docConns map[string]map[string]struct{}
	// connection -> rooms whose document it joined
	connDocs map[string]map[string]struct{}
	// connection -> rooms it is shown online in
	connPresence map[string]map[string]struct{}
	timers       map[string]*time.Timer
	timerGen     map[string]uint64

	store       cache.SessionStore
	rooms       cache.RoomCache
	history     repository.SessionHistoryRepo
	relay       *DocumentRelay
	broadcaster Broadcaster
	cfg         LifecycleConfig
	cron        *cron.Cron
	logger      *zap.Logger
	now         func() time.Time
}

// NewLifecycle creates a new lifecycle manager. rooms and history may be nil.
func NewLifecycle(store cache.SessionStore, rooms cache.RoomCache, history repository.SessionHistoryRepo, relay *DocumentRelay, cfg LifecycleConfig, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		docConns:     make(map[string]map[string]struct{}),
		connDocs:     make(map[string]map[string]struct{}),
		connPresence: make(map[string]map[string]struct{}),
		timers:       make(map[string]*time.Timer),
		timerGen:     make(map[string]uint64),
		store:        store,
		rooms:        rooms,
		history:      history,
		relay:        relay,
		cfg:          cfg,
		cron:         cron.New(),
		logger:       logger,
		now:          time.Now,
	}
}

// SetBroadcaster sets the broadcaster for channel fan-out
func (l *Lifecycle) SetBroadcaster(b Broadcaster) {
	l.broadcaster = b
}

// Start schedules the expiry sweep and document persistence
func (l *Lifecycle) Start() error {
	if _, err := l.cron.AddFunc(every(l.cfg.SweepInterval), func() {
		if _, err := l.Sweep(context.Background()); err != nil {
			l.logger.Error("expiry sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	if _, err := l.cron.AddFunc(every(l.cfg.PersistInterval), func() {
		l.relay.PersistAll(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule persistence: %w", err)
	}

	l.cron.Start()
	l.logger.Info("lifecycle scheduler started",
		zap.Duration("sweepInterval", l.cfg.SweepInterval),
		zap.Duration("persistInterval", l.cfg.PersistInterval))
	return nil
}

// Stop halts the scheduler, waits for running jobs and flushes every open
// document
func (l *Lifecycle) Stop(ctx context.Context) {
	select {
	case <-l.cron.Stop().Done():
	case <-ctx.Done():
	}

	l.mu.Lock()
	for roomID, t := range l.timers {
		t.Stop()
		delete(l.timers, roomID)
	}
	l.mu.Unlock()

	for _, roomID := range l.relay.Rooms() {
		l.relay.Close(ctx, roomID)
	}
	l.logger.Info("lifecycle scheduler stopped")
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// Connect binds a fresh connection to its user channel only. Sessions are
// bound explicitly on join.
func (l *Lifecycle) Connect(caller Caller) {
	if l.broadcaster != nil {
		l.broadcaster.Subscribe(caller.ConnID, model.UserChannel(caller.UserID))
	}
}

// Subscribe binds the connection to one channel
func (l *Lifecycle) Subscribe(caller Caller, channel string) {
	if l.broadcaster != nil {
		l.broadcaster.Subscribe(caller.ConnID, channel)
	}
}

// BindSession subscribes the connection to the session channel and, for room
// sessions, marks the user online in the room
func (l *Lifecycle) BindSession(ctx context.Context, caller Caller, sess *model.Session) {
	if sess.IsShared() {
		l.BindRoom(ctx, caller, sess.RoomID)
		return
	}
	l.Subscribe(caller, model.SessionChannel(sess.ID))
}

// BindRoom subscribes the connection to the channel of the room's session,
// whether or not that session exists yet, and marks the user online
func (l *Lifecycle) BindRoom(ctx context.Context, caller Caller, roomID string) {
	l.Subscribe(caller, model.SessionChannel(model.SessionKey("", roomID)))
	l.markOnline(ctx, caller, roomID)
}

func (l *Lifecycle) markOnline(ctx context.Context, caller Caller, roomID string) {
	l.mu.Lock()
	if l.connPresence[caller.ConnID] == nil {
		l.connPresence[caller.ConnID] = make(map[string]struct{})
	}
	l.connPresence[caller.ConnID][roomID] = struct{}{}
	l.mu.Unlock()

	if l.rooms == nil {
		return
	}
	if err := l.rooms.AddMember(ctx, roomID, caller.UserID); err != nil {
		l.logger.Warn("failed to record room member", zap.String("room", roomID), zap.Error(err))
	}
	if err := l.rooms.SetOnline(ctx, roomID, caller.ConnID, caller.UserID); err != nil {
		l.logger.Warn("failed to mark user online", zap.String("room", roomID), zap.Error(err))
	}
}

// JoinDocument binds the connection to the room's document channel and
// hands it the document state. The first join of an idle room instantiates
// the document; a pending teardown is cancelled.
func (l *Lifecycle) JoinDocument(ctx context.Context, caller Caller, roomID string, stateVector map[string]uint64) error {
	if l.broadcaster != nil {
		l.broadcaster.Subscribe(caller.ConnID, model.DocumentChannel(roomID))
	}

	l.mu.Lock()
	if t, ok := l.timers[roomID]; ok {
		t.Stop()
		delete(l.timers, roomID)
		l.timerGen[roomID]++
	}
	if l.docConns[roomID] == nil {
		l.docConns[roomID] = make(map[string]struct{})
	}
	l.docConns[roomID][caller.ConnID] = struct{}{}
	if l.connDocs[caller.ConnID] == nil {
		l.connDocs[caller.ConnID] = make(map[string]struct{})
	}
	l.connDocs[caller.ConnID][roomID] = struct{}{}
	l.mu.Unlock()

	l.markOnline(ctx, caller, roomID)

	if err := l.relay.Join(ctx, caller, roomID, stateVector); err != nil {
		l.LeaveDocument(ctx, caller, roomID)
		return err
	}
	return nil
}

// LeaveDocument unbinds the connection from the room's document. Its
// awareness entries are withdrawn.
func (l *Lifecycle) LeaveDocument(ctx context.Context, caller Caller, roomID string) {
	if l.broadcaster != nil {
		l.broadcaster.Unsubscribe(caller.ConnID, model.DocumentChannel(roomID))
	}
	if err := l.relay.Leave(ctx, caller, roomID); err != nil {
		l.logger.Warn("failed to withdraw awareness", zap.String("room", roomID), zap.Error(err))
	}

	l.mu.Lock()
	if docs := l.connDocs[caller.ConnID]; docs != nil {
		delete(docs, roomID)
		if len(docs) == 0 {
			delete(l.connDocs, caller.ConnID)
		}
	}
	l.releaseLocked(roomID, caller.ConnID)
	l.mu.Unlock()
}

// releaseLocked drops one connection from a room's count and arms the
// teardown timer when it was the last. Callers hold l.mu.
func (l *Lifecycle) releaseLocked(roomID, connID string) {
	conns, ok := l.docConns[roomID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return
	}
	delete(l.docConns, roomID)

	l.timerGen[roomID]++
	gen := l.timerGen[roomID]
	l.timers[roomID] = time.AfterFunc(l.cfg.GracePeriod, func() {
		l.teardown(roomID, gen)
	})
}

// teardown destroys an idle room's document if nobody came back during the
// grace period
func (l *Lifecycle) teardown(roomID string, gen uint64) {
	l.mu.Lock()
	if l.timerGen[roomID] != gen || len(l.docConns[roomID]) > 0 {
		l.mu.Unlock()
		return
	}
	delete(l.timers, roomID)
	delete(l.timerGen, roomID)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.PersistTimeout)
	defer cancel()
	// a join that slipped in after the check above keeps the document; its
	// leave arms a new timer
	if !l.relay.CloseIdle(ctx, roomID) {
		l.logger.Debug("room document kept, rejoined during teardown", zap.String("room", roomID))
	}
}

// Disconnect releases everything a connection held. Session state is left
// untouched: a disconnect is not an exit.
func (l *Lifecycle) Disconnect(ctx context.Context, caller Caller) {
	if l.broadcaster != nil {
		l.broadcaster.UnsubscribeConn(caller.ConnID)
	}

	l.mu.Lock()
	docs := l.connDocs[caller.ConnID]
	delete(l.connDocs, caller.ConnID)
	presence := l.connPresence[caller.ConnID]
	delete(l.connPresence, caller.ConnID)
	l.mu.Unlock()

	for roomID := range docs {
		if err := l.relay.Leave(ctx, caller, roomID); err != nil {
			l.logger.Warn("failed to withdraw awareness", zap.String("room", roomID), zap.Error(err))
		}
		l.mu.Lock()
		l.releaseLocked(roomID, caller.ConnID)
		l.mu.Unlock()
	}

	if l.rooms == nil {
		return
	}
	for roomID := range presence {
		if err := l.rooms.ClearOnline(ctx, roomID, caller.ConnID); err != nil {
			l.logger.Warn("failed to clear presence", zap.String("room", roomID), zap.Error(err))
		}
	}
}

// DocumentConnections reports how many connections have joined a room's
// document
func (l *Lifecycle) DocumentConnections(roomID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.docConns[roomID])
}

// EndSession tells every connection bound to sess that it is over and
// unbinds them. The session record must already be inactive or deleted.
func (l *Lifecycle) EndSession(ctx context.Context, sess *model.Session, reason string) {
	l.archive(ctx, sess, reason)

	for _, userID := range append([]string{sess.OwnerID}, sess.ActiveParticipants...) {
		if err := l.store.ClearActive(ctx, userID, sess.ID); err != nil {
			l.logger.Warn("failed to clear active session", zap.String("user", userID), zap.Error(err))
		}
	}

	if l.broadcaster != nil {
		channel := model.SessionChannel(sess.ID)
		l.broadcaster.Publish(channel, model.MsgSessionEnded, &model.SessionEnded{
			SessionID: sess.ID,
			Reason:    reason,
		}, "")
		l.broadcaster.UnsubscribeAll(channel)
	}

	metrics.SessionEnded(reason)
	l.logger.Info("session ended",
		zap.String("session", sess.ID),
		zap.String("reason", reason),
		zap.Int64("version", sess.Version))
}

func (l *Lifecycle) archive(ctx context.Context, sess *model.Session, reason string) {
	if l.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.PersistTimeout)
	defer cancel()

	err := l.history.Archive(ctx, &model.SessionHistory{
		SessionID:    sess.ID,
		OwnerID:      sess.OwnerID,
		RoomID:       sess.RoomID,
		ActivityKind: sess.ActivityKind,
		FinalState:   sess.StateBlob,
		FinalVersion: sess.Version,
		Participants: sess.ActiveParticipants,
		Reason:       reason,
		StartedAt:    sess.CreatedAt,
		EndedAt:      l.now(),
	})
	if err != nil {
		l.logger.Warn("failed to archive session",
			zap.String("session", sess.ID),
			zap.Error(fmt.Errorf("%w: %v", model.ErrPersistence, err)))
	}
}

// Sweep hard-deletes expired sessions and notifies whoever is still bound
// to them. Returns how many were removed.
func (l *Lifecycle) Sweep(ctx context.Context) (int, error) {
	removed, err := l.store.SweepExpired(ctx, l.now())
	for _, sess := range removed {
		// exited sessions were already announced and archived
		if sess.IsActive {
			l.EndSession(ctx, sess, model.EndReasonExpired)
		}
	}
	if len(removed) > 0 {
		l.logger.Info("expired sessions swept", zap.Int("count", len(removed)))
	}
	return len(removed), err
}
