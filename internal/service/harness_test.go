package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"studysync/internal/activity"
	"studysync/internal/cache"
	"studysync/internal/model"
)

type delivery struct {
	ConnID  string
	Type    string
	Payload interface{}
}

// fakeBroadcaster records what every connection would have received
type fakeBroadcaster struct {
	mu        sync.Mutex
	subs      map[string]map[string]bool
	delivered []delivery
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{subs: make(map[string]map[string]bool)}
}

func (b *fakeBroadcaster) SendToConn(connID, msgType string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered = append(b.delivered, delivery{ConnID: connID, Type: msgType, Payload: payload})
}

func (b *fakeBroadcaster) Publish(channel, msgType string, payload interface{}, except string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for connID := range b.subs[channel] {
		if connID == except {
			continue
		}
		b.delivered = append(b.delivered, delivery{ConnID: connID, Type: msgType, Payload: payload})
	}
}

func (b *fakeBroadcaster) Subscribe(connID, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[string]bool)
	}
	b.subs[channel][connID] = true
}

func (b *fakeBroadcaster) Unsubscribe(connID, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[channel], connID)
}

func (b *fakeBroadcaster) UnsubscribeAll(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var conns []string
	for connID := range b.subs[channel] {
		conns = append(conns, connID)
	}
	delete(b.subs, channel)
	return conns
}

func (b *fakeBroadcaster) UnsubscribeConn(connID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var channels []string
	for channel, conns := range b.subs {
		if conns[connID] {
			delete(conns, connID)
			channels = append(channels, channel)
		}
	}
	return channels
}

func (b *fakeBroadcaster) subscribed(connID, channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[channel][connID]
}

// received returns what connID got, optionally filtered by type
func (b *fakeBroadcaster) received(connID string, types ...string) []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []delivery
	for _, d := range b.delivered {
		if d.ConnID != connID {
			continue
		}
		if len(types) > 0 && !contains(types, d.Type) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRooms struct {
	mu    sync.Mutex
	rooms map[string]*model.Room
}

func (f *fakeRooms) Create(ctx context.Context, room *model.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[room.ID]; ok {
		return model.ErrRoomExists
	}
	f.rooms[room.ID] = room
	return nil
}

func (f *fakeRooms) GetByID(ctx context.Context, roomID string) (*model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, model.ErrRoomNotFound
	}
	return room, nil
}

func (f *fakeRooms) Delete(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, roomID)
	return nil
}

type fakeSnapshots struct {
	mu       sync.Mutex
	stored   map[string]*model.DocumentSnapshot
	saves    int
	failures int
	saveErr  error
	// when set, LoadSnapshot waits for it to be closed
	gate chan struct{}
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{stored: make(map[string]*model.DocumentSnapshot)}
}

func (f *fakeSnapshots) LoadSnapshot(ctx context.Context, roomID string) (*model.DocumentSnapshot, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.stored[roomID]
	if !ok {
		return nil, model.ErrSnapshotNotFound
	}
	cp := *snap
	return &cp, nil
}

func (f *fakeSnapshots) SaveSnapshot(ctx context.Context, snapshot *model.DocumentSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		f.failures++
		return f.saveErr
	}
	f.saves++
	cp := *snapshot
	f.stored[snapshot.RoomID] = &cp
	return nil
}

func (f *fakeSnapshots) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeSnapshots) get(roomID string) *model.DocumentSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[roomID]
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []*model.SessionHistory
}

func (f *fakeHistory) Archive(ctx context.Context, entry *model.SessionHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeHistory) ListByOwner(ctx context.Context, ownerID string, limit int64) ([]*model.SessionHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.SessionHistory
	for _, e := range f.entries {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

type harness struct {
	clock     *fakeClock
	store     cache.SessionStore
	bc        *fakeBroadcaster
	rooms     *fakeRooms
	snapshots *fakeSnapshots
	history   *fakeHistory
	registry  *activity.Registry
	router    *MoveRouter
	relay     *DocumentRelay
	lifecycle *Lifecycle
	sessions  *SessionService
}

const testTTL = 24 * time.Hour

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		bc:        newFakeBroadcaster(),
		rooms:     &fakeRooms{rooms: make(map[string]*model.Room)},
		snapshots: newFakeSnapshots(),
		history:   &fakeHistory{},
		registry:  activity.DefaultRegistry(),
	}
	h.store = cache.NewMemorySessionStore(testTTL, h.clock.Now)
	h.router = NewMoveRouter(h.store, h.rooms, h.registry, time.Second, logger)
	h.relay = NewDocumentRelay(h.snapshots, time.Second, logger)
	h.lifecycle = NewLifecycle(h.store, nil, h.history, h.relay, LifecycleConfig{
		GracePeriod:     50 * time.Millisecond,
		SweepInterval:   time.Minute,
		PersistInterval: time.Minute,
		PersistTimeout:  time.Second,
	}, logger)
	h.lifecycle.now = h.clock.Now
	h.sessions = NewSessionService(h.store, h.router, h.lifecycle, logger)

	h.router.SetBroadcaster(h.bc)
	h.relay.SetBroadcaster(h.bc)
	h.lifecycle.SetBroadcaster(h.bc)
	return h
}

func (h *harness) connect(connID, userID string) Caller {
	c := Caller{ConnID: connID, UserID: userID}
	h.lifecycle.Connect(c)
	return c
}

func startMove(kind model.ActivityKind, config string) model.Move {
	payload, _ := json.Marshal(model.StartPayload{ActivityKind: kind, Config: json.RawMessage(config)})
	return model.Move{Type: model.MoveStart, Payload: payload}
}

func version(v int64) *int64 {
	return &v
}
