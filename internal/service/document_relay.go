package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"studysync/internal/crdt"
	"studysync/internal/metrics"
	"studysync/internal/model"
	"studysync/internal/repository"
)

type loadState int

const (
	loadPending loadState = iota
	loadDone
	loadFailed
)

// roomDocument is the in-memory replica for one room. Every field is
// guarded by mu.
type roomDocument struct {
	mu        sync.Mutex
	roomID    string
	doc       *crdt.Doc
	awareness *crdt.Awareness
	// connection -> awareness client ids it has announced
	conns    map[string]map[string]struct{}
	load     loadState
	loaded   chan struct{}
	once     sync.Once
	rev      uint64
	savedRev uint64

	// serializes snapshot writes; never held together with mu
	saveMu sync.Mutex
}

func (rd *roomDocument) finishLoad(state loadState) {
	rd.mu.Lock()
	rd.load = state
	rd.mu.Unlock()
	rd.once.Do(func() { close(rd.loaded) })
}

// DocumentRelay keeps one replicated document and awareness set per room
// and relays fragments between the connections that joined it. Fragments
// are merged locally and forwarded as the exact bytes that arrived.
type DocumentRelay struct {
	mu      sync.Mutex
	rooms   map[string]*roomDocument
	closing map[string]chan struct{}

	snapshots      repository.SnapshotRepo
	broadcaster    Broadcaster
	persistTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewDocumentRelay creates a new document relay. snapshots may be nil to run
// without durable storage.
func NewDocumentRelay(snapshots repository.SnapshotRepo, persistTimeout time.Duration, logger *zap.Logger) *DocumentRelay {
	return &DocumentRelay{
		rooms:          make(map[string]*roomDocument),
		closing:        make(map[string]chan struct{}),
		snapshots:      snapshots,
		persistTimeout: persistTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// SetBroadcaster sets the broadcaster for channel fan-out
func (d *DocumentRelay) SetBroadcaster(b Broadcaster) {
	d.broadcaster = b
}

// open returns the room's document, creating it if needed. A room that is
// still flushing its final snapshot is waited for so the new replica loads
// what the old one saved.
func (d *DocumentRelay) open(ctx context.Context, roomID string) (*roomDocument, error) {
	for {
		d.mu.Lock()
		if rd, ok := d.rooms[roomID]; ok {
			d.mu.Unlock()
			return rd, nil
		}
		done, closing := d.closing[roomID]
		if !closing {
			rd := &roomDocument{
				roomID:    roomID,
				doc:       crdt.New(),
				awareness: crdt.NewAwareness(),
				conns:     make(map[string]map[string]struct{}),
				loaded:    make(chan struct{}),
			}
			d.rooms[roomID] = rd
			d.mu.Unlock()

			metrics.DocumentOpened()
			go d.loadSnapshot(rd)
			return rd, nil
		}
		d.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// loadSnapshot merges the persisted snapshot into rd. Joins don't wait for
// it; whatever it adds is pushed to the room once merged.
func (d *DocumentRelay) loadSnapshot(rd *roomDocument) {
	if d.snapshots == nil {
		rd.finishLoad(loadDone)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.persistTimeout)
	defer cancel()

	snap, err := d.snapshots.LoadSnapshot(ctx, rd.roomID)
	if errors.Is(err, model.ErrSnapshotNotFound) {
		rd.finishLoad(loadDone)
		return
	}
	if err != nil {
		d.logger.Warn("failed to load document snapshot",
			zap.String("room", rd.roomID),
			zap.Error(err))
		rd.finishLoad(loadFailed)
		return
	}

	update, err := crdt.DecodeUpdate(snap.Data)
	if err != nil {
		// unreadable snapshot: start fresh and let the next save replace it
		d.logger.Error("discarding corrupt document snapshot",
			zap.String("room", rd.roomID),
			zap.Error(err))
		rd.mu.Lock()
		rd.rev++
		rd.mu.Unlock()
		rd.finishLoad(loadDone)
		return
	}

	rd.mu.Lock()
	added := rd.doc.Apply(update)
	rd.mu.Unlock()
	rd.finishLoad(loadDone)

	if added > 0 && d.broadcaster != nil {
		d.broadcaster.Publish(model.DocumentChannel(rd.roomID), model.MsgDocumentUpdate, &model.DocumentFragment{
			RoomID:   rd.roomID,
			Fragment: snap.Data,
		}, "")
	}
	d.logger.Debug("document snapshot loaded", zap.String("room", rd.roomID), zap.Int("ops", added))
}

func (d *DocumentRelay) lookup(roomID string) *roomDocument {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[roomID]
}

// Join attaches a connection to the room document and sends it everything
// it lacks relative to stateVector, plus the current awareness set.
func (d *DocumentRelay) Join(ctx context.Context, caller Caller, roomID string, stateVector map[string]uint64) error {
	var rd *roomDocument
	for rd == nil {
		opened, err := d.open(ctx, roomID)
		if err != nil {
			return err
		}
		if d.attach(opened, caller.ConnID) {
			rd = opened
		}
	}

	rd.mu.Lock()
	fragment, err := rd.doc.EncodeStateAsUpdate(crdt.StateVector(stateVector))
	sv := rd.doc.StateVector()
	var presence []byte
	if err == nil {
		presence, err = crdt.EncodeAwareness(rd.awareness.Snapshot())
	}
	rd.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode document %s: %w", roomID, err)
	}

	if d.broadcaster != nil {
		d.broadcaster.SendToConn(caller.ConnID, model.MsgDocumentSync, &model.DocumentSync{
			RoomID:      roomID,
			Fragment:    fragment,
			StateVector: sv,
		})
		d.broadcaster.SendToConn(caller.ConnID, model.MsgAwarenessUpdate, &model.DocumentFragment{
			RoomID:   roomID,
			Fragment: presence,
		})
	}
	return nil
}

// attach registers connID on rd. It fails when rd was closed after open
// handed it out, in which case the caller opens the room again.
func (d *DocumentRelay) attach(rd *roomDocument, connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rooms[rd.roomID] != rd {
		return false
	}
	rd.mu.Lock()
	if _, ok := rd.conns[connID]; !ok {
		rd.conns[connID] = make(map[string]struct{})
	}
	rd.mu.Unlock()
	return true
}

func (d *DocumentRelay) joined(caller Caller, roomID string) (*roomDocument, error) {
	rd := d.lookup(roomID)
	if rd == nil {
		return nil, model.ErrNotJoined
	}
	rd.mu.Lock()
	_, ok := rd.conns[caller.ConnID]
	rd.mu.Unlock()
	if !ok {
		return nil, model.ErrNotJoined
	}
	return rd, nil
}

// Update merges a document fragment and relays it to every other connection
// in the room
func (d *DocumentRelay) Update(ctx context.Context, caller Caller, roomID string, fragment []byte) error {
	rd, err := d.joined(caller, roomID)
	if err != nil {
		return err
	}
	update, err := crdt.DecodeUpdate(fragment)
	if err != nil {
		return err
	}

	rd.mu.Lock()
	if err := rd.doc.Check(update); err != nil {
		rd.mu.Unlock()
		return err
	}
	rd.doc.Apply(update)
	if len(update.Ops) > 0 {
		rd.rev++
	}
	rd.mu.Unlock()

	metrics.FragmentRelayed("document")
	if d.broadcaster != nil {
		d.broadcaster.Publish(model.DocumentChannel(roomID), model.MsgDocumentUpdate, &model.DocumentFragment{
			RoomID:   roomID,
			Fragment: fragment,
		}, caller.ConnID)
	}
	return nil
}

// Awareness merges a presence fragment and relays it like a document update.
// Client ids announced on a connection are removed when it leaves.
func (d *DocumentRelay) Awareness(ctx context.Context, caller Caller, roomID string, fragment []byte) error {
	rd, err := d.joined(caller, roomID)
	if err != nil {
		return err
	}
	update, err := crdt.DecodeAwareness(fragment)
	if err != nil {
		return err
	}

	rd.mu.Lock()
	owned, ok := rd.conns[caller.ConnID]
	if !ok {
		rd.mu.Unlock()
		return model.ErrNotJoined
	}
	rd.awareness.Apply(update)
	for _, e := range update.Entries {
		if e.State == nil || string(e.State) == "null" {
			delete(owned, e.ClientID)
		} else {
			owned[e.ClientID] = struct{}{}
		}
	}
	rd.mu.Unlock()

	metrics.FragmentRelayed("awareness")
	if d.broadcaster != nil {
		d.broadcaster.Publish(model.DocumentChannel(roomID), model.MsgAwarenessUpdate, &model.DocumentFragment{
			RoomID:   roomID,
			Fragment: fragment,
		}, caller.ConnID)
	}
	return nil
}

// Leave detaches a connection and announces the removal of its awareness
// entries to the rest of the room
func (d *DocumentRelay) Leave(ctx context.Context, caller Caller, roomID string) error {
	rd := d.lookup(roomID)
	if rd == nil {
		return nil
	}

	rd.mu.Lock()
	owned, ok := rd.conns[caller.ConnID]
	delete(rd.conns, caller.ConnID)
	var removal crdt.AwarenessUpdate
	if ok && len(owned) > 0 {
		ids := make([]string, 0, len(owned))
		for id := range owned {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		removal = rd.awareness.Remove(ids)
	}
	rd.mu.Unlock()

	if len(removal.Entries) == 0 || d.broadcaster == nil {
		return nil
	}
	data, err := crdt.EncodeAwareness(removal)
	if err != nil {
		return err
	}
	d.broadcaster.Publish(model.DocumentChannel(roomID), model.MsgAwarenessUpdate, &model.DocumentFragment{
		RoomID:   roomID,
		Fragment: data,
	}, caller.ConnID)
	return nil
}

// Close drops the room's replica after a final snapshot. A concurrent open
// for the same room blocks until the flush finishes.
func (d *DocumentRelay) Close(ctx context.Context, roomID string) {
	d.close(ctx, roomID, false)
}

// CloseIdle is Close for a room nobody is attached to. It reports false and
// leaves the replica alone when a connection joined in the meantime.
func (d *DocumentRelay) CloseIdle(ctx context.Context, roomID string) bool {
	return d.close(ctx, roomID, true)
}

func (d *DocumentRelay) close(ctx context.Context, roomID string, idleOnly bool) bool {
	d.mu.Lock()
	rd, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	if idleOnly {
		rd.mu.Lock()
		busy := len(rd.conns) > 0
		rd.mu.Unlock()
		if busy {
			d.mu.Unlock()
			return false
		}
	}
	delete(d.rooms, roomID)
	done := make(chan struct{})
	d.closing[roomID] = done
	d.mu.Unlock()

	select {
	case <-rd.loaded:
	case <-ctx.Done():
	}
	rd.saveMu.Lock()
	d.save(ctx, rd)
	rd.saveMu.Unlock()

	d.mu.Lock()
	delete(d.closing, roomID)
	d.mu.Unlock()
	close(done)

	metrics.DocumentClosed()
	d.logger.Info("document closed", zap.String("room", roomID))
	return true
}

// PersistAll snapshots every room that has a live connection and unsaved
// changes. Rooms are saved concurrently, each under its own timeout.
func (d *DocumentRelay) PersistAll(ctx context.Context) {
	d.mu.Lock()
	rooms := make([]*roomDocument, 0, len(d.rooms))
	for _, rd := range d.rooms {
		rooms = append(rooms, rd)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, rd := range rooms {
		rd.mu.Lock()
		live := len(rd.conns) > 0
		state := rd.load
		rd.mu.Unlock()

		if !live {
			continue
		}
		wg.Add(1)
		go func(rd *roomDocument) {
			defer wg.Done()
			if state == loadFailed {
				d.loadSnapshot(rd)
				return
			}
			// a save still running from the last tick covers this one
			if !rd.saveMu.TryLock() {
				return
			}
			defer rd.saveMu.Unlock()
			d.save(ctx, rd)
		}(rd)
	}
	wg.Wait()
}

// save writes rd's snapshot if it changed since the last successful save.
// Nothing is written until the stored snapshot has been merged in, so a
// partial replica never replaces a complete one. Callers hold rd.saveMu.
func (d *DocumentRelay) save(ctx context.Context, rd *roomDocument) {
	if d.snapshots == nil {
		return
	}

	rd.mu.Lock()
	if rd.load != loadDone || rd.rev == rd.savedRev {
		rd.mu.Unlock()
		return
	}
	data, err := rd.doc.Snapshot()
	sv := rd.doc.StateVector()
	rev := rd.rev
	rd.mu.Unlock()

	if err == nil {
		saveCtx, cancel := context.WithTimeout(ctx, d.persistTimeout)
		err = d.snapshots.SaveSnapshot(saveCtx, &model.DocumentSnapshot{
			RoomID:      rd.roomID,
			Data:        data,
			StateVector: sv,
			UpdatedAt:   d.now(),
		})
		cancel()
	}
	metrics.SnapshotSaved(err)

	rd.mu.Lock()
	if err == nil && rev > rd.savedRev {
		rd.savedRev = rev
	}
	rd.mu.Unlock()

	if err != nil {
		// retried on the next interval
		d.logger.Warn("failed to save document snapshot",
			zap.String("room", rd.roomID),
			zap.Error(fmt.Errorf("%w: %v", model.ErrPersistence, err)))
	}
}

// Rooms lists the rooms with an in-memory replica
func (d *DocumentRelay) Rooms() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.rooms))
	for id := range d.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entries returns the current document contents of a room
func (d *DocumentRelay) Entries(roomID string) (map[string]json.RawMessage, bool) {
	rd := d.lookup(roomID)
	if rd == nil {
		return nil, false
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.doc.Entries(), true
}
