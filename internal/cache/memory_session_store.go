package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"studysync/internal/model"
)

type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	active   map[string]string
	owned    map[string]string
	ttl      time.Duration
	now      func() time.Time
}

// NewMemorySessionStore creates a process-local session store. Used for
// single-node development and tests.
func NewMemorySessionStore(ttl time.Duration, now func() time.Time) SessionStore {
	if now == nil {
		now = time.Now
	}
	return &memorySessionStore{
		sessions: make(map[string]*model.Session),
		active:   make(map[string]string),
		owned:    make(map[string]string),
		ttl:      ttl,
		now:      now,
	}
}

func (s *memorySessionStore) Get(ctx context.Context, key string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *memorySessionStore) Create(ctx context.Context, session *model.Session) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[session.ID]; ok && cur.IsActive {
		return nil, model.ErrSessionExists
	}
	now := s.now()
	if key, ok := s.owned[session.OwnerID]; ok && blocksOwner(s.sessions[key], session.ID, now) {
		return nil, model.ErrOwnerHasSession
	}
	created := prepareNew(session, now, s.ttl)
	s.sessions[created.ID] = created
	s.owned[created.OwnerID] = created.ID
	return created.Clone(), nil
}

func (s *memorySessionStore) GetOwned(ctx context.Context, ownerID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[s.owned[ownerID]]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *memorySessionStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, state json.RawMessage) (*model.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, false, model.ErrSessionNotFound
	}
	if !sess.IsActive {
		return nil, false, model.ErrNoActiveSession
	}
	if sess.Version != expectedVersion {
		return sess.Clone(), false, nil
	}
	sess.StateBlob = append(json.RawMessage(nil), state...)
	sess.Version++
	refreshExpiry(sess, s.now(), s.ttl)
	return sess.Clone(), true, nil
}

func (s *memorySessionStore) Refresh(ctx context.Context, key string) (*model.Session, error) {
	return s.mutate(key, func(sess *model.Session) {
		refreshExpiry(sess, s.now(), s.ttl)
	})
}

func (s *memorySessionStore) AddParticipant(ctx context.Context, key, participantID string) (*model.Session, error) {
	return s.mutate(key, func(sess *model.Session) {
		sess.AddParticipant(participantID)
	})
}

func (s *memorySessionStore) mutate(key string, fn func(*model.Session)) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	if !sess.IsActive {
		return nil, model.ErrNoActiveSession
	}
	fn(sess)
	return sess.Clone(), nil
}

func (s *memorySessionStore) SoftDelete(ctx context.Context, key string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	sess.IsActive = false
	return sess.Clone(), nil
}

func (s *memorySessionStore) SweepExpired(ctx context.Context, now time.Time) ([]*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*model.Session
	for key, sess := range s.sessions {
		if sess.ExpiresAt.Before(now) {
			removed = append(removed, sess)
			delete(s.sessions, key)
			if s.owned[sess.OwnerID] == key {
				delete(s.owned, sess.OwnerID)
			}
		}
	}
	return removed, nil
}

func (s *memorySessionStore) SetActive(ctx context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[userID] = key
	return nil
}

func (s *memorySessionStore) GetActive(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[userID], nil
}

func (s *memorySessionStore) ClearActive(ctx context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[userID] == key {
		delete(s.active, userID)
	}
	return nil
}
