package cache

import (
	"context"
	"encoding/json"
	"time"

	"studysync/internal/model"
)

// SessionStore is the authoritative record of active sessions. Every
// mutation of a single key is atomic with respect to every other caller.
type SessionStore interface {
	// Get returns the session under key, active or not
	Get(ctx context.Context, key string) (*model.Session, error)
	// Create stores a new session. Fails with model.ErrSessionExists when an
	// active session already holds the key; an inactive one is replaced.
	// An owner holds at most one active session: Create fails with
	// model.ErrOwnerHasSession while another key owned by the same identity
	// is active and unexpired.
	Create(ctx context.Context, session *model.Session) (*model.Session, error)
	// GetOwned returns the session ownerID created last, active or not
	GetOwned(ctx context.Context, ownerID string) (*model.Session, error)
	// CompareAndSwap writes state only if expectedVersion is current.
	// Returns the stored session and whether the write was accepted; on
	// rejection the session is the current, unchanged record.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, state json.RawMessage) (*model.Session, bool, error)
	// Refresh pushes expiresAt forward without touching state or version
	Refresh(ctx context.Context, key string) (*model.Session, error)
	// AddParticipant records id in the participant set
	AddParticipant(ctx context.Context, key, participantID string) (*model.Session, error)
	// SoftDelete marks the session inactive; idempotent
	SoftDelete(ctx context.Context, key string) (*model.Session, error)
	// SweepExpired hard-deletes sessions whose expiresAt is before now and
	// returns what it removed
	SweepExpired(ctx context.Context, now time.Time) ([]*model.Session, error)

	// SetActive points userID at the session key it is currently playing in
	SetActive(ctx context.Context, userID, key string) error
	// GetActive returns the session key userID last joined, or ""
	GetActive(ctx context.Context, userID string) (string, error)
	// ClearActive removes the pointer if it still names key
	ClearActive(ctx context.Context, userID, key string) error
}

// refreshExpiry moves expiresAt forward to now+ttl, never backward
func refreshExpiry(s *model.Session, now time.Time, ttl time.Duration) {
	s.LastActivityAt = now
	if next := now.Add(ttl); next.After(s.ExpiresAt) {
		s.ExpiresAt = next
	}
}

// blocksOwner reports whether cur still counts as its owner's one active
// session
func blocksOwner(cur *model.Session, key string, now time.Time) bool {
	return cur != nil && cur.ID != key && cur.IsActive && !cur.ExpiresAt.Before(now)
}

// prepareNew fills the fields every freshly created session starts with
func prepareNew(s *model.Session, now time.Time, ttl time.Duration) *model.Session {
	out := s.Clone()
	out.Version = 1
	out.IsActive = true
	out.CreatedAt = now
	out.LastActivityAt = now
	out.ExpiresAt = now.Add(ttl)
	if out.ActiveParticipants == nil {
		out.ActiveParticipants = []string{}
	}
	return out
}
