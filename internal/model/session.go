package model

import (
	"encoding/json"
	"time"
)

// ActivityKind identifies the rule set that governs a session's state
type ActivityKind string

const (
	ActivityCounter   ActivityKind = "counter"
	ActivityTicTacToe ActivityKind = "tictactoe"
)

// Session is the authoritative state of one activity. Private sessions are
// keyed by owner, shared sessions by room.
type Session struct {
	ID                 string          `json:"id" bson:"_id"`
	OwnerID            string          `json:"ownerId" bson:"ownerId"`
	ActivityKind       ActivityKind    `json:"activityKind" bson:"activityKind"`
	StateBlob          json.RawMessage `json:"stateBlob" bson:"stateBlob"`
	RoomID             string          `json:"roomId,omitempty" bson:"roomId,omitempty"`
	ActiveParticipants []string        `json:"activeParticipants" bson:"activeParticipants"`
	Version            int64           `json:"version" bson:"version"`
	CreatedAt          time.Time       `json:"createdAt" bson:"createdAt"`
	LastActivityAt     time.Time       `json:"lastActivityAt" bson:"lastActivityAt"`
	ExpiresAt          time.Time       `json:"expiresAt" bson:"expiresAt"`
	IsActive           bool            `json:"isActive" bson:"isActive"`
}

// IsShared reports whether the session belongs to a room
func (s *Session) IsShared() bool {
	return s.RoomID != ""
}

// HasParticipant reports whether id is in the participant set
func (s *Session) HasParticipant(id string) bool {
	for _, p := range s.ActiveParticipants {
		if p == id {
			return true
		}
	}
	return false
}

// AddParticipant inserts id into the participant set. Returns false if it
// was already present.
func (s *Session) AddParticipant(id string) bool {
	if id == "" || s.HasParticipant(id) {
		return false
	}
	s.ActiveParticipants = append(s.ActiveParticipants, id)
	return true
}

// Clone returns a deep copy so callers can't mutate stored records
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.StateBlob != nil {
		out.StateBlob = append(json.RawMessage(nil), s.StateBlob...)
	}
	out.ActiveParticipants = append([]string(nil), s.ActiveParticipants...)
	return &out
}

// SessionKey derives the store key for a session. A non-empty roomID always
// wins: room sessions are shared by every member.
func SessionKey(ownerID, roomID string) string {
	if roomID != "" {
		return "room:" + roomID
	}
	return "user:" + ownerID
}

// SessionChannel is the broadcast channel for everything bound to a session
func SessionChannel(key string) string {
	return "session:" + key
}

// DocumentChannel is the broadcast channel for a room's replicated document
func DocumentChannel(roomID string) string {
	return "doc:" + roomID
}

// UserChannel reaches every connection of one identity
func UserChannel(userID string) string {
	return "user:" + userID
}

// SessionHistory is the archived record of a session that ended or expired
type SessionHistory struct {
	SessionID    string          `json:"sessionId" bson:"sessionId"`
	OwnerID      string          `json:"ownerId" bson:"ownerId"`
	RoomID       string          `json:"roomId,omitempty" bson:"roomId,omitempty"`
	ActivityKind ActivityKind    `json:"activityKind" bson:"activityKind"`
	FinalState   json.RawMessage `json:"finalState" bson:"finalState"`
	FinalVersion int64           `json:"finalVersion" bson:"finalVersion"`
	Participants []string        `json:"participants" bson:"participants"`
	Reason       string          `json:"reason" bson:"reason"`
	StartedAt    time.Time       `json:"startedAt" bson:"startedAt"`
	EndedAt      time.Time       `json:"endedAt" bson:"endedAt"`
}

// End reasons
const (
	EndReasonExited  = "exited"
	EndReasonExpired = "expired"
)
