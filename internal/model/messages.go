package model

import (
	"encoding/json"
	"time"
)

// Inbound message types
const (
	MsgJoinSession     = "join-session"
	MsgProposeMove     = "propose-move"
	MsgExitSession     = "exit-session"
	MsgKeepAlive       = "keep-alive"
	MsgJoinDocument    = "join-document"
	MsgLeaveDocument   = "leave-document"
	MsgDocumentUpdate  = "document-update"
	MsgAwarenessUpdate = "awareness-update"
)

// Outbound message types
const (
	MsgSessionState     = "session-state"
	MsgNoActiveSession  = "no-active-session"
	MsgMoveAccepted     = "move-accepted"
	MsgMoveRejected     = "move-rejected"
	MsgSessionEnded     = "session-ended"
	MsgSessionRefreshed = "session-refreshed"
	MsgDocumentSync     = "document-sync"
	MsgDocumentLeft     = "document-left"
	MsgError            = "error"
)

// SessionRef addresses a session the way clients do
type SessionRef struct {
	OwnerID string `json:"ownerId"`
	RoomID  string `json:"roomId,omitempty"`
}

// ProposeMoveRequest is the payload of propose-move
type ProposeMoveRequest struct {
	OwnerID       string `json:"ownerId"`
	RoomID        string `json:"roomId,omitempty"`
	Move          Move   `json:"move"`
	ClientVersion *int64 `json:"clientVersion,omitempty"`
}

// Version returns the version the client believes is current. The top-level
// field wins over the one embedded in the move.
func (r *ProposeMoveRequest) Version() int64 {
	if r.ClientVersion != nil {
		return *r.ClientVersion
	}
	return r.Move.ClientVersion
}

// SessionState is sent on a successful join-session
type SessionState struct {
	SessionID          string          `json:"sessionId"`
	ActivityKind       ActivityKind    `json:"activityKind"`
	RoomID             string          `json:"roomId,omitempty"`
	StateBlob          json.RawMessage `json:"stateBlob"`
	Version            int64           `json:"version"`
	ActiveParticipants []string        `json:"activeParticipants"`
	ExpiresAt          time.Time       `json:"expiresAt"`
}

// NewSessionState projects a session into its wire form
func NewSessionState(s *Session) *SessionState {
	return &SessionState{
		SessionID:          s.ID,
		ActivityKind:       s.ActivityKind,
		RoomID:             s.RoomID,
		StateBlob:          s.StateBlob,
		Version:            s.Version,
		ActiveParticipants: s.ActiveParticipants,
		ExpiresAt:          s.ExpiresAt,
	}
}

// MoveAccepted is sent to the proposer and, with StateBlob set, broadcast to
// every other connection bound to the session
type MoveAccepted struct {
	SessionID string          `json:"sessionId"`
	Move      Move            `json:"move"`
	Version   int64           `json:"version"`
	StateBlob json.RawMessage `json:"stateBlob,omitempty"`
}

// MoveRejected goes to the proposer only
type MoveRejected struct {
	SessionID     string          `json:"sessionId,omitempty"`
	Reason        string          `json:"reason"`
	Move          Move            `json:"move"`
	ServerState   json.RawMessage `json:"serverState,omitempty"`
	ServerVersion int64           `json:"serverVersion,omitempty"`
}

// SessionEnded tells every bound connection to leave the activity
type SessionEnded struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// SessionRefreshed acknowledges a keep-alive
type SessionRefreshed struct {
	SessionID string    `json:"sessionId"`
	Version   int64     `json:"version"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DocumentJoin is the payload of join-document. StateVector is the
// client's summary of what it already has; empty means nothing.
type DocumentJoin struct {
	RoomID      string            `json:"roomId"`
	StateVector map[string]uint64 `json:"stateVector,omitempty"`
}

// DocumentRef is the payload of leave-document
type DocumentRef struct {
	RoomID string `json:"roomId"`
}

// DocumentFragment carries an opaque update for a document or awareness set.
// Fragment bytes are relayed exactly as received.
type DocumentFragment struct {
	RoomID   string `json:"roomId"`
	Fragment []byte `json:"fragment"`
}

// DocumentSync answers join-document with everything the client is missing
// and the server's own state vector, so the client can send back what the
// server is missing.
type DocumentSync struct {
	RoomID      string            `json:"roomId"`
	Fragment    []byte            `json:"fragment"`
	StateVector map[string]uint64 `json:"stateVector"`
}

// ErrorPayload reports a malformed or unauthorized request
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
