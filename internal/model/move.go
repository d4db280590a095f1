package model

import "encoding/json"

// MoveStart is the generic move type that creates a session from activity
// configuration. Every rule set recognizes it.
const MoveStart = "START"

// Move is a client-proposed state transition
type Move struct {
	Type          string          `json:"type"`
	ProposerID    string          `json:"proposerId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ClientVersion int64           `json:"clientVersion"`
}

// StartPayload configures a session created by a START move. Room sessions
// take these values from the room configuration instead.
type StartPayload struct {
	ActivityKind ActivityKind    `json:"activityKind"`
	Config       json.RawMessage `json:"config,omitempty"`
}

// MoveOutcome is the server's verdict on one proposed move
type MoveOutcome struct {
	// SessionID names the session the verdict refers to; empty when there
	// is none
	SessionID     string          `json:"sessionId,omitempty"`
	Accepted      bool            `json:"accepted"`
	Move          Move            `json:"move"`
	Version       int64           `json:"version,omitempty"`
	StateBlob     json.RawMessage `json:"stateBlob,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	ServerState   json.RawMessage `json:"serverState,omitempty"`
	ServerVersion int64           `json:"serverVersion,omitempty"`
}

// Rejection reasons sent to the proposer
const (
	ReasonStaleVersion    = "stale version"
	ReasonNoActiveSession = "no active session"
	ReasonSessionActive   = "session already active"
	ReasonOwnerBusy       = "another session is already active"
	ReasonRulesFailed     = "activity rules unavailable"
)
