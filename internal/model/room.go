package model

import (
	"encoding/json"
	"time"
)

// Room is the durable configuration of a collaboration room. Members and
// online presence live in the cache, not here.
type Room struct {
	ID           string          `json:"roomId" bson:"_id"`
	ActivityKind ActivityKind    `json:"activityKind" bson:"activityKind"`
	Config       json.RawMessage `json:"config,omitempty" bson:"config,omitempty"`
	CreatedBy    string          `json:"createdBy" bson:"createdBy"`
	CreatedAt    time.Time       `json:"createdAt" bson:"createdAt"`
}

// RoomView is the room as reported to clients
type RoomView struct {
	Room
	MemberIDs       []string `json:"memberIds"`
	OnlineMemberIDs []string `json:"onlineMemberIds"`
}

// CreateRoomRequest is the request body for creating a room. RoomID is
// generated when empty.
type CreateRoomRequest struct {
	RoomID       string          `json:"roomId,omitempty"`
	ActivityKind ActivityKind    `json:"activityKind"`
	Config       json.RawMessage `json:"config,omitempty"`
}
