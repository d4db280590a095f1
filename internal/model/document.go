package model

import "time"

// DocumentSnapshot is the persisted form of a room's replicated document.
// Data is an encoded full-state update; applying it to an empty document
// reproduces the document as it was when saved.
type DocumentSnapshot struct {
	RoomID      string            `json:"roomId" bson:"_id"`
	Data        []byte            `json:"data" bson:"data"`
	StateVector map[string]uint64 `json:"stateVector" bson:"stateVector"`
	UpdatedAt   time.Time         `json:"updatedAt" bson:"updatedAt"`
}
