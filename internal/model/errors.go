package model

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("active session already exists")
	ErrOwnerHasSession   = errors.New("owner already has an active session")
	ErrNoActiveSession   = errors.New("no active session")
	ErrStaleVersion      = errors.New("stale version")
	ErrInvalidMove       = errors.New("invalid move")
	ErrUnknownActivity   = errors.New("unknown activity kind")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomExists        = errors.New("room already exists")
	ErrNotRoomCreator    = errors.New("only the room creator can do that")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrPersistence       = errors.New("persistence failure")
	ErrTooMuchContention = errors.New("too much contention on session key")
	ErrIdentityMismatch  = errors.New("owner does not match authenticated user")
	ErrNotJoined         = errors.New("connection has not joined this document")
)
