package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// AwarenessEntry is one client's presence metadata. A null State marks the
// client as gone.
type AwarenessEntry struct {
	ClientID string          `json:"clientId"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"`
}

// AwarenessUpdate is the awareness fragment exchanged between replicas
type AwarenessUpdate struct {
	Entries []AwarenessEntry `json:"entries"`
}

// Awareness holds ephemeral presence metadata. Never persisted.
type Awareness struct {
	states map[string]AwarenessEntry
}

// NewAwareness returns an empty awareness set
func NewAwareness() *Awareness {
	return &Awareness{states: make(map[string]AwarenessEntry)}
}

// DecodeAwareness parses an awareness fragment
func DecodeAwareness(data []byte) (AwarenessUpdate, error) {
	var u AwarenessUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return AwarenessUpdate{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, e := range u.Entries {
		if e.ClientID == "" {
			return AwarenessUpdate{}, fmt.Errorf("%w: awareness entry without client", ErrMalformedUpdate)
		}
	}
	return u, nil
}

// EncodeAwareness serializes an awareness fragment
func EncodeAwareness(u AwarenessUpdate) ([]byte, error) {
	if u.Entries == nil {
		u.Entries = []AwarenessEntry{}
	}
	return json.Marshal(u)
}

func isNull(state json.RawMessage) bool {
	trimmed := bytes.TrimSpace(state)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Apply merges an update and returns the client ids whose entry changed.
// A higher clock wins; at equal clocks a removal beats a live state.
func (a *Awareness) Apply(u AwarenessUpdate) []string {
	var changed []string
	for _, e := range u.Entries {
		cur, ok := a.states[e.ClientID]
		switch {
		case !ok, e.Clock > cur.Clock:
		case e.Clock == cur.Clock && isNull(e.State) && !isNull(cur.State):
		default:
			continue
		}
		if isNull(e.State) {
			e.State = nil
		}
		a.states[e.ClientID] = e
		changed = append(changed, e.ClientID)
	}
	return changed
}

// Snapshot returns every client that is currently present
func (a *Awareness) Snapshot() AwarenessUpdate {
	ids := make([]string, 0, len(a.states))
	for id, e := range a.states {
		if e.State != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	entries := make([]AwarenessEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, a.states[id])
	}
	return AwarenessUpdate{Entries: entries}
}

// Remove marks the given clients as gone and returns the update announcing
// it. Unknown or already-removed clients are skipped.
func (a *Awareness) Remove(clientIDs []string) AwarenessUpdate {
	var entries []AwarenessEntry
	for _, id := range clientIDs {
		cur, ok := a.states[id]
		if !ok || cur.State == nil {
			continue
		}
		e := AwarenessEntry{ClientID: id, Clock: cur.Clock + 1}
		a.states[id] = e
		entries = append(entries, e)
	}
	return AwarenessUpdate{Entries: entries}
}

// Len reports how many clients are present
func (a *Awareness) Len() int {
	n := 0
	for _, e := range a.states {
		if e.State != nil {
			n++
		}
	}
	return n
}
