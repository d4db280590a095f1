// Package crdt implements the replicated document relayed between room
// participants: a last-writer-wins map whose operations carry per-client
// sequence numbers and Lamport timestamps.
//
// Each client numbers its operations 1, 2, 3, ... and a replica integrates a
// client's operations strictly in that order, buffering any that arrive
// early. The per-client high-water marks form the state vector, which is all
// a peer needs to compute exactly what another replica is missing. The value
// of a key is the operation with the greatest (Lamport, client, seq), so the
// result depends only on the set of integrated operations and never on the
// order they arrived in.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedUpdate is returned for fragments that can't be decoded or that
// carry invalid operation ids
var ErrMalformedUpdate = errors.New("malformed document update")

// MaxAhead bounds how far past a client's integrated sequence an operation
// may be buffered. Anything further out is refused, which caps the buffer
// per client.
const MaxAhead = 1024

// ID identifies one operation
type ID struct {
	Client string `json:"c"`
	Seq    uint64 `json:"s"`
}

// Op sets or deletes one key
type Op struct {
	ID      ID              `json:"id"`
	Lamport uint64          `json:"l"`
	Key     string          `json:"k"`
	Value   json.RawMessage `json:"v,omitempty"`
	Deleted bool            `json:"d,omitempty"`
}

// Update is the unit exchanged between replicas
type Update struct {
	Ops []Op `json:"ops"`
}

// StateVector maps client id to the highest contiguous sequence integrated
type StateVector map[string]uint64

// Doc is one replica. It is not safe for concurrent use; callers serialize
// access per room.
type Doc struct {
	log     map[string][]Op
	pending map[string]map[uint64]Op
	entries map[string]Op
	lamport uint64
}

// New returns an empty document
func New() *Doc {
	return &Doc{
		log:     make(map[string][]Op),
		pending: make(map[string]map[uint64]Op),
		entries: make(map[string]Op),
	}
}

// DecodeUpdate parses and validates a wire fragment
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, op := range u.Ops {
		if op.ID.Client == "" || op.ID.Seq == 0 {
			return Update{}, fmt.Errorf("%w: op without client or sequence", ErrMalformedUpdate)
		}
		if op.Key == "" {
			return Update{}, fmt.Errorf("%w: op without key", ErrMalformedUpdate)
		}
	}
	return u, nil
}

// EncodeUpdate serializes an update for the wire
func EncodeUpdate(u Update) ([]byte, error) {
	if u.Ops == nil {
		u.Ops = []Op{}
	}
	return json.Marshal(u)
}

// ApplyUpdate decodes and merges a wire fragment, returning how many
// operations became visible
func (d *Doc) ApplyUpdate(data []byte) (int, error) {
	u, err := DecodeUpdate(data)
	if err != nil {
		return 0, err
	}
	return d.Apply(u), nil
}

// Check refuses an update carrying an operation too far ahead of what the
// document has integrated from its client. Sequences inside the update
// itself count toward the allowance.
func (d *Doc) Check(u Update) error {
	for _, op := range u.Ops {
		if d.tooFarAhead(op, len(u.Ops)) {
			return fmt.Errorf("%w: %s/%d is more than %d ahead", ErrMalformedUpdate, op.ID.Client, op.ID.Seq, MaxAhead)
		}
	}
	return nil
}

func (d *Doc) tooFarAhead(op Op, batch int) bool {
	have := uint64(len(d.log[op.ID.Client]))
	return op.ID.Seq > have+uint64(batch)+MaxAhead
}

// Apply merges an update. Duplicates are ignored and operations whose
// predecessors are missing wait until those arrive; operations Check would
// refuse are dropped.
func (d *Doc) Apply(u Update) int {
	n := 0
	for _, op := range u.Ops {
		if d.tooFarAhead(op, len(u.Ops)) || !d.integrate(op) {
			continue
		}
		n++
		n += d.drainPending(op.ID.Client)
	}
	return n
}

func (d *Doc) integrate(op Op) bool {
	client := op.ID.Client
	have := uint64(len(d.log[client]))
	switch {
	case op.ID.Seq <= have:
		return false
	case op.ID.Seq > have+1:
		if d.pending[client] == nil {
			d.pending[client] = make(map[uint64]Op)
		}
		d.pending[client][op.ID.Seq] = op
		return false
	}

	d.log[client] = append(d.log[client], op)
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	if cur, ok := d.entries[op.Key]; !ok || wins(op, cur) {
		d.entries[op.Key] = op
	}
	return true
}

func (d *Doc) drainPending(client string) int {
	n := 0
	for {
		waiting := d.pending[client]
		next, ok := waiting[uint64(len(d.log[client]))+1]
		if !ok {
			break
		}
		delete(waiting, next.ID.Seq)
		if d.integrate(next) {
			n++
		}
	}
	if len(d.pending[client]) == 0 {
		delete(d.pending, client)
	}
	return n
}

func wins(a, b Op) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	if a.ID.Client != b.ID.Client {
		return a.ID.Client > b.ID.Client
	}
	return a.ID.Seq > b.ID.Seq
}

// StateVector summarizes the integrated operations
func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.log))
	for client, ops := range d.log {
		sv[client] = uint64(len(ops))
	}
	return sv
}

// Diff returns the operations a replica with the given state vector lacks,
// including any still-buffered ones. A nil vector yields the full state.
func (d *Doc) Diff(sv StateVector) Update {
	clients := make([]string, 0, len(d.log))
	for c := range d.log {
		clients = append(clients, c)
	}
	for c := range d.pending {
		if _, ok := d.log[c]; !ok {
			clients = append(clients, c)
		}
	}
	sort.Strings(clients)

	ops := []Op{}
	for _, c := range clients {
		log := d.log[c]
		from := sv[c]
		if from < uint64(len(log)) {
			ops = append(ops, log[from:]...)
		}
		seqs := make([]uint64, 0, len(d.pending[c]))
		for s := range d.pending[c] {
			if s > from {
				seqs = append(seqs, s)
			}
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, s := range seqs {
			ops = append(ops, d.pending[c][s])
		}
	}
	return Update{Ops: ops}
}

// EncodeStateAsUpdate is Diff serialized for the wire
func (d *Doc) EncodeStateAsUpdate(sv StateVector) ([]byte, error) {
	return EncodeUpdate(d.Diff(sv))
}

// Snapshot serializes the full document for durable storage
func (d *Doc) Snapshot() ([]byte, error) {
	return d.EncodeStateAsUpdate(nil)
}

// Get returns the current value of key
func (d *Doc) Get(key string) (json.RawMessage, bool) {
	op, ok := d.entries[key]
	if !ok || op.Deleted {
		return nil, false
	}
	return op.Value, true
}

// Entries returns every live key and its value
func (d *Doc) Entries() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(d.entries))
	for k, op := range d.entries {
		if op.Deleted {
			continue
		}
		out[k] = op.Value
	}
	return out
}

// Set records a local write by client and returns the update to send
func (d *Doc) Set(client, key string, value json.RawMessage) Update {
	return d.local(client, key, value, false)
}

// Delete records a local removal by client and returns the update to send
func (d *Doc) Delete(client, key string) Update {
	return d.local(client, key, nil, true)
}

func (d *Doc) local(client, key string, value json.RawMessage, deleted bool) Update {
	op := Op{
		ID:      ID{Client: client, Seq: uint64(len(d.log[client])) + 1},
		Lamport: d.lamport + 1,
		Key:     key,
		Value:   value,
		Deleted: deleted,
	}
	d.integrate(op)
	d.drainPending(client)
	return Update{Ops: []Op{op}}
}
