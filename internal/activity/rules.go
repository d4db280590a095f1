// Package activity holds the rule sets that decide whether a move is legal.
// Rule sets are pure: they see only the current state and the move, and
// never perform I/O, so the move router can call them inside its CAS path.
package activity

import (
	"encoding/json"
	"fmt"
	"sync"

	"studysync/internal/model"
)

// Result is a rule set's verdict on a move
type Result struct {
	Valid    bool
	NewState json.RawMessage
	Reason   string
}

// Valid builds an accepting result
func Valid(state json.RawMessage) Result {
	return Result{Valid: true, NewState: state}
}

// Invalid builds a rejecting result
func Invalid(format string, args ...interface{}) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Rules validates moves for one activity kind
type Rules interface {
	InitialState(config json.RawMessage) (json.RawMessage, error)
	ValidateMove(state json.RawMessage, move model.Move) (Result, error)
}

// Registry maps activity kinds to their rule sets
type Registry struct {
	mu    sync.RWMutex
	rules map[model.ActivityKind]Rules
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{rules: make(map[model.ActivityKind]Rules)}
}

// DefaultRegistry returns a registry with the built-in rule sets
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(model.ActivityCounter, Counter{})
	r.Register(model.ActivityTicTacToe, TicTacToe{})
	return r
}

// Register installs rules for kind, replacing any previous set
func (r *Registry) Register(kind model.ActivityKind, rules Rules) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[kind] = rules
}

// Lookup returns the rules for kind
func (r *Registry) Lookup(kind model.ActivityKind) (Rules, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules, ok := r.rules[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownActivity, kind)
	}
	return rules, nil
}
