package activity

import (
	"encoding/json"
	"fmt"

	"studysync/internal/model"
)

// Counter move types
const (
	MoveIncrement = "INCREMENT"
	MoveDecrement = "DECREMENT"
	MoveReset     = "RESET"
)

// CounterConfig bounds the score
type CounterConfig struct {
	Start int  `json:"start"`
	Min   *int `json:"min,omitempty"`
	Max   *int `json:"max,omitempty"`
}

// CounterState is the session state of a counter activity
type CounterState struct {
	Score int  `json:"score"`
	Min   *int `json:"min,omitempty"`
	Max   *int `json:"max,omitempty"`
}

type counterStep struct {
	By int `json:"by"`
}

// Counter is a shared scoreboard: the simplest activity, used for drills
// where every participant bumps a common score
type Counter struct{}

func (Counter) InitialState(config json.RawMessage) (json.RawMessage, error) {
	var cfg CounterConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("counter config: %w", err)
		}
	}
	if cfg.Min != nil && cfg.Max != nil && *cfg.Min > *cfg.Max {
		return nil, fmt.Errorf("counter config: min %d above max %d", *cfg.Min, *cfg.Max)
	}
	return json.Marshal(CounterState{Score: cfg.Start, Min: cfg.Min, Max: cfg.Max})
}

func (Counter) ValidateMove(state json.RawMessage, move model.Move) (Result, error) {
	var s CounterState
	if err := json.Unmarshal(state, &s); err != nil {
		return Result{}, fmt.Errorf("counter state: %w", err)
	}

	step := counterStep{By: 1}
	if len(move.Payload) > 0 {
		if err := json.Unmarshal(move.Payload, &step); err != nil {
			return Invalid("malformed payload"), nil
		}
	}
	if step.By <= 0 {
		return Invalid("step must be positive"), nil
	}

	switch move.Type {
	case MoveIncrement:
		s.Score += step.By
	case MoveDecrement:
		s.Score -= step.By
	case MoveReset:
		s.Score = 0
	default:
		return Invalid("unknown move type %q", move.Type), nil
	}

	if s.Max != nil && s.Score > *s.Max {
		return Invalid("score would exceed %d", *s.Max), nil
	}
	if s.Min != nil && s.Score < *s.Min {
		return Invalid("score would drop below %d", *s.Min), nil
	}

	next, err := json.Marshal(s)
	if err != nil {
		return Result{}, err
	}
	return Valid(next), nil
}
