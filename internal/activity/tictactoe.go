package activity

import (
	"encoding/json"
	"fmt"

	"studysync/internal/model"
)

// MovePlace claims a cell on the board
const MovePlace = "PLACE"

// TicTacToeConfig names the two players; X moves first
type TicTacToeConfig struct {
	PlayerX string `json:"playerX"`
	PlayerO string `json:"playerO"`
}

// TicTacToeState is the board plus turn bookkeeping
type TicTacToeState struct {
	Board   [9]string `json:"board"`
	PlayerX string    `json:"playerX"`
	PlayerO string    `json:"playerO"`
	Turn    string    `json:"turn"`
	Winner  string    `json:"winner,omitempty"`
	Draw    bool      `json:"draw,omitempty"`
}

type placePayload struct {
	Cell *int `json:"cell"`
}

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// TicTacToe is a two-player turn-based game used for peer practice rounds
type TicTacToe struct{}

func (TicTacToe) InitialState(config json.RawMessage) (json.RawMessage, error) {
	var cfg TicTacToeConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("tictactoe config: %w", err)
		}
	}
	if cfg.PlayerX == "" || cfg.PlayerO == "" || cfg.PlayerX == cfg.PlayerO {
		return nil, fmt.Errorf("tictactoe config: two distinct players required")
	}
	return json.Marshal(TicTacToeState{PlayerX: cfg.PlayerX, PlayerO: cfg.PlayerO, Turn: "X"})
}

func (TicTacToe) ValidateMove(state json.RawMessage, move model.Move) (Result, error) {
	var s TicTacToeState
	if err := json.Unmarshal(state, &s); err != nil {
		return Result{}, fmt.Errorf("tictactoe state: %w", err)
	}
	if move.Type != MovePlace {
		return Invalid("unknown move type %q", move.Type), nil
	}
	if s.Winner != "" || s.Draw {
		return Invalid("game is over"), nil
	}

	mark := ""
	switch move.ProposerID {
	case s.PlayerX:
		mark = "X"
	case s.PlayerO:
		mark = "O"
	default:
		return Invalid("not a player in this game"), nil
	}
	if mark != s.Turn {
		return Invalid("not your turn"), nil
	}

	var p placePayload
	if err := json.Unmarshal(move.Payload, &p); err != nil || p.Cell == nil {
		return Invalid("cell is required"), nil
	}
	cell := *p.Cell
	if cell < 0 || cell >= len(s.Board) {
		return Invalid("cell %d out of range", cell), nil
	}
	if s.Board[cell] != "" {
		return Invalid("cell %d is taken", cell), nil
	}

	s.Board[cell] = mark
	s.Winner = winner(s.Board)
	if s.Winner == "" && full(s.Board) {
		s.Draw = true
	}
	if mark == "X" {
		s.Turn = "O"
	} else {
		s.Turn = "X"
	}

	next, err := json.Marshal(s)
	if err != nil {
		return Result{}, err
	}
	return Valid(next), nil
}

func winner(b [9]string) string {
	for _, l := range winLines {
		if b[l[0]] != "" && b[l[0]] == b[l[1]] && b[l[1]] == b[l[2]] {
			return b[l[0]]
		}
	}
	return ""
}

func full(b [9]string) bool {
	for _, c := range b {
		if c == "" {
			return false
		}
	}
	return true
}
