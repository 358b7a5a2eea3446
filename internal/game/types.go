package game

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrIllegalMove is returned by engines when a move cannot be applied.
var ErrIllegalMove = errors.New("illegal move")

// Side identifies one of the two players.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

// Valid reports whether s names one of the two sides.
func (s Side) Valid() bool { return s == White || s == Black }

// Opponent returns the other side. The empty side has no opponent.
func (s Side) Opponent() Side {
	switch s {
	case White:
		return Black
	case Black:
		return White
	default:
		return ""
	}
}

// ParseSide accepts "white"/"w" and "black"/"b".
func ParseSide(s string) (Side, error) {
	switch s {
	case "white", "w", "WHITE", "White":
		return White, nil
	case "black", "b", "BLACK", "Black":
		return Black, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// Square is a board coordinate. Row 0 is the top row as seen by White.
type Square struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (sq Square) String() string { return fmt.Sprintf("(%d,%d)", sq.Row, sq.Col) }

// Piece is one occupied square.
type Piece struct {
	Kind string `json:"kind"`
	Side Side   `json:"side"`
	At   Square `json:"at"`
}

// Snapshot is the transferable state of one game. Engine carries engine-private data
// needed to restore the position exactly (move lists, castling rights); it is not part
// of the fingerprint.
type Snapshot struct {
	Turn      Side              `json:"turn"`
	LastMoved Side              `json:"last_moved,omitempty"`
	MoveCount int               `json:"move_count"`
	Pieces    []Piece           `json:"pieces"`
	Captured  map[Side][]string `json:"captured,omitempty"`
	Engine    json.RawMessage   `json:"engine,omitempty"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Pieces = append([]Piece(nil), s.Pieces...)
	if s.Captured != nil {
		out.Captured = make(map[Side][]string, len(s.Captured))
		for side, kinds := range s.Captured {
			out.Captured[side] = append([]string(nil), kinds...)
		}
	}
	if s.Engine != nil {
		out.Engine = append(json.RawMessage(nil), s.Engine...)
	}
	return out
}

// Outcome describes a finished game.
type Outcome struct {
	Over   bool   `json:"over"`
	Winner Side   `json:"winner,omitempty"`
	Reason string `json:"reason,omitempty"`
}
