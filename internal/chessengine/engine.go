// Package chessengine adapts corentings/chess to the game.Engine contract used by the sync
// layer. Rows count from the top of the board as White sees it, so row 0 is rank 8.
package chessengine

import (
	"encoding/json"
	"fmt"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/cheese-netplay/internal/game"
)

// Engine is a full-rules chess engine. The applied move list in UCI notation is the source
// of truth; snapshots carry it so Restore can rebuild castling and en passant rights.
type Engine struct {
	mu    sync.Mutex
	g     *nchess.Game
	moves []string
}

type engineState struct {
	Moves []string `json:"moves"`
}

func New() *Engine {
	e := &Engine{}
	e.Reset()
	return e
}

func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.g = nchess.NewGame()
	e.moves = nil
}

// ApplyMove plays from->to for the side to move. A pawn reaching the last rank without an
// explicit choice promotes to a queen.
func (e *Engine) ApplyMove(from, to game.Square) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := toSquare(from)
	if err != nil {
		return err
	}
	b, err := toSquare(to)
	if err != nil {
		return err
	}
	uci := a.String() + b.String()
	if err := e.g.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		promo := uci + "q"
		if perr := e.g.PushNotationMove(promo, nchess.UCINotation{}, nil); perr != nil {
			return fmt.Errorf("%w: %s: %v", game.ErrIllegalMove, uci, err)
		}
		uci = promo
	}
	e.moves = append(e.moves, uci)
	return nil
}

func (e *Engine) Snapshot() game.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.g.Position()
	snap := game.Snapshot{
		Turn:      fromColor(pos.Turn()),
		MoveCount: len(e.moves),
		Pieces:    pieces(pos.Board()),
		Captured:  captured(e.g),
	}
	raw, err := json.Marshal(engineState{Moves: append([]string{}, e.moves...)})
	if err == nil {
		snap.Engine = raw
	}
	return snap
}

// Restore replays the move list carried in s.Engine and checks that the result agrees with
// the rest of the snapshot.
func (e *Engine) Restore(s game.Snapshot) error {
	var st engineState
	if len(s.Engine) > 0 {
		if err := json.Unmarshal(s.Engine, &st); err != nil {
			return fmt.Errorf("restore: decode engine state: %w", err)
		}
	}
	if len(st.Moves) != s.MoveCount {
		return fmt.Errorf("restore: snapshot has %d moves but engine state lists %d", s.MoveCount, len(st.Moves))
	}

	g := nchess.NewGame()
	for i, mv := range st.Moves {
		if err := g.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return fmt.Errorf("restore: move %d %q: %w", i+1, mv, err)
		}
	}
	rebuilt := game.Snapshot{
		Turn:      fromColor(g.Position().Turn()),
		MoveCount: len(st.Moves),
		Pieces:    pieces(g.Position().Board()),
		Captured:  captured(g),
	}
	if s.Turn != "" && rebuilt.Turn != s.Turn {
		return fmt.Errorf("restore: replay leaves %s to move, snapshot says %s", rebuilt.Turn, s.Turn)
	}
	if len(s.Pieces) > 0 && game.Fingerprint(rebuilt) != game.Fingerprint(withTurn(s, rebuilt.Turn)) {
		return fmt.Errorf("restore: replayed position differs from snapshot")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.g = g
	e.moves = append([]string(nil), st.Moves...)
	return nil
}

func (e *Engine) Fingerprint(s game.Snapshot) string { return game.Fingerprint(s) }

// Outcome reports checkmate, stalemate and the automatic draw rules.
func (e *Engine) Outcome() game.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.g.Outcome() {
	case nchess.WhiteWon:
		return game.Outcome{Over: true, Winner: game.White, Reason: methodName(e.g.Method())}
	case nchess.BlackWon:
		return game.Outcome{Over: true, Winner: game.Black, Reason: methodName(e.g.Method())}
	case nchess.Draw:
		return game.Outcome{Over: true, Reason: methodName(e.g.Method())}
	}
	return game.Outcome{}
}

// FEN is the current position in Forsyth-Edwards notation.
func (e *Engine) FEN() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.g.FEN()
}

// Moves returns the applied moves in UCI notation.
func (e *Engine) Moves() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.moves...)
}

func withTurn(s game.Snapshot, turn game.Side) game.Snapshot {
	s.Turn = turn
	return s
}

func toSquare(sq game.Square) (nchess.Square, error) {
	if sq.Row < 0 || sq.Row > 7 || sq.Col < 0 || sq.Col > 7 {
		return nchess.NoSquare, fmt.Errorf("%w: %s is off the board", game.ErrIllegalMove, sq)
	}
	return nchess.NewSquare(nchess.File(sq.Col), nchess.Rank(7-sq.Row)), nil
}

func fromSquare(sq nchess.Square) game.Square {
	return game.Square{Row: 7 - int(sq.Rank()), Col: int(sq.File())}
}

func fromColor(c nchess.Color) game.Side {
	if c == nchess.White {
		return game.White
	}
	return game.Black
}

var kindNames = map[nchess.PieceType]string{
	nchess.King:   "king",
	nchess.Queen:  "queen",
	nchess.Rook:   "rook",
	nchess.Bishop: "bishop",
	nchess.Knight: "knight",
	nchess.Pawn:   "pawn",
}

func pieces(board *nchess.Board) []game.Piece {
	out := make([]game.Piece, 0, 32)
	for sq, p := range board.SquareMap() {
		if p == nchess.NoPiece {
			continue
		}
		out = append(out, game.Piece{Kind: kindNames[p.Type()], Side: fromColor(p.Color()), At: fromSquare(sq)})
	}
	return out
}

// captured lists, per capturing side, the kinds taken so far in move order.
func captured(g *nchess.Game) map[game.Side][]string {
	out := map[game.Side][]string{}
	moves := g.Moves()
	positions := g.Positions()
	for i, mv := range moves {
		if i >= len(positions) {
			break
		}
		if !mv.HasTag(nchess.Capture) && !mv.HasTag(nchess.EnPassant) {
			continue
		}
		pos := positions[i]
		target := mv.S2()
		if mv.HasTag(nchess.EnPassant) {
			if pos.Turn() == nchess.White {
				target = nchess.NewSquare(target.File(), target.Rank()-1)
			} else {
				target = nchess.NewSquare(target.File(), target.Rank()+1)
			}
		}
		p := pos.Board().Piece(target)
		if p == nchess.NoPiece {
			continue
		}
		side := fromColor(pos.Turn())
		out[side] = append(out[side], kindNames[p.Type()])
	}
	return out
}

func methodName(m nchess.Method) string {
	switch m {
	case nchess.Checkmate:
		return "checkmate"
	case nchess.Resignation:
		return "resignation"
	case nchess.DrawOffer:
		return "draw_offer"
	case nchess.Stalemate:
		return "stalemate"
	case nchess.ThreefoldRepetition:
		return "threefold_repetition"
	case nchess.FivefoldRepetition:
		return "fivefold_repetition"
	case nchess.FiftyMoveRule:
		return "fifty_move_rule"
	case nchess.SeventyFiveMoveRule:
		return "seventy_five_move_rule"
	case nchess.InsufficientMaterial:
		return "insufficient_material"
	}
	return "unknown"
}
