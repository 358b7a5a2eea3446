package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/park285/cheese-netplay/internal/game"
	"github.com/park285/cheese-netplay/internal/protocol"
)

// gridEngine is a rule-light 8x8 engine: a side may move any of its pieces to any square
// not held by its own pieces, capturing whatever stands there.
type gridEngine struct {
	mu       sync.Mutex
	board    map[game.Square]game.Piece
	turn     game.Side
	moves    int
	captured map[game.Side][]string

	// rejectNext makes the next ApplyMove fail, simulating a diverged position.
	rejectNext bool
}

func newGridEngine() *gridEngine {
	e := &gridEngine{}
	e.Reset()
	return e
}

func (e *gridEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.board = make(map[game.Square]game.Piece)
	for col := 0; col < 8; col++ {
		e.put(game.Piece{Kind: "pawn", Side: game.White, At: game.Square{Row: 6, Col: col}})
		e.put(game.Piece{Kind: "pawn", Side: game.Black, At: game.Square{Row: 1, Col: col}})
	}
	e.put(game.Piece{Kind: "king", Side: game.White, At: game.Square{Row: 7, Col: 4}})
	e.put(game.Piece{Kind: "king", Side: game.Black, At: game.Square{Row: 0, Col: 4}})
	e.turn = game.White
	e.moves = 0
	e.captured = map[game.Side][]string{}
}

func (e *gridEngine) put(p game.Piece) { e.board[p.At] = p }

func inBounds(sq game.Square) bool {
	return sq.Row >= 0 && sq.Row < 8 && sq.Col >= 0 && sq.Col < 8
}

func (e *gridEngine) ApplyMove(from, to game.Square) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rejectNext {
		e.rejectNext = false
		return fmt.Errorf("%w: injected failure", game.ErrIllegalMove)
	}
	if !inBounds(from) || !inBounds(to) || from == to {
		return fmt.Errorf("%w: %s->%s out of bounds", game.ErrIllegalMove, from, to)
	}
	p, ok := e.board[from]
	if !ok || p.Side != e.turn {
		return fmt.Errorf("%w: no %s piece at %s", game.ErrIllegalMove, e.turn, from)
	}
	if target, ok := e.board[to]; ok {
		if target.Side == p.Side {
			return fmt.Errorf("%w: %s is occupied", game.ErrIllegalMove, to)
		}
		e.captured[p.Side] = append(e.captured[p.Side], target.Kind)
	}
	delete(e.board, from)
	p.At = to
	e.board[to] = p
	e.turn = e.turn.Opponent()
	e.moves++
	return nil
}

func (e *gridEngine) Snapshot() game.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	pieces := make([]game.Piece, 0, len(e.board))
	for _, p := range e.board {
		pieces = append(pieces, p)
	}
	sort.Slice(pieces, func(i, j int) bool {
		if pieces[i].At.Row != pieces[j].At.Row {
			return pieces[i].At.Row < pieces[j].At.Row
		}
		return pieces[i].At.Col < pieces[j].At.Col
	})
	captured := make(map[game.Side][]string, len(e.captured))
	for side, kinds := range e.captured {
		captured[side] = append([]string(nil), kinds...)
	}
	return game.Snapshot{Turn: e.turn, MoveCount: e.moves, Pieces: pieces, Captured: captured}
}

func (e *gridEngine) Restore(s game.Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !s.Turn.Valid() {
		return fmt.Errorf("restore: invalid turn %q", s.Turn)
	}
	e.board = make(map[game.Square]game.Piece, len(s.Pieces))
	for _, p := range s.Pieces {
		e.put(p)
	}
	e.turn = s.Turn
	e.moves = s.MoveCount
	e.captured = map[game.Side][]string{}
	for side, kinds := range s.Captured {
		e.captured[side] = append([]string(nil), kinds...)
	}
	return nil
}

func (e *gridEngine) Fingerprint(s game.Snapshot) string { return game.Fingerprint(s) }

// queueSender records messages after a trip through the wire codec.
type queueSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
	fail error
}

func (q *queueSender) Send(m protocol.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	decoded, _, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	q.msgs = append(q.msgs, decoded)
	return nil
}

func (q *queueSender) drain() []protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.msgs
	q.msgs = nil
	return out
}

func (q *queueSender) kinds() []protocol.Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]protocol.Kind, 0, len(q.msgs))
	for _, m := range q.msgs {
		out = append(out, m.Kind())
	}
	return out
}

type resolution struct {
	kind     NegotiationKind
	accepted bool
}

// recordingUI keeps every callback for assertions.
type recordingUI struct {
	mu              sync.Mutex
	remoteMoves     [][2]game.Square
	undoRequests    int
	restartRequests int
	resolved        []resolution
	opponentLeft    int
	desyncResolved  int
	chats           []string
	gameOver        []game.Outcome

	onRestartRequested func()
	onUndoRequested    func()
}

func (u *recordingUI) OnRemoteMoveApplied(from, to game.Square) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.remoteMoves = append(u.remoteMoves, [2]game.Square{from, to})
}

func (u *recordingUI) OnUndoRequested() {
	u.mu.Lock()
	u.undoRequests++
	cb := u.onUndoRequested
	u.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (u *recordingUI) OnRestartRequested() {
	u.mu.Lock()
	u.restartRequests++
	cb := u.onRestartRequested
	u.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (u *recordingUI) OnNegotiationResolved(kind NegotiationKind, accepted bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resolved = append(u.resolved, resolution{kind, accepted})
}

func (u *recordingUI) OnOpponentLeft() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.opponentLeft++
}

func (u *recordingUI) OnDesyncResolved() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.desyncResolved++
}

func (u *recordingUI) OnChat(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chats = append(u.chats, text)
}

func (u *recordingUI) OnGameOver(o game.Outcome) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.gameOver = append(u.gameOver, o)
}

func (u *recordingUI) resolutions() []resolution {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]resolution(nil), u.resolved...)
}

// memRecorder is an in-memory Recorder.
type memRecorder struct {
	mu      sync.Mutex
	states  []State
	results []Result
}

func (r *memRecorder) RecordState(_ context.Context, st State, snap game.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := json.Marshal(snap); err != nil {
		return err
	}
	r.states = append(r.states, st)
	return nil
}

func (r *memRecorder) RecordResult(_ context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}
