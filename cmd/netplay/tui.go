package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/park285/cheese-netplay/internal/game"
	"github.com/park285/cheese-netplay/internal/msgcat"
	"github.com/park285/cheese-netplay/internal/session"
)

// terminalUI is the line-oriented front end. Session callbacks arrive on the receiver
// goroutine while commands arrive from stdin, so every write goes through mu.
type terminalUI struct {
	mu    sync.Mutex
	out   io.Writer
	cat   *msgcat.Catalog
	peer  string
	local game.Side
	sess  *session.Session
}

var _ session.UI = (*terminalUI)(nil)

func newTerminalUI(out io.Writer, cat *msgcat.Catalog, peer string, local game.Side) *terminalUI {
	if peer == "" {
		peer = "opponent"
	}
	return &terminalUI{out: out, cat: cat, peer: peer, local: local}
}

func (u *terminalUI) bind(s *session.Session) { u.sess = s }

func (u *terminalUI) say(key string, data any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintln(u.out, u.cat.Text(key, data))
}

func (u *terminalUI) showBoard() {
	snap := u.sess.Snapshot()
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprint(u.out, renderBoard(snap, u.local))
	fmt.Fprintln(u.out, u.cat.Text("move.prompt", map[string]any{"Turn": snap.Turn, "Count": snap.MoveCount + 1}))
}

func (u *terminalUI) OnRemoteMoveApplied(from, to game.Square) {
	u.say("move.remote", map[string]any{"Move": squareName(from) + squareName(to)})
	u.showBoard()
}

func (u *terminalUI) OnUndoRequested()    { u.say("negotiation.undo.requested", nil) }
func (u *terminalUI) OnRestartRequested() { u.say("negotiation.restart.requested", nil) }

func (u *terminalUI) OnNegotiationResolved(kind session.NegotiationKind, accepted bool) {
	key := "negotiation.declined"
	if accepted {
		key = "negotiation.accepted"
	}
	u.say(key, map[string]any{"Kind": kind})
	if accepted {
		u.showBoard()
	}
}

func (u *terminalUI) OnOpponentLeft() { u.say("game.opponent_left", nil) }

func (u *terminalUI) OnDesyncResolved() {
	u.say("game.resynced", nil)
	u.showBoard()
}

func (u *terminalUI) OnChat(text string) {
	u.say("chat.incoming", map[string]any{"Name": u.peer, "Text": text})
}

func (u *terminalUI) OnGameOver(o game.Outcome) {
	if o.Winner == "" {
		u.say("game.over_draw", map[string]any{"Reason": o.Reason})
		return
	}
	u.say("game.over_win", map[string]any{"Winner": o.Winner, "Reason": o.Reason})
}

// loop reads commands until the player quits, stdin closes, the receiver stops or ctx ends.
func (u *terminalUI) loop(ctx context.Context, in io.Reader, rxDone <-chan error) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	u.say("help", nil)
	u.showBoard()
	for {
		select {
		case <-ctx.Done():
			u.sess.Leave("interrupted")
			return nil
		case err := <-rxDone:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				u.sess.Leave("quit")
				return nil
			}
			if u.handle(line) {
				return nil
			}
		}
	}
}

// handle runs one command line and reports whether the player quit.
func (u *terminalUI) handle(line string) bool {
	line = strings.TrimSpace(line)
	cmd, arg, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "":
	case "help", "?":
		u.say("help", nil)
	case "board":
		u.showBoard()
	case "undo":
		u.report(u.sess.RequestUndo(), "negotiation.undo.sent")
	case "restart":
		u.report(u.sess.RequestRestart(), "negotiation.restart.sent")
	case "yes", "y", "no", "n":
		u.answer(strings.HasPrefix(strings.ToLower(cmd), "y"))
	case "say":
		u.report(u.sess.SendChat(arg), "")
	case "sync":
		u.report(u.sess.RequestSync(), "")
	case "resign":
		u.report(u.sess.Resign(), "")
	case "quit", "exit":
		u.sess.Leave("quit")
		return true
	default:
		from, to, err := parseMove(line)
		if err != nil {
			u.say("move.bad_input", map[string]any{"Input": line})
			return false
		}
		if err := u.sess.SubmitLocalMove(from, to); err != nil {
			u.say("move.rejected", map[string]any{"Error": err})
			return false
		}
		u.showBoard()
	}
	return false
}

func (u *terminalUI) answer(accept bool) {
	st := u.sess.State()
	var err error
	kind := session.NegotiationUndo
	switch {
	case st.Undo == session.RequestedRemotely:
		err = u.sess.RespondUndo(accept)
	case st.Restart == session.RequestedRemotely:
		kind = session.NegotiationRestart
		err = u.sess.RespondRestart(accept)
	default:
		u.say("negotiation.none", nil)
		return
	}
	switch {
	case errors.Is(err, session.ErrNoPendingRequest):
		// the request expired between State and Respond
		u.say("negotiation.none", nil)
	case err != nil:
		u.say("move.rejected", map[string]any{"Error": err})
	default:
		u.OnNegotiationResolved(kind, accept)
	}
}

func (u *terminalUI) report(err error, okKey string) {
	if err != nil {
		u.say("move.rejected", map[string]any{"Error": err})
		return
	}
	if okKey != "" {
		u.say(okKey, nil)
	}
}

// parseMove reads coordinate notation such as "e2e4". A trailing promotion letter is
// accepted and ignored; the engine promotes to a queen.
func parseMove(s string) (from, to game.Square, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 4 && len(s) != 5 {
		return from, to, fmt.Errorf("bad move %q", s)
	}
	if from, err = parseSquare(s[0:2]); err != nil {
		return from, to, err
	}
	if to, err = parseSquare(s[2:4]); err != nil {
		return from, to, err
	}
	return from, to, nil
}

func parseSquare(s string) (game.Square, error) {
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return game.Square{}, fmt.Errorf("bad square %q", s)
	}
	return game.Square{Row: 7 - int(s[1]-'1'), Col: int(s[0] - 'a')}, nil
}

func squareName(sq game.Square) string {
	if sq.Row < 0 || sq.Row > 7 || sq.Col < 0 || sq.Col > 7 {
		return sq.String()
	}
	return string(rune('a'+sq.Col)) + string(rune('1'+7-sq.Row))
}

var pieceLetters = map[string]byte{
	"king": 'k', "queen": 'q', "rook": 'r', "bishop": 'b', "knight": 'n', "pawn": 'p',
}

// renderBoard draws the position with the viewer's side at the bottom. White pieces are
// upper case.
func renderBoard(s game.Snapshot, viewer game.Side) string {
	var grid [8][8]byte
	for r := range grid {
		for c := range grid[r] {
			grid[r][c] = '.'
		}
	}
	for _, p := range s.Pieces {
		if p.At.Row < 0 || p.At.Row > 7 || p.At.Col < 0 || p.At.Col > 7 {
			continue
		}
		ch, ok := pieceLetters[p.Kind]
		switch {
		case !ok:
			ch = '?'
		case p.Side == game.White:
			ch -= 'a' - 'A'
		}
		grid[p.At.Row][p.At.Col] = ch
	}

	rows := []int{0, 1, 2, 3, 4, 5, 6, 7}
	cols := []int{0, 1, 2, 3, 4, 5, 6, 7}
	if viewer == game.Black {
		for i, j := 0, 7; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
			cols[i], cols[j] = cols[j], cols[i]
		}
	}

	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%d ", 8-r)
		for _, c := range cols {
			b.WriteByte(' ')
			b.WriteByte(grid[r][c])
		}
		b.WriteByte('\n')
	}
	b.WriteString("  ")
	for _, c := range cols {
		b.WriteByte(' ')
		b.WriteByte(byte('a' + c))
	}
	b.WriteByte('\n')
	return b.String()
}
