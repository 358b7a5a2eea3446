package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/park285/cheese-netplay/internal/game"
	"github.com/park285/cheese-netplay/internal/protocol"
	"go.uber.org/zap"
)

type pair struct {
	host, joiner     *Session
	hostEng, joinEng *gridEngine
	toJoiner, toHost *queueSender
	hostUI, joinUI   *recordingUI
	hostRec, joinRec *memRecorder
}

func newPair(t *testing.T, mutate func(host, joiner *Config)) *pair {
	t.Helper()
	p := &pair{
		hostEng:  newGridEngine(),
		joinEng:  newGridEngine(),
		toJoiner: &queueSender{},
		toHost:   &queueSender{},
		hostUI:   &recordingUI{},
		joinUI:   &recordingUI{},
		hostRec:  &memRecorder{},
		joinRec:  &memRecorder{},
	}
	hcfg := Config{MatchID: "m-test", LocalSide: game.White, Host: true, UI: p.hostUI, Recorder: p.hostRec, Logger: zap.NewNop()}
	jcfg := Config{MatchID: "m-test", LocalSide: game.Black, UI: p.joinUI, Recorder: p.joinRec, Logger: zap.NewNop()}
	if mutate != nil {
		mutate(&hcfg, &jcfg)
	}
	var err error
	if p.host, err = New(p.hostEng, p.toJoiner, hcfg); err != nil {
		t.Fatalf("New host: %v", err)
	}
	if p.joiner, err = New(p.joinEng, p.toHost, jcfg); err != nil {
		t.Fatalf("New joiner: %v", err)
	}
	return p
}

// pump delivers queued messages in both directions until the wire is quiet.
func (p *pair) pump(t *testing.T) {
	t.Helper()
	for round := 0; round < 50; round++ {
		toJ, toH := p.toJoiner.drain(), p.toHost.drain()
		if len(toJ) == 0 && len(toH) == 0 {
			return
		}
		for _, m := range toJ {
			p.joiner.HandleMessage(m)
		}
		for _, m := range toH {
			p.host.HandleMessage(m)
		}
	}
	t.Fatalf("message exchange did not settle")
}

func (p *pair) assertInSync(t *testing.T) {
	t.Helper()
	hf, jf := p.host.Fingerprint(), p.joiner.Fingerprint()
	if hf != jf {
		t.Fatalf("fingerprints differ: host %s joiner %s", hf, jf)
	}
	hs, js := p.host.State(), p.joiner.State()
	if hs.TurnOwner != js.TurnOwner || hs.LastMoved != js.LastMoved || hs.MoveCount != js.MoveCount {
		t.Fatalf("turn model differs: host %+v joiner %+v", hs, js)
	}
}

func sq(row, col int) game.Square { return game.Square{Row: row, Col: col} }

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(nil, &queueSender{}, Config{LocalSide: game.White}); err == nil {
		t.Fatalf("expected error for nil engine")
	}
	if _, err := New(newGridEngine(), nil, Config{LocalSide: game.White}); err == nil {
		t.Fatalf("expected error for nil sender")
	}
	if _, err := New(newGridEngine(), &queueSender{}, Config{LocalSide: "red"}); err == nil {
		t.Fatalf("expected error for invalid side")
	}
}

func TestInitialState(t *testing.T) {
	p := newPair(t, nil)
	st := p.joiner.State()
	if st.TurnOwner != game.White || st.LastMoved != "" || st.MoveCount != 0 {
		t.Fatalf("unexpected initial state %+v", st)
	}
	if st.Undo != Idle || st.Restart != Idle {
		t.Fatalf("negotiations must start idle: %+v", st)
	}
	p.assertInSync(t)
}

func TestAlternatingMovesKeepFingerprintsEqual(t *testing.T) {
	for _, full := range []bool{false, true} {
		name := "basic"
		if full {
			name = "full"
		}
		t.Run(name, func(t *testing.T) {
			p := newPair(t, func(h, j *Config) {
				h.SyncEveryMove = full
				j.SyncEveryMove = full
			})
			script := []struct {
				host     bool
				from, to game.Square
			}{
				{true, sq(6, 0), sq(7, 0)},
				{false, sq(1, 3), sq(3, 3)},
				{true, sq(6, 4), sq(4, 4)},
				{false, sq(3, 3), sq(4, 4)}, // capture
				{true, sq(6, 5), sq(4, 5)},
				{false, sq(0, 4), sq(1, 3)},
			}
			for i, mv := range script {
				s := p.joiner
				if mv.host {
					s = p.host
				}
				if err := s.SubmitLocalMove(mv.from, mv.to); err != nil {
					t.Fatalf("move %d: %v", i, err)
				}
				p.pump(t)
				p.assertInSync(t)
			}
			if d := p.host.State().Desyncs + p.joiner.State().Desyncs; d != 0 {
				t.Fatalf("expected no desyncs, got %d", d)
			}
			if got := len(p.joinUI.remoteMoves); got != 3 {
				t.Fatalf("joiner saw %d remote moves, want 3", got)
			}
			snap := p.host.Snapshot()
			if len(snap.Captured[game.Black]) != 1 {
				t.Fatalf("expected black to have captured one piece, got %v", snap.Captured)
			}
		})
	}
}

func TestSubmitLocalMoveRejections(t *testing.T) {
	p := newPair(t, nil)

	if err := p.joiner.SubmitLocalMove(sq(1, 0), sq(2, 0)); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	if err := p.host.SubmitLocalMove(sq(4, 4), sq(3, 4)); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	if k := p.toJoiner.kinds(); len(k) != 0 {
		t.Fatalf("rejected moves must not be sent, got %v", k)
	}
	if st := p.host.State(); st.TurnOwner != game.White || st.MoveCount != 0 {
		t.Fatalf("rejected move changed state: %+v", st)
	}

	if err := p.host.Resign(); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(5, 0)); !errors.Is(err, ErrGameOver) {
		t.Fatalf("expected ErrGameOver, got %v", err)
	}
}

func TestLocalMoveSendFailureKeepsMove(t *testing.T) {
	p := newPair(t, nil)
	p.toJoiner.fail = errors.New("broken pipe")
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(5, 0)); err != nil {
		t.Fatalf("SubmitLocalMove: %v", err)
	}
	if st := p.host.State(); st.MoveCount != 1 || st.TurnOwner != game.Black {
		t.Fatalf("move must stay committed: %+v", st)
	}
}

func TestUndoGate(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.RequestUndo(); !errors.Is(err, ErrUndoNotAllowed) {
		t.Fatalf("undo before any move: expected ErrUndoNotAllowed, got %v", err)
	}
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(7, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	p.pump(t)

	if err := p.joiner.RequestUndo(); !errors.Is(err, ErrUndoNotAllowed) {
		t.Fatalf("expected ErrUndoNotAllowed for the side that did not move last, got %v", err)
	}
	if st := p.joiner.State(); st.Undo != Idle {
		t.Fatalf("gated request must not leave idle, got %s", st.Undo)
	}
	if k := p.toHost.kinds(); len(k) != 0 {
		t.Fatalf("gated request must not reach the wire, got %v", k)
	}

	if err := p.host.RequestUndo(); err != nil {
		t.Fatalf("RequestUndo: %v", err)
	}
	if st := p.host.State(); st.Undo != RequestedLocally {
		t.Fatalf("expected requested_locally, got %s", st.Undo)
	}
}

func TestUndoAccepted(t *testing.T) {
	p := newPair(t, nil)
	initial := p.host.Fingerprint()

	if err := p.host.SubmitLocalMove(sq(6, 0), sq(7, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	p.pump(t)
	afterFirst := p.host.State()
	if err := p.joiner.SubmitLocalMove(sq(1, 1), sq(2, 1)); err != nil {
		t.Fatalf("move: %v", err)
	}
	p.pump(t)

	if err := p.joiner.RequestUndo(); err != nil {
		t.Fatalf("RequestUndo: %v", err)
	}
	p.pump(t)
	if p.hostUI.undoRequests != 1 {
		t.Fatalf("host UI should be asked once, got %d", p.hostUI.undoRequests)
	}
	if err := p.host.SubmitLocalMove(sq(6, 1), sq(5, 1)); !errors.Is(err, ErrNegotiationPending) {
		t.Fatalf("moves must wait for the pending answer, got %v", err)
	}
	if err := p.host.RespondUndo(true); err != nil {
		t.Fatalf("RespondUndo: %v", err)
	}
	p.pump(t)
	p.assertInSync(t)

	st := p.joiner.State()
	if st.TurnOwner != game.Black || st.LastMoved != game.White || st.MoveCount != 1 {
		t.Fatalf("undo did not restore the previous turn model: %+v", st)
	}
	if p.joiner.Fingerprint() != afterFirst.Fingerprint {
		t.Fatalf("undo did not restore the position after the first move")
	}
	if r := p.joinUI.resolutions(); len(r) != 1 || r[0] != (resolution{NegotiationUndo, true}) {
		t.Fatalf("unexpected resolutions %v", r)
	}

	// undo back to the start pre-seeds the first mover as last mover
	if err := p.host.RequestUndo(); err != nil {
		t.Fatalf("RequestUndo: %v", err)
	}
	p.pump(t)
	if err := p.joiner.RespondUndo(true); err != nil {
		t.Fatalf("RespondUndo: %v", err)
	}
	p.pump(t)
	p.assertInSync(t)
	if p.host.Fingerprint() != initial {
		t.Fatalf("expected the initial position")
	}
	if st := p.host.State(); st.LastMoved != game.White || st.TurnOwner != game.White {
		t.Fatalf("unexpected state at start: %+v", st)
	}
}

func TestUndoRejectedHasNoEffect(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(7, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	p.pump(t)
	before := p.host.Fingerprint()

	if err := p.host.RequestUndo(); err != nil {
		t.Fatalf("RequestUndo: %v", err)
	}
	p.pump(t)
	if err := p.joiner.RespondUndo(false); err != nil {
		t.Fatalf("RespondUndo: %v", err)
	}
	p.pump(t)
	p.assertInSync(t)
	if p.host.Fingerprint() != before {
		t.Fatalf("rejected undo changed the position")
	}
	if st := p.host.State(); st.Undo != Idle {
		t.Fatalf("expected idle after rejection, got %s", st.Undo)
	}
	if err := p.joiner.RespondUndo(true); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("expected ErrNoPendingRequest, got %v", err)
	}
}

func TestSecondRequestRejectedLocally(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.RequestRestart(); err != nil {
		t.Fatalf("RequestRestart: %v", err)
	}
	if err := p.host.RequestRestart(); !errors.Is(err, ErrNegotiationPending) {
		t.Fatalf("expected ErrNegotiationPending, got %v", err)
	}
	if k := p.toJoiner.kinds(); len(k) != 1 || k[0] != protocol.KindRestartRequest {
		t.Fatalf("expected exactly one request on the wire, got %v", k)
	}
}

func TestRestartScenario(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(7, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	p.pump(t)
	p.assertInSync(t)

	if err := p.joiner.RequestRestart(); err != nil {
		t.Fatalf("RequestRestart: %v", err)
	}
	p.pump(t)
	if err := p.host.RespondRestart(true); err != nil {
		t.Fatalf("RespondRestart: %v", err)
	}
	p.pump(t)
	p.assertInSync(t)

	for name, s := range map[string]*Session{"host": p.host, "joiner": p.joiner} {
		st := s.State()
		if st.TurnOwner != game.White || st.LastMoved != game.White || st.MoveCount != 0 {
			t.Fatalf("%s: unexpected state after restart %+v", name, st)
		}
		if st.Restart != Idle {
			t.Fatalf("%s: restart negotiation still %s", name, st.Restart)
		}
	}

	// the pre-seeded last mover passes the gate but has nothing to take back
	if err := p.host.RequestUndo(); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("host undo after restart: expected ErrNothingToUndo, got %v", err)
	}
	if err := p.joiner.RequestUndo(); !errors.Is(err, ErrUndoNotAllowed) {
		t.Fatalf("joiner undo after restart: expected ErrUndoNotAllowed, got %v", err)
	}
	p.host.HandleMessage(protocol.UndoRequest{AtMove: 0})
	if st := p.host.State(); st.Undo != Idle {
		t.Fatalf("remote undo without history must be refused, got %s", st.Undo)
	}
}

func TestRestartAfterGameOver(t *testing.T) {
	p := newPair(t, nil)
	if err := p.joiner.Resign(); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	p.pump(t)
	if st := p.host.State(); !st.GameOver || st.Outcome.Winner != game.White {
		t.Fatalf("host should have won by resignation: %+v", st)
	}
	if err := p.host.RequestRestart(); err != nil {
		t.Fatalf("RequestRestart: %v", err)
	}
	p.pump(t)
	if err := p.joiner.RespondRestart(true); err != nil {
		t.Fatalf("RespondRestart: %v", err)
	}
	p.pump(t)
	p.assertInSync(t)
	if p.host.State().GameOver || p.joiner.State().GameOver {
		t.Fatalf("restart must clear game over")
	}
	if len(p.hostRec.results) != 1 || p.hostRec.results[0].Reason != ReasonResignation {
		t.Fatalf("expected one recorded result, got %+v", p.hostRec.results)
	}
}

func TestSimultaneousRestartHostWins(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.RequestRestart(); err != nil {
		t.Fatalf("host RequestRestart: %v", err)
	}
	if err := p.joiner.RequestRestart(); err != nil {
		t.Fatalf("joiner RequestRestart: %v", err)
	}
	p.pump(t)

	if st := p.host.State(); st.Restart != RequestedLocally {
		t.Fatalf("host request should stand, got %s", st.Restart)
	}
	if st := p.joiner.State(); st.Restart != RequestedRemotely {
		t.Fatalf("joiner should be answering the host, got %s", st.Restart)
	}
	if r := p.joinUI.resolutions(); len(r) != 1 || r[0] != (resolution{NegotiationRestart, false}) {
		t.Fatalf("joiner's own request should be resolved as rejected, got %v", r)
	}
	if p.hostUI.restartRequests != 0 {
		t.Fatalf("host must not be prompted for the dropped request")
	}

	if err := p.joiner.RespondRestart(true); err != nil {
		t.Fatalf("RespondRestart: %v", err)
	}
	p.pump(t)
	p.assertInSync(t)
	if r := p.hostUI.resolutions(); len(r) != 1 || r[0] != (resolution{NegotiationRestart, true}) {
		t.Fatalf("host request should be honoured exactly once, got %v", r)
	}
	if p.host.State().Restart != Idle || p.joiner.State().Restart != Idle {
		t.Fatalf("both sides must end idle")
	}
}

func TestSimultaneousUndoOnlyLastMoverReachesRequested(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(5, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	p.pump(t)

	hostErr := p.host.RequestUndo()
	joinErr := p.joiner.RequestUndo()
	if hostErr != nil {
		t.Fatalf("host RequestUndo: %v", hostErr)
	}
	if !errors.Is(joinErr, ErrUndoNotAllowed) {
		t.Fatalf("joiner request must be rejected locally, got %v", joinErr)
	}
	if k := p.toHost.kinds(); len(k) != 0 {
		t.Fatalf("local rejection must not send, got %v", k)
	}
	p.pump(t)
	if err := p.joiner.RespondUndo(true); err != nil {
		t.Fatalf("RespondUndo: %v", err)
	}
	p.pump(t)
	p.assertInSync(t)
	if st := p.host.State(); st.MoveCount != 0 {
		t.Fatalf("expected the move to be taken back, got %+v", st)
	}
}

func TestStaleUndoRequestAutoRejected(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(5, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	p.pump(t)
	if err := p.joiner.SubmitLocalMove(sq(1, 0), sq(2, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	p.pump(t)

	// the host's reply move and the joiner's undo request cross on the wire
	if err := p.host.SubmitLocalMove(sq(6, 1), sq(5, 1)); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := p.joiner.RequestUndo(); err != nil {
		t.Fatalf("RequestUndo: %v", err)
	}
	p.pump(t)
	p.assertInSync(t)

	if p.hostUI.undoRequests != 0 {
		t.Fatalf("stale request must not prompt the host")
	}
	if r := p.joinUI.resolutions(); len(r) != 1 || r[0] != (resolution{NegotiationUndo, false}) {
		t.Fatalf("expected an automatic rejection, got %v", r)
	}
	if st := p.joiner.State(); st.MoveCount != 3 || st.Undo != Idle {
		t.Fatalf("unexpected joiner state %+v", st)
	}
}

func TestNegotiationTimeout(t *testing.T) {
	p := newPair(t, func(h, j *Config) {
		h.NegotiationTimeout = 30 * time.Millisecond
		j.NegotiationTimeout = time.Minute
	})
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(5, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	p.pump(t)
	if err := p.host.RequestRestart(); err != nil {
		t.Fatalf("RequestRestart: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(p.hostUI.resolutions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("request did not expire")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := p.host.State(); st.Restart != Idle {
		t.Fatalf("expected idle after expiry, got %s", st.Restart)
	}
	if r := p.hostUI.resolutions(); len(r) != 1 || r[0].accepted {
		t.Fatalf("expected a timed-out rejection, got %v", r)
	}

	// the joiner still accepts; the late acceptance is reconciled through a sync round
	p.pump(t)
	if err := p.joiner.RespondRestart(true); err != nil {
		t.Fatalf("RespondRestart: %v", err)
	}
	p.pump(t)
	p.assertInSync(t)
	if p.hostUI.desyncResolved != 1 {
		t.Fatalf("expected the host to adopt the restarted position through a full sync")
	}
	if st := p.host.State(); st.MoveCount != 0 || st.Restart != Idle {
		t.Fatalf("unexpected host state %+v", st)
	}
}

func TestFullStateSyncIdempotent(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(7, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	p.toJoiner.drain()
	authoritative := p.host.Snapshot()

	p.joiner.HandleMessage(protocol.FullStateSync{Snapshot: authoritative})
	once := p.joiner.State()
	p.joiner.HandleMessage(protocol.FullStateSync{Snapshot: authoritative})
	twice := p.joiner.State()

	once.UpdatedAt, twice.UpdatedAt = time.Time{}, time.Time{}
	if once != twice {
		t.Fatalf("second sync changed state:\n once %+v\ntwice %+v", once, twice)
	}
	if once.Fingerprint != p.host.Fingerprint() {
		t.Fatalf("sync did not adopt the authoritative state")
	}
	if once.TurnOwner != game.Black || once.LastMoved != game.White {
		t.Fatalf("turn model not taken from snapshot: %+v", once)
	}
	if k := p.toHost.kinds(); len(k) != 0 {
		t.Fatalf("applying a sync must not send anything, got %v", k)
	}
}

func TestFullStateSyncClearsNegotiations(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.RequestRestart(); err != nil {
		t.Fatalf("RequestRestart: %v", err)
	}
	p.host.HandleMessage(protocol.FullStateSync{Snapshot: p.joiner.Snapshot()})
	if st := p.host.State(); st.Restart != Idle {
		t.Fatalf("expected negotiation cleared, got %s", st.Restart)
	}
}

func TestDesyncConvergence(t *testing.T) {
	t.Run("joiner detects", func(t *testing.T) {
		p := newPair(t, nil)
		p.joinEng.rejectNext = true
		if err := p.host.SubmitLocalMove(sq(6, 0), sq(7, 0)); err != nil {
			t.Fatalf("move: %v", err)
		}
		p.pump(t)
		p.assertInSync(t)
		if p.joiner.State().Desyncs == 0 || p.joinUI.desyncResolved != 1 {
			t.Fatalf("expected a detected and resolved desync on the joiner")
		}
		if st := p.joiner.State(); st.MoveCount != 1 || st.TurnOwner != game.Black {
			t.Fatalf("joiner did not adopt the host's move: %+v", st)
		}
	})
	t.Run("host detects", func(t *testing.T) {
		p := newPair(t, nil)
		if err := p.host.SubmitLocalMove(sq(6, 0), sq(7, 0)); err != nil {
			t.Fatalf("move: %v", err)
		}
		p.pump(t)
		p.hostEng.rejectNext = true
		if err := p.joiner.SubmitLocalMove(sq(1, 0), sq(2, 0)); err != nil {
			t.Fatalf("move: %v", err)
		}
		p.pump(t)
		p.assertInSync(t)
		if p.hostUI.desyncResolved != 1 {
			t.Fatalf("expected the host to be resynced")
		}
		if st := p.host.State(); st.MoveCount != 2 || st.TurnOwner != game.White {
			t.Fatalf("host did not adopt the joiner's move: %+v", st)
		}
	})
	fullMode := func(h, j *Config) { h.SyncEveryMove, j.SyncEveryMove = true, true }
	t.Run("full mode joiner detects", func(t *testing.T) {
		p := newPair(t, fullMode)
		p.joinEng.rejectNext = true
		if err := p.host.SubmitLocalMove(sq(6, 0), sq(7, 0)); err != nil {
			t.Fatalf("move: %v", err)
		}
		p.pump(t)
		p.assertInSync(t)
		if st := p.host.State(); st.MoveCount != 1 || st.TurnOwner != game.Black {
			t.Fatalf("host lost its own move: %+v", st)
		}
		if p.joinUI.desyncResolved != 1 || p.hostUI.desyncResolved != 0 {
			t.Fatalf("only the joiner should be resynced: host %d joiner %d", p.hostUI.desyncResolved, p.joinUI.desyncResolved)
		}
	})
	t.Run("full mode host detects", func(t *testing.T) {
		p := newPair(t, fullMode)
		if err := p.host.SubmitLocalMove(sq(6, 0), sq(7, 0)); err != nil {
			t.Fatalf("move: %v", err)
		}
		p.pump(t)
		p.assertInSync(t)
		p.hostEng.rejectNext = true
		if err := p.joiner.SubmitLocalMove(sq(1, 0), sq(2, 0)); err != nil {
			t.Fatalf("move: %v", err)
		}
		p.pump(t)
		p.assertInSync(t)
		// both checks crossed, so the host's position stands
		if st := p.joiner.State(); st.MoveCount != 1 || st.TurnOwner != game.Black {
			t.Fatalf("joiner did not adopt the host's position: %+v", st)
		}
	})
}

func TestCrossedSyncChecksHostAnswers(t *testing.T) {
	p := newPair(t, nil)
	p.joinEng.rejectNext = true
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(7, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	for _, m := range p.toJoiner.drain() {
		p.joiner.HandleMessage(m)
	}
	// the host checks before the joiner's check arrives
	if err := p.host.RequestSync(); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	toJ, toH := p.toJoiner.drain(), p.toHost.drain()
	for _, m := range toJ {
		p.joiner.HandleMessage(m)
	}
	if k := p.toHost.kinds(); len(k) != 0 {
		t.Fatalf("joiner must leave a crossed check to the host, sent %v", k)
	}
	for _, m := range toH {
		p.host.HandleMessage(m)
	}
	if k := p.toJoiner.kinds(); len(k) != 1 || k[0] != protocol.KindFullStateSync {
		t.Fatalf("host must answer a crossed check with its snapshot, sent %v", k)
	}
	p.pump(t)
	p.assertInSync(t)
	if st := p.joiner.State(); st.MoveCount != 1 {
		t.Fatalf("joiner did not adopt the host's move: %+v", st)
	}
}

func TestOutOfTurnRemoteMoveTriggersSync(t *testing.T) {
	p := newPair(t, nil)
	p.host.HandleMessage(protocol.Move{From: sq(1, 0), To: sq(2, 0)})
	if k := p.toJoiner.kinds(); len(k) != 1 || k[0] != protocol.KindSyncCheck {
		t.Fatalf("expected a sync check, got %v", k)
	}
	p.pump(t)
	p.assertInSync(t)
}

func TestSyncCheckMatchSendsNothing(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.RequestSync(); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	msgs := p.toJoiner.drain()
	if len(msgs) != 1 {
		t.Fatalf("expected one sync check, got %d", len(msgs))
	}
	p.joiner.HandleMessage(msgs[0])
	if k := p.toHost.kinds(); len(k) != 0 {
		t.Fatalf("matching fingerprints must not produce a reply, got %v", k)
	}
}

func TestOpponentLeftForcesIdle(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(5, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := p.host.RequestUndo(); err != nil {
		t.Fatalf("RequestUndo: %v", err)
	}
	p.host.HandleMessage(protocol.LeaveGame{Reason: "quit"})

	st := p.host.State()
	if st.Undo != Idle || !st.PeerGone {
		t.Fatalf("expected idle negotiation and peer gone, got %+v", st)
	}
	if !st.GameOver || st.Outcome.Winner != game.White || st.Outcome.Reason != ReasonAbandoned {
		t.Fatalf("expected a win by abandonment, got %+v", st.Outcome)
	}
	if p.hostUI.opponentLeft != 1 {
		t.Fatalf("expected OnOpponentLeft once")
	}
	if err := p.host.SendChat("still there?"); !errors.Is(err, ErrPeerGone) {
		t.Fatalf("expected ErrPeerGone, got %v", err)
	}
	if err := p.host.RequestRestart(); !errors.Is(err, ErrPeerGone) {
		t.Fatalf("expected ErrPeerGone, got %v", err)
	}

	p.host.HandleMessage(protocol.LeaveGame{Reason: "again"})
	if p.hostUI.opponentLeft != 1 {
		t.Fatalf("second LeaveGame must be ignored")
	}
}

func TestChat(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.SendChat("   "); !errors.Is(err, ErrEmptyChat) {
		t.Fatalf("expected ErrEmptyChat, got %v", err)
	}
	long := strings.Repeat("가", MaxChatRunes+20)
	if err := p.host.SendChat(long); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	p.pump(t)
	if len(p.joinUI.chats) != 1 {
		t.Fatalf("expected one chat, got %d", len(p.joinUI.chats))
	}
	if n := len([]rune(p.joinUI.chats[0])); n != MaxChatRunes {
		t.Fatalf("chat not clamped: %d runes", n)
	}
}

func TestRecorderSeesProgress(t *testing.T) {
	p := newPair(t, nil)
	if err := p.host.SubmitLocalMove(sq(6, 0), sq(5, 0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	p.pump(t)
	if len(p.hostRec.states) == 0 || len(p.joinRec.states) == 0 {
		t.Fatalf("expected recorded states on both sides")
	}
	last := p.joinRec.states[len(p.joinRec.states)-1]
	if last.MoveCount != 1 || last.MatchID != "m-test" {
		t.Fatalf("unexpected recorded state %+v", last)
	}

	p.host.Leave("bye")
	p.host.Leave("bye")
	if len(p.hostRec.results) != 1 || p.hostRec.results[0].Winner != game.Black {
		t.Fatalf("expected one abandonment result, got %+v", p.hostRec.results)
	}
}

// The host answers the restart prompt from inside the callback.
func TestCallbacksMayReenter(t *testing.T) {
	p := newPair(t, nil)
	p.hostUI.onRestartRequested = func() {
		if err := p.host.RespondRestart(true); err != nil {
			t.Errorf("RespondRestart from callback: %v", err)
		}
	}
	if err := p.joiner.RequestRestart(); err != nil {
		t.Fatalf("RequestRestart: %v", err)
	}
	p.pump(t)
	p.assertInSync(t)
	if r := p.joinUI.resolutions(); len(r) != 1 || !r[0].accepted {
		t.Fatalf("expected an accepted restart, got %v", r)
	}
}
