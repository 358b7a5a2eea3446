package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/park285/cheese-netplay/internal/game"
	"github.com/park285/cheese-netplay/internal/metrics"
	"github.com/park285/cheese-netplay/internal/obslog"
	"github.com/park285/cheese-netplay/internal/protocol"
	"go.uber.org/zap"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	MaxChatRunes              = 500

	recordTimeout = 2 * time.Second
)

// Outcome reasons set by the session itself.
const (
	ReasonResignation = "resignation"
	ReasonAbandoned   = "abandoned"
)

// Sender writes one message to the peer. *conn.Connection implements it.
type Sender interface {
	Send(m protocol.Message) error
}

// Recorder persists session progress. Calls happen outside the session lock.
type Recorder interface {
	RecordState(ctx context.Context, st State, snap game.Snapshot) error
	RecordResult(ctx context.Context, res Result) error
}

type Config struct {
	MatchID   string
	LocalSide game.Side
	// Host breaks ties between simultaneous requests of the same kind.
	Host bool
	// SyncEveryMove sends a SyncCheck after every local move ("full" mode).
	SyncEveryMove      bool
	NegotiationTimeout time.Duration

	UI       UI
	Recorder Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// State is a read-only view of the session.
type State struct {
	MatchID     string           `json:"match_id"`
	LocalSide   game.Side        `json:"local_side"`
	RemoteSide  game.Side        `json:"remote_side"`
	TurnOwner   game.Side        `json:"turn_owner"`
	LastMoved   game.Side        `json:"last_moved,omitempty"`
	MoveCount   int              `json:"move_count"`
	GameOver    bool             `json:"game_over"`
	Outcome     game.Outcome     `json:"outcome"`
	Undo        NegotiationState `json:"undo"`
	Restart     NegotiationState `json:"restart"`
	PeerGone    bool             `json:"peer_gone"`
	Fingerprint string           `json:"fingerprint"`
	Desyncs     int              `json:"desyncs"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Result is the final record of a finished game.
type Result struct {
	MatchID    string    `json:"match_id"`
	LocalSide  game.Side `json:"local_side"`
	Winner     game.Side `json:"winner,omitempty"`
	Reason     string    `json:"reason"`
	MoveCount  int       `json:"move_count"`
	FinishedAt time.Time `json:"finished_at"`
}

// Session is the local half of a two-player game. Local calls and the receiver loop both
// go through its mutex; UI and recorder callbacks are queued while it is held and run
// after it is released.
type Session struct {
	mu  sync.Mutex
	cfg Config
	log *zap.Logger
	met *metrics.Metrics

	engine game.Engine
	out    Sender
	ui     UI
	rec    Recorder

	localSide  game.Side
	remoteSide game.Side
	firstMover game.Side
	turnOwner  game.Side
	lastMoved  game.Side
	moves      int
	history    []game.Snapshot

	undo    *negotiation
	restart *negotiation

	gameOver       bool
	outcome        game.Outcome
	resultRecorded bool

	peerGone     bool
	left         bool
	applyingSync bool
	syncSent     int
	syncSeen     int
	fingerprint  string
	desyncs      int
	updatedAt    time.Time

	deferred []func()
}

// New resets engine to its initial configuration and binds it to the peer behind out.
func New(engine game.Engine, out Sender, cfg Config) (*Session, error) {
	if engine == nil {
		return nil, errors.New("session: nil engine")
	}
	if out == nil {
		return nil, errors.New("session: nil sender")
	}
	if !cfg.LocalSide.Valid() {
		return nil, fmt.Errorf("session: invalid local side %q", cfg.LocalSide)
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.UI == nil {
		cfg.UI = NopUI{}
	}
	if cfg.Logger == nil {
		cfg.Logger = obslog.L()
	}

	s := &Session{
		cfg:        cfg,
		log:        cfg.Logger.With(zap.String("match_id", cfg.MatchID), zap.String("side", string(cfg.LocalSide))),
		met:        cfg.Metrics,
		engine:     engine,
		out:        out,
		ui:         cfg.UI,
		rec:        cfg.Recorder,
		localSide:  cfg.LocalSide,
		remoteSide: cfg.LocalSide.Opponent(),
		undo:       &negotiation{kind: NegotiationUndo, state: Idle},
		restart:    &negotiation{kind: NegotiationRestart, state: Idle},
	}
	s.engine.Reset()
	s.firstMover = s.initialTurn()
	s.turnOwner = s.firstMover
	s.refreshLocked()
	s.met.SetPeerConnected(true)
	return s, nil
}

func (s *Session) initialTurn() game.Side {
	if t := s.engine.Snapshot().Turn; t.Valid() {
		return t
	}
	return game.White
}

func (s *Session) lock() { s.mu.Lock() }

// unlock releases the mutex and then runs the callbacks queued while it was held.
func (s *Session) unlock() {
	queued := s.deferred
	s.deferred = nil
	s.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

func (s *Session) after(fn func()) { s.deferred = append(s.deferred, fn) }

// SubmitLocalMove applies a move of the local side and announces it. Once it returns nil
// the move is committed; a peer that never sees it is reconciled through SyncCheck.
func (s *Session) SubmitLocalMove(from, to game.Square) error {
	s.lock()
	defer s.unlock()

	switch {
	case s.gameOver:
		return ErrGameOver
	case s.peerGone || s.left:
		return ErrPeerGone
	case s.turnOwner != s.localSide:
		return ErrNotYourTurn
	case s.undo.state != Idle || s.restart.state != Idle:
		return ErrNegotiationPending
	}

	pre := s.snapshotLocked()
	if err := s.engine.ApplyMove(from, to); err != nil {
		s.log.Info("netplay_move_rejected", zap.Stringer("from", from), zap.Stringer("to", to), zap.Error(err))
		if errors.Is(err, ErrIllegalMove) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}
	s.history = append(s.history, pre)
	s.moves++
	s.lastMoved = s.localSide
	s.turnOwner = s.remoteSide
	s.refreshLocked()
	s.log.Debug("netplay_move_local", zap.Stringer("from", from), zap.Stringer("to", to), zap.Int("move", s.moves))

	if err := s.sendLocked(protocol.Move{From: from, To: to}); err != nil {
		s.log.Warn("netplay_move_unsent", zap.Error(err))
	}
	s.checkOutcomeLocked()
	if s.cfg.SyncEveryMove {
		s.emitSyncCheckLocked()
	}
	s.recordLocked()
	return nil
}

// HandleMessage applies one message from the peer.
func (s *Session) HandleMessage(m protocol.Message) {
	s.lock()
	defer s.unlock()

	switch msg := m.(type) {
	case protocol.Move:
		s.handleMoveLocked(msg)
	case protocol.SyncCheck:
		s.handleSyncCheckLocked(msg)
	case protocol.FullStateSync:
		s.handleFullStateSyncLocked(msg)
	case protocol.UndoRequest:
		s.handleRequestLocked(s.undo, msg.AtMove)
	case protocol.UndoResponse:
		s.handleResponseLocked(s.undo, msg.Accepted)
	case protocol.RestartRequest:
		s.handleRequestLocked(s.restart, msg.AtMove)
	case protocol.RestartResponse:
		s.handleResponseLocked(s.restart, msg.Accepted)
	case protocol.RestartConfirmed:
		s.log.Debug("netplay_restart_confirmed")
	case protocol.Resign:
		s.handleResignLocked()
	case protocol.LeaveGame:
		s.handleLeaveLocked(msg.Reason)
	case protocol.Chat:
		s.handleChatLocked(msg.Text)
	case protocol.Ping:
	case protocol.Ready, protocol.GameStart:
		s.log.Debug("netplay_handshake_late", zap.String("type", string(m.Kind())))
	default:
		s.log.Warn("netplay_message_unhandled", zap.String("type", fmt.Sprintf("%T", m)))
	}
}

func (s *Session) handleMoveLocked(mv protocol.Move) {
	if s.gameOver {
		s.log.Debug("netplay_move_ignored", zap.String("reason", "game_over"))
		return
	}
	if s.turnOwner != s.remoteSide {
		s.desyncLocked("remote_move_out_of_turn", zap.Stringer("from", mv.From), zap.Stringer("to", mv.To))
		s.emitSyncCheckLocked()
		return
	}
	pre := s.snapshotLocked()
	if err := s.engine.ApplyMove(mv.From, mv.To); err != nil {
		s.desyncLocked("remote_move_rejected", zap.Stringer("from", mv.From), zap.Stringer("to", mv.To), zap.Error(err))
		s.emitSyncCheckLocked()
		return
	}
	s.history = append(s.history, pre)
	s.moves++
	s.lastMoved = s.remoteSide
	s.turnOwner = s.localSide
	s.refreshLocked()
	s.log.Debug("netplay_move_remote", zap.Stringer("from", mv.From), zap.Stringer("to", mv.To), zap.Int("move", s.moves))

	ui, from, to := s.ui, mv.From, mv.To
	s.after(func() { ui.OnRemoteMoveApplied(from, to) })
	s.checkOutcomeLocked()
	s.recordLocked()
}

// handleSyncCheckLocked compares fingerprints; the side receiving the check is
// authoritative and answers a mismatch with its own snapshot. When the check crossed one
// of ours on the wire both sides are receivers, and only the host answers.
func (s *Session) handleSyncCheckLocked(sc protocol.SyncCheck) {
	crossed := sc.Seen < s.syncSent
	if sc.Seq > s.syncSeen {
		s.syncSeen = sc.Seq
	}
	snap := s.snapshotLocked()
	local := s.engine.Fingerprint(snap)
	if local == sc.Fingerprint {
		s.log.Debug("netplay_sync_ok", zap.String("fingerprint", local))
		return
	}
	s.desyncLocked("fingerprint_mismatch", zap.String("local", local), zap.String("remote", sc.Fingerprint))
	if crossed && !s.cfg.Host {
		s.log.Info("netplay_sync_deferred", zap.Int("seq", sc.Seq), zap.Int("seen", sc.Seen), zap.Int("sent", s.syncSent))
		return
	}
	if err := s.sendLocked(protocol.FullStateSync{Snapshot: snap}); err != nil {
		s.log.Warn("netplay_full_sync_unsent", zap.Error(err))
	}
}

func (s *Session) handleFullStateSyncLocked(fs protocol.FullStateSync) {
	s.applyingSync = true
	defer func() { s.applyingSync = false }()

	snap := fs.Snapshot.Clone()
	if err := s.engine.Restore(snap); err != nil {
		s.desyncLocked("restore_failed", zap.Error(err))
		return
	}
	s.turnOwner = snap.Turn
	if !s.turnOwner.Valid() {
		s.turnOwner = s.firstMover
	}
	s.lastMoved = snap.LastMoved
	if !s.lastMoved.Valid() {
		s.lastMoved = ""
	}
	s.moves = snap.MoveCount
	s.history = nil
	s.abortNegotiationsLocked("full_sync")
	s.refreshLocked()
	if !s.gameOver {
		s.checkOutcomeLocked()
	}
	s.met.FullSyncApplied()
	s.log.Info("netplay_full_sync_applied", zap.Int("move", s.moves), zap.String("fingerprint", s.fingerprint))

	ui := s.ui
	s.after(ui.OnDesyncResolved)
	s.recordLocked()
}

func (s *Session) handleResignLocked() {
	if s.gameOver {
		return
	}
	s.log.Info("netplay_opponent_resigned")
	s.abortNegotiationsLocked("resign")
	s.finishLocked(game.Outcome{Over: true, Winner: s.localSide, Reason: ReasonResignation})
	s.recordLocked()
}

func (s *Session) handleLeaveLocked(reason string) {
	if s.peerGone {
		return
	}
	s.peerGone = true
	s.met.SetPeerConnected(false)
	s.log.Info("netplay_opponent_left", zap.String("reason", reason))
	s.abortNegotiationsLocked("peer_left")
	ui := s.ui
	s.after(ui.OnOpponentLeft)
	if !s.gameOver {
		s.finishLocked(game.Outcome{Over: true, Winner: s.localSide, Reason: ReasonAbandoned})
	}
	s.recordLocked()
}

func (s *Session) handleChatLocked(text string) {
	text = clampChat(text)
	if text == "" {
		return
	}
	ui := s.ui
	s.after(func() { ui.OnChat(text) })
}

// Resign ends the game in the opponent's favour.
func (s *Session) Resign() error {
	s.lock()
	defer s.unlock()
	if s.gameOver {
		return ErrGameOver
	}
	if err := s.sendLocked(protocol.Resign{}); err != nil && !errors.Is(err, ErrPeerGone) {
		s.log.Warn("netplay_resign_unsent", zap.Error(err))
	}
	s.abortNegotiationsLocked("resign")
	s.finishLocked(game.Outcome{Over: true, Winner: s.remoteSide, Reason: ReasonResignation})
	s.recordLocked()
	return nil
}

// Leave tells the peer this side is quitting. Further sends fail with ErrPeerGone.
func (s *Session) Leave(reason string) {
	s.lock()
	defer s.unlock()
	if s.left {
		return
	}
	if err := s.sendLocked(protocol.LeaveGame{Reason: reason}); err != nil && !errors.Is(err, ErrPeerGone) {
		s.log.Debug("netplay_leave_unsent", zap.Error(err))
	}
	s.left = true
	s.abortNegotiationsLocked("local_left")
	if !s.gameOver {
		s.finishLocked(game.Outcome{Over: true, Winner: s.remoteSide, Reason: ReasonAbandoned})
	}
	s.recordLocked()
}

func (s *Session) SendChat(text string) error {
	text = clampChat(text)
	if text == "" {
		return ErrEmptyChat
	}
	s.lock()
	defer s.unlock()
	return s.sendLocked(protocol.Chat{Text: text})
}

// RequestSync asks the peer to compare fingerprints now.
func (s *Session) RequestSync() error {
	s.lock()
	defer s.unlock()
	if s.peerGone || s.left {
		return ErrPeerGone
	}
	s.emitSyncCheckLocked()
	return nil
}

// Ping sends a heartbeat unless the peer is gone.
func (s *Session) Ping() error {
	s.lock()
	defer s.unlock()
	return s.sendLocked(protocol.Ping{})
}

// Heartbeat pings the peer every interval until ctx is done or the peer is gone.
func (s *Session) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Ping(); err != nil {
				if errors.Is(err, ErrPeerGone) {
					return
				}
				s.log.Debug("netplay_ping_failed", zap.Error(err))
			}
		}
	}
}

func (s *Session) State() State {
	s.lock()
	defer s.unlock()
	return s.stateLocked()
}

// Snapshot returns the current state including the turn model.
func (s *Session) Snapshot() game.Snapshot {
	s.lock()
	defer s.unlock()
	return s.snapshotLocked()
}

func (s *Session) Fingerprint() string {
	s.lock()
	defer s.unlock()
	return s.fingerprint
}

func (s *Session) stateLocked() State {
	return State{
		MatchID:     s.cfg.MatchID,
		LocalSide:   s.localSide,
		RemoteSide:  s.remoteSide,
		TurnOwner:   s.turnOwner,
		LastMoved:   s.lastMoved,
		MoveCount:   s.moves,
		GameOver:    s.gameOver,
		Outcome:     s.outcome,
		Undo:        s.undo.state,
		Restart:     s.restart.state,
		PeerGone:    s.peerGone,
		Fingerprint: s.fingerprint,
		Desyncs:     s.desyncs,
		UpdatedAt:   s.updatedAt,
	}
}

// snapshotLocked is the engine snapshot overlaid with the session's turn model.
func (s *Session) snapshotLocked() game.Snapshot {
	snap := s.engine.Snapshot()
	snap.Turn = s.turnOwner
	snap.LastMoved = s.lastMoved
	snap.MoveCount = s.moves
	return snap
}

func (s *Session) refreshLocked() {
	s.fingerprint = s.engine.Fingerprint(s.snapshotLocked())
	s.updatedAt = time.Now()
	s.met.SetMoveCount(s.moves)
}

func (s *Session) sendLocked(m protocol.Message) error {
	if s.peerGone || s.left {
		return ErrPeerGone
	}
	if err := s.out.Send(m); err != nil {
		return fmt.Errorf("send %s: %w", m.Kind(), err)
	}
	s.met.MessageSent(string(m.Kind()))
	return nil
}

// emitSyncCheckLocked never fires while a FullStateSync is being applied, so a sync can
// not trigger another round.
func (s *Session) emitSyncCheckLocked() {
	if s.applyingSync || s.peerGone || s.left {
		return
	}
	snap := s.snapshotLocked()
	fp := s.engine.Fingerprint(snap)
	seq := s.syncSent + 1
	if err := s.sendLocked(protocol.SyncCheck{Fingerprint: fp, Snapshot: snap, Seq: seq, Seen: s.syncSeen}); err != nil {
		s.log.Warn("netplay_sync_check_unsent", zap.Error(err))
		return
	}
	s.syncSent = seq
	s.log.Debug("netplay_sync_check_sent", zap.String("fingerprint", fp), zap.Int("seq", seq))
}

func (s *Session) desyncLocked(reason string, fields ...zap.Field) {
	s.desyncs++
	s.met.Desync(reason)
	s.log.Warn("netplay_desync", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
}

func (s *Session) checkOutcomeLocked() {
	if s.gameOver {
		return
	}
	r, ok := s.engine.(game.OutcomeReporter)
	if !ok {
		return
	}
	if o := r.Outcome(); o.Over {
		s.finishLocked(o)
	}
}

func (s *Session) finishLocked(o game.Outcome) {
	s.gameOver = true
	s.outcome = o
	s.updatedAt = time.Now()
	s.log.Info("netplay_game_over", zap.String("winner", string(o.Winner)), zap.String("reason", o.Reason))
	ui := s.ui
	s.after(func() { ui.OnGameOver(o) })
	s.recordResultLocked()
}

func (s *Session) recordLocked() {
	if s.rec == nil {
		return
	}
	st, snap, rec, log := s.stateLocked(), s.snapshotLocked(), s.rec, s.log
	s.after(func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := rec.RecordState(ctx, st, snap); err != nil {
			log.Warn("netplay_record_state_failed", zap.Error(err))
		}
	})
}

func (s *Session) recordResultLocked() {
	if s.rec == nil || s.resultRecorded {
		return
	}
	s.resultRecorded = true
	res := Result{
		MatchID:    s.cfg.MatchID,
		LocalSide:  s.localSide,
		Winner:     s.outcome.Winner,
		Reason:     s.outcome.Reason,
		MoveCount:  s.moves,
		FinishedAt: time.Now(),
	}
	rec, log := s.rec, s.log
	s.after(func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := rec.RecordResult(ctx, res); err != nil {
			log.Warn("netplay_record_result_failed", zap.Error(err))
		}
	})
}

func clampChat(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= MaxChatRunes {
		return text
	}
	r := []rune(text)
	return string(r[:MaxChatRunes])
}
