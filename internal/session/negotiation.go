package session

import (
	"time"

	"github.com/park285/cheese-netplay/internal/game"
	"github.com/park285/cheese-netplay/internal/protocol"
	"go.uber.org/zap"
)

// NegotiationKind names a state change that needs both players' consent.
type NegotiationKind string

const (
	NegotiationUndo    NegotiationKind = "undo"
	NegotiationRestart NegotiationKind = "restart"
)

type NegotiationState string

const (
	Idle              NegotiationState = "idle"
	RequestedLocally  NegotiationState = "requested_locally"
	RequestedRemotely NegotiationState = "requested_remotely"
)

// negotiation is the per-kind FSM: Idle -> RequestedLocally | RequestedRemotely -> Idle.
// gen invalidates deadline timers that fire after the negotiation already ended.
type negotiation struct {
	kind  NegotiationKind
	state NegotiationState
	gen   uint64
	timer *time.Timer
}

func (n *negotiation) pending() bool { return n.state == RequestedLocally || n.state == RequestedRemotely }

// RequestUndo asks the opponent to take back this side's most recent move.
func (s *Session) RequestUndo() error {
	s.lock()
	defer s.unlock()
	switch {
	case s.gameOver:
		return ErrGameOver
	case s.peerGone || s.left:
		return ErrPeerGone
	case s.undo.pending():
		return ErrNegotiationPending
	case !s.undoAllowedLocked(s.localSide):
		return ErrUndoNotAllowed
	case len(s.history) == 0:
		return ErrNothingToUndo
	}
	return s.requestLocked(s.undo, protocol.UndoRequest{AtMove: s.moves})
}

// RequestRestart asks the opponent to start a new game. It is allowed after game over.
func (s *Session) RequestRestart() error {
	s.lock()
	defer s.unlock()
	switch {
	case s.peerGone || s.left:
		return ErrPeerGone
	case s.restart.pending():
		return ErrNegotiationPending
	}
	return s.requestLocked(s.restart, protocol.RestartRequest{AtMove: s.moves})
}

// RespondUndo answers the opponent's pending undo request.
func (s *Session) RespondUndo(accept bool) error {
	s.lock()
	defer s.unlock()
	return s.respondLocked(s.undo, accept)
}

// RespondRestart answers the opponent's pending restart request.
func (s *Session) RespondRestart(accept bool) error {
	s.lock()
	defer s.unlock()
	return s.respondLocked(s.restart, accept)
}

func (s *Session) undoAllowedLocked(requester game.Side) bool {
	return !s.gameOver && s.lastMoved == requester
}

func (s *Session) requestLocked(n *negotiation, req protocol.Message) error {
	if err := s.sendLocked(req); err != nil {
		return err
	}
	s.openLocked(n, RequestedLocally)
	s.log.Info("netplay_negotiation_requested", zap.String("kind", string(n.kind)), zap.Int("at_move", s.moves))
	return nil
}

func (s *Session) respondLocked(n *negotiation, accept bool) error {
	if n.state != RequestedRemotely {
		return ErrNoPendingRequest
	}
	var resp protocol.Message = protocol.UndoResponse{Accepted: accept}
	if n.kind == NegotiationRestart {
		resp = protocol.RestartResponse{Accepted: accept}
	}
	sendErr := s.sendLocked(resp)
	s.closeLocked(n, outcomeOf(accept))
	if accept {
		s.applyEffectLocked(n.kind)
	}
	s.log.Info("netplay_negotiation_answered", zap.String("kind", string(n.kind)), zap.Bool("accepted", accept))
	return sendErr
}

func (s *Session) handleRequestLocked(n *negotiation, atMove int) {
	switch n.state {
	case RequestedRemotely:
		s.log.Debug("netplay_negotiation_duplicate", zap.String("kind", string(n.kind)))
		return
	case RequestedLocally:
		// both sides asked at once; the host's request stands
		if s.cfg.Host {
			s.log.Info("netplay_negotiation_collision", zap.String("kind", string(n.kind)), zap.String("kept", "local"))
			return
		}
		s.log.Info("netplay_negotiation_collision", zap.String("kind", string(n.kind)), zap.String("kept", "remote"))
		s.closeLocked(n, "collision")
		s.notifyResolvedLocked(n.kind, false)
	}

	if reason := s.refuseReasonLocked(n, atMove); reason != "" {
		s.log.Info("netplay_negotiation_auto_rejected", zap.String("kind", string(n.kind)), zap.String("reason", reason), zap.Int("at_move", atMove), zap.Int("local_move", s.moves))
		s.met.Negotiation(string(n.kind), "auto_rejected")
		var resp protocol.Message = protocol.UndoResponse{Accepted: false}
		if n.kind == NegotiationRestart {
			resp = protocol.RestartResponse{Accepted: false}
		}
		if err := s.sendLocked(resp); err != nil {
			s.log.Warn("netplay_negotiation_reply_unsent", zap.Error(err))
		}
		return
	}

	s.openLocked(n, RequestedRemotely)
	s.log.Info("netplay_negotiation_received", zap.String("kind", string(n.kind)), zap.Int("at_move", atMove))
	ui := s.ui
	if n.kind == NegotiationUndo {
		s.after(ui.OnUndoRequested)
	} else {
		s.after(ui.OnRestartRequested)
	}
}

// refuseReasonLocked names why a remote request can not be honoured, or "".
func (s *Session) refuseReasonLocked(n *negotiation, atMove int) string {
	if atMove != s.moves {
		return "stale"
	}
	if n.kind == NegotiationUndo && !s.undoAllowedLocked(s.remoteSide) {
		return "not_last_mover"
	}
	if n.kind == NegotiationUndo && len(s.history) == 0 {
		return "nothing_to_undo"
	}
	return ""
}

func (s *Session) handleResponseLocked(n *negotiation, accepted bool) {
	if n.state != RequestedLocally {
		s.log.Info("netplay_negotiation_late_response", zap.String("kind", string(n.kind)), zap.Bool("accepted", accepted))
		if accepted {
			// the peer applied an effect this side gave up on
			s.emitSyncCheckLocked()
		}
		return
	}
	s.closeLocked(n, outcomeOf(accepted))
	if accepted {
		s.applyEffectLocked(n.kind)
		if n.kind == NegotiationRestart {
			if err := s.sendLocked(protocol.RestartConfirmed{}); err != nil {
				s.log.Warn("netplay_restart_confirm_unsent", zap.Error(err))
			}
		}
		s.emitSyncCheckLocked()
	}
	s.log.Info("netplay_negotiation_resolved", zap.String("kind", string(n.kind)), zap.Bool("accepted", accepted))
	s.notifyResolvedLocked(n.kind, accepted)
}

func (s *Session) applyEffectLocked(kind NegotiationKind) {
	switch kind {
	case NegotiationUndo:
		s.applyUndoLocked()
	case NegotiationRestart:
		s.applyRestartLocked()
	}
	s.recordLocked()
}

// applyUndoLocked restores the state from before the most recent move.
func (s *Session) applyUndoLocked() {
	if len(s.history) == 0 {
		s.log.Warn("netplay_undo_empty_history")
		return
	}
	prev := s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]
	if err := s.engine.Restore(prev); err != nil {
		s.desyncLocked("undo_restore_failed", zap.Error(err))
		return
	}
	s.turnOwner = prev.Turn
	s.lastMoved = prev.LastMoved
	if !s.lastMoved.Valid() {
		s.lastMoved = s.firstMover
	}
	s.moves = prev.MoveCount
	s.refreshLocked()
	s.log.Info("netplay_undo_applied", zap.Int("move", s.moves))
}

// applyRestartLocked resets the engine. The first mover is recorded as having moved last
// so that the undo gate has a defined side before anyone moves.
func (s *Session) applyRestartLocked() {
	s.engine.Reset()
	s.firstMover = s.initialTurn()
	s.turnOwner = s.firstMover
	s.lastMoved = s.firstMover
	s.moves = 0
	s.history = nil
	s.gameOver = false
	s.outcome = game.Outcome{}
	s.resultRecorded = false
	if s.undo.pending() {
		s.closeLocked(s.undo, "aborted")
		s.notifyResolvedLocked(NegotiationUndo, false)
	}
	s.refreshLocked()
	s.log.Info("netplay_restart_applied", zap.String("first_mover", string(s.firstMover)))
}

func (s *Session) openLocked(n *negotiation, state NegotiationState) {
	n.gen++
	n.state = state
	gen, kind := n.gen, n.kind
	n.timer = time.AfterFunc(s.cfg.NegotiationTimeout, func() { s.expire(kind, gen) })
}

func (s *Session) closeLocked(n *negotiation, outcome string) {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.gen++
	n.state = Idle
	s.met.Negotiation(string(n.kind), outcome)
}

func (s *Session) expire(kind NegotiationKind, gen uint64) {
	s.lock()
	defer s.unlock()
	n := s.negotiationFor(kind)
	if n.gen != gen || !n.pending() {
		return
	}
	s.log.Info("netplay_negotiation_timeout", zap.String("kind", string(kind)), zap.String("state", string(n.state)))
	s.closeLocked(n, "timeout")
	s.notifyResolvedLocked(kind, false)
}

func (s *Session) abortNegotiationsLocked(reason string) {
	for _, n := range []*negotiation{s.undo, s.restart} {
		if !n.pending() {
			continue
		}
		s.log.Info("netplay_negotiation_aborted", zap.String("kind", string(n.kind)), zap.String("reason", reason))
		s.closeLocked(n, "aborted")
		s.notifyResolvedLocked(n.kind, false)
	}
}

func (s *Session) notifyResolvedLocked(kind NegotiationKind, accepted bool) {
	ui := s.ui
	s.after(func() { ui.OnNegotiationResolved(kind, accepted) })
}

func (s *Session) negotiationFor(kind NegotiationKind) *negotiation {
	if kind == NegotiationRestart {
		return s.restart
	}
	return s.undo
}

func outcomeOf(accepted bool) string {
	if accepted {
		return "accepted"
	}
	return "rejected"
}
