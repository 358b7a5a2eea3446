package session

import (
	"errors"

	"github.com/park285/cheese-netplay/internal/game"
)

var (
	ErrNotYourTurn        = errors.New("not your turn")
	ErrGameOver           = errors.New("game is over")
	ErrIllegalMove        = game.ErrIllegalMove
	ErrNegotiationPending = errors.New("a negotiation of this kind is already pending")
	ErrUndoNotAllowed     = errors.New("undo is only available to the side that moved last")
	ErrNothingToUndo      = errors.New("no move to take back")
	ErrNoPendingRequest   = errors.New("no pending request from the opponent")
	ErrPeerGone           = errors.New("opponent has left")
	ErrPeerTimeout        = errors.New("peer timed out")
	ErrEmptyChat          = errors.New("empty chat message")
)
