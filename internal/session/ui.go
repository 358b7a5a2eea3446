package session

import "github.com/park285/cheese-netplay/internal/game"

// UI receives session events. Callbacks run on the goroutine that caused the event, after
// the session lock is released, so they may call back into the Session.
type UI interface {
	OnRemoteMoveApplied(from, to game.Square)
	// OnUndoRequested and OnRestartRequested ask for a yes/no decision, answered with
	// RespondUndo / RespondRestart.
	OnUndoRequested()
	OnRestartRequested()
	// OnNegotiationResolved reports the end of a negotiation this side did not answer
	// itself: a response to a local request, a timeout, or an abort.
	OnNegotiationResolved(kind NegotiationKind, accepted bool)
	OnOpponentLeft()
	OnDesyncResolved()
	OnChat(text string)
	OnGameOver(outcome game.Outcome)
}

// NopUI ignores every event. Embed it to implement only some callbacks.
type NopUI struct{}

func (NopUI) OnRemoteMoveApplied(from, to game.Square)    {}
func (NopUI) OnUndoRequested()                            {}
func (NopUI) OnRestartRequested()                         {}
func (NopUI) OnNegotiationResolved(NegotiationKind, bool) {}
func (NopUI) OnOpponentLeft()                             {}
func (NopUI) OnDesyncResolved()                           {}
func (NopUI) OnChat(string)                               {}
func (NopUI) OnGameOver(game.Outcome)                     {}
