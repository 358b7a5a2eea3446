package game

// Engine is the rules collaborator. The sync layer never inspects moves itself; it only
// applies them, snapshots, restores and fingerprints through this interface.
type Engine interface {
	// ApplyMove applies a move for the side to move. Errors wrap ErrIllegalMove when
	// the engine rejects the move.
	ApplyMove(from, to Square) error
	Snapshot() Snapshot
	Restore(s Snapshot) error
	// Reset returns the engine to its initial configuration. The snapshot taken right
	// after Reset names the first mover in Turn.
	Reset()
	Fingerprint(s Snapshot) string
}

// OutcomeReporter is implemented by engines that can tell when a game has ended.
type OutcomeReporter interface {
	Outcome() Outcome
}
