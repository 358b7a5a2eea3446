package matchstore

import (
	"context"
	"errors"

	"github.com/park285/cheese-netplay/internal/game"
	"github.com/park285/cheese-netplay/internal/session"
)

// Recorder fans session progress out to the configured backends. Either backend may be nil.
type Recorder struct {
	Store *Store
	Repo  *Repository
	// Moves lists the applied moves in UCI notation for the results table.
	Moves func() []string
}

var _ session.Recorder = (*Recorder)(nil)

func (r *Recorder) RecordState(ctx context.Context, st session.State, snap game.Snapshot) error {
	if r == nil || r.Store == nil {
		return nil
	}
	return r.Store.SaveState(ctx, st, snap)
}

func (r *Recorder) RecordResult(ctx context.Context, res session.Result) error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.Store != nil {
		if err := r.Store.SaveResult(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	if r.Repo != nil {
		var moves []string
		if r.Moves != nil {
			moves = r.Moves()
		}
		if err := r.Repo.SaveResult(ctx, res, moves); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
