package matchstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-netplay/internal/game"
	"github.com/park285/cheese-netplay/internal/session"

	_ "github.com/lib/pq"
)

// Schema creates the results table. Apply it once per database.
const Schema = `CREATE TABLE IF NOT EXISTS netplay_results (
    match_id    TEXT PRIMARY KEY,
    local_side  TEXT NOT NULL,
    winner      TEXT NOT NULL,
    result      TEXT NOT NULL,
    reason      TEXT NOT NULL,
    move_count  INTEGER NOT NULL,
    moves_uci   JSONB NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
)`

type Repository struct {
	db *sql.DB
}

func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Migrate applies Schema.
func (r *Repository) Migrate(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, Schema)
	return err
}

// SaveResult upserts the final result of a match.
func (r *Repository) SaveResult(ctx context.Context, res session.Result, movesUCI []string) error {
	if r == nil || r.db == nil {
		return nil
	}
	if movesUCI == nil {
		movesUCI = []string{}
	}
	movesRaw, err := json.Marshal(movesUCI)
	if err != nil {
		return err
	}
	q := `INSERT INTO netplay_results (
        match_id, local_side, winner, result, reason, move_count, moves_uci, finished_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
      ON CONFLICT (match_id) DO UPDATE SET
        local_side=EXCLUDED.local_side,
        winner=EXCLUDED.winner,
        result=EXCLUDED.result,
        reason=EXCLUDED.reason,
        move_count=EXCLUDED.move_count,
        moves_uci=EXCLUDED.moves_uci,
        finished_at=EXCLUDED.finished_at`

	_, err = r.db.ExecContext(ctx, q,
		res.MatchID, string(res.LocalSide), string(res.Winner), resultToken(res.Winner),
		strings.TrimSpace(res.Reason), res.MoveCount, string(movesRaw), res.FinishedAt,
	)
	return err
}

// resultToken renders the winner in PGN result notation.
func resultToken(winner game.Side) string {
	switch winner {
	case game.White:
		return "1-0"
	case game.Black:
		return "0-1"
	default:
		return "1/2-1/2"
	}
}
