// Package matchstore keeps match progress in Redis and final results in Postgres.
package matchstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cheese-netplay/internal/game"
	"github.com/park285/cheese-netplay/internal/session"
	"github.com/redis/go-redis/v9"
)

const (
	ttlMatch      = 24 * time.Hour
	recentMatches = 50
)

// Record is what the store keeps per match: the latest session view and the position
// it describes.
type Record struct {
	State    session.State   `json:"state"`
	Snapshot game.Snapshot   `json:"snapshot"`
	Result   *session.Result `json:"result,omitempty"`
}

type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// OpenStore connects to redis://[:password@]host:port[/db] and pings it.
func OpenStore(ctx context.Context, redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url required for match store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *Store) keyMatch(id string) string { return "netplay:match:" + strings.TrimSpace(id) }
func (s *Store) keyRecent() string         { return "netplay:matches:recent" }

// SaveState overwrites the match record, keeping any result already stored.
func (s *Store) SaveState(ctx context.Context, st session.State, snap game.Snapshot) error {
	if st.MatchID == "" {
		return fmt.Errorf("save state: empty match id")
	}
	rec, err := s.Load(ctx, st.MatchID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &Record{}
	}
	rec.State = st
	rec.Snapshot = snap
	return s.save(ctx, st.MatchID, rec, st.UpdatedAt)
}

// SaveResult attaches the final result to the match record.
func (s *Store) SaveResult(ctx context.Context, res session.Result) error {
	if res.MatchID == "" {
		return fmt.Errorf("save result: empty match id")
	}
	rec, err := s.Load(ctx, res.MatchID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &Record{State: session.State{MatchID: res.MatchID, LocalSide: res.LocalSide}}
	}
	rec.Result = &res
	return s.save(ctx, res.MatchID, rec, res.FinishedAt)
}

func (s *Store) save(ctx context.Context, id string, rec *Record, at time.Time) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keyMatch(id), raw, ttlMatch)
	pipe.ZAdd(ctx, s.keyRecent(), redis.Z{Score: float64(at.UnixMilli()), Member: id})
	// 최근 목록은 recentMatches개까지만 유지
	pipe.ZRemRangeByRank(ctx, s.keyRecent(), 0, -recentMatches-1)
	pipe.Expire(ctx, s.keyRecent(), ttlMatch)
	_, err = pipe.Exec(ctx)
	return err
}

// Load returns nil, nil when the match is unknown or expired.
func (s *Store) Load(ctx context.Context, id string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, s.keyMatch(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Recent lists match ids, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > recentMatches {
		limit = recentMatches
	}
	return s.rdb.ZRevRange(ctx, s.keyRecent(), 0, int64(limit-1)).Result()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
