package session

import (
	"context"
	"errors"
	"time"

	"github.com/park285/cheese-netplay/internal/conn"
	"github.com/park285/cheese-netplay/internal/metrics"
	"github.com/park285/cheese-netplay/internal/obslog"
	"github.com/park285/cheese-netplay/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Source is the read side of a connection. *conn.Connection implements it.
type Source interface {
	Receive() (protocol.Message, error)
}

type ReceiverConfig struct {
	// MaxIdleTimeouts consecutive read timeouts declare the peer gone.
	MaxIdleTimeouts int
	// RetryDelay is slept after a transient read error.
	RetryDelay time.Duration

	ChatRate  rate.Limit
	ChatBurst int
	SyncRate  rate.Limit
	SyncBurst int

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		MaxIdleTimeouts: 6,
		RetryDelay:      100 * time.Millisecond,
		ChatRate:        rate.Limit(2),
		ChatBurst:       5,
		SyncRate:        rate.Limit(1),
		SyncBurst:       3,
	}
}

// Receiver is the only reader of a connection. It feeds every inbound message to the
// session and turns a dead or silent peer into a LeaveGame.
type Receiver struct {
	src  Source
	sess *Session
	cfg  ReceiverConfig
	log  *zap.Logger
	met  *metrics.Metrics

	chat *rate.Limiter
	sync *rate.Limiter
	// heldSync is the newest SyncCheck that arrived over the limit; it is delivered late,
	// never dropped.
	heldSync protocol.Message
}

func NewReceiver(src Source, sess *Session, cfg ReceiverConfig) *Receiver {
	def := DefaultReceiverConfig()
	if cfg.MaxIdleTimeouts <= 0 {
		cfg.MaxIdleTimeouts = def.MaxIdleTimeouts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ChatRate <= 0 {
		cfg.ChatRate, cfg.ChatBurst = def.ChatRate, def.ChatBurst
	}
	if cfg.SyncRate <= 0 {
		cfg.SyncRate, cfg.SyncBurst = def.SyncRate, def.SyncBurst
	}
	if cfg.ChatBurst <= 0 {
		cfg.ChatBurst = 1
	}
	if cfg.SyncBurst <= 0 {
		cfg.SyncBurst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = obslog.L()
	}
	return &Receiver{
		src:  src,
		sess: sess,
		cfg:  cfg,
		log:  cfg.Logger,
		met:  cfg.Metrics,
		chat: rate.NewLimiter(cfg.ChatRate, cfg.ChatBurst),
		sync: rate.NewLimiter(cfg.SyncRate, cfg.SyncBurst),
	}
}

// Run blocks until the peer leaves, the connection fails, or ctx is cancelled. It returns
// nil after a LeaveGame from the peer or a local close, ErrPeerTimeout after too many idle
// reads, and the read error when the connection died.
func (r *Receiver) Run(ctx context.Context) error {
	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.flushSync()
		m, err := r.src.Receive()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, conn.ErrClosed):
				r.log.Debug("netplay_receiver_closed")
				return nil
			case errors.Is(err, protocol.ErrProtocol):
				idle = 0
				r.met.ProtocolError()
				r.log.Warn("netplay_protocol_error", zap.Error(err))
				continue
			case conn.IsTimeout(err):
				idle++
				if idle >= r.cfg.MaxIdleTimeouts {
					r.met.PeerTimeout()
					r.log.Warn("netplay_peer_timeout", zap.Int("idle_reads", idle))
					r.sess.HandleMessage(protocol.LeaveGame{Reason: "timeout"})
					return ErrPeerTimeout
				}
				if !r.sleep(ctx) {
					return ctx.Err()
				}
				continue
			default:
				r.log.Warn("netplay_connection_lost", zap.Error(err))
				r.sess.HandleMessage(protocol.LeaveGame{Reason: "connection lost"})
				return err
			}
		}

		idle = 0
		r.met.MessageReceived(string(m.Kind()))
		if !r.allow(m) {
			r.met.RateLimited(string(m.Kind()))
			r.log.Debug("netplay_rate_limited", zap.String("type", string(m.Kind())))
			if m.Kind() == protocol.KindSyncCheck {
				r.heldSync = m
			}
			continue
		}
		r.sess.HandleMessage(m)
		if m.Kind() == protocol.KindLeaveGame {
			return nil
		}
	}
}

func (r *Receiver) allow(m protocol.Message) bool {
	switch m.Kind() {
	case protocol.KindChat:
		return r.chat.Allow()
	case protocol.KindSyncCheck:
		return r.sync.Allow()
	default:
		return true
	}
}

// flushSync hands the held SyncCheck to the session once the limiter has a token again.
func (r *Receiver) flushSync() {
	if r.heldSync == nil || !r.sync.Allow() {
		return
	}
	m := r.heldSync
	r.heldSync = nil
	r.log.Debug("netplay_sync_check_released")
	r.sess.HandleMessage(m)
}

func (r *Receiver) sleep(ctx context.Context) bool {
	t := time.NewTimer(r.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
