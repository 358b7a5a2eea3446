package conn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/park285/cheese-netplay/internal/game"
	"github.com/park285/cheese-netplay/internal/protocol"
	"go.uber.org/zap"
)

var (
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	ErrHandshake           = errors.New("handshake failed")
)

// HandshakeTimeout bounds the Ready/GameStart exchange.
const HandshakeTimeout = 15 * time.Second

const reasonIncompatible = "incompatible version"

// Hello is what the local peer announces. MatchID, HostSide and Mode are only read on the
// host, which decides them.
type Hello struct {
	Name     string
	MatchID  string
	HostSide game.Side
	Mode     string
}

// PeerInfo is the settled outcome of the handshake as seen by the local peer.
type PeerInfo struct {
	Name     string
	Version  int
	MatchID  string
	HostSide game.Side
	Mode     string
}

// LocalSide returns the side this connection's role plays.
func (p *PeerInfo) LocalSide(role Role) game.Side {
	if role == RoleHost {
		return p.HostSide
	}
	return p.HostSide.Opponent()
}

// Handshake runs the opening exchange: the joiner sends Ready, the host checks the
// version and answers with GameStart, the joiner checks the host's minimum.
func Handshake(ctx context.Context, c *Connection, hello Hello) (*PeerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	if c.Role() == RoleHost {
		return hostHandshake(ctx, c, hello)
	}
	return joinHandshake(ctx, c, hello)
}

func hostHandshake(ctx context.Context, c *Connection, hello Hello) (*PeerInfo, error) {
	m, err := awaitKind(ctx, c, protocol.KindReady)
	if err != nil {
		return nil, err
	}
	ready := m.(protocol.Ready)
	if ready.Version < protocol.MinProtocolVersion {
		c.log.Warn("netplay_handshake_rejected", zap.Int("peer_version", ready.Version), zap.Int("min_version", protocol.MinProtocolVersion))
		_ = c.Send(protocol.LeaveGame{Reason: reasonIncompatible})
		return nil, fmt.Errorf("%w: peer speaks v%d, need v%d", ErrIncompatibleVersion, ready.Version, protocol.MinProtocolVersion)
	}
	side := hello.HostSide
	if !side.Valid() {
		side = game.White
	}
	start := protocol.GameStart{
		Version:    protocol.ProtocolVersion,
		MinVersion: protocol.MinProtocolVersion,
		MatchID:    hello.MatchID,
		HostSide:   side,
		Mode:       hello.Mode,
		Name:       hello.Name,
	}
	if err := c.Send(start); err != nil {
		return nil, fmt.Errorf("%w: send game_start: %w", ErrHandshake, err)
	}
	c.log.Info("netplay_handshake_done", zap.String("match_id", start.MatchID), zap.String("peer_name", ready.Name))
	return &PeerInfo{Name: ready.Name, Version: ready.Version, MatchID: start.MatchID, HostSide: side, Mode: start.Mode}, nil
}

func joinHandshake(ctx context.Context, c *Connection, hello Hello) (*PeerInfo, error) {
	if err := c.Send(protocol.Ready{Version: protocol.ProtocolVersion, Name: hello.Name}); err != nil {
		return nil, fmt.Errorf("%w: send ready: %w", ErrHandshake, err)
	}
	m, err := awaitKind(ctx, c, protocol.KindGameStart)
	if err != nil {
		return nil, err
	}
	start := m.(protocol.GameStart)
	if protocol.ProtocolVersion < start.MinVersion || start.Version < protocol.MinProtocolVersion {
		return nil, fmt.Errorf("%w: host v%d requires v%d, local v%d", ErrIncompatibleVersion, start.Version, start.MinVersion, protocol.ProtocolVersion)
	}
	if !start.HostSide.Valid() {
		return nil, fmt.Errorf("%w: host side %q", ErrHandshake, start.HostSide)
	}
	c.log.Info("netplay_handshake_done", zap.String("match_id", start.MatchID), zap.String("peer_name", start.Name))
	return &PeerInfo{Name: start.Name, Version: start.Version, MatchID: start.MatchID, HostSide: start.HostSide, Mode: start.Mode}, nil
}

// awaitKind reads until a message of kind want arrives. Pings, read timeouts and
// garbled frames are skipped; a LeaveGame or any other message aborts.
func awaitKind(ctx context.Context, c *Connection, want protocol.Kind) (protocol.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: waiting for %s: %w", ErrHandshake, want, err)
		}
		timeout := c.opts.ReadTimeout
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < timeout {
				timeout = left
			}
		}
		if timeout <= 0 {
			return nil, fmt.Errorf("%w: waiting for %s: %w", ErrHandshake, want, context.DeadlineExceeded)
		}

		m, err := c.receive(timeout)
		switch {
		case err == nil:
		case IsTimeout(err), errors.Is(err, protocol.ErrProtocol):
			continue
		default:
			return nil, fmt.Errorf("%w: waiting for %s: %w", ErrHandshake, want, err)
		}

		switch m.Kind() {
		case want:
			return m, nil
		case protocol.KindPing:
			continue
		case protocol.KindLeaveGame:
			reason := m.(protocol.LeaveGame).Reason
			if reason == reasonIncompatible {
				return nil, fmt.Errorf("%w: rejected by peer", ErrIncompatibleVersion)
			}
			return nil, fmt.Errorf("%w: peer left: %s", ErrHandshake, reason)
		default:
			return nil, fmt.Errorf("%w: expected %s, got %s", ErrHandshake, want, m.Kind())
		}
	}
}
