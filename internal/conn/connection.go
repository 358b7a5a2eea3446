package conn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/park285/cheese-netplay/internal/obslog"
	"github.com/park285/cheese-netplay/internal/protocol"
	"go.uber.org/zap"
)

// Role is the side of the connection set-up a peer played.
type Role string

const (
	RoleHost   Role = "host"
	RoleJoiner Role = "joiner"
)

var (
	ErrConnectFailed = errors.New("connect failed")
	ErrClosed        = errors.New("connection closed")
)

const (
	TransportTCP = "tcp"
	TransportWS  = "ws"

	DefaultPort = 5050
)

// Options tune timeouts and retries. Zero values fall back to DefaultOptions.
type Options struct {
	Transport    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	DialRetries  int
	DialBackoff  time.Duration
	Logger       *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		Transport:    TransportTCP,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		DialTimeout:  5 * time.Second,
		DialRetries:  5,
		DialBackoff:  2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Transport == "" {
		o.Transport = def.Transport
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.DialRetries <= 0 {
		o.DialRetries = def.DialRetries
	}
	if o.DialBackoff <= 0 {
		o.DialBackoff = def.DialBackoff
	}
	if o.Logger == nil {
		o.Logger = obslog.L()
	}
	return o
}

// Connection owns one peer stream. Receive is meant for a single reader (the receiver
// loop); Send may be called from any goroutine and is serialized by the send lock.
type Connection struct {
	role Role
	nc   net.Conn
	opts Options
	log  *zap.Logger

	dec    *protocol.Decoder
	recvMu sync.Mutex

	enc    *protocol.Encoder
	sendMu sync.Mutex

	alive     atomic.Bool
	closeOnce sync.Once
}

// NewConnection wraps an established stream.
func NewConnection(role Role, nc net.Conn, opts Options) *Connection {
	opts = opts.withDefaults()
	c := &Connection{
		role: role,
		nc:   nc,
		opts: opts,
		log:  opts.Logger.With(zap.String("role", string(role)), zap.String("peer", nc.RemoteAddr().String())),
		dec:  protocol.NewDecoder(nc),
		enc:  protocol.NewEncoder(nc),
	}
	c.alive.Store(true)
	return c
}

func (c *Connection) Role() Role { return c.role }

// Alive reports whether the connection has not been closed or failed.
func (c *Connection) Alive() bool { return c != nil && c.alive.Load() }

func (c *Connection) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Send writes one message as a single frame.
func (c *Connection) Send(m protocol.Message) error {
	if !c.Alive() {
		return ErrClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.enc.WriteMessage(m); err != nil {
		c.log.Warn("netplay_send_error", zap.String("type", string(m.Kind())), zap.Error(err))
		return err
	}
	c.log.Debug("netplay_send", zap.String("type", string(m.Kind())))
	return nil
}

// Receive blocks for the next message or until the read timeout expires. A timeout is
// reported as a net.Error with Timeout() == true; IsTimeout recognises it.
func (c *Connection) Receive() (protocol.Message, error) {
	return c.receive(c.opts.ReadTimeout)
}

func (c *Connection) receive(timeout time.Duration) (protocol.Message, error) {
	if !c.Alive() {
		return nil, ErrClosed
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	m, err := c.dec.ReadMessage()
	if err != nil {
		if !c.Alive() {
			return nil, ErrClosed
		}
		return nil, err
	}
	c.log.Debug("netplay_receive", zap.String("type", string(m.Kind())))
	return m, nil
}

// Close is idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		err = c.nc.Close()
		c.log.Info("netplay_conn_closed")
	})
	return err
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
