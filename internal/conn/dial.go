package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Connect establishes the session connection. The host binds address and waits for one
// peer; the joiner dials address, retrying DialRetries times with DialBackoff between
// attempts. Every failure wraps ErrConnectFailed.
func Connect(ctx context.Context, role Role, address string, opts Options) (*Connection, error) {
	switch role {
	case RoleHost:
		l, err := Listen(address, opts)
		if err != nil {
			return nil, err
		}
		defer l.Close()
		c, err := l.Accept(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: accept on %s: %w", ErrConnectFailed, l.Addr(), err)
		}
		return c, nil
	case RoleJoiner:
		return Dial(ctx, address, opts)
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrConnectFailed, role)
	}
}

// HostAddress turns a port into the all-interfaces bind address.
func HostAddress(port int) string {
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
}

// JoinAddress appends the default port when addr has none.
func JoinAddress(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// Listener accepts the single peer of a hosted session.
type Listener struct {
	opts  Options
	ln    net.Listener
	srv   *http.Server
	conns chan net.Conn

	mu     sync.Mutex
	closed bool
}

// Listen binds address for the configured transport.
func Listen(address string, opts Options) (*Listener, error) {
	opts = opts.withDefaults()
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %w", ErrConnectFailed, address, err)
	}
	l := &Listener{opts: opts, ln: ln}
	if opts.Transport == TransportWS {
		l.conns = make(chan net.Conn, 1)
		l.srv = &http.Server{Handler: wsHandler(l.conns, opts.Logger), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				opts.Logger.Warn("netplay_ws_serve_error", zap.Error(err))
			}
		}()
	}
	opts.Logger.Info("netplay_listen", zap.String("addr", ln.Addr().String()), zap.String("transport", opts.Transport))
	return l, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for the next peer or until ctx is done.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.mu.Unlock()

	if l.srv != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case nc := <-l.conns:
			return NewConnection(RoleHost, nc, l.opts), nil
		}
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan acceptResult, 1)
	go func() {
		nc, err := l.ln.Accept()
		resultCh <- acceptResult{nc, err}
	}()

	select {
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		l.opts.Logger.Info("netplay_peer_accepted", zap.String("peer", r.conn.RemoteAddr().String()))
		return NewConnection(RoleHost, r.conn, l.opts), nil
	}
}

// Close stops listening. Accepted connections stay open.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.srv != nil {
		// hijacked websocket conns are not tracked by the server and survive this
		return l.srv.Close()
	}
	return l.ln.Close()
}

// Dial connects to a host with bounded retries.
func Dial(ctx context.Context, address string, opts Options) (*Connection, error) {
	opts = opts.withDefaults()
	var lastErr error
	for attempt := 1; attempt <= opts.DialRetries; attempt++ {
		nc, err := dialOnce(ctx, address, opts)
		if err == nil {
			opts.Logger.Info("netplay_connected", zap.String("addr", address), zap.Int("attempt", attempt))
			return NewConnection(RoleJoiner, nc, opts), nil
		}
		lastErr = err
		opts.Logger.Warn("netplay_dial_retry",
			zap.String("addr", address),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", opts.DialRetries),
			zap.Error(err),
		)
		if attempt == opts.DialRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, address, ctx.Err())
		case <-time.After(opts.DialBackoff):
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectFailed, address, opts.DialRetries, lastErr)
}

func dialOnce(ctx context.Context, address string, opts Options) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if opts.Transport == TransportWS {
		return dialWS(dctx, address)
	}
	d := &net.Dialer{}
	return d.DialContext(dctx, "tcp", address)
}
