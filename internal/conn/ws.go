package conn

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/park285/cheese-netplay/internal/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// WSPath is the upgrade endpoint of the websocket transport.
const WSPath = "/netplay"

// frames are binary websocket messages; leave headroom above the frame body limit
const wsReadLimit = 2 * protocol.MaxMessageSize

func wsHandler(out chan<- net.Conn, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
			CompressionMode:    websocket.CompressionDisabled,
		})
		if err != nil {
			log.Warn("netplay_ws_accept_error", zap.String("peer", r.RemoteAddr), zap.Error(err))
			return
		}
		c.SetReadLimit(wsReadLimit)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		wc := newWSConn(websocket.NetConn(ctx, c, websocket.MessageBinary))

		select {
		case out <- wc:
			log.Info("netplay_peer_accepted", zap.String("peer", r.RemoteAddr), zap.String("transport", TransportWS))
		default:
			// a session is already seated
			_ = c.Close(websocket.StatusTryAgainLater, "session full")
			return
		}
		// the hijacked conn lives as long as this handler
		<-wc.done
	})
	return mux
}

func dialWS(ctx context.Context, address string) (net.Conn, error) {
	c, _, err := websocket.Dial(ctx, "ws://"+address+WSPath, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(wsReadLimit)
	return newWSConn(websocket.NetConn(context.Background(), c, websocket.MessageBinary)), nil
}

// wsConn gives a websocket stream the read-deadline behaviour of a TCP conn. An expired
// deadline on the websocket net.Conn tears the socket down, so reads are pumped by a
// goroutine and the deadline is enforced here instead.
type wsConn struct {
	net.Conn

	chunks   chan []byte
	pending  []byte
	pumpDone chan struct{}
	readErr  error

	dlMu         sync.Mutex
	readDeadline time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(nc net.Conn) *wsConn {
	wc := &wsConn{
		Conn:     nc,
		chunks:   make(chan []byte, 16),
		pumpDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go wc.pump()
	return wc
}

func (wc *wsConn) pump() {
	defer close(wc.pumpDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := wc.Conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case wc.chunks <- chunk:
			case <-wc.done:
				return
			}
		}
		if err != nil {
			wc.readErr = err
			return
		}
	}
}

func (wc *wsConn) Read(p []byte) (int, error) {
	if len(wc.pending) > 0 {
		n := copy(p, wc.pending)
		wc.pending = wc.pending[n:]
		return n, nil
	}

	wc.dlMu.Lock()
	deadline := wc.readDeadline
	wc.dlMu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	select {
	case chunk := <-wc.chunks:
		return wc.deliver(p, chunk), nil
	case <-wc.pumpDone:
		select {
		case chunk := <-wc.chunks:
			return wc.deliver(p, chunk), nil
		default:
		}
		return 0, wc.readErr
	case <-wc.done:
		return 0, net.ErrClosed
	case <-expired:
		return 0, os.ErrDeadlineExceeded
	}
}

func (wc *wsConn) deliver(p, chunk []byte) int {
	n := copy(p, chunk)
	wc.pending = chunk[n:]
	return n
}

func (wc *wsConn) SetReadDeadline(t time.Time) error {
	wc.dlMu.Lock()
	wc.readDeadline = t
	wc.dlMu.Unlock()
	return nil
}

func (wc *wsConn) SetDeadline(t time.Time) error {
	_ = wc.SetReadDeadline(t)
	return wc.Conn.SetWriteDeadline(t)
}

func (wc *wsConn) Close() error {
	var err error
	wc.closeOnce.Do(func() {
		close(wc.done)
		err = wc.Conn.Close()
	})
	return err
}
