// Package statusapi exposes a running match over local HTTP: the session view as JSON,
// a liveness probe and Prometheus metrics.
package statusapi

import (
	"encoding/json"
	"net"
	"time"

	"github.com/park285/cheese-netplay/internal/metrics"
	"github.com/park285/cheese-netplay/internal/obslog"
	"github.com/park285/cheese-netplay/internal/session"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// StateSource is satisfied by *session.Session.
type StateSource interface {
	State() session.State
}

// Info is the static part of a status response.
type Info struct {
	Role      string `json:"role"`
	Transport string `json:"transport"`
	Name      string `json:"name,omitempty"`
	PeerName  string `json:"peer_name,omitempty"`
	PeerAddr  string `json:"peer_addr,omitempty"`
	Version   int    `json:"version"`
}

// Status is the /status response body.
type Status struct {
	Info
	Session   session.State `json:"session"`
	StartedAt time.Time     `json:"started_at"`
}

type Server struct {
	src     StateSource
	info    Info
	met     *metrics.Metrics
	log     *zap.Logger
	started time.Time
	metricH fasthttp.RequestHandler
	srv     *fasthttp.Server
}

func NewServer(src StateSource, info Info, met *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = obslog.L()
	}
	s := &Server{src: src, info: info, met: met, log: logger, started: time.Now()}
	if met != nil {
		s.metricH = fasthttpadaptor.NewFastHTTPHandler(met.Handler())
	}
	s.srv = &fasthttp.Server{
		Handler:      s.handle,
		Name:         "netplay",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Serve blocks until ln is closed or Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("netplay_status_listen", zap.String("addr", ln.Addr().String()))
	return s.srv.Serve(ln)
}

func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown() error { return s.srv.Shutdown() }

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString("ok")
	case "/status":
		if !ctx.IsGet() {
			ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
			return
		}
		body, err := json.Marshal(Status{Info: s.info, Session: s.src.State(), StartedAt: s.started})
		if err != nil {
			s.log.Warn("netplay_status_encode_failed", zap.Error(err))
			ctx.Error("encode failed", fasthttp.StatusInternalServerError)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	case "/metrics":
		if s.metricH == nil {
			ctx.Error("metrics disabled", fasthttp.StatusNotFound)
			return
		}
		s.metricH(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}
