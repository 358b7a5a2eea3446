package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/park285/cheese-netplay/internal/chessengine"
	"github.com/park285/cheese-netplay/internal/config"
	"github.com/park285/cheese-netplay/internal/conn"
	"github.com/park285/cheese-netplay/internal/game"
	"github.com/park285/cheese-netplay/internal/matchstore"
	"github.com/park285/cheese-netplay/internal/metrics"
	"github.com/park285/cheese-netplay/internal/msgcat"
	"github.com/park285/cheese-netplay/internal/obslog"
	"github.com/park285/cheese-netplay/internal/protocol"
	"github.com/park285/cheese-netplay/internal/session"
	"github.com/park285/cheese-netplay/internal/statusapi"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// runMatch connects to the peer and plays one match on the terminal until either side
// leaves.
func runMatch(ctx context.Context, role conn.Role, address string, cfg *config.AppConfig, in io.Reader, out io.Writer) error {
	log := obslog.L().With(zap.String("role", string(role)))

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return fmt.Errorf("messages: %w", err)
	}
	hostSide, err := game.ParseSide(cfg.Side)
	if err != nil {
		return err
	}
	met := metrics.New()

	if role == conn.RoleHost {
		fmt.Fprintln(out, cat.Text("connect.listening", map[string]any{"Addr": address}))
	} else {
		fmt.Fprintln(out, cat.Text("connect.dialing", map[string]any{"Addr": address}))
	}
	c, err := conn.Connect(ctx, role, address, conn.Options{
		Transport:    cfg.Transport,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		DialRetries:  cfg.DialRetries,
		DialBackoff:  cfg.DialBackoff,
		Logger:       log,
	})
	if err != nil {
		fmt.Fprintln(out, cat.Text("connect.failed", map[string]any{"Error": err}))
		return err
	}
	defer c.Close()

	info, err := conn.Handshake(ctx, c, conn.Hello{
		Name:     cfg.Name,
		MatchID:  uuid.NewString(),
		HostSide: hostSide,
		Mode:     cfg.Mode,
	})
	if err != nil {
		fmt.Fprintln(out, cat.Text("connect.failed", map[string]any{"Error": err}))
		return err
	}
	localSide := info.LocalSide(role)
	mode := info.Mode
	if mode == "" {
		mode = config.ModeBasic
	}
	log = log.With(zap.String("match_id", info.MatchID))
	fmt.Fprintln(out, cat.Text("connect.connected", map[string]any{"Name": info.Name, "Version": info.Version, "Side": localSide}))

	engine := chessengine.New()
	rec, closeRec := openRecorder(ctx, cfg, engine, log)
	defer closeRec()

	ui := newTerminalUI(out, cat, info.Name, localSide)
	scfg := session.Config{
		MatchID:            info.MatchID,
		LocalSide:          localSide,
		Host:               role == conn.RoleHost,
		SyncEveryMove:      mode == config.ModeFull,
		NegotiationTimeout: cfg.NegotiationTimeout,
		UI:                 ui,
		Recorder:           rec,
		Metrics:            met,
		Logger:             log,
	}
	sess, err := session.New(engine, c, scfg)
	if err != nil {
		return err
	}
	ui.bind(sess)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rx := session.NewReceiver(c, sess, session.ReceiverConfig{
		MaxIdleTimeouts: cfg.MaxIdleTimeouts,
		ChatRate:        rate.Limit(cfg.ChatRate),
		ChatBurst:       cfg.ChatBurst,
		SyncRate:        rate.Limit(cfg.SyncRate),
		SyncBurst:       cfg.SyncBurst,
		Metrics:         met,
		Logger:          log,
	})
	rxDone := make(chan error, 1)
	go func() { rxDone <- rx.Run(ctx) }()
	go sess.Heartbeat(ctx, cfg.HeartbeatInterval)

	if cfg.StatusAddr != "" {
		srv := statusapi.NewServer(sess, statusapi.Info{
			Role:      string(role),
			Transport: cfg.Transport,
			Name:      cfg.Name,
			PeerName:  info.Name,
			PeerAddr:  c.RemoteAddr().String(),
			Version:   protocol.ProtocolVersion,
		}, met, log)
		go func() {
			if err := srv.ListenAndServe(cfg.StatusAddr); err != nil {
				log.Warn("netplay_status_serve_failed", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Shutdown() }()
	}

	err = ui.loop(ctx, in, rxDone)
	if errors.Is(err, session.ErrPeerTimeout) {
		log.Info("netplay_match_ended", zap.Error(err))
		return nil
	}
	return err
}

// openRecorder wires whichever persistence backends are configured. A backend that cannot
// be reached is skipped with a warning; the match itself does not depend on it.
func openRecorder(ctx context.Context, cfg *config.AppConfig, engine *chessengine.Engine, log *zap.Logger) (session.Recorder, func()) {
	var (
		rec     matchstore.Recorder
		closers []func() error
	)
	if cfg.RedisURL != "" {
		store, err := matchstore.OpenStore(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("netplay_store_unavailable", zap.Error(err))
		} else {
			rec.Store = store
			closers = append(closers, store.Close)
		}
	}
	if cfg.DatabaseURL != "" {
		repo, err := matchstore.NewRepository(ctx, cfg.DatabaseURL)
		if err == nil {
			err = repo.Migrate(ctx)
			closers = append(closers, repo.Close)
		}
		if err != nil {
			log.Warn("netplay_repository_unavailable", zap.Error(err))
		} else {
			rec.Repo = repo
			rec.Moves = engine.Moves
		}
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if rec.Store == nil && rec.Repo == nil {
		return nil, closeAll
	}
	return &rec, closeAll
}
