package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cloudzz-dev/chatsync/internal/client/api"
	"github.com/cloudzz-dev/chatsync/internal/client/config"
	"github.com/cloudzz-dev/chatsync/internal/client/metrics"
	"github.com/cloudzz-dev/chatsync/internal/client/reconcile"
	"github.com/cloudzz-dev/chatsync/internal/client/session"
	"github.com/cloudzz-dev/chatsync/internal/client/transport"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// app wires the sync core for one profile. The bubbletea model holds a
// pointer to it and drives it through tea.Cmds.
type app struct {
	ctx        context.Context
	cfg        config.Config
	store      session.Store
	logger     *slog.Logger
	api        *api.Client
	sockets    *transport.Manager
	metrics    *metrics.Sync
	metricsSrv *http.Server
	program    *tea.Program

	mu   sync.Mutex
	me   wire.User
	ctrl *reconcile.Controller
}

func newAPIClient(cfg config.Config, logger *slog.Logger) *api.Client {
	return api.New(api.Options{
		BaseURL:         cfg.Server.URL,
		Timeout:         cfg.API.Timeout,
		Attempts:        cfg.API.Attempts,
		RetryDelay:      cfg.API.RetryDelay,
		ReadConcurrency: cfg.API.ReadConcurrency,
		Rate:            cfg.API.Rate,
		Burst:           cfg.API.Burst,
		Logger:          logger,
	})
}

func newApp(ctx context.Context, cfg config.Config, store session.Store, logger *slog.Logger) (*app, error) {
	socketURL := cfg.Server.SocketURL
	if socketURL == "" {
		socketURL = cfg.Server.URL
	}
	a := &app{
		ctx:    ctx,
		cfg:    cfg,
		store:  store,
		logger: logger,
		api:    newAPIClient(cfg, logger),
		sockets: transport.NewManager(transport.Options{
			URL:              socketURL,
			MaxRetries:       cfg.Transport.MaxRetries,
			Backoff:          cfg.Transport.Backoff,
			HandshakeTimeout: cfg.Transport.DialTimeout,
			Logger:           logger,
		}),
	}

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		a.metrics = metrics.New(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics listener stopped", slog.Any("error", err))
			}
		}()
	}

	a.api.OnTokens(a.persist)
	return a, nil
}

// persist saves every token change, including silent refreshes.
func (a *app) persist(access, refresh string) {
	if access == "" {
		return
	}
	a.mu.Lock()
	me := a.me
	a.mu.Unlock()
	if me.ID == "" {
		return
	}
	err := a.store.Save(session.Session{
		ServerURL:    a.cfg.Server.URL,
		UserID:       me.ID,
		Username:     me.Username,
		AccessToken:  access,
		RefreshToken: refresh,
	})
	if err != nil {
		a.logger.Warn("save session", slog.Any("error", err))
	}
}

// restore resumes a saved session for the configured server. It returns
// session.ErrNoSession when there is nothing usable.
func (a *app) restore(ctx context.Context) (wire.User, error) {
	sess, err := a.store.Load()
	if err != nil {
		return wire.User{}, err
	}
	if sess.ServerURL != a.cfg.Server.URL || sess.AccessToken == "" {
		return wire.User{}, session.ErrNoSession
	}
	a.setMe(wire.User{ID: sess.UserID, Username: sess.Username})
	a.api.SetTokens(sess.AccessToken, sess.RefreshToken)
	me, err := a.api.CurrentUser(ctx)
	if err != nil {
		a.setMe(wire.User{})
		return wire.User{}, err
	}
	a.setMe(me)
	return me, nil
}

type credentials struct {
	Login    string // username, or email when it contains '@'
	Email    string // register only
	Password string
	Register bool
}

func (a *app) login(ctx context.Context, cr credentials) (wire.User, error) {
	if cr.Register {
		req := wire.RegisterRequest{Username: cr.Login, Email: cr.Email, Password: cr.Password}
		if _, err := a.api.Register(ctx, req); err != nil {
			return wire.User{}, err
		}
	}
	req := wire.LoginRequest{Username: cr.Login, Password: cr.Password}
	if strings.Contains(cr.Login, "@") {
		req = wire.LoginRequest{Email: cr.Login, Password: cr.Password}
	}
	// Tokens arrive before the user is known, so persist explicitly after.
	res, err := a.api.Login(ctx, req)
	if err != nil {
		return wire.User{}, err
	}
	a.setMe(res.User)
	a.persist(res.AccessToken, res.RefreshToken)
	return res.User, nil
}

func (a *app) setMe(u wire.User) {
	a.mu.Lock()
	a.me = u
	a.mu.Unlock()
}

// connect builds the controller on the session socket, loads the directory
// and then opens the socket. Subscribing first means no early event is lost.
func (a *app) connect(ctx context.Context, me wire.User) *reconcile.Controller {
	sock := a.sockets.Socket()
	ctrl := reconcile.New(a.api, sock, reconcile.Options{
		ViewerID:         me.ID,
		PageSize:         a.cfg.Sync.PageSize,
		PresenceInterval: a.cfg.Sync.PresenceInterval,
		TypingQuiet:      a.cfg.Sync.TypingQuiet,
		TypingTTL:        a.cfg.Sync.TypingTTL,
		MatchWindow:      a.cfg.Sync.MatchWindow,
		Logger:           a.logger,
		Metrics:          a.metrics,
		OnAuthExpired: func(err error) {
			if a.program != nil {
				a.program.Send(authExpiredMsg{err: err})
			}
		},
		Reconnect: a.reopenSocket,
	})
	if err := ctrl.Start(a.ctx); err != nil {
		a.logger.Warn("initial directory load failed", slog.Any("error", err))
	}

	if err := a.reopenSocket(ctx); err != nil {
		// Retries continue in the background; the banner shows the state.
		a.logger.Warn("socket connect", slog.Any("error", err))
	}

	a.mu.Lock()
	a.ctrl = ctrl
	a.mu.Unlock()
	return ctrl
}

// reopenSocket connects the session socket with the current access token.
// It is a no-op while the socket is still running.
func (a *app) reopenSocket(ctx context.Context) error {
	access, _ := a.api.Tokens()
	_, err := a.sockets.Open(ctx, access)
	return err
}

// signOut drops the live session and the saved tokens.
func (a *app) signOut(ctx context.Context) {
	a.disconnect()
	_ = a.api.Logout(ctx)
	a.setMe(wire.User{})
	if err := a.store.Clear(); err != nil {
		a.logger.Warn("clear session", slog.Any("error", err))
	}
}

func (a *app) disconnect() {
	a.mu.Lock()
	ctrl := a.ctrl
	a.ctrl = nil
	a.mu.Unlock()
	if ctrl != nil {
		ctrl.Stop()
	}
	a.sockets.Close()
}

func (a *app) shutdown() {
	a.disconnect()
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(ctx)
	}
}
