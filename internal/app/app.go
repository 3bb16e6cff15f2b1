package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"chatsync/internal/resync"
	"chatsync/pkg/auth"
	"chatsync/pkg/channel"
	"chatsync/pkg/config"
	"chatsync/pkg/gateway"
	"chatsync/pkg/logger"
	"chatsync/pkg/presence"
	"chatsync/pkg/reconcile"
	"chatsync/pkg/store"
)

const seedTimeout = 15 * time.Second

// App groups client state and components.
type App struct {
	cfg      *config.Config
	version  string
	identity *auth.Identity

	gw       *gateway.Gateway
	hub      *channel.Hub
	rec      *reconcile.Reconciler
	presence *presence.Tracker
	cache    *store.Cache
	resync   *resync.Scheduler

	srvFast     *fasthttp.Server
	metricsAddr string

	cancel    context.CancelFunc
	runDone   chan struct{}
	fatal     chan error
	fatalOnce sync.Once

	mu    sync.Mutex
	state string
}

// NewGateway builds the command gateway and the identity it signs
// requests with. One-shot commands use it without starting an App.
func NewGateway(cfg *config.Config) (*gateway.Gateway, *auth.Identity, error) {
	identity, err := auth.FromToken(cfg.Credentials.Token, cfg.Credentials.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("credentials: %w", err)
	}
	if identity.Expired(time.Now()) {
		logger.Warn("credential_expired", "expired_at", identity.ExpiresAt())
	}
	gw := gateway.New(gateway.Options{
		BaseURL:            cfg.Server.BaseURL,
		APIPrefix:          cfg.Server.APIPrefix,
		Timeout:            cfg.Server.RequestTimeout.Duration(),
		RPS:                cfg.Gateway.RateLimit.RPS,
		Burst:              cfg.Gateway.RateLimit.Burst,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
	}, identity)
	return gw, identity, nil
}

// New builds every component from cfg without starting anything. Call
// Start to connect, and Shutdown to release resources.
func New(cfg *config.Config, version string) (*App, error) {
	gw, identity, err := NewGateway(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:      cfg,
		version:  version,
		identity: identity,
		gw:       gw,
		presence: presence.New(),
		runDone:  make(chan struct{}),
		fatal:    make(chan error, 1),
		state:    "created",
	}

	hubURL, err := channel.HubURL(cfg.Server.BaseURL, cfg.Server.HubPath)
	if err != nil {
		return nil, err
	}
	a.hub = channel.NewHub(channel.HubOptions{
		URL:                hubURL,
		Token:              identity.Token,
		ReconnectMin:       cfg.Channel.ReconnectMin.Duration(),
		ReconnectMax:       cfg.Channel.ReconnectMax.Duration(),
		PingInterval:       cfg.Channel.PingInterval.Duration(),
		WriteTimeout:       cfg.Channel.WriteTimeout.Duration(),
		ReadLimit:          cfg.Channel.ReadLimit.Int64(),
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
	})

	opts := reconcile.Options{
		PageSize:       cfg.History.PageSize,
		InboxCapacity:  cfg.Sync.InboxCapacity,
		MutationLimit:  cfg.Sync.PendingMutationLimit,
		MutationTTL:    cfg.Sync.PendingMutationTTL.Duration(),
		MarkReadOnOpen: cfg.MarkReadOnOpen(),
		Sort:           cfg.History.Sort,
		Presence:       a.presence,
		OnAuthFailure:  a.fail,
	}
	if cfg.Cache.Enabled {
		c, err := store.Open(cfg.Cache.Path, store.Options{MaxPerPeer: cfg.Cache.MaxMessagesPerPeer})
		if err != nil {
			return nil, err
		}
		a.cache = c
		opts.Cache = c
	}
	a.rec = reconcile.New(a.gw, opts)

	logger.LogConfigSummary("config_summary", cfg.Summary())
	logger.Info("app_created", "user", identity.UserID(), "version", version)
	return a, nil
}

func (a *App) Gateway() *gateway.Gateway         { return a.gw }
func (a *App) Reconciler() *reconcile.Reconciler { return a.rec }
func (a *App) Presence() *presence.Tracker       { return a.presence }
func (a *App) UserID() string                    { return a.identity.UserID() }

// Cache is nil unless the local cache is enabled.
func (a *App) Cache() *store.Cache { return a.cache }

// Connected reports whether the push channel is up.
func (a *App) Connected() bool { return a.hub.Connected() }

// Start connects the push channel, runs the reconciler, seeds presence and
// starts the optional resync schedule and metrics server. It returns once
// everything is launched.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	if a.cfg.Metrics.Enabled {
		if err := a.startMetrics(); err != nil {
			cancel()
			return err
		}
	}
	sched, err := resync.Start(ctx, a.cfg.Sync.ResyncCron, a.rec)
	if err != nil {
		cancel()
		return err
	}
	a.resync = sched
	a.cancel = cancel

	a.hub.Start(ctx)
	go func() {
		defer close(a.runDone)
		if err := a.rec.Run(ctx, a.hub.Events()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconcile_run_failed", "error", err)
		}
	}()
	go func() {
		select {
		case <-a.hub.Done():
			if err := a.hub.Err(); err != nil {
				a.fail(err)
			}
		case <-ctx.Done():
		}
	}()
	go a.seedPresence(ctx)

	a.setState("running")
	logger.Info("app_started", "user", a.UserID())
	return nil
}

// Resync re-fetches the newest page of the open conversation. With a resync
// schedule the run is counted and never overlaps a scheduled one.
func (a *App) Resync() error {
	if a.resync != nil {
		return a.resync.RunImmediate()
	}
	return a.rec.Refresh()
}

// ResyncRuns reports how many resync refreshes were issued.
func (a *App) ResyncRuns() int { return a.resync.Runs() }

// Run starts the app and blocks until ctx ends or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	return a.Wait(ctx)
}

// Wait blocks until ctx ends (nil) or the credential is rejected.
func (a *App) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-a.fatal:
		return err
	}
}

// Fatal delivers the first error that requires the user to sign in again.
func (a *App) Fatal() <-chan error { return a.fatal }

func (a *App) fail(err error) {
	a.fatalOnce.Do(func() {
		logger.Error("app_credential_rejected", "error", err)
		a.fatal <- err
	})
}

func (a *App) seedPresence(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()
	users, err := a.gw.Users(ctx)
	if err != nil {
		if gateway.IsAuth(err) {
			a.fail(err)
			return
		}
		logger.Warn("presence_seed_failed", "error", err)
		return
	}
	a.presence.Seed(users)
	logger.Info("presence_seeded", "users", len(users), "unread", a.presence.UnreadTotal())
}

func (a *App) setState(s string) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// State names the lifecycle phase: created, running, stopping or stopped.
func (a *App) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
