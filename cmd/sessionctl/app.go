package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jrsteele09/go-session-client/events"
	"github.com/jrsteele09/go-session-client/gate"
	"github.com/jrsteele09/go-session-client/httpclient"
	"github.com/jrsteele09/go-session-client/internal/config"
	"github.com/jrsteele09/go-session-client/internal/metrics"
	"github.com/jrsteele09/go-session-client/session"
	"github.com/jrsteele09/go-session-client/token/refresh"
	"github.com/jrsteele09/go-session-client/tokenstore"
	"github.com/jrsteele09/go-session-client/tokenstore/kv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app is every component of the client, wired once from configuration.
type app struct {
	cfg        *config.Config
	backend    kv.Storage
	store      *tokenstore.Store
	bus        *events.Bus
	metrics    *metrics.Collector
	client     *httpclient.Client
	refresher  *refresh.Service
	controller *session.Controller
	gate       *gate.Gate
	closers    []func() error
}

func newApp(cfg *config.Config) (*app, error) {
	backend, closer, err := newBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, backend: backend, bus: events.NewBus(), metrics: metrics.NewCollector()}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	a.store, err = tokenstore.NewFromConfig(backend, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("[newApp] %w", err)
	}

	clientOpts := []httpclient.Option{
		httpclient.WithBus(a.bus),
		httpclient.WithMetrics(a.metrics),
	}
	if cfg.API.Timeout > 0 {
		clientOpts = append(clientOpts, httpclient.WithTimeout(cfg.API.Timeout))
	}
	a.client = httpclient.New(cfg.API.BaseURL, a.store, clientOpts...)

	a.refresher = refresh.New(a.client, a.store,
		refresh.WithPath(cfg.API.RefreshPath),
		refresh.WithMetrics(a.metrics),
	)
	a.client.SetRefresher(a.refresher)

	controllerOpts := []session.Option{
		session.WithProfileStore(a.store),
		session.WithLoginPath(cfg.API.LoginPath),
		session.WithMetrics(a.metrics),
	}
	if cfg.Session.RestoreRefresh {
		controllerOpts = append(controllerOpts, session.WithRestoreRefresh(a.refresher))
	}
	a.controller = session.NewController(a.client, a.store, controllerOpts...)
	a.controller.Attach(a.bus)

	a.gate = gate.New(a.controller, a.store, a.refresher, gate.WithNoticeTTL(cfg.Session.ExpiredNoticeTTL))
	return a, nil
}

func newBackend(cfg config.StorageConfig) (kv.Storage, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return kv.NewInMemoryStorage(), nil, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		return kv.NewRedisStorage(client, cfg.RedisPrefix), client.Close, nil
	default:
		key, err := cfg.DecodeSealKey()
		if err != nil {
			return nil, nil, err
		}
		var opts []kv.FileOption
		if key != nil {
			opts = append(opts, kv.WithSealKey(key))
		}
		fs, err := kv.NewFileStorage(cfg.FilePath, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("[newBackend] %w", err)
		}
		return fs, nil, nil
	}
}

// restore settles the session state from storage before a command runs.
func (a *app) restore(ctx context.Context) session.State {
	a.controller.Restore(ctx)
	return a.controller.State()
}

func (a *app) Close() {
	a.controller.Detach()
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("app", cfg.AppName).Logger()
}
