// Package app assembles a workspace's runtime: the record store, config,
// ledger, evidence pipeline and event relay shared by the CLI and server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"taskproof/internal/cache"
	"taskproof/internal/config"
	"taskproof/internal/db"
	"taskproof/internal/engine"
	"taskproof/internal/evidence"
	"taskproof/internal/ledger"
	"taskproof/internal/logging"
	"taskproof/internal/media"
	"taskproof/internal/migrate"
	"taskproof/internal/relay"
	"taskproof/internal/repo"
)

type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Log       *logrus.Logger
	Repo      repo.Repo
	Ledger    ledger.Local
	Engine    engine.Engine
	Relay     relay.Relay

	closers []io.Closer
}

type Options struct {
	Workspace string
	// DBFile overrides the workspace database location.
	DBFile string
	// Config overrides taskproof.yml when set.
	Config *config.Config
	// Offline skips the classifier, redis and broker connections. CLI
	// commands that never judge proof use it.
	Offline bool
}

// Open migrates the workspace database and wires every component from config.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, File: opts.DBFile})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: opts.Workspace, DB: conn, Config: cfg, Log: log, Repo: repo.Repo{DB: conn}}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt.Ledger = ledger.NewLocal(conn, cfg.Ledger, log)

	comparator, err := rt.comparator(ctx, opts.Offline)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Engine = engine.New(conn, cfg, rt.Ledger, comparator, log)
	if !opts.Offline {
		if rt.Engine.Cache, err = rt.statusCache(ctx); err != nil {
			rt.Close()
			return nil, err
		}
	}
	if rt.Relay, err = rt.relay(opts.Offline); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) comparator(ctx context.Context, offline bool) (evidence.Comparator, error) {
	cfg := rt.Config
	store, err := media.NewRouter(cfg.MediaOptions(rt.Workspace))
	if err != nil {
		return evidence.Comparator{}, err
	}
	c := evidence.Comparator{Media: store, Concurrency: cfg.Media.FetchConcurrency, Log: rt.Log}
	if offline || cfg.Classifier.Provider != config.ProviderVertex {
		return c, nil
	}
	vc, err := evidence.NewVertexClassifier(ctx, cfg.VertexOptions(), rt.Log)
	if err != nil {
		return evidence.Comparator{}, fmt.Errorf("classifier: %w", err)
	}
	rt.closers = append(rt.closers, vc)
	c.Classifier = evidence.NewBreakerClassifier(vc, cfg.BreakerSettings())
	return c, nil
}

func (rt *Runtime) statusCache(ctx context.Context) (cache.StatusCache, error) {
	if rt.Config.Cache.Provider != "redis" {
		return cache.NewMemory(), nil
	}
	rc, err := cache.NewRedis(ctx, rt.Config.Cache.Redis)
	if err != nil {
		return nil, fmt.Errorf("status cache: %w", err)
	}
	rt.closers = append(rt.closers, rc)
	return rc, nil
}

func (rt *Runtime) relay(offline bool) (relay.Relay, error) {
	cfg := rt.Config.Relay
	r := relay.Relay{Repo: rt.Repo, Interval: cfg.Interval, Log: rt.Log, Now: time.Now}
	for _, hook := range rt.Config.EnabledWebhooks() {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		r.Subscriptions = append(r.Subscriptions, relay.Subscription{
			Sink:      relay.NewWebhook(hook.ID, hook.URL, hook.Secret, timeout),
			Events:    hook.Events,
			FromStart: hook.FromStart,
		})
	}
	if offline || cfg.AMQP.URL == "" {
		return r, nil
	}
	broker, err := relay.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		return relay.Relay{}, fmt.Errorf("relay amqp: %w", err)
	}
	rt.closers = append(rt.closers, broker)
	r.Subscriptions = append(r.Subscriptions, relay.Subscription{Sink: broker, Events: cfg.AMQP.Events, FromStart: cfg.AMQP.FromStart})
	return r, nil
}

// Close releases connections in reverse order of opening.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i].Close())
	}
	rt.closers = nil
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	return errors.Join(errs...)
}
