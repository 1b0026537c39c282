package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/kiteexec/internal/config"
	"github.com/gregtusar/kiteexec/pkg/algo"
	"github.com/gregtusar/kiteexec/pkg/cancel"
	"github.com/gregtusar/kiteexec/pkg/integrity"
	"github.com/gregtusar/kiteexec/pkg/kite"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/ratelimit"
	"github.com/gregtusar/kiteexec/pkg/registry"
	"github.com/gregtusar/kiteexec/pkg/router"
	"github.com/gregtusar/kiteexec/pkg/triggers"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Engine is the one object every command and API handler works through. It
// owns the whole execution stack; nothing in the stack reaches for globals.
type Engine struct {
	Config    *config.Config
	Mode      models.ExecutionMode
	Broker    kite.Broker
	Limiter   *ratelimit.Limiter
	Registry  *registry.Registry
	Router    *router.Router
	Cancels   *cancel.Engine
	Jobs      *algo.Manager
	Triggers  *triggers.Manager
	Quotes    *kite.QuoteCache
	Ticker    *kite.Ticker
	Integrity integrity.Report

	store  registry.Store
	logger *logrus.Logger

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	group   *errgroup.Group
}

// PaperBookFile is the dry-run book's file name inside the database directory.
const PaperBookFile = "paper_book.json"

type options struct {
	broker kite.Broker
	store  registry.Store
	clock  ratelimit.Clock
}

type Option func(*options)

// WithBroker replaces the broker picked from the config.
func WithBroker(b kite.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithStore replaces the SQLite registry store.
func WithStore(s registry.Store) Option {
	return func(o *options) { o.store = s }
}

func WithClock(c ratelimit.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New builds the stack described by cfg. In dry-run mode orders go to a paper
// book kept beside the registry database; otherwise to the Kite REST API.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{Config: cfg, Mode: cfg.Mode(), logger: logger}

	e.Integrity = integrity.Check(integrity.Options{
		ConfigPath:         cfg.File,
		BaselinePath:       cfg.Integrity.BaselinePath,
		DryRun:             cfg.Trading.DryRun,
		MissingCredentials: cfg.MissingCredentials(),
	}, logger)

	e.Broker = o.broker
	if e.Broker == nil {
		if e.Mode == models.ModeSimulated {
			paper, err := openPaperBroker(cfg.Database.Path, logger)
			if err != nil {
				return nil, err
			}
			e.Broker = paper
		} else {
			if missing := cfg.MissingCredentials(); len(missing) > 0 {
				return nil, fmt.Errorf("live mode needs %s", strings.Join(missing, ", "))
			}
			e.Broker = kite.NewRESTClient(
				kite.NewTokenAuthenticator(cfg.Kite.APIKey, cfg.Kite.AccessToken),
				kite.ClientOptions{BaseURL: cfg.Kite.RootURL, Timeout: cfg.Kite.Timeout},
				logger,
			)
			e.Ticker = kite.NewTicker(cfg.Kite.WSURL, cfg.Kite.APIKey, cfg.Kite.AccessToken, logger)
		}
	}

	e.Quotes = kite.NewQuoteCache(e.Broker, 0)
	if e.Ticker != nil {
		e.Ticker.OnTick(e.Quotes.HandleTick)
	}

	limiter, err := ratelimit.NewOrderLimiter(o.clock, ratelimit.Limits{
		GlobalPerSecond:                cfg.RateLimits.GlobalPerSecond,
		PlacementsPerMinute:            cfg.RateLimits.PlacementsPerMinute,
		PlacementsPerDay:               cfg.RateLimits.PlacementsPerDay,
		ModificationsPerSecond:         cfg.RateLimits.ModificationsPerSecond,
		PerOrderModificationsPerMinute: cfg.RateLimits.PerOrderModificationsPerMinute,
	}, logger)
	if err != nil {
		return nil, err
	}
	e.Limiter = limiter

	e.store = o.store
	if e.store == nil {
		store, err := registry.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		e.store = store
	}

	e.Registry, err = registry.New(ctx, e.store, registry.Options{
		ModificationCap: cfg.Trading.ModificationCap,
		ProtectedRoles:  cfg.ProtectedRoles(),
	}, logger)
	if err != nil {
		e.store.Close()
		return nil, err
	}

	e.Router = router.New(e.Broker, e.Limiter, e.Registry, e.Mode, router.Options{
		MarketProtection: decimal.NewFromFloat(cfg.Trading.MarketProtection),
		Autoslice:        cfg.Trading.Autoslice,
		Retry: router.RetryOptions{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
	}, logger)

	e.Jobs, err = algo.NewManager(ctx, e.Router, e.Registry, e.Quotes, e.store, algo.Options{
		ChaseInterval:   cfg.Trading.ChaseInterval,
		ScaleInterval:   cfg.Trading.ScaleInterval,
		SwarmInterval:   cfg.Trading.SwarmInterval,
		PollInterval:    cfg.Trading.SyncInterval,
		DefaultTickSize: decimal.NewFromFloat(cfg.Trading.DefaultTickSize),
		DefaultExchange: cfg.Trading.DefaultExchange,
		DefaultProduct:  cfg.Trading.DefaultProduct,
	}, logger)
	if err != nil {
		e.store.Close()
		return nil, err
	}

	e.Cancels = cancel.NewEngine(e.Registry, e.Router, e.Jobs, logger)
	e.Triggers = triggers.NewManager(e.Broker, e.Limiter, e.Quotes, logger)

	logger.WithFields(logrus.Fields{
		"mode":      e.Mode,
		"orders":    len(e.Registry.Query(nil)),
		"integrity": e.Integrity.OK,
	}).Info("Engine ready")
	return e, nil
}

// openPaperBroker keeps the simulated book next to the registry so dry-run
// orders outlive the process that placed them.
func openPaperBroker(dbPath string, logger *logrus.Logger) (*kite.PaperBroker, error) {
	if dbPath == "" || strings.HasPrefix(dbPath, ":memory:") {
		return kite.NewPaperBroker(logger), nil
	}
	return kite.OpenPaperBroker(filepath.Join(filepath.Dir(dbPath), PaperBookFile), logger)
}

// Start reconciles the registry with the broker, then keeps it in sync in the
// background until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already started")
	}

	if _, err := e.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		e.syncLoop(gctx)
		return nil
	})
	if e.Ticker != nil {
		g.Go(func() error {
			e.Ticker.Run(gctx)
			return nil
		})
	}

	e.running = true
	e.stop = stop
	e.group = g
	e.logger.WithField("sync_interval", e.Config.Trading.SyncInterval.String()).Info("Engine started")
	return nil
}

// Reconcile pulls the broker's order book into the registry once.
func (e *Engine) Reconcile(ctx context.Context) (registry.ReconcileReport, error) {
	return e.Router.Sync(ctx)
}

func (e *Engine) syncLoop(ctx context.Context) {
	interval := e.Config.Trading.SyncInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Router.Sync(ctx); err != nil && ctx.Err() == nil {
				e.logger.WithError(err).Warn("Order sync failed")
			}
		}
	}
}

// Stop cancels running jobs, stops background loops and closes storage.
func (e *Engine) Stop(ctx context.Context) error {
	e.logger.Info("Stopping engine")

	var errs []error
	if err := e.Jobs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("jobs did not stop: %w", err))
	}

	e.mu.Lock()
	if e.running {
		e.stop()
		if err := e.group.Wait(); err != nil {
			errs = append(errs, err)
		}
		e.running = false
	}
	e.mu.Unlock()

	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RequireLive guards destructive live actions. Simulated runs always pass;
// live runs pass unless strict is set and the integrity check found issues.
func (e *Engine) RequireLive(strict bool) error {
	if e.Mode != models.ModeLive || !strict || e.Integrity.OK {
		return nil
	}
	if err := e.Integrity.Err(); err != nil {
		return err
	}
	return fmt.Errorf("integrity check failed: %s", strings.Join(e.Integrity.Issues, "; "))
}

// Subscribe streams last prices for instruments (token to EXCHANGE:SYMBOL)
// into the quote cache. It is a no-op in dry-run mode.
func (e *Engine) Subscribe(instruments map[uint32]string) error {
	if e.Ticker == nil {
		return nil
	}
	return e.Ticker.Subscribe(instruments)
}
