package algo

import (
	"context"
	"io"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/kiteexec/pkg/kite"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/ratelimit"
	"github.com/gregtusar/kiteexec/pkg/registry"
	"github.com/gregtusar/kiteexec/pkg/router"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// scriptedBroker rejects placements from a queue before delegating to the
// paper book, and counts calls.
type scriptedBroker struct {
	*kite.PaperBroker

	mu          sync.Mutex
	placeErrs   []error
	placeCalls  int
	modifyCalls int
}

func (b *scriptedBroker) PlaceOrder(ctx context.Context, req *models.OrderRequest) (string, error) {
	b.mu.Lock()
	b.placeCalls++
	if len(b.placeErrs) > 0 {
		err := b.placeErrs[0]
		b.placeErrs = b.placeErrs[1:]
		b.mu.Unlock()
		if err != nil {
			return "", err
		}
		return b.PaperBroker.PlaceOrder(ctx, req)
	}
	b.mu.Unlock()
	return b.PaperBroker.PlaceOrder(ctx, req)
}

func (b *scriptedBroker) ModifyOrder(ctx context.Context, variety, id string, u models.OrderUpdate) error {
	b.mu.Lock()
	b.modifyCalls++
	b.mu.Unlock()
	return b.PaperBroker.ModifyOrder(ctx, variety, id, u)
}

func (b *scriptedBroker) calls() (place, modify int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placeCalls, b.modifyCalls
}

type fixedQuotes struct{ price decimal.Decimal }

func (f fixedQuotes) LastPrice(context.Context, string, string) (decimal.Decimal, error) {
	return f.price, nil
}

type harness struct {
	broker   *scriptedBroker
	registry *registry.Registry
	router   *router.Router
	manager  *Manager
	store    registry.Store
}

type harnessConfig struct {
	cap    int
	quotes QuoteSource
	opts   Options
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	logger := quietLogger()
	if cfg.cap == 0 {
		cfg.cap = 25
	}

	store, err := registry.OpenSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg, err := registry.New(context.Background(), store, registry.Options{ModificationCap: cfg.cap}, logger)
	require.NoError(t, err)

	limiter, err := ratelimit.NewOrderLimiter(nil, ratelimit.Limits{
		GlobalPerSecond:                1000,
		PlacementsPerMinute:            1000,
		PlacementsPerDay:               10000,
		ModificationsPerSecond:         1000,
		PerOrderModificationsPerMinute: 1000,
	}, logger)
	require.NoError(t, err)

	broker := &scriptedBroker{PaperBroker: kite.NewPaperBroker(logger)}
	rt := router.New(broker, limiter, reg, models.ModeSimulated, router.Options{
		Retry: router.RetryOptions{MaxAttempts: 2, InitialInterval: time.Millisecond},
	}, logger)

	opts := cfg.opts
	if opts.ChaseInterval == 0 {
		opts.ChaseInterval = time.Millisecond
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.DefaultExchange == "" {
		opts.DefaultExchange = "NSE"
	}
	if opts.DefaultProduct == "" {
		opts.DefaultProduct = "CNC"
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(7, 11))
	}

	m, err := NewManager(context.Background(), rt, reg, cfg.quotes, store, opts, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	return &harness{broker: broker, registry: reg, router: rt, manager: m, store: store}
}

// wait blocks until the job ends, failing the test after a few seconds.
func (h *harness) wait(t *testing.T, jobID string) *models.AlgoJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := h.manager.Wait(ctx, jobID)
	require.NoError(t, err)
	return job
}

// awaitChildren blocks until the job has recorded n child orders.
func (h *harness) awaitChildren(t *testing.T, jobID string, n int) []string {
	t.Helper()
	var children []string
	require.Eventually(t, func() bool {
		job, err := h.manager.Status(jobID)
		if err != nil {
			return false
		}
		children = job.ChildOrderIDs
		return len(children) >= n
	}, 5*time.Second, time.Millisecond)
	return children
}

// fillAll fills every working child at the broker and syncs the registry.
func (h *harness) fillAll(t *testing.T, ids []string) {
	t.Helper()
	for _, id := range ids {
		order, err := h.registry.Get(id)
		require.NoError(t, err)
		if order.Status.IsActive() {
			require.NoError(t, h.broker.Fill(id, order.Price))
		}
	}
	_, err := h.router.Sync(context.Background())
	require.NoError(t, err)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }
