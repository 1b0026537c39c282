package router

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/kiteexec/pkg/kite"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/ratelimit"
	"github.com/gregtusar/kiteexec/pkg/registry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBroker fails calls from a script before delegating to the paper book.
type flakyBroker struct {
	*kite.PaperBroker

	mu sync.Mutex
	// lostAcks places the order but reports a transient failure, as when the
	// response is lost after the broker accepted the request
	lostAcks    int
	placeErrs   []error
	modifyErrs  []error
	cancelErrs  []error
	placeCalls  int
	modifyCalls int
	cancelCalls int
	lastPlace   models.OrderRequest
}

func (f *flakyBroker) PlaceOrder(ctx context.Context, req *models.OrderRequest) (string, error) {
	f.mu.Lock()
	f.placeCalls++
	f.lastPlace = *req
	if f.lostAcks > 0 {
		f.lostAcks--
		f.mu.Unlock()
		if _, err := f.PaperBroker.PlaceOrder(ctx, req); err != nil {
			return "", err
		}
		return "", models.NewTransient(502, "bad gateway")
	}
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		f.mu.Unlock()
		return "", err
	}
	f.mu.Unlock()
	return f.PaperBroker.PlaceOrder(ctx, req)
}

func (f *flakyBroker) ModifyOrder(ctx context.Context, variety, id string, u models.OrderUpdate) error {
	f.mu.Lock()
	f.modifyCalls++
	if len(f.modifyErrs) > 0 {
		err := f.modifyErrs[0]
		f.modifyErrs = f.modifyErrs[1:]
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return f.PaperBroker.ModifyOrder(ctx, variety, id, u)
}

func (f *flakyBroker) CancelOrder(ctx context.Context, variety, id string) error {
	f.mu.Lock()
	f.cancelCalls++
	if len(f.cancelErrs) > 0 {
		err := f.cancelErrs[0]
		f.cancelErrs = f.cancelErrs[1:]
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return f.PaperBroker.CancelOrder(ctx, variety, id)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestRouter(t *testing.T, modificationCap int) (*Router, *flakyBroker) {
	t.Helper()
	logger := quietLogger()

	store, err := registry.OpenSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg, err := registry.New(context.Background(), store, registry.Options{ModificationCap: modificationCap}, logger)
	require.NoError(t, err)

	limiter, err := ratelimit.NewOrderLimiter(nil, ratelimit.Limits{
		GlobalPerSecond:                1000,
		PlacementsPerMinute:            1000,
		PlacementsPerDay:               10000,
		ModificationsPerSecond:         1000,
		PerOrderModificationsPerMinute: 1000,
	}, logger)
	require.NoError(t, err)

	broker := &flakyBroker{PaperBroker: kite.NewPaperBroker(logger)}
	r := New(broker, limiter, reg, models.ModeSimulated, Options{
		MarketProtection: decimal.RequireFromString("2.5"),
		Retry:            RetryOptions{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}, logger)
	return r, broker
}

func infyLimit(price string) models.OrderRequest {
	return models.OrderRequest{
		Symbol:   "INFY",
		Exchange: "NSE",
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeLimit,
		Quantity: 5,
		Price:    decimal.RequireFromString(price),
		Product:  "CNC",
	}
}

func TestPlace_RecordsOpenOrder(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	ctx := context.Background()

	req := infyLimit("995")
	req.Role = models.RoleStopLoss
	req.Group = "ladder-1"
	res, err := r.Place(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.ModeSimulated, res.Mode)
	assert.Equal(t, models.OrderStatusOpen, res.Status)
	assert.Equal(t, 1, broker.placeCalls)

	order, err := r.Registry().Get(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, order.Status)
	assert.Equal(t, "ladder-1", order.Group)
	assert.True(t, order.Protected, "stop-loss is protected by default")

	// no placeholder left behind
	assert.Len(t, r.Registry().Query(nil), 1)
	assert.Len(t, r.History(10), 1)
}

func TestPlace_ProtectionOverride(t *testing.T) {
	r, _ := newTestRouter(t, 25)
	req := infyLimit("995")
	req.Role = models.RoleHedge
	off := false
	req.Protected = &off

	res, err := r.Place(context.Background(), req)
	require.NoError(t, err)
	order, _ := r.Registry().Get(res.OrderID)
	assert.False(t, order.Protected)
}

func TestPlace_RejectionIsNotRetried(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	broker.placeErrs = []error{models.NewRejection(400, "Markets are closed right now.")}

	res, err := r.Place(context.Background(), infyLimit("995"))
	require.ErrorIs(t, err, models.ErrBrokerRejection)
	assert.Equal(t, 1, broker.placeCalls)
	assert.Equal(t, models.OrderStatusRejected, res.Status)
	assert.Equal(t, "Markets are closed right now.", res.Reason)

	order, err := r.Registry().Get(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, order.Status)
	assert.Equal(t, "Markets are closed right now.", order.Reason)
}

func TestPlace_ResendsWhenBrokerNeverSawTheOrder(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	broker.placeErrs = []error{models.NewTransient(502, "bad gateway")}

	res, err := r.Place(context.Background(), infyLimit("995"))
	require.NoError(t, err)
	assert.Equal(t, 2, broker.placeCalls)
	assert.Equal(t, models.OrderStatusOpen, res.Status)

	orders, err := broker.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestPlace_LostAckIsAdoptedNotResent(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	broker.lostAcks = 1
	ctx := context.Background()

	req := infyLimit("995")
	req.Role = models.RoleStopLoss
	res, err := r.Place(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, broker.placeCalls, "an accepted order is never sent twice")

	orders, err := broker.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, orders[0].OrderID, res.OrderID)
	assert.Equal(t, models.OrderStatusOpen, res.Status)

	tag := broker.lastPlace.Tag
	assert.NotEmpty(t, tag)
	assert.LessOrEqual(t, len(tag), maxTagLength)

	order, err := r.Registry().Get(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, tag, order.Tag)
	assert.Equal(t, models.RoleStopLoss, order.Role)
	assert.True(t, order.Protected)
	assert.Len(t, r.Registry().Query(nil), 1)
}

func TestPlace_LostAckOnLastAttemptIsAdopted(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	r.opts.Retry.MaxAttempts = 1
	broker.lostAcks = 1

	res, err := r.Place(context.Background(), infyLimit("995"))
	require.NoError(t, err)
	assert.Equal(t, 1, broker.placeCalls)
	assert.Equal(t, models.OrderStatusOpen, res.Status)
	assert.Len(t, r.Registry().Query(nil), 1)
}

// syncingBroker runs a registry sync after the broker accepts an order and
// before the router sees the acknowledgement.
type syncingBroker struct {
	*kite.PaperBroker
	router  *Router
	untag   bool
	syncErr error
}

func (b *syncingBroker) PlaceOrder(ctx context.Context, req *models.OrderRequest) (string, error) {
	stripped := *req
	if b.untag {
		stripped.Tag = ""
	}
	id, err := b.PaperBroker.PlaceOrder(ctx, &stripped)
	if err != nil {
		return "", err
	}
	_, b.syncErr = b.router.Sync(ctx)
	return id, nil
}

func TestPlace_SyncDuringPlacementKeepsMetadata(t *testing.T) {
	for _, untag := range []bool{false, true} {
		r, _ := newTestRouter(t, 25)
		broker := &syncingBroker{PaperBroker: kite.NewPaperBroker(quietLogger()), router: r, untag: untag}
		r.broker = broker

		req := infyLimit("995")
		req.Role = models.RoleStopLoss
		req.StrategyID = "s1"
		res, err := r.Place(context.Background(), req)
		require.NoError(t, err, "untagged=%v", untag)
		require.NoError(t, broker.syncErr)
		assert.Equal(t, models.OrderStatusOpen, res.Status)

		all := r.Registry().Query(nil)
		require.Len(t, all, 1, "untagged=%v", untag)
		got := all[0]
		assert.Equal(t, res.OrderID, got.OrderID)
		assert.Equal(t, models.OrderStatusOpen, got.Status)
		assert.Equal(t, models.RoleStopLoss, got.Role)
		assert.True(t, got.Protected)
		assert.Equal(t, "s1", got.StrategyID)
	}
}

func TestPlace_TransientExhaustedIsRecorded(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	for i := 0; i < 5; i++ {
		broker.placeErrs = append(broker.placeErrs, models.NewTransient(503, "unavailable"))
	}

	res, err := r.Place(context.Background(), infyLimit("995"))
	require.ErrorIs(t, err, models.ErrTransient)
	assert.Equal(t, 3, broker.placeCalls)

	order, err := r.Registry().Get(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, order.Status)
	assert.Equal(t, "unavailable", order.Reason)
}

func TestPlace_ValidationNeverReachesBroker(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	req := infyLimit("0")
	_, err := r.Place(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrBrokerRejection)
	assert.Zero(t, broker.placeCalls)
	assert.Empty(t, r.Registry().Query(nil))
}

func TestPlace_GuardrailsOnMarketOrders(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	r.opts.Autoslice = true

	req := infyLimit("0")
	req.Type = models.OrderTypeMarket
	_, err := r.Place(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, broker.lastPlace.MarketProtection.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, broker.lastPlace.Autoslice)

	_, err = r.Place(context.Background(), infyLimit("995"))
	require.NoError(t, err)
	assert.True(t, broker.lastPlace.MarketProtection.IsZero(), "limit orders carry no protection band")
}

func TestModify_StopsAtCap(t *testing.T) {
	r, broker := newTestRouter(t, 2)
	ctx := context.Background()
	res, err := r.Place(ctx, infyLimit("995"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		price := decimal.RequireFromString("995").Add(decimal.NewFromInt(int64(i + 1)))
		mod, err := r.Modify(ctx, res.OrderID, models.OrderUpdate{Price: &price})
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusModified, mod.Status)
	}

	price := decimal.RequireFromString("999")
	_, err = r.Modify(ctx, res.OrderID, models.OrderUpdate{Price: &price})
	assert.ErrorIs(t, err, models.ErrCapExceeded)
	assert.Equal(t, 2, broker.modifyCalls)

	order, _ := r.Registry().Get(res.OrderID)
	assert.Equal(t, 2, order.ModificationCount)
	assert.True(t, order.Price.Equal(decimal.RequireFromString("997")))
}

func TestModify_FailureKeepsOrderLive(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	ctx := context.Background()
	res, err := r.Place(ctx, infyLimit("995"))
	require.NoError(t, err)

	broker.modifyErrs = []error{models.NewRejection(400, "Price out of range")}
	price := decimal.RequireFromString("2000")
	_, err = r.Modify(ctx, res.OrderID, models.OrderUpdate{Price: &price})
	require.ErrorIs(t, err, models.ErrBrokerRejection)

	order, _ := r.Registry().Get(res.OrderID)
	assert.Equal(t, models.OrderStatusOpen, order.Status)
	assert.Contains(t, order.Reason, "Price out of range")
	assert.True(t, order.Price.Equal(decimal.RequireFromString("995")))
}

func TestModify_RejectedAmendmentGivesSlotBack(t *testing.T) {
	r, broker := newTestRouter(t, 1)
	ctx := context.Background()
	res, err := r.Place(ctx, infyLimit("995"))
	require.NoError(t, err)

	broker.modifyErrs = []error{models.NewRejection(400, "Price out of range")}
	price := decimal.RequireFromString("2000")
	_, err = r.Modify(ctx, res.OrderID, models.OrderUpdate{Price: &price})
	require.ErrorIs(t, err, models.ErrBrokerRejection)
	order, _ := r.Registry().Get(res.OrderID)
	assert.Zero(t, order.ModificationCount)

	price = decimal.RequireFromString("996")
	_, err = r.Modify(ctx, res.OrderID, models.OrderUpdate{Price: &price})
	require.NoError(t, err)
	order, _ = r.Registry().Get(res.OrderID)
	assert.Equal(t, 1, order.ModificationCount)
}

func TestModify_TransientFailureKeepsSlot(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	r.opts.Retry.MaxAttempts = 1
	ctx := context.Background()
	res, err := r.Place(ctx, infyLimit("995"))
	require.NoError(t, err)

	broker.modifyErrs = []error{models.NewTransient(504, "gateway timeout")}
	price := decimal.RequireFromString("996")
	_, err = r.Modify(ctx, res.OrderID, models.OrderUpdate{Price: &price})
	require.ErrorIs(t, err, models.ErrTransient)
	order, _ := r.Registry().Get(res.OrderID)
	assert.Equal(t, 1, order.ModificationCount, "the broker may have applied it")
}

func TestModify_ClosedOrder(t *testing.T) {
	r, _ := newTestRouter(t, 25)
	ctx := context.Background()
	res, err := r.Place(ctx, infyLimit("995"))
	require.NoError(t, err)
	_, err = r.Cancel(ctx, res.OrderID)
	require.NoError(t, err)

	price := decimal.RequireFromString("996")
	_, err = r.Modify(ctx, res.OrderID, models.OrderUpdate{Price: &price})
	assert.ErrorIs(t, err, models.ErrOrderClosed)
}

func TestCancel_Idempotent(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	ctx := context.Background()
	res, err := r.Place(ctx, infyLimit("995"))
	require.NoError(t, err)

	first, err := r.Cancel(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, first.Status)

	second, err := r.Cancel(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, second.Status)
	assert.Equal(t, 1, broker.cancelCalls)

	_, err = r.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

func TestCancel_FailureKeepsOrderLive(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	res, err := r.Place(context.Background(), infyLimit("995"))
	require.NoError(t, err)

	broker.cancelErrs = []error{models.NewRejection(400, "Order cannot be cancelled")}
	_, err = r.Cancel(context.Background(), res.OrderID)
	require.Error(t, err)

	order, _ := r.Registry().Get(res.OrderID)
	assert.Equal(t, models.OrderStatusOpen, order.Status)
	assert.Equal(t, "cancel failed: Order cannot be cancelled", order.Reason)
}

func TestSync_AppliesFills(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	ctx := context.Background()
	res, err := r.Place(ctx, infyLimit("995"))
	require.NoError(t, err)

	require.NoError(t, broker.Fill(res.OrderID, decimal.RequireFromString("995")))
	report, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{res.OrderID}, report.Updated)

	order, _ := r.Registry().Get(res.OrderID)
	assert.Equal(t, models.OrderStatusFilled, order.Status)
}

func TestClosePosition(t *testing.T) {
	r, broker := newTestRouter(t, 25)
	ctx := context.Background()

	_, err := r.ClosePosition(ctx, models.Position{Symbol: "INFY", Exchange: "NSE", Product: "CNC", Quantity: -7})
	require.NoError(t, err)
	assert.Equal(t, models.OrderSideBuy, broker.lastPlace.Side)
	assert.Equal(t, 7, broker.lastPlace.Quantity)
	assert.Equal(t, models.OrderTypeMarket, broker.lastPlace.Type)
	assert.False(t, broker.lastPlace.MarketProtection.IsZero())

	_, err = r.ClosePosition(ctx, models.Position{Symbol: "INFY", Exchange: "NSE"})
	assert.Error(t, err)
}

func TestHistory_KeepsLastFiveHundred(t *testing.T) {
	r, _ := newTestRouter(t, 25)
	for i := 0; i < historySize+5; i++ {
		r.record(models.OrderRequest{Quantity: i}, Result{OrderID: "x", Mode: models.ModeSimulated})
	}
	all := r.History(0)
	require.Len(t, all, historySize)
	assert.Equal(t, 5, all[0].Request.Quantity)
	assert.Equal(t, historySize+4, all[len(all)-1].Request.Quantity)

	recent := r.History(2)
	require.Len(t, recent, 2)
	assert.Equal(t, historySize+3, recent[0].Request.Quantity)
}

// clockedBroker records the clock time of every order call.
type clockedBroker struct {
	*kite.PaperBroker
	clock ratelimit.Clock

	mu    sync.Mutex
	calls []time.Time
}

func (b *clockedBroker) stamp() {
	b.mu.Lock()
	b.calls = append(b.calls, b.clock.Now())
	b.mu.Unlock()
}

func (b *clockedBroker) PlaceOrder(ctx context.Context, req *models.OrderRequest) (string, error) {
	b.stamp()
	return b.PaperBroker.PlaceOrder(ctx, req)
}

func (b *clockedBroker) ModifyOrder(ctx context.Context, variety, id string, u models.OrderUpdate) error {
	b.stamp()
	return b.PaperBroker.ModifyOrder(ctx, variety, id, u)
}

func (b *clockedBroker) CancelOrder(ctx context.Context, variety, id string) error {
	b.stamp()
	return b.PaperBroker.CancelOrder(ctx, variety, id)
}

func (b *clockedBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// busiestSecond is the most calls that fell inside any one-second window.
func (b *clockedBroker) busiestSecond() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	most := 0
	for i, start := range b.calls {
		n := 0
		for _, at := range b.calls[i:] {
			if at.Sub(start) < time.Second {
				n++
			}
		}
		most = max(most, n)
	}
	return most
}

func TestPlace_GlobalAdmissionIsTakenLast(t *testing.T) {
	logger := quietLogger()
	clock := ratelimit.NewManualClock(time.Date(2024, 6, 21, 9, 15, 0, 0, time.UTC))
	limiter, err := ratelimit.NewOrderLimiter(clock, ratelimit.Limits{
		GlobalPerSecond:                2,
		PlacementsPerMinute:            1,
		PlacementsPerDay:               100,
		ModificationsPerSecond:         10,
		PerOrderModificationsPerMinute: 10,
	}, logger)
	require.NoError(t, err)
	reg, err := registry.New(context.Background(), nil, registry.Options{ModificationCap: 25, Now: clock.Now}, logger)
	require.NoError(t, err)
	broker := &clockedBroker{PaperBroker: kite.NewPaperBroker(logger), clock: clock}
	r := New(broker, limiter, reg, models.ModeSimulated, Options{Now: clock.Now}, logger)
	ctx := context.Background()

	first, err := r.Place(ctx, infyLimit("995"))
	require.NoError(t, err)

	// the second placement waits a minute for the placement window
	second := make(chan Result, 1)
	go func() {
		res, err := r.Place(ctx, infyLimit("990"))
		if err == nil {
			second <- res
		}
	}()
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	clock.Advance(time.Minute)

	var placed Result
	select {
	case placed = <-second:
	case <-time.After(time.Second):
		t.Fatal("second placement was not admitted")
	}

	// one global slot is left in this second
	price := decimal.RequireFromString("996")
	_, err = r.Modify(ctx, first.OrderID, models.OrderUpdate{Price: &price})
	require.NoError(t, err)

	cancelled := make(chan error, 1)
	go func() {
		_, err := r.Cancel(ctx, placed.OrderID)
		cancelled <- err
	}()
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, broker.callCount(), "cancel must wait for the next second")

	clock.Advance(time.Second)
	select {
	case err := <-cancelled:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancel was not admitted")
	}
	assert.Equal(t, 4, broker.callCount())
	assert.LessOrEqual(t, broker.busiestSecond(), 2)
}
