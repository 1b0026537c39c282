package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gregtusar/kiteexec/pkg/kite"
	"github.com/gregtusar/kiteexec/pkg/metrics"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/ratelimit"
	"github.com/gregtusar/kiteexec/pkg/registry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	historySize = 500
	// Kite accepts tags of up to 20 characters.
	maxTagLength  = 20
	lookupTimeout = 10 * time.Second
)

type RetryOptions struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Options struct {
	MarketProtection decimal.Decimal
	Autoslice        bool
	Retry            RetryOptions
	Now              func() time.Time
}

// Result is what every router call reports back to its caller.
type Result struct {
	OrderID string               `json:"order_id"`
	Status  models.OrderStatus   `json:"status"`
	Mode    models.ExecutionMode `json:"mode"`
	Reason  string               `json:"reason,omitempty"`
}

// Router sends order intents to the broker. Every call is admitted by the rate
// limiter first and every outcome, success or failure, lands in the registry.
type Router struct {
	broker   kite.Broker
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	mode     models.ExecutionMode
	opts     Options
	logger   *logrus.Logger

	mu      sync.Mutex
	history []models.ExecutionRecord
}

func New(broker kite.Broker, limiter *ratelimit.Limiter, reg *registry.Registry, mode models.ExecutionMode, opts Options, logger *logrus.Logger) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	return &Router{
		broker:   broker,
		limiter:  limiter,
		registry: reg,
		mode:     mode,
		opts:     opts,
		logger:   logger,
	}
}

func (r *Router) Mode() models.ExecutionMode { return r.mode }

func (r *Router) Registry() *registry.Registry { return r.registry }

// Place submits a new order. A pending record is written before the broker is
// called and is renamed to the broker's id once acknowledged; on failure it
// stays under its local id with status rejected and the broker's reason.
// Every placement carries a unique tag so a request whose response was lost
// is found in the broker's book instead of being sent twice.
func (r *Router) Place(ctx context.Context, req models.OrderRequest) (Result, error) {
	if err := validate(&req); err != nil {
		return Result{Mode: r.mode, Status: models.OrderStatusRejected, Reason: err.Error()}, err
	}
	r.applyGuardrails(&req)

	if err := r.admitPlacement(ctx); err != nil {
		return Result{Mode: r.mode}, err
	}

	role := req.Role
	if role == "" {
		role = models.RoleUnspecified
	}
	protected := r.registry.DefaultProtected(role)
	if req.Protected != nil {
		protected = *req.Protected
	}

	key := strings.ReplaceAll(uuid.NewString(), "-", "")
	localID := registry.PlaceholderPrefix + key
	req.Tag = key[:maxTagLength]
	pending := &models.Order{
		OrderID:      localID,
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Product:      req.Product,
		Variety:      kite.Variety(req.Variety),
		Validity:     req.Validity,
		Tag:          req.Tag,
		Status:       models.OrderStatusPending,
		Role:         role,
		Group:        req.Group,
		StrategyID:   req.StrategyID,
		Protected:    protected,
		ParentJobID:  req.ParentJobID,
	}
	if err := r.registry.Upsert(ctx, pending); err != nil {
		return Result{Mode: r.mode}, fmt.Errorf("failed to record pending order: %w", err)
	}

	orderID, callErr := r.submit(ctx, &req)

	// outcomes are recorded even if the caller has given up
	ctx = context.WithoutCancel(ctx)
	result := Result{Mode: r.mode}
	if callErr != nil {
		reason := models.RejectionReason(callErr)
		if _, err := r.registry.Update(ctx, localID, func(o *models.Order) {
			o.Status = models.OrderStatusRejected
			o.Reason = reason
		}); err != nil {
			r.logger.WithError(err).WithField("order_id", localID).Error("Failed to record rejected order")
		}
		result.OrderID = localID
		result.Status = models.OrderStatusRejected
		result.Reason = reason
		r.observe("place", callErr)
		r.record(req, result)
		r.logger.WithFields(logrus.Fields{
			"symbol": req.Symbol,
			"side":   req.Side,
			"mode":   r.mode,
			"reason": reason,
		}).Warn("Order placement failed")
		return result, callErr
	}

	// a sync during the call may already have adopted the placeholder
	if err := r.registry.Rename(ctx, localID, orderID); err != nil {
		return Result{Mode: r.mode, OrderID: orderID}, fmt.Errorf("order %s placed but not recorded: %w", orderID, err)
	}
	recorded, err := r.registry.Update(ctx, orderID, func(o *models.Order) {
		if o.Status == models.OrderStatusPending {
			o.Status = models.OrderStatusOpen
		}
	})
	if err != nil {
		return Result{Mode: r.mode, OrderID: orderID}, err
	}

	result.OrderID = orderID
	result.Status = recorded.Status
	r.observe("place", nil)
	r.record(req, result)
	r.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"symbol":   req.Symbol,
		"side":     req.Side,
		"quantity": req.Quantity,
		"price":    req.Price.String(),
		"mode":     r.mode,
	}).Info("Order placed")
	return result, nil
}

// submit sends req, retrying transient failures. A transient failure may hide
// an order the broker did accept, so before any resend, and once more after
// the last failure, the broker's book is searched for req.Tag and a match is
// taken as the placement's result.
func (r *Router) submit(ctx context.Context, req *models.OrderRequest) (string, error) {
	sent := false
	orderID, err := retry(ctx, r.opts.Retry, r.logger, "place", func() (string, error) {
		if sent {
			found, err := r.findTagged(ctx, req.Tag)
			if err != nil || found != "" {
				return found, err
			}
			if err := r.admitPlacement(ctx); err != nil {
				return "", err
			}
		}
		sent = true
		return r.broker.PlaceOrder(ctx, req)
	})
	if err == nil || !sent || errors.Is(err, models.ErrBrokerRejection) {
		return orderID, err
	}

	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()
	found, lookupErr := r.findTagged(lookupCtx, req.Tag)
	if lookupErr != nil {
		r.logger.WithError(lookupErr).WithField("tag", req.Tag).Warn("Could not check broker for an unacknowledged order")
		return "", err
	}
	if found != "" {
		return found, nil
	}
	return "", err
}

// findTagged returns the id of the broker order carrying tag, or "" if none.
func (r *Router) findTagged(ctx context.Context, tag string) (string, error) {
	if err := r.limiter.Acquire(ctx, ratelimit.ScopeGlobal, 1); err != nil {
		return "", err
	}
	orders, err := r.broker.ListOrders(ctx)
	if err != nil {
		return "", err
	}
	for _, o := range orders {
		if o.Tag == tag {
			r.logger.WithFields(logrus.Fields{
				"order_id": o.OrderID,
				"tag":      tag,
			}).Info("Adopting order the broker accepted without acknowledging")
			return o.OrderID, nil
		}
	}
	return "", nil
}

// admitPlacement waits on the placement windows first and the global window
// last, so the global admission is stamped right before the call goes out.
func (r *Router) admitPlacement(ctx context.Context) error {
	return r.limiter.AcquireAll(ctx,
		ratelimit.Request{Scope: ratelimit.ScopePlacementMinute},
		ratelimit.Request{Scope: ratelimit.ScopePlacementDay},
		ratelimit.Request{Scope: ratelimit.ScopeGlobal},
	)
}

// Modify amends a live order. The registry must grant a modification slot
// first, so an order at its cap is never sent another amendment.
func (r *Router) Modify(ctx context.Context, orderID string, update models.OrderUpdate) (Result, error) {
	order, err := r.registry.Get(orderID)
	if err != nil {
		return Result{Mode: r.mode, OrderID: orderID}, err
	}
	if !order.Status.IsActive() {
		return Result{Mode: r.mode, OrderID: orderID, Status: order.Status},
			fmt.Errorf("%w: %s is %s", models.ErrOrderClosed, orderID, order.Status)
	}

	if _, err := r.registry.RecordModification(ctx, orderID); err != nil {
		r.observe("modify", err)
		return Result{Mode: r.mode, OrderID: orderID, Status: order.Status, Reason: err.Error()}, err
	}

	err = r.limiter.AcquireAll(ctx,
		ratelimit.Request{Scope: ratelimit.FamilyOrderModify, Key: orderID},
		ratelimit.Request{Scope: ratelimit.ScopeModify},
		ratelimit.Request{Scope: ratelimit.ScopeGlobal},
	)
	if err != nil {
		r.releaseModification(orderID)
		return Result{Mode: r.mode, OrderID: orderID, Status: order.Status}, err
	}

	_, callErr := retry(ctx, r.opts.Retry, r.logger, "modify", func() (struct{}, error) {
		return struct{}{}, r.broker.ModifyOrder(ctx, order.Variety, orderID, update)
	})
	ctx = context.WithoutCancel(ctx)
	if callErr != nil {
		reason := models.RejectionReason(callErr)
		// a rejected amendment was never applied; a transient one may have been
		if errors.Is(callErr, models.ErrBrokerRejection) {
			r.releaseModification(orderID)
		}
		// the order itself is still live at the broker
		updated, err := r.registry.Update(ctx, orderID, func(o *models.Order) {
			o.Reason = "modify failed: " + reason
		})
		if err != nil {
			r.logger.WithError(err).WithField("order_id", orderID).Error("Failed to record modify failure")
			updated = order
		}
		r.observe("modify", callErr)
		return Result{Mode: r.mode, OrderID: orderID, Status: updated.Status, Reason: reason}, callErr
	}

	updated, err := r.registry.Update(ctx, orderID, func(o *models.Order) {
		applyUpdate(o, update)
		// a sync may have seen the order end while the call was in flight
		if o.Status.IsActive() {
			o.Status = models.OrderStatusModified
		}
		o.Reason = ""
	})
	if err != nil {
		return Result{Mode: r.mode, OrderID: orderID}, err
	}
	r.observe("modify", nil)
	r.logger.WithFields(logrus.Fields{
		"order_id":      orderID,
		"price":         updated.Price.String(),
		"modifications": updated.ModificationCount,
		"mode":          r.mode,
	}).Debug("Order modified")
	return Result{Mode: r.mode, OrderID: orderID, Status: updated.Status}, nil
}

func (r *Router) releaseModification(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if err := r.registry.ReleaseModification(ctx, orderID); err != nil {
		r.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to return modification slot")
	}
}

// Cancel cancels an order. Cancelling an order that is already terminal
// succeeds without calling the broker.
func (r *Router) Cancel(ctx context.Context, orderID string) (Result, error) {
	order, err := r.registry.Get(orderID)
	if err != nil {
		return Result{Mode: r.mode, OrderID: orderID}, err
	}
	if order.Status.IsTerminal() {
		return Result{Mode: r.mode, OrderID: orderID, Status: order.Status}, nil
	}

	if err := r.limiter.Acquire(ctx, ratelimit.ScopeGlobal, 1); err != nil {
		return Result{Mode: r.mode, OrderID: orderID, Status: order.Status}, err
	}

	_, callErr := retry(ctx, r.opts.Retry, r.logger, "cancel", func() (struct{}, error) {
		return struct{}{}, r.broker.CancelOrder(ctx, order.Variety, orderID)
	})
	ctx = context.WithoutCancel(ctx)
	if callErr != nil {
		reason := models.RejectionReason(callErr)
		if _, err := r.registry.Update(ctx, orderID, func(o *models.Order) {
			o.Reason = "cancel failed: " + reason
		}); err != nil {
			r.logger.WithError(err).WithField("order_id", orderID).Error("Failed to record cancel failure")
		}
		r.observe("cancel", callErr)
		return Result{Mode: r.mode, OrderID: orderID, Status: order.Status, Reason: reason}, callErr
	}

	if _, err := r.registry.Update(ctx, orderID, func(o *models.Order) {
		o.Status = models.OrderStatusCancelled
	}); err != nil {
		return Result{Mode: r.mode, OrderID: orderID}, err
	}
	r.limiter.Forget(ratelimit.FamilyOrderModify, orderID)
	r.observe("cancel", nil)
	r.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"mode":     r.mode,
	}).Info("Order cancelled")
	return Result{Mode: r.mode, OrderID: orderID, Status: models.OrderStatusCancelled}, nil
}

// ClosePosition flattens pos with an opposite-side market order.
func (r *Router) ClosePosition(ctx context.Context, pos models.Position) (Result, error) {
	if pos.Quantity == 0 {
		return Result{Mode: r.mode}, fmt.Errorf("position %s is already flat", models.InstrumentKey(pos.Exchange, pos.Symbol))
	}
	side := models.OrderSideSell
	qty := pos.Quantity
	if qty < 0 {
		side = models.OrderSideBuy
		qty = -qty
	}
	return r.Place(ctx, models.OrderRequest{
		Symbol:   pos.Symbol,
		Exchange: pos.Exchange,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Quantity: qty,
		Product:  pos.Product,
		Role:     models.RoleEntry,
	})
}

// Sync pulls the broker's order book into the registry.
func (r *Router) Sync(ctx context.Context) (registry.ReconcileReport, error) {
	if err := r.limiter.Acquire(ctx, ratelimit.ScopeGlobal, 1); err != nil {
		return registry.ReconcileReport{}, err
	}
	remote, err := retry(ctx, r.opts.Retry, r.logger, "list_orders", func() ([]*models.Order, error) {
		return r.broker.ListOrders(ctx)
	})
	if err != nil {
		return registry.ReconcileReport{}, fmt.Errorf("failed to list broker orders: %w", err)
	}
	report, err := r.registry.Reconcile(ctx, remote)
	if err != nil {
		return report, err
	}
	for _, id := range report.Closed {
		r.limiter.Forget(ratelimit.FamilyOrderModify, id)
	}
	return report, nil
}

// History returns up to limit of the most recent placements, oldest first.
func (r *Router) History(limit int) []models.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]models.ExecutionRecord, limit)
	copy(out, r.history[len(r.history)-limit:])
	return out
}

func (r *Router) record(req models.OrderRequest, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, models.ExecutionRecord{
		OrderID:   res.OrderID,
		Request:   req,
		Status:    res.Status,
		Mode:      res.Mode,
		Timestamp: r.opts.Now(),
	})
	if len(r.history) > historySize {
		r.history = append(r.history[:0], r.history[len(r.history)-historySize:]...)
	}
}

func (r *Router) observe(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, models.ErrBrokerRejection):
		outcome = "rejected"
	case errors.Is(err, models.ErrTransient):
		outcome = "transient"
	case errors.Is(err, models.ErrCapExceeded):
		outcome = "cap_exceeded"
	default:
		outcome = "error"
	}
	metrics.OrderCalls.WithLabelValues(op, string(r.mode), outcome).Inc()
}

// applyGuardrails attaches the configured market protection band to market
// orders and the autoslice flag to every regular order.
func (r *Router) applyGuardrails(req *models.OrderRequest) {
	switch req.Type {
	case models.OrderTypeMarket, models.OrderTypeSLM:
		if req.MarketProtection.IsZero() {
			req.MarketProtection = r.opts.MarketProtection
		}
	}
	if r.opts.Autoslice && kite.Variety(req.Variety) == kite.VarietyRegular {
		req.Autoslice = true
	}
}

func validate(req *models.OrderRequest) error {
	var problems []string
	if req.Symbol == "" {
		problems = append(problems, "symbol is required")
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		problems = append(problems, fmt.Sprintf("side must be BUY or SELL, got %q", req.Side))
	}
	if req.Quantity <= 0 {
		problems = append(problems, "quantity must be positive")
	}
	switch req.Type {
	case models.OrderTypeMarket, models.OrderTypeSLM:
	case models.OrderTypeLimit, models.OrderTypeSL:
		if !req.Price.IsPositive() {
			problems = append(problems, fmt.Sprintf("%s orders need a positive price", req.Type))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown order type %q", req.Type))
	}
	if len(problems) > 0 {
		return models.NewRejection(0, strings.Join(problems, "; "))
	}
	return nil
}

func applyUpdate(o *models.Order, u models.OrderUpdate) {
	if u.Quantity != nil {
		o.Quantity = *u.Quantity
	}
	if u.Price != nil {
		o.Price = *u.Price
	}
	if u.TriggerPrice != nil {
		o.TriggerPrice = *u.TriggerPrice
	}
	if u.Type != nil {
		o.Type = *u.Type
	}
}

// retry runs op with exponential backoff. Only transient broker errors are
// retried; everything else is returned on the first failure.
func retry[T any](ctx context.Context, opts RetryOptions, logger *logrus.Logger, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		b.InitialInterval = opts.InitialInterval
	}
	if opts.MaxInterval > 0 {
		b.MaxInterval = opts.MaxInterval
	}

	return backoff.Retry(ctx, func() (T, error) {
		res, err := fn()
		if err != nil && !errors.Is(err, models.ErrTransient) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(opts.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.WithError(err).WithFields(logrus.Fields{
				"op":       op,
				"retry_in": wait.String(),
			}).Warn("Transient broker error, retrying")
		}),
	)
}
