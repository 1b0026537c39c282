package cancel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/registry"
	"github.com/gregtusar/kiteexec/pkg/router"
	"github.com/sirupsen/logrus"
)

// Canceller is the slice of the router the engine drives.
type Canceller interface {
	Cancel(ctx context.Context, orderID string) (router.Result, error)
	Mode() models.ExecutionMode
}

// LadderSource knows which order groups belong to scale and swarm jobs.
type LadderSource interface {
	LadderGroups(symbol string) []string
}

type Flags struct {
	IncludeProtected bool `json:"include_protected"`
	Confirm          bool `json:"confirm"`
}

type Outcome struct {
	OrderID   string             `json:"order_id"`
	Symbol    string             `json:"symbol"`
	Protected bool               `json:"protected"`
	Status    models.OrderStatus `json:"status"`
	Error     string             `json:"error,omitempty"`
}

type Report struct {
	Mode      models.ExecutionMode `json:"mode"`
	Predicate string               `json:"predicate"`
	Outcomes  []Outcome            `json:"outcomes"`
	Cancelled int                  `json:"cancelled"`
	Failed    int                  `json:"failed"`
}

type Engine struct {
	registry *registry.Registry
	router   Canceller
	ladders  LadderSource
	now      func() time.Time
	logger   *logrus.Logger
}

func NewEngine(reg *registry.Registry, canceller Canceller, ladders LadderSource, logger *logrus.Logger) *Engine {
	return &Engine{
		registry: reg,
		router:   canceller,
		ladders:  ladders,
		now:      time.Now,
		logger:   logger,
	}
}

// Select evaluates pred against the registry's current snapshot.
func (e *Engine) Select(pred Predicate) []*models.Order {
	now := e.now()
	return e.registry.Query(func(o *models.Order) bool { return pred.Match(o, now) })
}

// CancelSelected cancels every active order matching pred. If any of them is
// protected nothing is cancelled unless both override flags are set. Failures
// on individual orders are reported and do not stop the rest.
func (e *Engine) CancelSelected(ctx context.Context, pred Predicate, flags Flags) (Report, error) {
	report := Report{Mode: e.router.Mode(), Predicate: pred.String()}

	now := e.now()
	targets := e.registry.Query(func(o *models.Order) bool {
		return o.Status.IsActive() && pred.Match(o, now)
	})

	var guarded []string
	for _, o := range targets {
		if o.Protected {
			guarded = append(guarded, o.OrderID)
		}
	}
	if len(guarded) > 0 && !(flags.IncludeProtected && flags.Confirm) {
		e.logger.WithFields(logrus.Fields{
			"predicate": report.Predicate,
			"protected": guarded,
		}).Warn("Bulk cancel blocked by protected orders")
		return report, fmt.Errorf("%w: %d protected order(s) match %s (%v); pass include-protected and confirm to override",
			models.ErrProtectedOrderGuard, len(guarded), report.Predicate, guarded)
	}

	for _, o := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := e.router.Cancel(ctx, o.OrderID)
		outcome := Outcome{OrderID: o.OrderID, Symbol: o.Symbol, Protected: o.Protected, Status: res.Status}
		if err != nil {
			outcome.Error = models.RejectionReason(err)
			if outcome.Status == "" {
				outcome.Status = o.Status
			}
			report.Failed++
		} else {
			report.Cancelled++
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	e.logger.WithFields(logrus.Fields{
		"predicate": report.Predicate,
		"cancelled": report.Cancelled,
		"failed":    report.Failed,
		"mode":      report.Mode,
	}).Info("Bulk cancel finished")
	return report, nil
}

// CancelWhere compiles src and cancels what it selects.
func (e *Engine) CancelWhere(ctx context.Context, src string, flags Flags) (Report, error) {
	pred, err := Compile(src)
	if err != nil {
		return Report{Mode: e.router.Mode()}, err
	}
	return e.CancelSelected(ctx, pred, flags)
}

// AllActive matches every order that is still working.
func AllActive() Predicate {
	return In("status", models.OrderStatusPending, models.OrderStatusOpen, models.OrderStatusModified)
}

// CancelAll cancels every working order.
func (e *Engine) CancelAll(ctx context.Context, flags Flags) (Report, error) {
	return e.CancelSelected(ctx, AllActive(), flags)
}

// LadderPredicate matches the orders of scale and swarm jobs on symbol.
func (e *Engine) LadderPredicate(symbol string) (Predicate, error) {
	if e.ladders == nil {
		return nil, errors.New("no job manager to resolve ladders")
	}
	groups := e.ladders.LadderGroups(symbol)
	if len(groups) == 0 {
		return nil, fmt.Errorf("no scale or swarm jobs for %s", symbol)
	}
	values := make([]any, len(groups))
	for i, g := range groups {
		values[i] = g
	}
	return All(Eq("symbol", symbol), In("group", values...)), nil
}

func (e *Engine) CancelLadder(ctx context.Context, symbol string, flags Flags) (Report, error) {
	pred, err := e.LadderPredicate(symbol)
	if err != nil {
		return Report{Mode: e.router.Mode()}, err
	}
	return e.CancelSelected(ctx, pred, flags)
}

// NonessentialPredicate matches unprotected orders, optionally for one strategy.
func NonessentialPredicate(strategyID string) Predicate {
	pred := Eq("protected", false)
	if strategyID != "" {
		pred = All(pred, Eq("strategy_id", strategyID))
	}
	return pred
}

func (e *Engine) CancelNonessential(ctx context.Context, strategyID string) (Report, error) {
	return e.CancelSelected(ctx, NonessentialPredicate(strategyID), Flags{})
}
