package algo

import (
	"context"
	"errors"
	"fmt"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// NextChasePrice moves price one tick toward the market: up for buys, down
// for sells. The move never passes ceiling (the last traded price or the
// job's limit, whichever is tighter) and never goes backwards. A zero
// ceiling means uncapped.
func NextChasePrice(side models.OrderSide, price, tick, ceiling decimal.Decimal) decimal.Decimal {
	if side == models.OrderSideSell {
		next := price.Sub(tick)
		if ceiling.IsPositive() && next.LessThan(ceiling) {
			next = decimal.Min(price, ceiling)
		}
		return next
	}
	next := price.Add(tick)
	if ceiling.IsPositive() && next.GreaterThan(ceiling) {
		next = decimal.Max(price, ceiling)
	}
	return next
}

// tighter picks the bound closer to the order's current price.
func tighter(side models.OrderSide, a, b decimal.Decimal) decimal.Decimal {
	switch {
	case !a.IsPositive():
		return b
	case !b.IsPositive():
		return a
	case side == models.OrderSideSell:
		return decimal.Max(a, b)
	}
	return decimal.Min(a, b)
}

func runChase(ctx context.Context, r *run) error {
	p := r.params
	price := p.InitialPrice
	if !price.IsPositive() {
		ltp, err := r.lastPrice(ctx)
		if err != nil {
			return fmt.Errorf("no initial price and no quote: %w", err)
		}
		price = ltp
	}

	res, err := r.place(ctx, models.OrderRequest{
		Type:     models.OrderTypeLimit,
		Quantity: p.Quantity,
		Price:    price,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("chase order was not placed: %w", err)
	}
	orderID := res.OrderID
	logger := r.logger.WithField("order_id", orderID)

	for moves := 0; moves < p.MaxMoves; moves++ {
		if err := sleep(ctx, r.m.opts.ChaseInterval); err != nil {
			return err
		}

		done, err := r.orderFinished(orderID)
		if done || err != nil {
			return err
		}

		ceiling := p.LimitPrice
		if ltp, err := r.lastPrice(ctx); err == nil {
			ceiling = tighter(p.Side, ceiling, ltp)
		}
		next := NextChasePrice(p.Side, price, p.TickSize, ceiling)
		if next.Equal(price) {
			logger.WithField("price", price.String()).Debug("Chase is at its bound, holding")
			continue
		}

		_, err = r.m.router.Modify(ctx, orderID, models.OrderUpdate{Price: &next})
		switch {
		case errors.Is(err, models.ErrCapExceeded):
			r.forceCancel(ctx, orderID)
			return fmt.Errorf("%w: order %s after %d moves", models.ErrCapExceeded, orderID, moves)
		case errors.Is(err, models.ErrOrderClosed):
			_, err := r.orderFinished(orderID)
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			logger.WithError(err).WithField("price", next.String()).Warn("Chase move failed, keeping previous price")
			continue
		}
		price = next
		logger.WithFields(logrus.Fields{
			"price": price.String(),
			"move":  moves + 1,
		}).Debug("Chase moved order")
	}

	logger.WithField("price", price.String()).Info("Chase reached max moves, order left resting")
	return nil
}

// orderFinished reports whether the chased order has ended. A fill is a clean
// finish; any other terminal status fails the job.
func (r *run) orderFinished(orderID string) (bool, error) {
	order, err := r.m.registry.Get(orderID)
	if err != nil {
		return true, err
	}
	switch {
	case order.Status == models.OrderStatusFilled:
		return true, nil
	case order.Status.IsTerminal():
		return true, fmt.Errorf("%w: chased order %s is %s", models.ErrOrderClosed, orderID, order.Status)
	}
	return false, nil
}

func (r *run) forceCancel(ctx context.Context, orderID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := r.m.router.Cancel(ctx, orderID); err != nil {
		r.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to cancel order at modification cap")
	}
}

func (r *run) lastPrice(ctx context.Context) (decimal.Decimal, error) {
	if r.m.quotes == nil {
		return decimal.Zero, errors.New("no quote source")
	}
	ltp, err := r.m.quotes.LastPrice(ctx, r.params.Exchange, r.params.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !ltp.IsPositive() {
		return decimal.Zero, fmt.Errorf("no last price for %s", r.params.Symbol)
	}
	return ltp, nil
}
