package triggers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/ratelimit"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Broker is the trigger half of kite.Broker.
type Broker interface {
	CreateTrigger(ctx context.Context, trigger *models.Trigger) (string, error)
	DeleteTrigger(ctx context.Context, triggerID string) error
	ListTriggers(ctx context.Context) ([]models.Trigger, error)
}

type QuoteSource interface {
	LastPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)
}

// Manager creates, lists and deletes broker-side GTT triggers. Calls go
// through the global rate scope like every other order-path request.
type Manager struct {
	broker  Broker
	limiter *ratelimit.Limiter
	quotes  QuoteSource
	logger  *logrus.Logger
}

func NewManager(broker Broker, limiter *ratelimit.Limiter, quotes QuoteSource, logger *logrus.Logger) *Manager {
	return &Manager{broker: broker, limiter: limiter, quotes: quotes, logger: logger}
}

// Single builds a one-leg trigger that fires leg when price crosses value.
func Single(exchange, symbol, product string, value decimal.Decimal, leg models.TriggerLeg) *models.Trigger {
	return &models.Trigger{
		Type:          models.TriggerSingle,
		Exchange:      exchange,
		Symbol:        symbol,
		Product:       product,
		TriggerValues: []decimal.Decimal{value},
		Legs:          []models.TriggerLeg{leg},
	}
}

// OCO builds a two-leg trigger: a stop below the market and a target above
// it. Whichever fires first cancels the other.
func OCO(exchange, symbol, product string, stop decimal.Decimal, stopLeg models.TriggerLeg, target decimal.Decimal, targetLeg models.TriggerLeg) *models.Trigger {
	return &models.Trigger{
		Type:          models.TriggerOCO,
		Exchange:      exchange,
		Symbol:        symbol,
		Product:       product,
		TriggerValues: []decimal.Decimal{stop, target},
		Legs:          []models.TriggerLeg{stopLeg, targetLeg},
	}
}

// Validate checks the shape the broker expects before any call is made.
func Validate(t *models.Trigger) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if t.Symbol == "" || t.Exchange == "" {
		add("symbol and exchange are required")
	}

	switch t.Type {
	case models.TriggerSingle:
		if len(t.TriggerValues) != 1 {
			add("single trigger needs exactly one trigger value, got %d", len(t.TriggerValues))
		}
	case models.TriggerOCO:
		if len(t.TriggerValues) != 2 {
			add("two-leg trigger needs exactly two trigger values, got %d", len(t.TriggerValues))
		} else if !t.TriggerValues[0].LessThan(t.TriggerValues[1]) {
			add("two-leg trigger values must be ascending: stop %s, target %s", t.TriggerValues[0], t.TriggerValues[1])
		}
	default:
		add("unknown trigger type %q", t.Type)
	}
	if len(t.Legs) != len(t.TriggerValues) {
		add("need one leg per trigger value, got %d legs for %d values", len(t.Legs), len(t.TriggerValues))
	}

	for i, v := range t.TriggerValues {
		if !v.IsPositive() {
			add("trigger value %d must be positive", i+1)
		}
	}
	for i, leg := range t.Legs {
		if leg.Side != models.OrderSideBuy && leg.Side != models.OrderSideSell {
			add("leg %d: side must be BUY or SELL", i+1)
		}
		if leg.Quantity <= 0 {
			add("leg %d: quantity must be positive", i+1)
		}
		if leg.Type != models.OrderTypeLimit {
			add("leg %d: only LIMIT legs are supported, got %q", i+1, leg.Type)
		}
		if !leg.Price.IsPositive() {
			add("leg %d: price must be positive", i+1)
		}
	}

	if len(problems) > 0 {
		return models.NewRejection(0, strings.Join(problems, "; "))
	}
	return nil
}

// Create validates t, fills in the last price if it is missing and submits it.
func (m *Manager) Create(ctx context.Context, t *models.Trigger) (string, error) {
	for i := range t.Legs {
		if t.Legs[i].Type == "" {
			t.Legs[i].Type = models.OrderTypeLimit
		}
	}
	if err := Validate(t); err != nil {
		return "", err
	}
	if !t.LastPrice.IsPositive() {
		if m.quotes == nil {
			return "", errors.New("trigger needs a last price and no quote source is configured")
		}
		ltp, err := m.quotes.LastPrice(ctx, t.Exchange, t.Symbol)
		if err != nil {
			return "", fmt.Errorf("failed to get last price for trigger: %w", err)
		}
		t.LastPrice = ltp
	}

	if err := m.limiter.Acquire(ctx, ratelimit.ScopeGlobal, 1); err != nil {
		return "", err
	}
	id, err := m.broker.CreateTrigger(ctx, t)
	if err != nil {
		m.logger.WithError(err).WithField("symbol", t.Symbol).Warn("Trigger creation failed")
		return "", err
	}
	m.logger.WithFields(logrus.Fields{
		"trigger_id": id,
		"symbol":     t.Symbol,
		"type":       t.Type,
	}).Info("Trigger created")
	return id, nil
}

func (m *Manager) Delete(ctx context.Context, triggerID string) error {
	if err := m.limiter.Acquire(ctx, ratelimit.ScopeGlobal, 1); err != nil {
		return err
	}
	if err := m.broker.DeleteTrigger(ctx, triggerID); err != nil {
		return err
	}
	m.logger.WithField("trigger_id", triggerID).Info("Trigger deleted")
	return nil
}

func (m *Manager) List(ctx context.Context) ([]models.Trigger, error) {
	if err := m.limiter.Acquire(ctx, ratelimit.ScopeGlobal, 1); err != nil {
		return nil, err
	}
	return m.broker.ListTriggers(ctx)
}
