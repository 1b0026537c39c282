package kite

import (
	"context"
	"strings"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/shopspring/decimal"
)

// Broker is everything the execution layer needs from the exchange side. The
// REST client talks to Kite Connect; PaperBroker simulates it for dry runs.
type Broker interface {
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (string, error)
	ModifyOrder(ctx context.Context, variety, orderID string, update models.OrderUpdate) error
	CancelOrder(ctx context.Context, variety, orderID string) error
	ListOrders(ctx context.Context) ([]*models.Order, error)
	ListPositions(ctx context.Context) ([]models.Position, error)
	// GetQuote returns last traded prices keyed by EXCHANGE:SYMBOL. Unknown
	// instruments are omitted.
	GetQuote(ctx context.Context, instruments ...string) (map[string]decimal.Decimal, error)
	CreateTrigger(ctx context.Context, trigger *models.Trigger) (string, error)
	DeleteTrigger(ctx context.Context, triggerID string) error
	ListTriggers(ctx context.Context) ([]models.Trigger, error)
}

const VarietyRegular = "regular"

// Variety normalises an order variety for use in a URL path.
func Variety(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return VarietyRegular
	}
	return v
}

// ParseStatus maps a Kite order status onto the local lifecycle.
func ParseStatus(s string) models.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETE":
		return models.OrderStatusFilled
	case "CANCELLED", "CANCELLED AMO":
		return models.OrderStatusCancelled
	case "REJECTED":
		return models.OrderStatusRejected
	case "EXPIRED", "LAPSED":
		return models.OrderStatusExpired
	case "OPEN", "TRIGGER PENDING", "AMO REQ RECEIVED":
		return models.OrderStatusOpen
	default:
		// PUT ORDER REQ RECEIVED, VALIDATION PENDING, OPEN PENDING, MODIFY PENDING ...
		return models.OrderStatusPending
	}
}
