package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	OrderID  string
	Symbol   string
	Exchange string
	Side     OrderSide
	Type     OrderType
	Quantity int
	// Price and TriggerPrice are zero when not applicable.
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Product      string
	Variety      string
	Validity     string
	Status       OrderStatus
	Reason       string
	// Tag is the placement's idempotency key, echoed back by the broker.
	Tag string

	Role              OrderRole
	Group             string
	StrategyID        string
	Protected         bool
	ModificationCount int
	ParentJobID       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Age returns seconds elapsed since the order was created.
func (o *Order) Age(now time.Time) float64 {
	if o.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(o.CreatedAt).Seconds()
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"
	OrderTypeSLM    OrderType = "SL-M"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusModified  OrderStatus = "modified"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// IsTerminal reports whether no further broker action can change the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// orderTransitions lists where each live status may go. Terminal statuses
// have no entry and absorb every later report.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:  {OrderStatusOpen, OrderStatusModified, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired},
	OrderStatusOpen:     {OrderStatusModified, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired},
	OrderStatusModified: {OrderStatusOpen, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired},
}

// CanTransition reports whether an order in status s may move to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) IsActive() bool {
	switch s {
	case OrderStatusPending, OrderStatusOpen, OrderStatusModified:
		return true
	}
	return false
}

type OrderRole string

const (
	RoleEntry       OrderRole = "entry"
	RoleStopLoss    OrderRole = "stop_loss"
	RoleTakeProfit  OrderRole = "take_profit"
	RoleHedge       OrderRole = "hedge"
	RoleUnspecified OrderRole = "unspecified"
)

// DefaultProtectedRoles are exempt from bulk cancellation unless overridden.
var DefaultProtectedRoles = []OrderRole{RoleStopLoss, RoleTakeProfit, RoleHedge}

func ParseRole(s string) OrderRole {
	switch OrderRole(s) {
	case RoleEntry, RoleStopLoss, RoleTakeProfit, RoleHedge:
		return OrderRole(s)
	}
	return RoleUnspecified
}

// OrderRequest is a placement intent plus the local metadata recorded with it.
type OrderRequest struct {
	Symbol       string
	Exchange     string
	Side         OrderSide
	Type         OrderType
	Quantity     int
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Product      string
	Variety      string
	Validity     string
	// Tag is set by the router on submission.
	Tag string

	// Guardrails attached by the router before submission.
	MarketProtection decimal.Decimal
	Autoslice        bool

	Role        OrderRole
	Group       string
	StrategyID  string
	Protected   *bool
	ParentJobID string
}

// OrderUpdate lists the fields a modify call may change. Nil fields are left untouched.
type OrderUpdate struct {
	Quantity     *int
	Price        *decimal.Decimal
	TriggerPrice *decimal.Decimal
	Type         *OrderType
}

type ExecutionMode string

const (
	ModeSimulated ExecutionMode = "simulated"
	ModeLive      ExecutionMode = "live"
)

type ExecutionRecord struct {
	OrderID   string
	Request   OrderRequest
	Status    OrderStatus
	Mode      ExecutionMode
	Timestamp time.Time
}
