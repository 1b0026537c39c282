package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKey formats the EXCHANGE:SYMBOL key used by quote endpoints.
func InstrumentKey(exchange, symbol string) string {
	if exchange == "" {
		return symbol
	}
	return exchange + ":" + symbol
}

type Position struct {
	Symbol       string
	Exchange     string
	Product      string
	Quantity     int
	AveragePrice decimal.Decimal
	LastPrice    decimal.Decimal
	PnL          decimal.Decimal
	UpdatedAt    time.Time
}

type TriggerType string

const (
	TriggerSingle TriggerType = "single"
	TriggerOCO    TriggerType = "two-leg"
)

type TriggerLeg struct {
	Side     OrderSide
	Type     OrderType
	Quantity int
	Price    decimal.Decimal
}

// Trigger is a broker-side GTT instruction.
type Trigger struct {
	ID            string
	Type          TriggerType
	Symbol        string
	Exchange      string
	Product       string
	TriggerValues []decimal.Decimal
	LastPrice     decimal.Decimal
	Legs          []TriggerLeg
	Status        string
	CreatedAt     time.Time
}
