package algo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gregtusar/kiteexec/pkg/models"
)

func validate(typ models.JobType, p models.JobParams) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if p.Symbol == "" {
		add("symbol is required")
	}
	if p.Side != models.OrderSideBuy && p.Side != models.OrderSideSell {
		add("side must be BUY or SELL, got %q", p.Side)
	}
	if p.Quantity <= 0 {
		add("quantity must be positive")
	}

	switch typ {
	case models.JobTypeScale:
		if p.Count < 2 {
			add("count must be at least 2, got %d", p.Count)
		} else if p.Quantity < p.Count {
			add("quantity %d cannot fill %d legs", p.Quantity, p.Count)
		}
		if !p.StartPrice.IsPositive() || !p.EndPrice.IsPositive() {
			add("start and end prices must be positive")
		}
	case models.JobTypeChase:
		if p.MaxMoves < 1 {
			add("max_moves must be at least 1")
		}
		if !p.TickSize.IsPositive() {
			add("tick_size must be positive")
		}
		if p.InitialPrice.IsNegative() {
			add("initial_price cannot be negative")
		}
		if p.LimitPrice.IsNegative() {
			add("limit_price cannot be negative")
		}
	case models.JobTypeSwarm:
		if p.Count < 1 {
			add("count must be at least 1, got %d", p.Count)
		} else if p.Quantity < p.Count {
			add("quantity %d cannot fill %d orders", p.Quantity, p.Count)
		}
		if p.Price.IsNegative() {
			add("price cannot be negative")
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
