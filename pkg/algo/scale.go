package algo

import (
	"context"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/shopspring/decimal"
)

// Leg is one child order of a ladder or swarm.
type Leg struct {
	Quantity int
	Price    decimal.Decimal
}

// ScaleLegs spreads count limit prices evenly from start to end inclusive,
// rounded to the paisa. Quantity is split as evenly as possible with the
// remainder going to the first legs.
func ScaleLegs(p models.JobParams) []Leg {
	if p.Count < 2 {
		return nil
	}
	step := p.EndPrice.Sub(p.StartPrice).Div(decimal.NewFromInt(int64(p.Count - 1)))
	quantities := SplitEven(p.Quantity, p.Count)

	legs := make([]Leg, p.Count)
	for i := range legs {
		price := p.StartPrice.Add(step.Mul(decimal.NewFromInt(int64(i))))
		if i == p.Count-1 {
			price = p.EndPrice
		}
		legs[i] = Leg{Quantity: quantities[i], Price: price.Round(2)}
	}
	return legs
}

func runScale(ctx context.Context, r *run) error {
	legs := ScaleLegs(r.params)
	reqs := make([]models.OrderRequest, len(legs))
	for i, leg := range legs {
		reqs[i] = models.OrderRequest{
			Type:     models.OrderTypeLimit,
			Quantity: leg.Quantity,
			Price:    leg.Price,
		}
	}
	if err := r.burst(ctx, reqs, r.m.opts.ScaleInterval); err != nil {
		return err
	}
	return r.awaitChildren(ctx)
}
