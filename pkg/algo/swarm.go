package algo

import (
	"context"
	"sort"

	"github.com/gregtusar/kiteexec/pkg/models"
)

// SplitEven divides total into count shares differing by at most one, larger
// shares first.
func SplitEven(total, count int) []int {
	if count <= 0 {
		return nil
	}
	shares := make([]int, count)
	base, extra := total/count, total%count
	for i := range shares {
		shares[i] = base
		if i < extra {
			shares[i]++
		}
	}
	return shares
}

// SplitIrregular divides total into count random shares of at least one each.
// intN must behave like rand.IntN.
func SplitIrregular(total, count int, intN func(int) int) []int {
	if count <= 0 || total < count {
		return SplitEven(total, count)
	}
	spare := total - count
	cuts := make([]int, count-1)
	for i := range cuts {
		cuts[i] = intN(spare + 1)
	}
	sort.Ints(cuts)

	shares := make([]int, count)
	prev := 0
	for i, c := range cuts {
		shares[i] = 1 + c - prev
		prev = c
	}
	shares[count-1] = 1 + spare - prev
	return shares
}

// SwarmLegs splits the job quantity. Legs carry the job price, so a zero
// price means market orders.
func SwarmLegs(p models.JobParams, intN func(int) int) []Leg {
	var shares []int
	if p.Irregular {
		shares = SplitIrregular(p.Quantity, p.Count, intN)
	} else {
		shares = SplitEven(p.Quantity, p.Count)
	}
	legs := make([]Leg, len(shares))
	for i, q := range shares {
		legs[i] = Leg{Quantity: q, Price: p.Price}
	}
	return legs
}

func runSwarm(ctx context.Context, r *run) error {
	legs := SwarmLegs(r.params, r.m.intN)
	reqs := make([]models.OrderRequest, len(legs))
	for i, leg := range legs {
		req := models.OrderRequest{Type: models.OrderTypeMarket, Quantity: leg.Quantity}
		if leg.Price.IsPositive() {
			req.Type = models.OrderTypeLimit
			req.Price = leg.Price
		}
		reqs[i] = req
	}
	if err := r.burst(ctx, reqs, r.m.opts.SwarmInterval); err != nil {
		return err
	}
	return r.awaitChildren(ctx)
}
