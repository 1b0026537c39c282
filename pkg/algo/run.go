package algo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/router"
	"github.com/sirupsen/logrus"
)

// run is the handle an executor works through.
type run struct {
	m      *Manager
	t      *tracked
	id     string
	params models.JobParams
	logger *logrus.Entry
}

func (r *run) children() []string {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return append([]string(nil), r.t.job.ChildOrderIDs...)
}

// place submits req tagged with the job's group and records the child id,
// including ids of placements the broker rejected.
func (r *run) place(ctx context.Context, req models.OrderRequest) (router.Result, error) {
	req.Symbol = r.params.Symbol
	req.Exchange = r.params.Exchange
	req.Side = r.params.Side
	req.Product = r.params.Product
	req.StrategyID = r.params.StrategyID
	req.Role = models.RoleEntry
	req.Group = r.id
	req.ParentJobID = r.id

	res, err := r.m.router.Place(ctx, req)
	if res.OrderID != "" {
		r.m.addChild(r.t, res.OrderID)
	}
	return res, err
}

// burst places reqs one after another, pausing between legs. Rejected legs are
// logged and never retried; the burst fails only if no leg was accepted.
func (r *run) burst(ctx context.Context, reqs []models.OrderRequest, pause time.Duration) error {
	accepted := 0
	var lastErr error
	for i, req := range reqs {
		if i > 0 {
			if err := sleep(ctx, pause); err != nil {
				return err
			}
		}
		res, err := r.place(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			r.logger.WithError(err).WithFields(logrus.Fields{
				"leg":      i + 1,
				"order_id": res.OrderID,
			}).Warn("Job leg was not placed")
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("all %d legs failed: %w", len(reqs), lastErr)
	}
	r.logger.WithFields(logrus.Fields{
		"accepted": accepted,
		"legs":     len(reqs),
	}).Info("Job legs placed")
	return nil
}

// awaitChildren returns once every child order is terminal.
func (r *run) awaitChildren(ctx context.Context) error {
	ticker := time.NewTicker(r.m.opts.PollInterval)
	defer ticker.Stop()

	for {
		if r.childrenDone() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *run) childrenDone() bool {
	for _, id := range r.children() {
		order, err := r.m.registry.Get(id)
		if errors.Is(err, models.ErrOrderNotFound) {
			// pruned orders are long finished
			continue
		}
		if err != nil || !order.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
