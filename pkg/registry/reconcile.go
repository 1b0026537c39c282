package registry

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/sirupsen/logrus"
)

// PlaceholderPrefix marks a record created before the broker assigned an id.
const PlaceholderPrefix = "local-"

// placeholderGrace keeps in-flight placements out of reconciliation.
const placeholderGrace = time.Minute

type ReconcileReport struct {
	Imported []string `json:"imported"`
	Updated  []string `json:"updated"`
	Closed   []string `json:"closed"`
}

// Changes is the number of records the reconciliation touched.
func (r ReconcileReport) Changes() int {
	return len(r.Imported) + len(r.Updated) + len(r.Closed)
}

// Reconcile merges the broker's order list into the registry. A remote order
// carrying a placeholder's tag adopts that placeholder; other unknown remote
// orders are imported unprotected with no role. Known orders take the broker's
// status, quantity and prices unless that would reopen a terminal order. Local
// active orders the broker no longer lists are closed. Running it twice against the same list changes nothing the
// second time.
func (r *Registry) Reconcile(ctx context.Context, remote []*models.Order) (ReconcileReport, error) {
	var report ReconcileReport

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	seen := make(map[string]struct{}, len(remote))

	for _, ro := range remote {
		if ro.OrderID == "" {
			continue
		}
		seen[ro.OrderID] = struct{}{}

		existing, ok := r.orders[ro.OrderID]
		if !ok {
			if placeholder := r.placeholderByTag(ro.Tag); placeholder != nil {
				if err := r.adopt(ctx, placeholder, ro.OrderID, ro); err != nil {
					return report, err
				}
				report.Updated = append(report.Updated, ro.OrderID)
				continue
			}
			rec := *ro
			rec.Role = models.RoleUnspecified
			rec.Protected = false
			rec.Group = ""
			rec.StrategyID = ""
			rec.ParentJobID = ""
			rec.ModificationCount = 0
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			rec.UpdatedAt = now
			if err := r.commit(ctx, &rec, nil); err != nil {
				return report, err
			}
			report.Imported = append(report.Imported, rec.OrderID)
			continue
		}

		cur := existing.order
		if !brokerFieldsDiffer(cur, ro) {
			continue
		}
		// a stale snapshot never reopens a finished order
		if !sameStatus(cur.Status, ro.Status) && !cur.Status.CanTransition(ro.Status) {
			continue
		}
		rec := *cur
		rec.Status = ro.Status
		rec.Quantity = ro.Quantity
		rec.Price = ro.Price
		rec.TriggerPrice = ro.TriggerPrice
		if ro.Reason != "" {
			rec.Reason = ro.Reason
		}
		rec.UpdatedAt = now
		if err := r.commit(ctx, &rec, existing); err != nil {
			return report, err
		}
		report.Updated = append(report.Updated, rec.OrderID)
	}

	for id, e := range r.orders {
		if _, ok := seen[id]; ok || !e.order.Status.IsActive() {
			continue
		}
		if strings.HasPrefix(id, PlaceholderPrefix) && now.Sub(e.order.UpdatedAt) < placeholderGrace {
			continue
		}
		rec := *e.order
		rec.Status = models.OrderStatusCancelled
		rec.Reason = ReasonAbsentFromBroker
		rec.UpdatedAt = now
		if err := r.commit(ctx, &rec, e); err != nil {
			return report, err
		}
		report.Closed = append(report.Closed, id)
	}
	sort.Strings(report.Closed)

	r.logger.WithFields(logrus.Fields{
		"imported": len(report.Imported),
		"updated":  len(report.Updated),
		"closed":   len(report.Closed),
	}).Info("Registry reconciled")

	return report, nil
}

func brokerFieldsDiffer(local, remote *models.Order) bool {
	return !sameStatus(local.Status, remote.Status) ||
		local.Quantity != remote.Quantity ||
		!local.Price.Equal(remote.Price) ||
		!local.TriggerPrice.Equal(remote.TriggerPrice)
}

// The broker has no separate state for an amended order.
func sameStatus(local, remote models.OrderStatus) bool {
	if local == models.OrderStatusModified && remote == models.OrderStatusOpen {
		return true
	}
	return local == remote
}
