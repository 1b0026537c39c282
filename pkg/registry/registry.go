package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/sirupsen/logrus"
)

// ReasonAbsentFromBroker marks local orders closed by reconciliation.
const ReasonAbsentFromBroker = "reconciled: absent from broker"

type Options struct {
	ModificationCap int
	ProtectedRoles  []models.OrderRole
	Now             func() time.Time
}

// Registry is the local record of every order this process knows about. The
// broker remains the source of truth for order state; the registry adds the
// metadata the broker cannot hold (role, group, strategy, protection, counters).
type Registry struct {
	store     Store
	cap       int
	protected map[models.OrderRole]bool
	now       func() time.Time
	logger    *logrus.Logger

	mu     sync.RWMutex
	orders map[string]*entry
	seq    int64
}

type entry struct {
	order *models.Order
	seq   int64
}

// New loads persisted orders from store and returns a ready registry.
func New(ctx context.Context, store Store, opts Options, logger *logrus.Logger) (*Registry, error) {
	if opts.ModificationCap <= 0 {
		return nil, fmt.Errorf("registry: modification cap must be positive, got %d", opts.ModificationCap)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	roles := opts.ProtectedRoles
	if roles == nil {
		roles = models.DefaultProtectedRoles
	}

	r := &Registry{
		store:     store,
		cap:       opts.ModificationCap,
		protected: make(map[models.OrderRole]bool, len(roles)),
		now:       opts.Now,
		logger:    logger,
		orders:    make(map[string]*entry),
	}
	for _, role := range roles {
		r.protected[role] = true
	}

	if store != nil {
		orders, err := store.LoadOrders(ctx)
		if err != nil {
			return nil, fmt.Errorf("registry: load: %w", err)
		}
		for _, o := range orders {
			r.seq++
			r.orders[o.OrderID] = &entry{order: o, seq: r.seq}
		}
		logger.WithField("orders", len(orders)).Debug("Registry loaded")
	}
	return r, nil
}

func (r *Registry) ModificationCap() int { return r.cap }

// DefaultProtected reports whether orders with role are protected when the
// caller gives no explicit override.
func (r *Registry) DefaultProtected(role models.OrderRole) bool {
	return r.protected[role]
}

// Upsert inserts or replaces the record for order.OrderID. The modification
// counter never decreases and CreatedAt is kept from the first insert.
func (r *Registry) Upsert(ctx context.Context, order *models.Order) error {
	if order.OrderID == "" {
		return fmt.Errorf("registry: order id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := *order
	if rec.Role == "" {
		rec.Role = models.RoleUnspecified
	}
	now := r.now()
	rec.UpdatedAt = now

	existing, ok := r.orders[rec.OrderID]
	if ok {
		rec.Status = r.guardStatus(existing.order, rec.Status)
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = existing.order.CreatedAt
		}
		if existing.order.ModificationCount > rec.ModificationCount {
			rec.ModificationCount = existing.order.ModificationCount
		}
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	return r.commit(ctx, &rec, existing)
}

// Update applies fn to a copy of the stored order and persists the result atomically.
func (r *Registry) Update(ctx context.Context, orderID string, fn func(*models.Order)) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	rec := *existing.order
	fn(&rec)
	rec.OrderID = orderID
	rec.Status = r.guardStatus(existing.order, rec.Status)
	rec.UpdatedAt = r.now()
	if err := r.commit(ctx, &rec, existing); err != nil {
		return nil, err
	}
	out := rec
	return &out, nil
}

// Rename moves a record to a new id, used when an optimistic placeholder is
// replaced by the broker-assigned id. If a sync already imported newID, the two
// records are merged: the broker's fields come from the imported record and
// the local metadata from the placeholder. If the placeholder has already been
// adopted under newID, Rename does nothing.
func (r *Registry) Rename(ctx context.Context, oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.orders[oldID]
	if !ok {
		if _, adopted := r.orders[newID]; adopted {
			return nil
		}
		return fmt.Errorf("%w: %s", models.ErrOrderNotFound, oldID)
	}
	return r.adopt(ctx, existing, newID, nil)
}

// adopt moves the placeholder e to brokerID. remote, or the record already
// stored under brokerID, supplies the broker's view of the order. The
// placeholder's status was only ever a guess, so the broker's status replaces
// it without the transition check. Must hold mu.
func (r *Registry) adopt(ctx context.Context, e *entry, brokerID string, remote *models.Order) error {
	oldID := e.order.OrderID
	rec := *e.order
	rec.OrderID = brokerID
	rec.UpdatedAt = r.now()

	imported, clash := r.orders[brokerID]
	if remote == nil && clash {
		remote = imported.order
	}
	if remote != nil {
		rec.Status = remote.Status
		rec.Quantity = remote.Quantity
		rec.Price = remote.Price
		rec.TriggerPrice = remote.TriggerPrice
		rec.Reason = remote.Reason
		if remote.Tag != "" {
			rec.Tag = remote.Tag
		}
		if remote.ModificationCount > rec.ModificationCount {
			rec.ModificationCount = remote.ModificationCount
		}
	}

	if r.store != nil {
		if err := r.store.SaveOrder(ctx, &rec); err != nil {
			return err
		}
		if err := r.store.DeleteOrders(ctx, []string{oldID}); err != nil {
			return err
		}
	}
	delete(r.orders, oldID)
	if clash {
		imported.order = &rec
		imported.seq = e.seq
	} else {
		r.orders[brokerID] = &entry{order: &rec, seq: e.seq}
	}
	if remote != nil {
		r.logger.WithFields(logrus.Fields{
			"placeholder": oldID,
			"order_id":    brokerID,
			"status":      rec.Status,
		}).Debug("Placeholder adopted by broker order")
	}
	return nil
}

// placeholderByTag finds the placeholder record a tagged broker order belongs
// to. Must hold mu.
func (r *Registry) placeholderByTag(tag string) *entry {
	if tag == "" {
		return nil
	}
	for id, e := range r.orders {
		if e.order.Tag == tag && strings.HasPrefix(id, PlaceholderPrefix) {
			return e
		}
	}
	return nil
}

// guardStatus returns next if cur may move there and cur's status otherwise.
// Must hold mu.
func (r *Registry) guardStatus(cur *models.Order, next models.OrderStatus) models.OrderStatus {
	if cur.Status.CanTransition(next) {
		return next
	}
	r.logger.WithFields(logrus.Fields{
		"order_id": cur.OrderID,
		"from":     cur.Status,
		"to":       next,
	}).Debug("Ignoring disallowed status change")
	return cur.Status
}

// commit persists rec then swaps it into memory. Must hold mu.
func (r *Registry) commit(ctx context.Context, rec *models.Order, existing *entry) error {
	if r.store != nil {
		if err := r.store.SaveOrder(ctx, rec); err != nil {
			return err
		}
	}
	if existing != nil {
		existing.order = rec
		return nil
	}
	r.seq++
	r.orders[rec.OrderID] = &entry{order: rec, seq: r.seq}
	return nil
}

func (r *Registry) Get(orderID string) (*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	out := *e.order
	return &out, nil
}

// Query returns copies of every order matching pred, oldest first. A nil pred
// matches everything.
func (r *Registry) Query(pred func(*models.Order) bool) []*models.Order {
	r.mu.RLock()
	matched := make([]*entry, 0, len(r.orders))
	for _, e := range r.orders {
		if pred == nil || pred(e.order) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.order.CreatedAt.Equal(b.order.CreatedAt) {
			return a.order.CreatedAt.Before(b.order.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]*models.Order, len(matched))
	for i, e := range matched {
		o := *e.order
		out[i] = &o
	}
	return out
}

// Recent returns the limit most recently created orders, newest first. A
// non-positive limit returns every order.
func (r *Registry) Recent(limit int) []*models.Order {
	all := r.Query(nil)
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*models.Order, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		out = append(out, all[i])
	}
	return out
}

// Active returns every order that is not yet terminal.
func (r *Registry) Active() []*models.Order {
	return r.Query(func(o *models.Order) bool { return o.Status.IsActive() })
}

// RecordModification takes one modification slot for orderID and returns the
// new count. It fails with ErrCapExceeded once the cap has been reached; the
// check and increment happen under one lock so concurrent modifiers cannot
// overshoot.
func (r *Registry) RecordModification(ctx context.Context, orderID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.orders[orderID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	if existing.order.ModificationCount >= r.cap {
		return existing.order.ModificationCount, fmt.Errorf("%w: order %s has %d modifications (cap %d)",
			models.ErrCapExceeded, orderID, existing.order.ModificationCount, r.cap)
	}

	rec := *existing.order
	rec.ModificationCount++
	rec.UpdatedAt = r.now()
	if err := r.commit(ctx, &rec, existing); err != nil {
		return existing.order.ModificationCount, err
	}
	return rec.ModificationCount, nil
}

// ReleaseModification gives back a slot taken by RecordModification for an
// amendment the broker never applied.
func (r *Registry) ReleaseModification(ctx context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	if existing.order.ModificationCount == 0 {
		return nil
	}
	rec := *existing.order
	rec.ModificationCount--
	rec.UpdatedAt = r.now()
	return r.commit(ctx, &rec, existing)
}

func (r *Registry) MarkProtected(ctx context.Context, orderID string, protected bool) error {
	_, err := r.Update(ctx, orderID, func(o *models.Order) { o.Protected = protected })
	return err
}

// Prune deletes terminal orders last updated before cutoff and returns how many
// were removed. Active orders are never pruned.
func (r *Registry) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, e := range r.orders {
		if e.order.Status.IsTerminal() && e.order.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	sort.Strings(ids)
	if r.store != nil {
		if err := r.store.DeleteOrders(ctx, ids); err != nil {
			return 0, err
		}
	}
	for _, id := range ids {
		delete(r.orders, id)
	}
	r.logger.WithField("count", len(ids)).Info("Pruned terminal orders")
	return len(ids), nil
}
