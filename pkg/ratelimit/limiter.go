package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/kiteexec/pkg/metrics"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/sirupsen/logrus"
)

// Well-known scope names.
const (
	ScopeGlobal          = "global"
	ScopePlacementMinute = "placement_minute"
	ScopePlacementDay    = "placement_day"
	ScopeModify          = "modify"
	FamilyOrderModify    = "order_modify"
)

// Request names one scope (or one keyed member of a family) and the units to take.
type Request struct {
	Scope string
	Key   string
	Cost  int
}

// Limiter owns every rate budget. Other components only ask it for admission.
type Limiter struct {
	clock  Clock
	logger *logrus.Logger

	mu       sync.Mutex
	scopes   map[string]Scope
	families map[string]family
	keyed    map[string]map[string]*WindowScope
}

type family struct {
	capacity int
	window   time.Duration
}

func New(clock Clock, logger *logrus.Logger) *Limiter {
	if clock == nil {
		clock = RealClock()
	}
	return &Limiter{
		clock:    clock,
		logger:   logger,
		scopes:   make(map[string]Scope),
		families: make(map[string]family),
		keyed:    make(map[string]map[string]*WindowScope),
	}
}

func (l *Limiter) Clock() Clock { return l.clock }

func (l *Limiter) Register(scope Scope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.scopes[scope.Name()]; exists {
		return fmt.Errorf("ratelimit: scope %q already registered", scope.Name())
	}
	l.scopes[scope.Name()] = scope
	return nil
}

// AddWindow registers a sliding-window scope.
func (l *Limiter) AddWindow(name string, capacity int, window time.Duration) error {
	scope, err := NewWindowScope(name, capacity, window, l.clock)
	if err != nil {
		return err
	}
	return l.Register(scope)
}

// AddBucket registers an evenly paced per-second scope.
func (l *Limiter) AddBucket(name string, perSecond int) error {
	scope, err := NewBucketScope(name, perSecond, l.clock)
	if err != nil {
		return err
	}
	return l.Register(scope)
}

// AddFamily registers a template for scopes created on demand per key, such as one
// budget per order id.
func (l *Limiter) AddFamily(name string, capacity int, window time.Duration) error {
	if capacity <= 0 || window <= 0 {
		return fmt.Errorf("ratelimit: family %q: capacity and window must be positive", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.families[name]; exists {
		return fmt.Errorf("ratelimit: family %q already registered", name)
	}
	l.families[name] = family{capacity: capacity, window: window}
	l.keyed[name] = make(map[string]*WindowScope)
	return nil
}

// Forget drops the keyed scope for key, e.g. once its order is terminal.
func (l *Limiter) Forget(familyName, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if members, ok := l.keyed[familyName]; ok {
		delete(members, key)
	}
}

func (l *Limiter) resolve(req Request) (Scope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if req.Key == "" {
		scope, ok := l.scopes[req.Scope]
		if !ok {
			return nil, fmt.Errorf("ratelimit: unknown scope %q", req.Scope)
		}
		return scope, nil
	}

	tmpl, ok := l.families[req.Scope]
	if !ok {
		return nil, fmt.Errorf("ratelimit: unknown family %q", req.Scope)
	}
	members := l.keyed[req.Scope]
	if scope, ok := members[req.Key]; ok {
		return scope, nil
	}
	scope, err := NewWindowScope(req.Scope+":"+req.Key, tmpl.capacity, tmpl.window, l.clock)
	if err != nil {
		return nil, err
	}
	members[req.Key] = scope
	return scope, nil
}

// Acquire waits for cost units of a single scope.
func (l *Limiter) Acquire(ctx context.Context, scope string, cost int) error {
	return l.AcquireAll(ctx, Request{Scope: scope, Cost: cost})
}

// AcquireAll takes every request in order. If any wait fails the admissions already
// granted are returned, so an aborted call consumes nothing.
func (l *Limiter) AcquireAll(ctx context.Context, reqs ...Request) error {
	granted := make([]Ticket, 0, len(reqs))
	rollback := func() {
		for i := len(granted) - 1; i >= 0; i-- {
			granted[i].Release()
		}
	}

	for _, req := range reqs {
		scope, err := l.resolve(req)
		if err != nil {
			rollback()
			return err
		}

		start := l.clock.Now()
		ticket, err := scope.Wait(ctx, req.Cost)
		if err != nil {
			rollback()
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: scope %s: %w", models.ErrRateLimitTimeout, scope.Name(), err)
			}
			return fmt.Errorf("ratelimit: scope %s: %w", scope.Name(), err)
		}
		granted = append(granted, ticket)

		waited := l.clock.Now().Sub(start)
		metrics.RateLimitAdmissions.WithLabelValues(req.Scope).Inc()
		metrics.RateLimitWait.WithLabelValues(req.Scope).Observe(waited.Seconds())
		if waited > time.Second && l.logger != nil {
			l.logger.WithFields(logrus.Fields{
				"scope":  scope.Name(),
				"waited": waited.String(),
			}).Debug("Rate limit admission delayed")
		}
	}
	return nil
}

// Budgets reports the state of every named scope, sorted by name.
func (l *Limiter) Budgets() []Budget {
	l.mu.Lock()
	scopes := make([]Scope, 0, len(l.scopes))
	for _, s := range l.scopes {
		scopes = append(scopes, s)
	}
	l.mu.Unlock()

	budgets := make([]Budget, 0, len(scopes))
	for _, s := range scopes {
		budgets = append(budgets, s.Budget())
	}
	sort.Slice(budgets, func(i, j int) bool { return budgets[i].Name < budgets[j].Name })
	return budgets
}

// Limits are the broker quotas the order path is held to.
type Limits struct {
	GlobalPerSecond                int
	PlacementsPerMinute            int
	PlacementsPerDay               int
	ModificationsPerSecond         int
	PerOrderModificationsPerMinute int
}

// NewOrderLimiter registers the standard scopes: a strict global per-second
// window, placement windows per minute and per day, an evenly paced
// modification bucket, and a per-order modification family.
func NewOrderLimiter(clock Clock, limits Limits, logger *logrus.Logger) (*Limiter, error) {
	l := New(clock, logger)
	steps := []func() error{
		func() error { return l.AddWindow(ScopeGlobal, limits.GlobalPerSecond, time.Second) },
		func() error { return l.AddWindow(ScopePlacementMinute, limits.PlacementsPerMinute, time.Minute) },
		func() error { return l.AddWindow(ScopePlacementDay, limits.PlacementsPerDay, 24*time.Hour) },
		func() error { return l.AddBucket(ScopeModify, limits.ModificationsPerSecond) },
		func() error {
			return l.AddFamily(FamilyOrderModify, limits.PerOrderModificationsPerMinute, time.Minute)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return l, nil
}
