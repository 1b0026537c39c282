package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketScope smooths calls to an even rate using a token bucket with burst 1.
// Reservations are taken in arrival order, so waiters are admitted FIFO.
type BucketScope struct {
	name    string
	perSec  int
	clock   Clock
	limiter *rate.Limiter

	mu     sync.Mutex
	queued int
}

func NewBucketScope(name string, perSecond int, clock Clock) (*BucketScope, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("ratelimit: scope %q: rate must be positive, got %d", name, perSecond)
	}
	if clock == nil {
		clock = RealClock()
	}
	return &BucketScope{
		name:    name,
		perSec:  perSecond,
		clock:   clock,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}, nil
}

func (s *BucketScope) Name() string { return s.name }

func (s *BucketScope) Wait(ctx context.Context, cost int) (Ticket, error) {
	if cost <= 0 {
		cost = 1
	}
	if cost > s.limiter.Burst() {
		return Ticket{}, fmt.Errorf("ratelimit: scope %q: cost %d exceeds burst %d", s.name, cost, s.limiter.Burst())
	}
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}

	now := s.clock.Now()
	r := s.limiter.ReserveN(now, cost)
	if !r.OK() {
		return Ticket{}, fmt.Errorf("ratelimit: scope %q: reservation refused", s.name)
	}

	delay := r.DelayFrom(now)
	if delay > 0 {
		s.mu.Lock()
		s.queued++
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.queued--
			s.mu.Unlock()
		}()

		select {
		case <-ctx.Done():
			r.CancelAt(s.clock.Now())
			return Ticket{}, ctx.Err()
		case <-s.clock.After(delay):
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { r.CancelAt(s.clock.Now()) })
	}
	return Ticket{At: now.Add(delay), release: release}, nil
}

func (s *BucketScope) Budget() Budget {
	s.mu.Lock()
	queued := s.queued
	s.mu.Unlock()

	consumed := 1 - int(s.limiter.TokensAt(s.clock.Now()))
	if consumed < 0 {
		consumed = 0
	}
	return Budget{
		Name:     s.name,
		Capacity: s.perSec,
		Window:   time.Second,
		Consumed: consumed,
		Queued:   queued,
	}
}
