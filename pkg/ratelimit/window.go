package ratelimit

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// Ticket is one granted admission.
type Ticket struct {
	At      time.Time
	release func()
}

// Release returns the admission to its scope. Calling it more than once is a no-op.
func (t Ticket) Release() {
	if t.release != nil {
		t.release()
	}
}

// Scope is one independently refilling quota.
type Scope interface {
	Name() string
	// Wait suspends until cost units are admitted, or ctx is done. A cancelled wait
	// leaves the scope exactly as it was.
	Wait(ctx context.Context, cost int) (Ticket, error)
	Budget() Budget
}

type Budget struct {
	Name     string
	Capacity int
	Window   time.Duration
	Consumed int
	Queued   int
}

// WindowScope admits at most capacity units in any sliding window. Waiters are
// served strictly in arrival order.
type WindowScope struct {
	name     string
	capacity int
	window   time.Duration
	clock    Clock

	mu      sync.Mutex
	stamps  []time.Time
	waiters *list.List
}

type waiter struct {
	cost int
	wake chan struct{}
}

func NewWindowScope(name string, capacity int, window time.Duration, clock Clock) (*WindowScope, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: scope %q: capacity must be positive, got %d", name, capacity)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: scope %q: window must be positive, got %s", name, window)
	}
	if clock == nil {
		clock = RealClock()
	}
	return &WindowScope{
		name:     name,
		capacity: capacity,
		window:   window,
		clock:    clock,
		waiters:  list.New(),
	}, nil
}

func (s *WindowScope) Name() string { return s.name }

func (s *WindowScope) Wait(ctx context.Context, cost int) (Ticket, error) {
	if cost <= 0 {
		cost = 1
	}
	if cost > s.capacity {
		return Ticket{}, fmt.Errorf("ratelimit: scope %q: cost %d exceeds capacity %d", s.name, cost, s.capacity)
	}

	w := &waiter{cost: cost, wake: make(chan struct{}, 1)}

	s.mu.Lock()
	elem := s.waiters.PushBack(w)
	for {
		var timer <-chan time.Time
		if s.waiters.Front() == elem {
			now := s.clock.Now()
			s.prune(now)
			delay := s.delay(now, cost)
			if delay <= 0 {
				for i := 0; i < cost; i++ {
					s.stamps = append(s.stamps, now)
				}
				s.waiters.Remove(elem)
				s.wakeFront()
				s.mu.Unlock()
				return Ticket{At: now, release: s.releaser(now, cost)}, nil
			}
			timer = s.clock.After(delay)
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.mu.Lock()
			front := s.waiters.Front() == elem
			s.waiters.Remove(elem)
			if front {
				s.wakeFront()
			}
			s.mu.Unlock()
			return Ticket{}, ctx.Err()
		case <-w.wake:
		case <-timer:
		}
		s.mu.Lock()
	}
}

func (s *WindowScope) Budget() Budget {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(s.clock.Now())
	return Budget{
		Name:     s.name,
		Capacity: s.capacity,
		Window:   s.window,
		Consumed: len(s.stamps),
		Queued:   s.waiters.Len(),
	}
}

// prune drops admissions that have left the window. Must hold mu.
func (s *WindowScope) prune(now time.Time) {
	cut := 0
	for cut < len(s.stamps) && !now.Before(s.stamps[cut].Add(s.window)) {
		cut++
	}
	if cut > 0 {
		s.stamps = append(s.stamps[:0], s.stamps[cut:]...)
	}
}

// delay is how long until cost more units fit. Must hold mu.
func (s *WindowScope) delay(now time.Time, cost int) time.Duration {
	over := len(s.stamps) + cost - s.capacity
	if over <= 0 {
		return 0
	}
	return s.stamps[over-1].Add(s.window).Sub(now)
}

// wakeFront nudges the head of the queue to re-check capacity. Must hold mu.
func (s *WindowScope) wakeFront() {
	front := s.waiters.Front()
	if front == nil {
		return
	}
	select {
	case front.Value.(*waiter).wake <- struct{}{}:
	default:
	}
}

func (s *WindowScope) releaser(stamp time.Time, cost int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			removed := 0
			kept := s.stamps[:0]
			for _, st := range s.stamps {
				if removed < cost && st.Equal(stamp) {
					removed++
					continue
				}
				kept = append(kept, st)
			}
			s.stamps = kept
			s.wakeFront()
		})
	}
}
