package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Date(2024, 6, 21, 9, 15, 0, 0, time.UTC)

func TestWindowScope_RejectsBadConfig(t *testing.T) {
	_, err := NewWindowScope("orders", 0, time.Second, nil)
	require.Error(t, err)

	_, err = NewWindowScope("orders", 5, 0, nil)
	require.Error(t, err)

	l := New(nil, nil)
	require.Error(t, l.AddWindow("orders", -1, time.Minute))
	require.Error(t, l.AddBucket("global", 0))
	require.Error(t, l.AddFamily("per_order", 0, time.Minute))
}

func TestWindowScope_AdmitsImmediatelyUpToCapacity(t *testing.T) {
	clock := NewManualClock(epoch)
	s, err := NewWindowScope("orders", 3, time.Second, clock)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ticket, err := s.Wait(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, epoch, ticket.At)
	}

	b := s.Budget()
	assert.Equal(t, 3, b.Consumed)
	assert.Equal(t, 0, b.Queued)
}

func TestWindowScope_BlocksUntilWindowSlides(t *testing.T) {
	clock := NewManualClock(epoch)
	s, err := NewWindowScope("orders", 1, time.Second, clock)
	require.NoError(t, err)

	_, err = s.Wait(context.Background(), 1)
	require.NoError(t, err)

	done := make(chan Ticket, 1)
	go func() {
		ticket, err := s.Wait(context.Background(), 1)
		if err == nil {
			done <- ticket
		}
	}()

	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("admitted before the window slid")
	default:
	}

	clock.Advance(time.Second)
	select {
	case ticket := <-done:
		assert.Equal(t, epoch.Add(time.Second), ticket.At)
	case <-time.After(time.Second):
		t.Fatal("waiter was not admitted")
	}
}

func TestWindowScope_ServesWaitersInArrivalOrder(t *testing.T) {
	clock := NewManualClock(epoch)
	s, err := NewWindowScope("orders", 1, time.Second, clock)
	require.NoError(t, err)
	_, err = s.Wait(context.Background(), 1)
	require.NoError(t, err)

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			if _, err := s.Wait(context.Background(), 1); err == nil {
				order <- i
			}
		}()
		require.Eventually(t, func() bool { return s.Budget().Queued == i+1 }, time.Second, time.Millisecond)
	}

	for want := 0; want < 3; want++ {
		require.Eventually(t, func() bool { return clock.Pending() > 0 }, time.Second, time.Millisecond)
		clock.Advance(time.Second)
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("waiter %d not admitted", want)
		}
	}
}

func TestWindowScope_CancelledWaitHasNoSideEffects(t *testing.T) {
	clock := NewManualClock(epoch)
	s, err := NewWindowScope("orders", 1, time.Second, clock)
	require.NoError(t, err)
	_, err = s.Wait(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Wait(ctx, 1)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.Budget().Queued == 1 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	b := s.Budget()
	assert.Equal(t, 1, b.Consumed)
	assert.Equal(t, 0, b.Queued)
}

func TestWindowScope_ReleaseReturnsCapacity(t *testing.T) {
	clock := NewManualClock(epoch)
	s, err := NewWindowScope("orders", 1, time.Minute, clock)
	require.NoError(t, err)

	ticket, err := s.Wait(context.Background(), 1)
	require.NoError(t, err)
	ticket.Release()
	ticket.Release()

	assert.Equal(t, 0, s.Budget().Consumed)
	_, err = s.Wait(context.Background(), 1)
	require.NoError(t, err)
}

func TestLimiter_AcquireAllRollsBackOnCancel(t *testing.T) {
	clock := NewManualClock(epoch)
	l := New(clock, nil)
	require.NoError(t, l.AddWindow(ScopeGlobal, 5, time.Second))
	require.NoError(t, l.AddWindow(ScopePlacementMinute, 1, time.Minute))
	require.NoError(t, l.Acquire(context.Background(), ScopePlacementMinute, 1))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.AcquireAll(ctx,
			Request{Scope: ScopeGlobal, Cost: 1},
			Request{Scope: ScopePlacementMinute, Cost: 1},
		)
	}()
	require.Eventually(t, func() bool {
		for _, b := range l.Budgets() {
			if b.Name == ScopePlacementMinute {
				return b.Queued == 1
			}
		}
		return false
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	for _, b := range l.Budgets() {
		if b.Name == ScopeGlobal {
			assert.Equal(t, 0, b.Consumed, "global admission must be refunded")
		}
	}
}

func TestLimiter_DeadlineSurfacesRateLimitTimeout(t *testing.T) {
	clock := NewManualClock(epoch)
	l := New(clock, nil)
	require.NoError(t, l.AddWindow(ScopePlacementDay, 1, 24*time.Hour))
	require.NoError(t, l.Acquire(context.Background(), ScopePlacementDay, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, ScopePlacementDay, 1)
	require.ErrorIs(t, err, models.ErrRateLimitTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_KeyedFamilyIsPerKey(t *testing.T) {
	clock := NewManualClock(epoch)
	l := New(clock, nil)
	require.NoError(t, l.AddFamily(FamilyOrderModify, 1, time.Minute))

	ctx := context.Background()
	require.NoError(t, l.AcquireAll(ctx, Request{Scope: FamilyOrderModify, Key: "A", Cost: 1}))
	require.NoError(t, l.AcquireAll(ctx, Request{Scope: FamilyOrderModify, Key: "B", Cost: 1}))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := l.AcquireAll(short, Request{Scope: FamilyOrderModify, Key: "A", Cost: 1})
	require.True(t, errors.Is(err, models.ErrRateLimitTimeout))

	l.Forget(FamilyOrderModify, "A")
	require.NoError(t, l.AcquireAll(ctx, Request{Scope: FamilyOrderModify, Key: "A", Cost: 1}))
}

func TestLimiter_UnknownScope(t *testing.T) {
	l := New(nil, nil)
	require.Error(t, l.Acquire(context.Background(), "nope", 1))
}

func TestBucketScope_PacesCalls(t *testing.T) {
	clock := NewManualClock(epoch)
	s, err := NewBucketScope(ScopeGlobal, 10, clock)
	require.NoError(t, err)

	first, err := s.Wait(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, epoch, first.At)

	done := make(chan Ticket, 1)
	go func() {
		ticket, err := s.Wait(context.Background(), 1)
		if err == nil {
			done <- ticket
		}
	}()
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	clock.Advance(100 * time.Millisecond)

	select {
	case ticket := <-done:
		assert.Equal(t, epoch.Add(100*time.Millisecond), ticket.At)
	case <-time.After(time.Second):
		t.Fatal("bucket waiter not admitted")
	}
}

// Concurrent callers sharing one scope never get more than capacity admissions in
// any window, whatever the interleaving.
func TestWindowScope_ConcurrentAdmissionsRespectCapacity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 5).Draw(rt, "capacity")
		callers := rapid.IntRange(1, 12).Draw(rt, "callers")
		step := time.Duration(rapid.IntRange(200, 900).Draw(rt, "stepMillis")) * time.Millisecond
		window := time.Second

		clock := NewManualClock(epoch)
		s, err := NewWindowScope("shared", capacity, window, clock)
		if err != nil {
			rt.Fatalf("scope: %v", err)
		}

		var mu sync.Mutex
		var admitted []time.Time
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ticket, err := s.Wait(context.Background(), 1)
				if err != nil {
					return
				}
				mu.Lock()
				admitted = append(admitted, ticket.At)
				mu.Unlock()
			}()
		}

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()

	loop:
		for {
			select {
			case <-finished:
				break loop
			case <-time.After(time.Millisecond):
				clock.Advance(step)
			}
		}

		if len(admitted) != callers {
			rt.Fatalf("admitted %d of %d callers", len(admitted), callers)
		}
		for _, start := range admitted {
			inWindow := 0
			for _, at := range admitted {
				if !at.Before(start) && at.Before(start.Add(window)) {
					inWindow++
				}
			}
			if inWindow > capacity {
				rt.Fatalf("%d admissions in window starting %s, capacity %d", inWindow, start, capacity)
			}
		}
	})
}

func TestNewOrderLimiter(t *testing.T) {
	l, err := NewOrderLimiter(NewManualClock(epoch), Limits{
		GlobalPerSecond:                10,
		PlacementsPerMinute:            200,
		PlacementsPerDay:               3000,
		ModificationsPerSecond:         10,
		PerOrderModificationsPerMinute: 20,
	}, nil)
	require.NoError(t, err)

	var names []string
	for _, b := range l.Budgets() {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{ScopeGlobal, ScopeModify, ScopePlacementDay, ScopePlacementMinute}, names)

	require.NoError(t, l.AcquireAll(context.Background(), Request{Scope: FamilyOrderModify, Key: "A1"}))

	_, err = NewOrderLimiter(nil, Limits{GlobalPerSecond: 10}, nil)
	assert.Error(t, err)
}
