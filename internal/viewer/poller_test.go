package viewer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	calls int
	steps []func() (View, error)
}

func (s *scriptedFetcher) StudentStatus(context.Context, string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i]()
}

func ok(phase Phase) func() (View, error) {
	return func() (View, error) { return View{StudentID: "s1", Phase: phase}, nil }
}

func fail() (View, error) { return View{}, errors.New("connection reset") }

func TestPollKeepsLastGoodView(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{steps: []func() (View, error){fail, ok(PhaseOnTrip), fail, ok(PhaseDroppedOff)}}
	var updates []View
	p := NewPoller(f, "s1", time.Second, func(v View) { updates = append(updates, v) })
	ctx := context.Background()

	if _, got := p.Poll(ctx); got {
		t.Error("expected no view before first success")
	}
	if v, _ := p.Poll(ctx); v.Phase != PhaseOnTrip || v.Stale {
		t.Errorf("expected fresh ON_TRIP, got %+v", v)
	}
	if v, _ := p.Poll(ctx); v.Phase != PhaseOnTrip || !v.Stale {
		t.Errorf("expected stale ON_TRIP after failure, got %+v", v)
	}
	if v, _ := p.Poll(ctx); v.Phase != PhaseDroppedOff || v.Stale {
		t.Errorf("expected fresh DROPPED_OFF, got %+v", v)
	}
	if len(updates) != 3 {
		t.Errorf("expected 3 updates, got %d", len(updates))
	}
	if last, have := p.Last(); !have || last.Phase != PhaseDroppedOff {
		t.Errorf("expected last view DROPPED_OFF, got %+v", last)
	}
}

func TestRunPollsImmediatelyAndOnInterval(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{steps: []func() (View, error){ok(PhaseWaitingForPickup)}}
	got := make(chan View, 16)
	p := NewPoller(f, "s1", 20*time.Millisecond, func(v View) { got <- v })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected poll %d", i+1)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
