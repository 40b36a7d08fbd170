package host

import (
	"context"
	"errors"
	"testing"

	"github.com/ardnew/softxhci/host/hal/sim"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Poller Tests
// =============================================================================

func TestPoller_Until(t *testing.T) {
	tests := []struct {
		name    string
		trueAt  int // evaluation that first returns true, 0 for never
		timeout uint64
		wantErr error
	}{
		{"immediate", 1, 10, nil},
		{"after yields", 4, 100, nil},
		{"never", 0, 10, pkg.ErrTimeout},
		{"zero timeout", 0, 0, pkg.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, yields := 0, 0
			p := NewPoller(sim.NewClock(), func() { yields++ })
			err := p.Until(context.Background(), tt.timeout, func() bool {
				calls++
				return tt.trueAt != 0 && calls >= tt.trueAt
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Until error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && calls != tt.trueAt {
				t.Errorf("condition evaluated %d times, want %d", calls, tt.trueAt)
			}
			if tt.trueAt == 1 && yields != 0 {
				t.Errorf("yielded %d times for an immediate condition", yields)
			}
		})
	}
}

func TestPoller_FinalCheck(t *testing.T) {
	clk := sim.NewClock()
	p := NewPoller(clk, nil)

	// The condition turns true exactly at the deadline, which only the
	// evaluation after the deadline check can observe.
	var deadline uint64
	err := p.Until(context.Background(), 5, func() bool {
		if deadline == 0 {
			deadline = clk.Now() + 5
		}
		return clk.Now() >= deadline
	})
	if err != nil {
		t.Errorf("Until error = %v, want nil from the final evaluation", err)
	}
}

func TestPoller_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(sim.NewClock(), cancel)

	err := p.Until(ctx, 1000, func() bool { return false })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Until error = %v, want context.Canceled", err)
	}
}

func TestPoller_Deadline(t *testing.T) {
	clk := sim.NewClock()
	clk.Advance(100)
	p := NewPoller(clk, nil)

	if got := p.Deadline(50); got != 151 {
		t.Errorf("Deadline(50) = %d, want 151", got)
	}
	if got := p.Now(); got != 102 {
		t.Errorf("Now() = %d, want 102", got)
	}
}
