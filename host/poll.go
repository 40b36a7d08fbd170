package host

import (
	"context"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Poller runs poll-until-condition loops against a tick clock.
//
// The driver never sleeps: every wait is a loop that evaluates a condition,
// checks the deadline and calls the yield callback. A hosted caller can
// make yield park the goroutine; a cooperative one can drain other work.
type Poller struct {
	clock hal.Clock
	yield func()
}

// NewPoller returns a Poller reading time from clk. yield may be nil.
func NewPoller(clk hal.Clock, yield func()) *Poller {
	return &Poller{clock: clk, yield: yield}
}

// Until evaluates cond until it returns true, timeout ticks elapse, or ctx
// is done. The condition is always evaluated at least once, and once more
// after the deadline passes, so a condition that became true during the
// final yield is not reported as a timeout.
func (p *Poller) Until(ctx context.Context, timeout uint64, cond func() bool) error {
	deadline := p.clock.Ticks() + timeout
	for {
		if cond() {
			return nil
		}
		if p.clock.Ticks() >= deadline {
			if cond() {
				return nil
			}
			return pkg.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.yield != nil {
			p.yield()
		}
	}
}

// Deadline returns the tick count timeout ticks from now.
func (p *Poller) Deadline(timeout uint64) uint64 {
	return p.clock.Ticks() + timeout
}

// Now returns the current tick count.
func (p *Poller) Now() uint64 {
	return p.clock.Ticks()
}
