// Package orchestrator runs the single-threaded round-robin tick loop that
// drives the user-identification machine and every key slot machine in turn,
// generalized from a fixed two-machine loop into an arbitrary slot list.
package orchestrator

import (
	"context"
	"time"

	"github.com/keyguardio/keyguardd/internal/slot"
	"github.com/keyguardio/keyguardd/internal/userslot"
)

// Orchestrator owns the main tick loop. Auto-relock timers post their own
// synthetic tick through Machine.Unlock's callback rather than reaching
// back into this loop, so the orchestrator itself stays a plain ticker.
type Orchestrator struct {
	userSlot *userslot.Machine
	slots    []*slot.Machine
	delay    time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an Orchestrator over userSlot and slots, ticking every delay
// (the main-loop delay, default ~100µs).
func New(userSlot *userslot.Machine, slots []*slot.Machine, delay time.Duration) *Orchestrator {
	return &Orchestrator{
		userSlot: userSlot,
		slots:    slots,
		delay:    delay,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run blocks ticking every slot in round-robin order until ctx is cancelled
// or Stop is called, whichever comes first.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.doneCh)
	ticker := time.NewTicker(o.delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.userSlot.Tick(ctx)
			for _, s := range o.slots {
				s.Tick(ctx)
			}
		}
	}
}

// Stop signals Run to return and blocks until it has.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	<-o.doneCh
}
