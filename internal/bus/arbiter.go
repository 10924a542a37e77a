// Package bus implements a shared chip-select arbiter: multiple MFRC522
// readers live on one SPI bus, and at most one of them may be selected
// (chip-select line asserted low) at a time. It generalizes from a fixed
// three-line controller to an arbitrary set of lines configured at
// construction.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/keyguardio/keyguardd/internal/hal"
)

// ErrBusBusy is returned by Acquire when a finite timeout expires before the
// arbiter becomes available.
var ErrBusBusy = errors.New("bus: busy")

// Arbiter serializes access to N chip-select lines sharing one SPI bus. Chip
// select is active-low: asserting a line means driving it low; releasing
// means driving it high (inactive).
type Arbiter struct {
	gpio hal.GPIOProvider

	mu          sync.Mutex
	cond        *sync.Cond
	lines       []int
	holder      int // goroutine-agnostic reentrancy token; -1 if unheld
	currentLine int
	holdCount   int
}

// NewArbiter creates an Arbiter over the given chip-select pins, driving all
// of them high (inactive) immediately, per invariant I5.
func NewArbiter(gpio hal.GPIOProvider, lines []int) (*Arbiter, error) {
	a := &Arbiter{
		gpio:        gpio,
		lines:       append([]int(nil), lines...),
		holder:      -1,
		currentLine: -1,
	}
	a.cond = sync.NewCond(&a.mu)
	for _, line := range lines {
		if err := gpio.SetMode(line, hal.Output); err != nil {
			return nil, err
		}
		if err := gpio.DigitalWrite(line, true); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// token identifies a reentrant caller. Acquire/Release are called from a
// single goroutine per line in this controller (the tick loop, or a timer
// callback holding the slot's own identity), so the caller supplies its own
// opaque token; reacquiring the same line with the same token recurses
// instead of blocking.
type token = int

// Acquire blocks until the arbiter is free or already held (on this line) by
// caller, then asserts line low. A timeout <= 0 blocks indefinitely; a
// positive timeout returns ErrBusBusy if it elapses first.
func (a *Arbiter) Acquire(caller token, line int, timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for a.holdCount > 0 && !(a.currentLine == line && a.holder == caller) {
		if deadline.IsZero() {
			a.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrBusBusy
		}
		if !a.waitWithTimeout(remaining) {
			return ErrBusBusy
		}
	}

	a.holder = caller
	a.currentLine = line
	a.holdCount++
	if a.holdCount == 1 {
		if err := a.gpio.DigitalWrite(line, false); err != nil {
			a.holdCount--
			a.holder = -1
			a.currentLine = -1
			a.cond.Broadcast()
			return err
		}
	}
	return nil
}

// waitWithTimeout wakes the condition variable after d elapses by running a
// timer on a separate goroutine; it returns false if the timeout fired
// before a Broadcast. Caller must hold a.mu.
func (a *Arbiter) waitWithTimeout(d time.Duration) bool {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		a.mu.Lock()
		close(done)
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	a.cond.Wait()
	select {
	case <-done:
		return false
	default:
		timer.Stop()
		return true
	}
}

// Release decrements the hold count; when it reaches zero the line is
// re-asserted high and the arbiter becomes available to other lines.
// Releasing when unheld is a programming error and panics.
func (a *Arbiter) Release(caller token) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.holdCount == 0 || a.holder != caller {
		panic("bus: release of a line not held by this caller")
	}

	a.holdCount--
	if a.holdCount == 0 {
		line := a.currentLine
		a.currentLine = -1
		a.holder = -1
		_ = a.gpio.DigitalWrite(line, true)
		a.cond.Broadcast()
	}
}

// LineHandle is a scoped acquisition/release bound to one line and one
// caller identity.
type LineHandle struct {
	arbiter *Arbiter
	caller  token
	line    int
}

// Handle returns a scoped handle for line, usable by a single logical caller
// (one slot machine, one card reader). caller must be a stable, unique value
// for that owner so reentrant Acquire calls from the same owner recurse
// instead of deadlocking.
func (a *Arbiter) Handle(caller token, line int) *LineHandle {
	return &LineHandle{arbiter: a, caller: caller, line: line}
}

// Acquire blocks (optionally bounded by timeout) and asserts this handle's
// line. Guaranteed-scoped release: callers should always `defer h.Release()`
// immediately after a successful Acquire so any later error path in the
// caller still releases the line.
func (h *LineHandle) Acquire(timeout time.Duration) error {
	return h.arbiter.Acquire(h.caller, h.line, timeout)
}

// Release releases this handle's hold.
func (h *LineHandle) Release() {
	h.arbiter.Release(h.caller)
}
