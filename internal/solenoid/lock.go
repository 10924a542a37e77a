// Package solenoid drives one slot's mechanical lock: a boolean-guarded GPIO
// output pin, plus a settle delay before a non-quick lock de-energizes and a
// cancellable auto-relock timer armed on unlock.
package solenoid

import (
	"sync"
	"time"
)

// Lock drives a single solenoid actuator pin. All state (is-locked flag,
// pending relock timer) is guarded by one per-slot mutex.
type Lock struct {
	gpio pin
	pin  int

	mu          sync.Mutex
	locked      bool
	relockTimer *time.Timer
}

// pin is the minimal GPIO surface this package needs, satisfied by
// hal.GPIOProvider.
type pin interface {
	DigitalWrite(pin int, value bool) error
}

// New creates a Lock bound to the given GPIO pin, energized or not according
// to initLocked. The pin must already be configured as Output by the caller
// (the daemon's main does this while wiring each slot).
func New(gpio pin, gpioPin int, initLocked bool) *Lock {
	l := &Lock{gpio: gpio, pin: gpioPin, locked: initLocked}
	_ = gpio.DigitalWrite(gpioPin, !initLocked)
	return l
}

// IsLocked reports the software view of the lock.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Lock transitions to LOCKED, cancelling any pending auto-relock timer. If
// quick is false, the settle delay runs before the solenoid de-energizes,
// blocking the caller for the duration. Because the tick orchestrator visits
// slots sequentially on one goroutine, a settle during a slot's tick also
// delays the ticks of the slots after it in that iteration.
func (l *Lock) Lock(quick bool, settle time.Duration) {
	l.mu.Lock()
	l.cancelRelockLocked()
	l.mu.Unlock()

	if !quick && settle > 0 {
		time.Sleep(settle)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = true
	_ = l.gpio.DigitalWrite(l.pin, false)
}

// Unlock transitions to UNLOCKED, energizes the solenoid, and arms an
// auto-relock timer that invokes onRelock after relockTimeout. onRelock is
// expected to perform one slot tick and then call Lock(quick=true) itself —
// this package only owns the timer, not the tick.
func (l *Lock) Unlock(relockTimeout time.Duration, onRelock func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cancelRelockLocked()
	l.locked = false
	_ = l.gpio.DigitalWrite(l.pin, true)

	if relockTimeout > 0 && onRelock != nil {
		l.relockTimer = time.AfterFunc(relockTimeout, onRelock)
	}
}

// CancelRelock cancels any pending auto-relock timer without changing the
// lock state.
func (l *Lock) CancelRelock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelRelockLocked()
}

func (l *Lock) cancelRelockLocked() {
	if l.relockTimer != nil {
		l.relockTimer.Stop()
		l.relockTimer = nil
	}
}
