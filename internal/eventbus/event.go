// Package eventbus is the typed publish/subscribe primitive shared by the
// slot machines, the user-card reader, and the session manager: listeners
// are added once (duplicate registration is a no-op), dispatch happens
// synchronously on the caller's goroutine, and every event carries an
// explicit pointer back to the component that raised it.
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/keyguardio/keyguardd/internal/logger"
)

// Listener receives every event triggered on an Event[TOrigin, TPayload].
type Listener[TOrigin, TPayload any] func(origin TOrigin, payload TPayload)

// Event is a single named signal raised by a component of type TOrigin,
// carrying a payload of type TPayload.
type Event[TOrigin, TPayload any] struct {
	mu        sync.Mutex
	origin    TOrigin
	listeners []*Listener[TOrigin, TPayload]
}

// New creates an Event bound to origin; origin is passed to every listener
// so a shared handler can tell multiple slots apart.
func New[TOrigin, TPayload any](origin TOrigin) *Event[TOrigin, TPayload] {
	return &Event[TOrigin, TPayload]{origin: origin}
}

// On registers fn as a listener. Registering the same function pointer twice
// is a no-op.
func (e *Event[TOrigin, TPayload]) On(fn Listener[TOrigin, TPayload]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.listeners {
		if sameFunc(*existing, fn) {
			return
		}
	}
	e.listeners = append(e.listeners, &fn)
}

// Off removes a previously registered listener, if present.
func (e *Event[TOrigin, TPayload]) Off(fn Listener[TOrigin, TPayload]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.listeners {
		if sameFunc(*existing, fn) {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Trigger dispatches payload to every registered listener, synchronously, in
// registration order. A panicking listener is recovered and logged rather
// than propagated, so one bad listener can't take down the orchestrator's
// tick loop or any other caller's goroutine; remaining listeners still run.
func (e *Event[TOrigin, TPayload]) Trigger(payload TPayload) {
	e.mu.Lock()
	listeners := make([]*Listener[TOrigin, TPayload], len(e.listeners))
	copy(listeners, e.listeners)
	origin := e.origin
	e.mu.Unlock()

	for _, fn := range listeners {
		e.dispatch(fn, origin, payload)
	}
}

func (e *Event[TOrigin, TPayload]) dispatch(fn *Listener[TOrigin, TPayload], origin TOrigin, payload TPayload) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("eventbus: listener panic", zap.Any("panic", r))
		}
	}()
	(*fn)(origin, payload)
}

// sameFunc compares two listener values by identity of their underlying code
// pointer; Go has no portable function equality, so this relies on reflect.
func sameFunc[TOrigin, TPayload any](a, b Listener[TOrigin, TPayload]) bool {
	return funcPointer(a) == funcPointer(b)
}
