package slot

import (
	"context"
	"sync"
	"time"

	"github.com/keyguardio/keyguardd/internal/catalog"
	"github.com/keyguardio/keyguardd/internal/eventbus"
	"github.com/keyguardio/keyguardd/internal/reader"
	"github.com/keyguardio/keyguardd/internal/solenoid"
)

// Config carries one slot's immutable timing parameters.
type Config struct {
	Name                string
	ReaderTimeout       time.Duration
	RelockTimeout       time.Duration
	SolenoidSettleTime  time.Duration
	TheftDecisionWindow time.Duration
}

// Machine owns one key slot's reader, solenoid, and state, and is the only
// component allowed to mutate that state — the tick orchestrator calls Tick
// on it in round-robin order, and the session manager calls Unlock when a
// capability authorizes removal or insertion.
type Machine struct {
	cfg      Config
	cat      *catalog.Catalog
	reader   *reader.Reader
	solenoid *solenoid.Lock

	mu    sync.Mutex
	state State

	Events *eventbus.Event[*Machine, Event]
}

// New creates a slot machine that starts UNLOCKED and bootstrapping: its
// first tick always issues a quick lock to settle the solenoid into a known
// de-energized baseline after power-on.
func New(cfg Config, cat *catalog.Catalog, rd *reader.Reader, sol *solenoid.Lock) *Machine {
	m := &Machine{
		cfg:      cfg,
		cat:      cat,
		reader:   rd,
		solenoid: sol,
		state: State{
			Lock:          Unlocked,
			Bootstrapping: true,
		},
	}
	m.Events = eventbus.New[*Machine, Event](m)
	return m
}

// Tick performs one bounded UID read and applies the resulting transition.
// The orchestrator calls it from its loop, and a relock timer armed by
// Unlock also calls it from the timer's own goroutine. m.mu serializes only
// the state transition itself, not the reader poll or the solenoid calls.
func (m *Machine) Tick(ctx context.Context) {
	cardNow, err := m.reader.ReadUID(ctx, m.cfg.ReaderTimeout)
	if err != nil {
		// A reader fault is indistinguishable from "no card" for this tick.
		cardNow = ""
	}

	m.mu.Lock()
	now := time.Now()
	result := transition(m.state, now, cardNow, m.cfg.TheftDecisionWindow, m.cat)
	m.state = result.next
	m.mu.Unlock()

	for _, ev := range result.events {
		m.Events.Trigger(ev)
	}

	if result.lockSettle {
		m.solenoid.Lock(false, m.cfg.SolenoidSettleTime)
		m.Events.Trigger(Event{Kind: SolenoidLocked})
	}
	if result.lockQuick {
		m.solenoid.Lock(true, 0)
	}
}

// Name returns the slot's configured display name.
func (m *Machine) Name() string {
	return m.cfg.Name
}

// CurrentKeyID reports the key id currently considered present in the slot,
// or "" if none — used by the session manager's authorization rule.
func (m *Machine) CurrentKeyID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CurrentKeyID
}

// IsLocked reports the slot's software lock state.
func (m *Machine) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Lock == Locked
}

// Unlock transitions the slot to UNLOCKED and arms the auto-relock timer.
// onRelocked is invoked after the timer's own tick-then-lock cycle
// completes; the session manager uses it to resolve the pending unlock
// request.
func (m *Machine) Unlock(ctx context.Context, onRelocked func()) {
	m.mu.Lock()
	m.state.Lock = Unlocked
	m.mu.Unlock()

	m.solenoid.Unlock(m.cfg.RelockTimeout, func() {
		m.Tick(ctx)
		m.solenoid.Lock(true, 0)
		m.mu.Lock()
		m.state.Lock = Locked
		m.mu.Unlock()
		if onRelocked != nil {
			onRelocked()
		}
	})
}
