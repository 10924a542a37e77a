// Package userslot implements the simpler sibling of the key slot machine:
// the dedicated user-identification reader that recognizes a badged-in user
// against an injected *catalog.Catalog.
package userslot

import (
	"context"
	"sync"
	"time"

	"github.com/keyguardio/keyguardd/internal/catalog"
	"github.com/keyguardio/keyguardd/internal/eventbus"
	"github.com/keyguardio/keyguardd/internal/reader"
)

// Via distinguishes how a user's session started, carried on UserFound.
type Via int

const (
	ViaCard Via = iota
	ViaLogin
)

// EventKind tags the variant carried by Event.
type EventKind int

const (
	UserFound EventKind = iota
	UserCardBlocked
	UnknownUserFound
)

// Event is one outward signal from the user slot machine.
type Event struct {
	Kind EventKind
	User catalog.User // UserFound, UserCardBlocked
	Via  Via           // UserFound
	UID  string        // UnknownUserFound
}

// Machine tracks the badge reader's debounced UID and the currently
// recognized user, independent of (but kept in step with) the session
// manager's own session state.
type Machine struct {
	cat           *catalog.Catalog
	reader        *reader.Reader
	readerTimeout time.Duration

	mu          sync.Mutex
	lastUID     string
	currentUser *catalog.User

	Events *eventbus.Event[*Machine, Event]
}

// New creates a user slot machine bound to the given badge reader.
func New(cat *catalog.Catalog, rd *reader.Reader, readerTimeout time.Duration) *Machine {
	m := &Machine{cat: cat, reader: rd, readerTimeout: readerTimeout}
	m.Events = eventbus.New[*Machine, Event](m)
	return m
}

// Tick reads one UID and updates state.
func (m *Machine) Tick(ctx context.Context) {
	cardNow, err := m.reader.ReadUID(ctx, m.readerTimeout)
	if err != nil {
		cardNow = ""
	}

	m.mu.Lock()
	if cardNow == m.lastUID {
		m.mu.Unlock()
		return
	}
	m.lastUID = cardNow
	if cardNow == "" {
		m.mu.Unlock()
		return
	}

	user, ok := m.cat.UserByRFID(cardNow)
	if !ok {
		m.mu.Unlock()
		m.Events.Trigger(Event{Kind: UnknownUserFound, UID: cardNow})
		return
	}

	if m.currentUser != nil {
		blocked := *m.currentUser
		isDifferent := blocked.ID != user.ID
		m.mu.Unlock()
		if isDifferent {
			m.Events.Trigger(Event{Kind: UserCardBlocked, User: user})
		}
		return
	}

	m.currentUser = &user
	m.mu.Unlock()
	m.Events.Trigger(Event{Kind: UserFound, User: user, Via: ViaCard})
}

// OnUserLogin marks user as the active occupant after a successful
// password-based login, so a subsequent badge tap from a different user is
// correctly reported as blocked.
func (m *Machine) OnUserLogin(user catalog.User) {
	m.mu.Lock()
	m.currentUser = &user
	m.mu.Unlock()
	m.Events.Trigger(Event{Kind: UserFound, User: user, Via: ViaLogin})
}

// Logout clears the active occupant, reopening the slot to the next badge
// or login.
func (m *Machine) Logout() {
	m.mu.Lock()
	m.currentUser = nil
	m.mu.Unlock()
}

// CurrentUser returns the active occupant, if any.
func (m *Machine) CurrentUser() (catalog.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentUser == nil {
		return catalog.User{}, false
	}
	return *m.currentUser, true
}
