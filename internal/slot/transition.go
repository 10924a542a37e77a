package slot

import (
	"time"

	"github.com/keyguardio/keyguardd/internal/catalog"
)

// LockState is the software view of a slot's solenoid.
type LockState int

const (
	Locked LockState = iota
	Unlocked
)

// TheftCandidate records a key that vanished from a LOCKED slot and is
// waiting out the theft-decision window before being declared stolen.
type TheftCandidate struct {
	UID      string
	Deadline time.Time
}

// State is the value-type state of one key slot. It holds no behavior and no
// pointers to hardware, so the transition function below is directly
// property-testable.
type State struct {
	Lock          LockState
	LastUID       string // "" means no card read last tick
	CurrentKeyID  string // "" means no key considered present/locked-in
	Theft         *TheftCandidate
	Bootstrapping bool // true until the slot's first-tick quick-lock settles
}

// EventKind tags the variant carried by Event.
type EventKind int

const (
	KeyFound EventKind = iota
	KeyUninserted
	KeyStolen
	UnauthorizedPlace
	UnknownKeyPlaced
	SolenoidLocked
)

// Event is one outward signal raised by a slot's transition function or its
// tick wrapper.
type Event struct {
	Kind EventKind

	Key            catalog.Key // KeyFound, KeyUninserted, UnauthorizedPlace, KeyStolen
	UnknownUID     string      // UnknownKeyPlaced
	ReplacementUID string      // KeyStolen: "" if no replacement, else the new UID
}

// transition is the pure core of the key slot machine. It takes the
// current state, the wall-clock time, and one already-read UID
// (NONE == "") and returns the next state plus any events to emit. It never
// touches hardware; the caller (Machine.Tick) is responsible for turning the
// two returned lock-action flags into actual solenoid calls.
type transitionResult struct {
	next       State
	events     []Event
	lockSettle bool // non-quick solenoid.lock() required (key insert/removal)
	lockQuick  bool // bootstrap-epilogue quick lock required
}

func transition(s State, now time.Time, cardNow string, theftWindow time.Duration, cat *catalog.Catalog) transitionResult {
	var events []Event

	// 1. Theft-window expiry: independent of this tick's read.
	if s.Theft != nil && !now.Before(s.Theft.Deadline) {
		key, _ := cat.KeyByRFID(s.Theft.UID)
		events = append(events, Event{Kind: KeyStolen, Key: key})
		s.Theft = nil
		s.CurrentKeyID = ""
	}

	// 2. Bootstrap epilogue runs exactly once regardless of debounce, so an
	// empty slot at power-on (the common case: no card on the very first
	// read) still gets its settling quick-lock.
	lockQuick := false
	if s.Bootstrapping {
		lockQuick = true
		s.Bootstrapping = false
	}

	// 3. Debounce.
	if cardNow == s.LastUID {
		return transitionResult{next: s, events: events, lockQuick: lockQuick}
	}

	var lockSettle bool

	if s.Lock == Locked {
		switch {
		case s.LastUID == "" && cardNow != "":
			switch {
			case s.Theft != nil && now.Before(s.Theft.Deadline) && s.Theft.UID == cardNow:
				// Glitch recovery: the same key briefly disappeared and came back.
				s.Theft = nil
			case s.Theft != nil && now.Before(s.Theft.Deadline):
				// Deceptive swap: a different key appeared while the original
				// was still inside its theft-decision window.
				key, _ := cat.KeyByRFID(s.Theft.UID)
				events = append(events, Event{Kind: KeyStolen, Key: key, ReplacementUID: cardNow})
				s.Theft = nil
				s.CurrentKeyID = ""
			default:
				if key, ok := cat.KeyByRFID(cardNow); ok {
					events = append(events, Event{Kind: UnauthorizedPlace, Key: key})
				} else {
					events = append(events, Event{Kind: UnknownKeyPlaced, UnknownUID: cardNow})
				}
			}

		case s.LastUID != "" && cardNow == "":
			// Begin the theft window; no event yet.
			s.Theft = &TheftCandidate{UID: s.LastUID, Deadline: now.Add(theftWindow)}

		case s.LastUID != "" && cardNow != "" && cardNow != s.LastUID:
			if s.Theft != nil && now.Before(s.Theft.Deadline) {
				key, _ := cat.KeyByRFID(s.Theft.UID)
				events = append(events, Event{Kind: KeyStolen, Key: key, ReplacementUID: cardNow})
				s.Theft = nil
				s.CurrentKeyID = ""
			} else if key, ok := cat.KeyByRFID(cardNow); ok {
				events = append(events, Event{Kind: UnauthorizedPlace, Key: key})
			} else {
				events = append(events, Event{Kind: UnknownKeyPlaced, UnknownUID: cardNow})
			}
		}
	} else {
		switch {
		case cardNow != "":
			if key, ok := cat.KeyByRFID(cardNow); ok {
				s.CurrentKeyID = key.ID
				s.Lock = Locked
				events = append(events, Event{Kind: KeyFound, Key: key})
				lockSettle = true
			} else {
				events = append(events, Event{Kind: UnknownKeyPlaced, UnknownUID: cardNow})
			}
		case s.CurrentKeyID != "":
			key, _ := cat.KeyByID(s.CurrentKeyID)
			events = append(events, Event{Kind: KeyUninserted, Key: key})
			s.CurrentKeyID = ""
			s.Lock = Locked
			lockSettle = true
		}
	}

	s.LastUID = cardNow

	return transitionResult{next: s, events: events, lockSettle: lockSettle, lockQuick: lockQuick}
}
