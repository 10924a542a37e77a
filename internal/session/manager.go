// Package session implements the single-session discipline and capability
// protocol for the controller: a dedicated Manager owns session and
// authorization bookkeeping as one process-wide instance, so the channel
// adapter stays a thin protocol translator.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keyguardio/keyguardd/internal/catalog"
	"github.com/keyguardio/keyguardd/internal/eventbus"
	"github.com/keyguardio/keyguardd/internal/slot"
	"github.com/keyguardio/keyguardd/internal/userslot"
)

const timeLayout = time.RFC3339

// SlotBinding associates a 1-based wire slot id with its machine and display
// name, as enumerated in a login response's keyData.
type SlotBinding struct {
	ID      int
	Name    string
	Machine *slot.Machine
}

// KeySelectionOption is one entry of a login response's keyData array.
// Exactly one of "remove" (KeyName set) or "insert" (neither set) or
// "denied" (AccessDenied set) applies per slot.
type KeySelectionOption struct {
	SlotID       int    `json:"slotId"`
	SlotName     string `json:"slotName"`
	KeyName      string `json:"keyName,omitempty"`
	AccessDenied bool   `json:"accessDenied,omitempty"`
}

// EventKind tags the variant carried by Event.
type EventKind int

const (
	UserLogin EventKind = iota
	UserLoginBlocked
	UserLoginFailed
	KeySelectionFailed
)

// Reason explains why a capability or unlock attempt was rejected.
type Reason string

const (
	ReasonOutdatedToken   Reason = "outdated"
	ReasonInvalidSignature Reason = "invalid-jwt"
	ReasonInvalidFormat   Reason = "invalid-jwt-format"
	ReasonTimedOut        Reason = "timeout"
	ReasonUnlockPending   Reason = "unlock-already-pending"
	ReasonAccessDenied    Reason = "access-denied"
)

// Event is one outward signal from the session manager.
type Event struct {
	Kind   EventKind
	User   catalog.User
	Reason Reason
	SlotID int
}

// LoginOutcome is the server -> client login message payload.
type LoginOutcome struct {
	Status      string
	JWT         string
	Name        string
	KeyData     []KeySelectionOption
	CurrentUser string
}

// UnlockOutcome is the server -> client unlock-key-slot message payload.
type UnlockOutcome struct {
	Status string // "success" | "no-change" | "failed"
	Reason string
}

// Manager enforces the single-active-session rule and mints/validates
// HS256 capability tokens. All state transitions are critical sections
// guarded by a single session-level mutex, mu.
type Manager struct {
	secret           []byte
	selectionTimeout time.Duration
	cat              *catalog.Catalog
	slots            []SlotBinding
	userSlot         *userslot.Machine

	mu            sync.Mutex
	activeUser    *catalog.User
	lastToken     string
	pendingSlotID int
	pendingReqID  string
	sessionTimer  *time.Timer

	Events *eventbus.Event[*Manager, Event]

	// onUnlockResolved is invoked once a pending unlock's slot finishes its
	// relock cycle, carrying the outcome the channel adapter should push.
	onUnlockResolved func(reqID string, outcome UnlockOutcome)
}

// New creates a session manager. secret is the HMAC key backing capability
// signatures; selectionTimeout bounds how long a minted capability remains
// valid and also bounds the overall session (the user-session timeout,
// default 60s).
func New(secret []byte, selectionTimeout time.Duration, cat *catalog.Catalog, slots []SlotBinding) *Manager {
	m := &Manager{
		secret:           secret,
		selectionTimeout: selectionTimeout,
		cat:              cat,
		slots:            slots,
		pendingSlotID:    -1,
	}
	m.Events = eventbus.New[*Manager, Event](m)
	return m
}

// SetUserSlot wires the user-identification machine so the session manager
// can keep its notion of "who is occupying the controller" in step with the
// session it owns: every place a session ends (explicit logout, unlock
// completion, or session timeout) also clears the user slot's occupant.
func (m *Manager) SetUserSlot(u *userslot.Machine) {
	m.userSlot = u
}

// OnUnlockResolved registers the callback invoked when a pending unlock's
// slot finishes relocking. The channel adapter uses this to push the
// deferred unlock-key-slot response — the network acknowledgment of success
// is sent only after the slot's relock cycle completes.
func (m *Manager) OnUnlockResolved(fn func(reqID string, outcome UnlockOutcome)) {
	m.onUnlockResolved = fn
}

// armSessionTimerLocked starts (or restarts) the session-timeout timer. Must
// be called with mu held.
func (m *Manager) armSessionTimerLocked() {
	m.cancelSessionTimerLocked()
	m.sessionTimer = time.AfterFunc(m.selectionTimeout, m.onSessionTimeout)
}

// cancelSessionTimerLocked stops any pending session-timeout timer. Must be
// called with mu held.
func (m *Manager) cancelSessionTimerLocked() {
	if m.sessionTimer != nil {
		m.sessionTimer.Stop()
		m.sessionTimer = nil
	}
}

// onSessionTimeout force-logs-out a session that was opened but never
// progressed to a completed unlock, freeing the controller for the next
// user. A session already ended by other means (unlock completion, explicit
// logout) cancels this timer first, so this is a no-op in that case.
func (m *Manager) onSessionTimeout() {
	m.mu.Lock()
	if m.activeUser == nil {
		m.mu.Unlock()
		return
	}
	m.sessionTimer = nil
	m.activeUser = nil
	m.lastToken = ""
	m.pendingReqID = ""
	m.pendingSlotID = -1
	m.mu.Unlock()

	if m.userSlot != nil {
		m.userSlot.Logout()
	}
}

// OnCardUser opens a session for user if none is active, as triggered by the
// user slot machine's UserFound event.
func (m *Manager) OnCardUser(user catalog.User) (LoginOutcome, bool) {
	m.mu.Lock()
	if m.activeUser != nil {
		m.mu.Unlock()
		return LoginOutcome{}, false
	}
	m.activeUser = &user
	m.armSessionTimerLocked()
	m.mu.Unlock()

	outcome := m.buildLoginSuccess(user)
	m.Events.Trigger(Event{Kind: UserLogin, User: user})
	return outcome, true
}

// OnPasswordLogin handles a client login request.
func (m *Manager) OnPasswordLogin(username, password string) LoginOutcome {
	m.mu.Lock()
	if m.activeUser != nil {
		blocked := *m.activeUser
		m.mu.Unlock()
		m.Events.Trigger(Event{Kind: UserLoginBlocked, User: blocked})
		return LoginOutcome{Status: "blocked", CurrentUser: blocked.Name}
	}
	m.mu.Unlock()

	user, ok := m.cat.VerifyCredentials(username, password)
	if !ok {
		m.Events.Trigger(Event{Kind: UserLoginFailed})
		return LoginOutcome{Status: "failed"}
	}

	m.mu.Lock()
	m.activeUser = &user
	m.armSessionTimerLocked()
	m.mu.Unlock()

	if m.userSlot != nil {
		m.userSlot.OnUserLogin(user)
	}

	outcome := m.buildLoginSuccess(user)
	m.Events.Trigger(Event{Kind: UserLogin, User: user})
	return outcome
}

func (m *Manager) buildLoginSuccess(user catalog.User) LoginOutcome {
	token, _ := m.mint(user.Username)
	return LoginOutcome{
		Status:  "success",
		JWT:     token,
		Name:    user.Name,
		KeyData: m.keySelectionOptions(user),
	}
}

// keySelectionOptions enumerates every slot's current state from user's
// point of view: insert-allowed (empty slot), remove-allowed (user's own
// key present), or access-denied (someone else's key present).
func (m *Manager) keySelectionOptions(user catalog.User) []KeySelectionOption {
	opts := make([]KeySelectionOption, 0, len(m.slots))
	for _, s := range m.slots {
		keyID := s.Machine.CurrentKeyID()
		if keyID == "" {
			opts = append(opts, KeySelectionOption{SlotID: s.ID, SlotName: s.Name})
			continue
		}
		key, _ := m.cat.KeyByID(keyID)
		if user.IsAuthorizedFor(keyID) {
			opts = append(opts, KeySelectionOption{SlotID: s.ID, SlotName: s.Name, KeyName: key.Name})
		} else {
			opts = append(opts, KeySelectionOption{SlotID: s.ID, SlotName: s.Name, AccessDenied: true})
		}
	}
	return opts
}

// mint signs a fresh capability for username, immediately invalidating any
// prior token: the previous token is invalidated the moment a new one is
// minted.
func (m *Manager) mint(username string) (string, error) {
	claims := jwt.MapClaims{
		"username":  username,
		"expiresAt": time.Now().Add(m.selectionTimeout).Format(timeLayout),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.lastToken = signed
	m.mu.Unlock()
	return signed, nil
}

// OnUnlockRequest validates a capability against the full authorization
// chain and, on success, commands the target slot to unlock. ctx bounds the
// relock-triggered re-tick the slot performs when its timer fires.
func (m *Manager) OnUnlockRequest(ctx context.Context, reqID, capability string, slotID int) UnlockOutcome {
	username, reason, err := m.validateCapability(capability)
	if err != nil {
		m.Events.Trigger(Event{Kind: KeySelectionFailed, Reason: reason, SlotID: slotID})
		return UnlockOutcome{Status: "failed", Reason: humanReason(reason)}
	}

	m.mu.Lock()
	if m.pendingReqID != "" {
		m.mu.Unlock()
		m.Events.Trigger(Event{Kind: KeySelectionFailed, Reason: ReasonUnlockPending, SlotID: slotID})
		return UnlockOutcome{Status: "failed", Reason: humanReason(ReasonUnlockPending)}
	}
	m.mu.Unlock()

	user, ok := m.cat.UserByUsername(username)
	if !ok {
		m.Events.Trigger(Event{Kind: KeySelectionFailed, Reason: ReasonInvalidFormat, SlotID: slotID})
		return UnlockOutcome{Status: "failed", Reason: humanReason(ReasonInvalidFormat)}
	}

	binding, ok := m.slotByID(slotID)
	if !ok {
		m.Events.Trigger(Event{Kind: KeySelectionFailed, Reason: ReasonInvalidFormat, SlotID: slotID})
		return UnlockOutcome{Status: "failed", Reason: "Unknown Slot"}
	}

	currentKeyID := binding.Machine.CurrentKeyID()
	if !user.IsAuthorizedFor(currentKeyID) {
		m.Events.Trigger(Event{Kind: KeySelectionFailed, Reason: ReasonAccessDenied, SlotID: slotID, User: user})
		return UnlockOutcome{Status: "failed", Reason: "Access Denied"}
	}

	m.mu.Lock()
	m.pendingReqID = reqID
	m.pendingSlotID = slotID
	// The pending unlock's own relock cycle now owns ending this session;
	// the session timeout no longer needs to race it.
	m.cancelSessionTimerLocked()
	m.mu.Unlock()

	keyIDBefore := currentKeyID
	binding.Machine.Unlock(ctx, func() {
		m.onSlotLocked(slotID, keyIDBefore, binding.Machine.CurrentKeyID())
	})

	// The success/no-change response is deferred until the relock cycle
	// completes; the caller is expected to not send a reply for this branch.
	return UnlockOutcome{Status: ""}
}

func (m *Manager) onSlotLocked(slotID int, keyIDBefore, keyIDAfter string) {
	m.mu.Lock()
	reqID := m.pendingReqID
	m.pendingReqID = ""
	m.pendingSlotID = -1
	m.activeUser = nil
	m.mu.Unlock()

	if m.userSlot != nil {
		m.userSlot.Logout()
	}

	mode := "success"
	if keyIDBefore == keyIDAfter {
		mode = "no-change"
	}
	if m.onUnlockResolved != nil && reqID != "" {
		m.onUnlockResolved(reqID, UnlockOutcome{Status: mode})
	}
}

func (m *Manager) slotByID(id int) (SlotBinding, bool) {
	for _, s := range m.slots {
		if s.ID == id {
			return s, true
		}
	}
	return SlotBinding{}, false
}

// validateCapability implements the single-use, signature, and expiry
// checks, in that order.
func (m *Manager) validateCapability(capability string) (username string, reason Reason, err error) {
	m.mu.Lock()
	matches := m.lastToken != "" && m.lastToken == capability
	if matches {
		m.lastToken = "" // consumed now that a matching attempt is underway
	}
	m.mu.Unlock()

	if !matches {
		return "", ReasonOutdatedToken, fmt.Errorf("capability outdated or replayed")
	}

	token, parseErr := jwt.Parse(capability, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if parseErr != nil {
		return "", ReasonInvalidSignature, parseErr
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ReasonInvalidFormat, fmt.Errorf("invalid claims")
	}
	uname, ok1 := claims["username"].(string)
	expStr, ok2 := claims["expiresAt"].(string)
	if !ok1 || !ok2 {
		return "", ReasonInvalidFormat, fmt.Errorf("invalid claim shape")
	}
	expiresAt, parseErr := time.Parse(timeLayout, expStr)
	if parseErr != nil {
		return "", ReasonInvalidFormat, parseErr
	}
	if !time.Now().Before(expiresAt) {
		return "", ReasonTimedOut, fmt.Errorf("capability expired")
	}
	return uname, "", nil
}

func humanReason(r Reason) string {
	switch r {
	case ReasonOutdatedToken:
		return "Authentication Token is outdated"
	case ReasonInvalidSignature:
		return "Invalid signature for JWT token"
	case ReasonTimedOut:
		return "Timed out"
	case ReasonUnlockPending:
		return "Unlock Already Pending"
	case ReasonAccessDenied:
		return "Access Denied"
	default:
		return "Invalid JWT Format"
	}
}

// Logout clears the active session, independent of any pending unlock, and
// cancels the session timeout timer.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.cancelSessionTimerLocked()
	m.activeUser = nil
	m.mu.Unlock()

	if m.userSlot != nil {
		m.userSlot.Logout()
	}
}

// ActiveUser reports the current session's user, if any.
func (m *Manager) ActiveUser() (catalog.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeUser == nil {
		return catalog.User{}, false
	}
	return *m.activeUser, true
}
