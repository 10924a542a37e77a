package userslot

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyguardio/keyguardd/internal/bus"
	"github.com/keyguardio/keyguardd/internal/catalog"
	"github.com/keyguardio/keyguardd/internal/hal"
	"github.com/keyguardio/keyguardd/internal/reader"
)

func newTestMachine(t *testing.T) (*Machine, *catalog.Catalog, *hal.MockSPIDevice) {
	t.Helper()
	dir := t.TempDir()
	roster := `{
		"keys": [],
		"users": [
			{"id":"user-1","rf_id":"aa","username":"alice","name":"Alice","authorized_for":[]},
			{"id":"user-2","rf_id":"bb","username":"bob","name":"Bob","authorized_for":[]}
		]
	}`
	passwords := `{"passwords":[]}`
	rosterPath := dir + "/roster.json"
	passwordsPath := dir + "/passwords.json"
	require.NoError(t, os.WriteFile(rosterPath, []byte(roster), 0o600))
	require.NoError(t, os.WriteFile(passwordsPath, []byte(passwords), 0o600))
	cat, err := catalog.Load(rosterPath, passwordsPath)
	require.NoError(t, err)

	gpio := hal.NewMockGPIO()
	spi := hal.NewMockSPI()
	arbiter, err := bus.NewArbiter(gpio, []int{1})
	require.NoError(t, err)
	dev := spi.Device(0, 0)
	rd, err := reader.Open(spi, 0, 0, arbiter.Handle(1, 1))
	require.NoError(t, err)

	m := New(cat, rd, 20*time.Millisecond)
	return m, cat, dev
}

func TestTick_UnknownCardEmitsUnknownUserFound(t *testing.T) {
	m, _, dev := newTestMachine(t)
	dev.SetScript([]byte{0xff})

	var gotUID string
	m.Events.On(func(_ *Machine, ev Event) {
		if ev.Kind == UnknownUserFound {
			gotUID = ev.UID
		}
	})

	m.Tick(context.Background())

	assert.Equal(t, "ff", gotUID)
	_, ok := m.CurrentUser()
	assert.False(t, ok)
}

func TestTick_KnownCardOpensSession(t *testing.T) {
	m, _, dev := newTestMachine(t)
	dev.SetScript([]byte{0xaa})

	var gotKind EventKind
	var gotUser catalog.User
	var gotVia Via
	m.Events.On(func(_ *Machine, ev Event) {
		gotKind = ev.Kind
		gotUser = ev.User
		gotVia = ev.Via
	})

	m.Tick(context.Background())

	assert.Equal(t, UserFound, gotKind)
	assert.Equal(t, ViaCard, gotVia)
	assert.Equal(t, "alice", gotUser.Username)

	user, ok := m.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "user-1", user.ID)
}

func TestTick_DebounceSuppressesRepeatRead(t *testing.T) {
	m, _, dev := newTestMachine(t)
	dev.SetScript([]byte{0xaa})
	m.Tick(context.Background())

	events := 0
	m.Events.On(func(_ *Machine, _ Event) { events++ })

	dev.SetScript([]byte{0xaa})
	m.Tick(context.Background())

	assert.Zero(t, events, "an unchanged UID must not re-trigger any event")
}

func TestTick_SecondDifferentUserBlockedWhileSessionActive(t *testing.T) {
	m, _, dev := newTestMachine(t)
	dev.SetScript([]byte{0xaa})
	m.Tick(context.Background())

	var gotKind EventKind
	var gotUser catalog.User
	m.Events.On(func(_ *Machine, ev Event) {
		gotKind = ev.Kind
		gotUser = ev.User
	})

	dev.SetScript([]byte{0xbb})
	m.Tick(context.Background())

	assert.Equal(t, UserCardBlocked, gotKind)
	assert.Equal(t, "bob", gotUser.Username)

	// The original occupant must still be the active one.
	user, ok := m.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "alice", user.Username)
}

func TestLogout_ClearsActiveUser(t *testing.T) {
	m, cat, _ := newTestMachine(t)
	alice, ok := cat.UserByRFID("aa")
	require.True(t, ok)
	m.OnUserLogin(alice)

	_, ok = m.CurrentUser()
	require.True(t, ok)

	m.Logout()

	_, ok = m.CurrentUser()
	assert.False(t, ok)
}

func TestOnUserLogin_EmitsUserFoundViaLogin(t *testing.T) {
	m, cat, _ := newTestMachine(t)
	alice, ok := cat.UserByRFID("aa")
	require.True(t, ok)

	var gotVia Via
	m.Events.On(func(_ *Machine, ev Event) {
		if ev.Kind == UserFound {
			gotVia = ev.Via
		}
	})

	m.OnUserLogin(alice)
	assert.Equal(t, ViaLogin, gotVia)
}
