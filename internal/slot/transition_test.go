package slot

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyguardio/keyguardd/internal/catalog"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	roster := `{
		"keys": [{"id":"key-1","rf_id":"aa","name":"Server Room"},{"id":"key-2","rf_id":"bb","name":"Loading Dock"}],
		"users": [{"id":"user-1","rf_id":"u1","username":"alice","name":"Alice","authorized_for":["key-1"]}]
	}`
	passwords := `{"passwords":[{"id":"user-1","password":"$2a$04$abcdefghijklmnopqrstuuOQJYpZ1dQbYqk9z6xQ8v7l0B9yE1Zxe"}]}`

	rosterPath := dir + "/roster.json"
	passwordsPath := dir + "/passwords.json"
	require.NoError(t, os.WriteFile(rosterPath, []byte(roster), 0o600))
	require.NoError(t, os.WriteFile(passwordsPath, []byte(passwords), 0o600))

	cat, err := catalog.Load(rosterPath, passwordsPath)
	require.NoError(t, err)
	return cat
}

func TestTransition_KeyFoundFromUnlocked(t *testing.T) {
	cat := testCatalog(t)
	now := time.Now()

	result := transition(State{Lock: Unlocked}, now, "aa", time.Second, cat)

	require.Len(t, result.events, 1)
	assert.Equal(t, KeyFound, result.events[0].Kind)
	assert.Equal(t, "key-1", result.next.CurrentKeyID)
	assert.Equal(t, Locked, result.next.Lock)
	assert.True(t, result.lockSettle)
}

func TestTransition_UnknownKeyPlacedFromUnlocked(t *testing.T) {
	cat := testCatalog(t)
	now := time.Now()

	result := transition(State{Lock: Unlocked}, now, "zz", time.Second, cat)

	require.Len(t, result.events, 1)
	assert.Equal(t, UnknownKeyPlaced, result.events[0].Kind)
	assert.Equal(t, "zz", result.events[0].UnknownUID)
	assert.Equal(t, "", result.next.CurrentKeyID)
	assert.False(t, result.lockSettle)
}

func TestTransition_KeyUninsertedFromUnlocked(t *testing.T) {
	cat := testCatalog(t)
	now := time.Now()

	s := State{Lock: Unlocked, CurrentKeyID: "key-1", LastUID: "aa"}
	result := transition(s, now, "", time.Second, cat)

	require.Len(t, result.events, 1)
	assert.Equal(t, KeyUninserted, result.events[0].Kind)
	assert.Equal(t, "", result.next.CurrentKeyID)
	assert.Equal(t, Locked, result.next.Lock)
	assert.True(t, result.lockSettle)
}

func TestTransition_DebounceNoOp(t *testing.T) {
	cat := testCatalog(t)
	now := time.Now()

	s := State{Lock: Locked, LastUID: "aa", CurrentKeyID: "key-1"}
	result := transition(s, now, "aa", time.Second, cat)

	assert.Empty(t, result.events)
	assert.Equal(t, s, result.next)
}

func TestTransition_BeginsTheftWindowOnRemoval(t *testing.T) {
	cat := testCatalog(t)
	now := time.Now()

	s := State{Lock: Locked, LastUID: "aa", CurrentKeyID: "key-1"}
	result := transition(s, now, "", time.Second, cat)

	assert.Empty(t, result.events, "removal must not raise an alert until the theft window expires")
	require.NotNil(t, result.next.Theft)
	assert.Equal(t, "aa", result.next.Theft.UID)
}

func TestTransition_GlitchRecoverySilent(t *testing.T) {
	cat := testCatalog(t)
	now := time.Now()

	s := State{
		Lock:         Locked,
		LastUID:      "",
		CurrentKeyID: "key-1",
		Theft:        &TheftCandidate{UID: "aa", Deadline: now.Add(500 * time.Millisecond)},
	}
	result := transition(s, now, "aa", time.Second, cat)

	assert.Empty(t, result.events, "the same key reappearing within the theft window must not raise any alert")
	assert.Nil(t, result.next.Theft)
}

func TestTransition_DeceptiveSwapDetected(t *testing.T) {
	cat := testCatalog(t)
	now := time.Now()

	s := State{
		Lock:         Locked,
		LastUID:      "",
		CurrentKeyID: "key-1",
		Theft:        &TheftCandidate{UID: "aa", Deadline: now.Add(500 * time.Millisecond)},
	}
	result := transition(s, now, "bb", time.Second, cat)

	require.Len(t, result.events, 1)
	assert.Equal(t, KeyStolen, result.events[0].Kind)
	assert.Equal(t, "bb", result.events[0].ReplacementUID)
	assert.Equal(t, "Server Room", result.events[0].Key.Name)
	assert.Equal(t, "", result.next.CurrentKeyID)
}

func TestTransition_TheftDeclaredAfterWindowExpires(t *testing.T) {
	cat := testCatalog(t)
	now := time.Now()

	s := State{
		Lock:         Locked,
		LastUID:      "",
		CurrentKeyID: "key-1",
		Theft:        &TheftCandidate{UID: "aa", Deadline: now.Add(-time.Millisecond)},
	}
	result := transition(s, now, "", time.Second, cat)

	require.Len(t, result.events, 1)
	assert.Equal(t, KeyStolen, result.events[0].Kind)
	assert.Equal(t, "", result.events[0].ReplacementUID)
	assert.Nil(t, result.next.Theft)
}

func TestTransition_UnauthorizedPlaceOnLockedEmptySlot(t *testing.T) {
	cat := testCatalog(t)
	now := time.Now()

	s := State{Lock: Locked, LastUID: ""}
	result := transition(s, now, "bb", time.Second, cat)

	require.Len(t, result.events, 1)
	assert.Equal(t, UnauthorizedPlace, result.events[0].Kind)
	assert.Equal(t, "Loading Dock", result.events[0].Key.Name)
}

func TestTransition_BootstrapQuickLockFiresOnce(t *testing.T) {
	cat := testCatalog(t)
	now := time.Now()

	s := State{Lock: Unlocked, Bootstrapping: true}
	result := transition(s, now, "", time.Second, cat)

	assert.True(t, result.lockQuick)
	assert.False(t, result.next.Bootstrapping)

	result2 := transition(result.next, now, "", time.Second, cat)
	assert.False(t, result2.lockQuick)
}
