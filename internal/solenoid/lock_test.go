package solenoid

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePin struct {
	mu     sync.Mutex
	values map[int]bool
}

func newFakePin() *fakePin {
	return &fakePin{values: make(map[int]bool)}
}

func (f *fakePin) DigitalWrite(pin int, value bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[pin] = value
	return nil
}

func (f *fakePin) read(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[pin]
}

func TestNew_DrivesInitialLevel(t *testing.T) {
	gpio := newFakePin()
	New(gpio, 7, true)
	assert.False(t, gpio.read(7), "locked slot should drive the pin low (de-energized)")

	gpio2 := newFakePin()
	New(gpio2, 7, false)
	assert.True(t, gpio2.read(7), "unlocked slot should drive the pin high (energized)")
}

func TestLock_Quick(t *testing.T) {
	gpio := newFakePin()
	l := New(gpio, 3, false)

	start := time.Now()
	l.Lock(true, 200*time.Millisecond)
	elapsed := time.Since(start)

	assert.True(t, l.IsLocked())
	assert.False(t, gpio.read(3))
	assert.Less(t, elapsed, 50*time.Millisecond, "quick lock must not wait out the settle delay")
}

func TestLock_SettleDelayBlocksCaller(t *testing.T) {
	gpio := newFakePin()
	l := New(gpio, 3, false)

	start := time.Now()
	l.Lock(false, 80*time.Millisecond)
	elapsed := time.Since(start)

	assert.True(t, l.IsLocked())
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
}

func TestUnlock_ArmsRelockTimer(t *testing.T) {
	gpio := newFakePin()
	l := New(gpio, 3, true)

	fired := make(chan struct{})
	l.Unlock(30*time.Millisecond, func() { close(fired) })

	assert.False(t, l.IsLocked())
	assert.True(t, gpio.read(3))

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("relock timer never fired")
	}
}

func TestCancelRelock_PreventsCallback(t *testing.T) {
	gpio := newFakePin()
	l := New(gpio, 3, true)

	fired := false
	l.Unlock(30*time.Millisecond, func() { fired = true })
	l.CancelRelock()

	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired, "cancelled relock must not invoke its callback")
}

func TestLock_CancelsPendingRelock(t *testing.T) {
	gpio := newFakePin()
	l := New(gpio, 3, true)

	fired := false
	l.Unlock(30*time.Millisecond, func() { fired = true })
	l.Lock(true, 0)

	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired, "a manual lock before the timer fires must cancel the auto-relock")
	require.True(t, l.IsLocked())
}
