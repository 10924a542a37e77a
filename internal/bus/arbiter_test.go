package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyguardio/keyguardd/internal/hal"
)

func TestNewArbiter_DrivesLinesHigh(t *testing.T) {
	gpio := hal.NewMockGPIO()
	_, err := NewArbiter(gpio, []int{1, 2, 3})
	require.NoError(t, err)

	for _, line := range []int{1, 2, 3} {
		v, err := gpio.DigitalRead(line)
		require.NoError(t, err)
		assert.True(t, v, "chip-select lines start inactive (high)")
	}
}

func TestAcquireRelease_AssertsAndReleasesLine(t *testing.T) {
	gpio := hal.NewMockGPIO()
	a, err := NewArbiter(gpio, []int{1})
	require.NoError(t, err)

	require.NoError(t, a.Acquire(1, 1, 0))
	v, _ := gpio.DigitalRead(1)
	assert.False(t, v, "acquired line is asserted low")

	a.Release(1)
	v, _ = gpio.DigitalRead(1)
	assert.True(t, v, "released line returns high")
}

func TestAcquire_ReentrantForSameCaller(t *testing.T) {
	gpio := hal.NewMockGPIO()
	a, err := NewArbiter(gpio, []int{1})
	require.NoError(t, err)

	require.NoError(t, a.Acquire(42, 1, 0))
	require.NoError(t, a.Acquire(42, 1, 0), "same caller reacquiring the same line must recurse")
	a.Release(42)
	v, _ := gpio.DigitalRead(1)
	assert.False(t, v, "line stays held until the matching number of releases")
	a.Release(42)
	v, _ = gpio.DigitalRead(1)
	assert.True(t, v)
}

func TestAcquire_MutualExclusionAcrossCallers(t *testing.T) {
	gpio := hal.NewMockGPIO()
	a, err := NewArbiter(gpio, []int{1, 2})
	require.NoError(t, err)

	require.NoError(t, a.Acquire(1, 1, 0))

	var mu sync.Mutex
	acquired := false
	done := make(chan struct{})
	go func() {
		require.NoError(t, a.Acquire(2, 2, 0))
		mu.Lock()
		acquired = true
		mu.Unlock()
		a.Release(2)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.False(t, acquired, "a second caller must block while any line is held")
	mu.Unlock()

	a.Release(1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired after release")
	}
}

func TestAcquire_TimesOutWithErrBusBusy(t *testing.T) {
	gpio := hal.NewMockGPIO()
	a, err := NewArbiter(gpio, []int{1, 2})
	require.NoError(t, err)

	require.NoError(t, a.Acquire(1, 1, 0))

	start := time.Now()
	err = a.Acquire(2, 2, 40*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrBusBusy)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestRelease_OfUnheldLinePanics(t *testing.T) {
	gpio := hal.NewMockGPIO()
	a, err := NewArbiter(gpio, []int{1})
	require.NoError(t, err)

	assert.Panics(t, func() { a.Release(1) })
}

func TestLineHandle_AcquireRelease(t *testing.T) {
	gpio := hal.NewMockGPIO()
	a, err := NewArbiter(gpio, []int{5})
	require.NoError(t, err)

	h := a.Handle(9, 5)
	require.NoError(t, h.Acquire(0))
	v, _ := gpio.DigitalRead(5)
	assert.False(t, v)
	h.Release()
	v, _ = gpio.DigitalRead(5)
	assert.True(t, v)
}
