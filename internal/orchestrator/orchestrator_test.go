package orchestrator

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyguardio/keyguardd/internal/bus"
	"github.com/keyguardio/keyguardd/internal/catalog"
	"github.com/keyguardio/keyguardd/internal/hal"
	"github.com/keyguardio/keyguardd/internal/reader"
	"github.com/keyguardio/keyguardd/internal/slot"
	"github.com/keyguardio/keyguardd/internal/solenoid"
	"github.com/keyguardio/keyguardd/internal/userslot"
)

func testRig(t *testing.T) (*userslot.Machine, *slot.Machine, *hal.MockSPIDevice, *hal.MockSPIDevice) {
	t.Helper()
	dir := t.TempDir()
	roster := `{
		"keys": [{"id":"key-1","rf_id":"aa","name":"Server Room"}],
		"users": [{"id":"user-1","rf_id":"bb","username":"alice","name":"Alice","authorized_for":["key-1"]}]
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
	arbiter, err := bus.NewArbiter(gpio, []int{1, 2})
	require.NoError(t, err)

	userDev := spi.Device(0, 0)
	userRd, err := reader.Open(spi, 0, 0, arbiter.Handle(0, 1))
	require.NoError(t, err)
	us := userslot.New(cat, userRd, 5*time.Millisecond)

	slotDev := spi.Device(1, 0)
	slotRd, err := reader.Open(spi, 1, 0, arbiter.Handle(1, 2))
	require.NoError(t, err)
	require.NoError(t, gpio.SetMode(50, hal.Output))
	lock := solenoid.New(gpio, 50, true)
	sm := slot.New(slot.Config{
		Name:                "slot-1",
		ReaderTimeout:       5 * time.Millisecond,
		RelockTimeout:       20 * time.Millisecond,
		SolenoidSettleTime:  2 * time.Millisecond,
		TheftDecisionWindow: 30 * time.Millisecond,
	}, cat, slotRd, lock)

	return us, sm, userDev, slotDev
}

func TestRun_TicksBothMachinesUntilStop(t *testing.T) {
	us, sm, userDev, slotDev := testRig(t)
	userDev.SetScript([]byte{0, 0, 0, 0})
	slotDev.SetScript([]byte{0, 0, 0, 0})

	var userEvents, slotEvents int32
	us.Events.On(func(_ *userslot.Machine, _ userslot.Event) { atomic.AddInt32(&userEvents, 1) })
	sm.Events.On(func(_ *slot.Machine, _ slot.Event) { atomic.AddInt32(&slotEvents, 1) })

	o := New(us, []*slot.Machine{sm}, 2*time.Millisecond)
	go o.Run(context.Background())

	time.Sleep(20 * time.Millisecond)

	userDev.SetScript([]byte{0xbb})
	slotDev.SetScript([]byte{0xaa})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&userEvents) > 0 && atomic.LoadInt32(&slotEvents) > 0
	}, time.Second, 2*time.Millisecond, "both machines must be ticked by the orchestrator loop")

	o.Stop()
}

func TestStop_BlocksUntilRunReturns(t *testing.T) {
	us, sm, userDev, slotDev := testRig(t)
	userDev.SetScript([]byte{0, 0, 0, 0})
	slotDev.SetScript([]byte{0, 0, 0, 0})

	o := New(us, []*slot.Machine{sm}, time.Millisecond)
	go o.Run(context.Background())

	time.Sleep(10 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		o.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop never returned")
	}
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	us, sm, userDev, slotDev := testRig(t)
	userDev.SetScript([]byte{0, 0, 0, 0})
	slotDev.SetScript([]byte{0, 0, 0, 0})

	ctx, cancel := context.WithCancel(context.Background())
	o := New(us, []*slot.Machine{sm}, time.Millisecond)

	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run never returned after context cancellation")
	}
}

func TestNew_AcceptsEmptySlotList(t *testing.T) {
	us, _, userDev, _ := testRig(t)
	userDev.SetScript([]byte{0, 0, 0, 0})

	o := New(us, nil, time.Millisecond)
	go o.Run(context.Background())
	time.Sleep(5 * time.Millisecond)
	o.Stop()
}
