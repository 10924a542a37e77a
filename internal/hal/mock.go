package hal

import (
	"fmt"
	"sync"
)

// MockHAL is an in-memory HAL used by tests and by non-Linux builds. Every
// solenoid line is just a map entry; card readers layered on top of MockSPI
// return canned UIDs via MockSPIDevice.SetScript.
type MockHAL struct {
	gpio *MockGPIO
	spi  *MockSPI
	info BoardInfo
}

// NewMockHAL creates a MockHAL reporting as a generic unknown board.
func NewMockHAL() *MockHAL {
	return &MockHAL{
		gpio: NewMockGPIO(),
		spi:  NewMockSPI(),
		info: BoardInfo{
			Model:    BoardUnknown,
			Name:     "Mock Board",
			GPIOChip: "mock0",
		},
	}
}

func (m *MockHAL) GPIO() GPIOProvider { return m.gpio }
func (m *MockHAL) SPI() SPIProvider   { return m.spi }
func (m *MockHAL) Info() BoardInfo    { return m.info }
func (m *MockHAL) Close() error       { return nil }

// MockGPIO tracks pin mode and level in memory, guarded by a mutex since the
// bus arbiter and multiple solenoids write concurrently.
type MockGPIO struct {
	mu    sync.RWMutex
	modes map[int]PinMode
	vals  map[int]bool
}

func NewMockGPIO() *MockGPIO {
	return &MockGPIO{modes: make(map[int]PinMode), vals: make(map[int]bool)}
}

func (g *MockGPIO) SetMode(pin int, mode PinMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modes[pin] = mode
	return nil
}

func (g *MockGPIO) DigitalRead(pin int) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.modes[pin]; !ok {
		return false, fmt.Errorf("hal: pin %d not initialized", pin)
	}
	return g.vals[pin], nil
}

func (g *MockGPIO) DigitalWrite(pin int, value bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.modes[pin]; !ok {
		g.modes[pin] = Output
	}
	g.vals[pin] = value
	return nil
}

func (g *MockGPIO) ActivePins() map[int]PinMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[int]PinMode, len(g.modes))
	for pin, mode := range g.modes {
		out[pin] = mode
	}
	return out
}

func (g *MockGPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modes = make(map[int]PinMode)
	g.vals = make(map[int]bool)
	return nil
}

// MockSPI hands out MockSPIDevices keyed by bus/device.
type MockSPI struct {
	mu      sync.Mutex
	devices map[string]*MockSPIDevice
}

func NewMockSPI() *MockSPI {
	return &MockSPI{devices: make(map[string]*MockSPIDevice)}
}

func (s *MockSPI) Open(bus, device int) (SPIDevice, error) {
	return s.Device(bus, device), nil
}

func (s *MockSPI) Close() error { return nil }

// Device returns (creating if necessary) the device backing bus/device, so
// tests can script its responses before the reader opens it.
func (s *MockSPI) Device(bus, device int) *MockSPIDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%d-%d", bus, device)
	dev, ok := s.devices[key]
	if !ok {
		dev = &MockSPIDevice{}
		s.devices[key] = dev
	}
	return dev
}

// MockSPIDevice is a scriptable stand-in for one MFRC522 on the bus.
type MockSPIDevice struct {
	mu      sync.Mutex
	replies [][]byte
	fault   error
}

// SetScript replaces the queue of responses returned from Transfer, one per
// call; once exhausted, Transfer keeps returning the last entry (or an empty
// read if none was ever set).
func (d *MockSPIDevice) SetScript(replies ...[]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = replies
	d.fault = nil
}

// SetFault makes every subsequent Transfer fail with err, simulating a
// persistent hardware fault.
func (d *MockSPIDevice) SetFault(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = err
}

func (d *MockSPIDevice) Transfer(data []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fault != nil {
		return nil, d.fault
	}
	if len(d.replies) == 0 {
		return make([]byte, len(data)), nil
	}
	next := d.replies[0]
	if len(d.replies) > 1 {
		d.replies = d.replies[1:]
	}
	out := make([]byte, len(next))
	copy(out, next)
	return out, nil
}

func (d *MockSPIDevice) Close() error { return nil }
