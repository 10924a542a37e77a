package hal

import (
	"sync"
	"time"
)

// PinState is the live state of a single GPIO line (a solenoid actuator or a
// chip-select line) exposed through the admin /status endpoint.
type PinState struct {
	Pin        int       `json:"pin"`
	Value      bool      `json:"value"`
	Mode       string    `json:"mode"`
	EdgeCount  uint64    `json:"edge_count"`
	LastChange time.Time `json:"last_change"`
}

// MonitorState is a full snapshot of all currently configured GPIO lines.
type MonitorState struct {
	Pins      map[int]*PinState `json:"pins"`
	BoardName string            `json:"board_name"`
	GPIOChip  string            `json:"gpio_chip"`
	Timestamp time.Time         `json:"timestamp"`
}

// GPIOMonitor polls the active HAL pins on an interval and reports value
// changes, purely for operator visibility — it never drives the solenoids or
// readers itself.
type GPIOMonitor struct {
	mu         sync.RWMutex
	pins       map[int]*PinState
	prevValues map[int]bool
	pollMs     int
	boardName  string
	gpioChip   string
	stopCh     chan struct{}
}

// NewGPIOMonitor creates a monitor against the currently installed global
// HAL.
func NewGPIOMonitor(pollMs int) *GPIOMonitor {
	boardName, gpioChip := "Unknown", ""
	if h, err := GetGlobalHAL(); err == nil {
		info := h.Info()
		boardName, gpioChip = info.Name, info.GPIOChip
	}
	return &GPIOMonitor{
		pins:       make(map[int]*PinState),
		prevValues: make(map[int]bool),
		pollMs:     pollMs,
		boardName:  boardName,
		gpioChip:   gpioChip,
		stopCh:     make(chan struct{}),
	}
}

// Start polls until Stop is called; run it in its own goroutine.
func (m *GPIOMonitor) Start() {
	ticker := time.NewTicker(time.Duration(m.pollMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

// Stop ends the polling loop. Safe to call at most once.
func (m *GPIOMonitor) Stop() {
	close(m.stopCh)
}

func (m *GPIOMonitor) poll() {
	h, err := GetGlobalHAL()
	if err != nil {
		return
	}
	gpio := h.GPIO()
	active := gpio.ActivePins()
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for pin := range m.pins {
		if _, ok := active[pin]; !ok {
			delete(m.pins, pin)
			delete(m.prevValues, pin)
		}
	}

	for pin, mode := range active {
		value, err := gpio.DigitalRead(pin)
		if err != nil {
			continue
		}
		modeStr := "input"
		if mode == Output {
			modeStr = "output"
		}
		state, exists := m.pins[pin]
		if !exists {
			m.pins[pin] = &PinState{Pin: pin, Value: value, Mode: modeStr, LastChange: now}
			m.prevValues[pin] = value
			continue
		}
		state.Mode = modeStr
		if value != m.prevValues[pin] {
			state.Value = value
			state.EdgeCount++
			state.LastChange = now
			m.prevValues[pin] = value
		}
	}
}

// Snapshot returns the current state for the admin /status endpoint.
func (m *GPIOMonitor) Snapshot() MonitorState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pins := make(map[int]*PinState, len(m.pins))
	for pin, s := range m.pins {
		cp := *s
		pins[pin] = &cp
	}
	return MonitorState{Pins: pins, BoardName: m.boardName, GPIOChip: m.gpioChip, Timestamp: time.Now()}
}
