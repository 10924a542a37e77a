package hal

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// RaspberryPiHAL drives solenoid/chip-select lines through go-rpio and the
// shared MFRC522 SPI bus through periph.io.
type RaspberryPiHAL struct {
	mu         sync.Mutex
	pins       map[int]rpio.Pin
	modes      map[int]PinMode
	spiDevices map[string]spi.PortCloser
	info       BoardInfo
}

// NewRaspberryPiHAL opens the GPIO and SPI subsystems. Callers should treat
// failure as fatal at startup per the error-handling design: a controller
// that cannot reach its own solenoids has nothing useful to do.
func NewRaspberryPiHAL() (*RaspberryPiHAL, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("hal: failed to initialize periph.io host: %w", err)
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("hal: failed to open GPIO: %w", err)
	}

	info, err := DetectBoard()
	if err != nil {
		info = &BoardInfo{Model: BoardUnknown, Name: "Unknown Board", GPIOChip: "gpiochip0"}
	}

	return &RaspberryPiHAL{
		pins:       make(map[int]rpio.Pin),
		modes:      make(map[int]PinMode),
		spiDevices: make(map[string]spi.PortCloser),
		info:       *info,
	}, nil
}

func (h *RaspberryPiHAL) GPIO() GPIOProvider { return h }
func (h *RaspberryPiHAL) SPI() SPIProvider   { return h }
func (h *RaspberryPiHAL) Info() BoardInfo    { return h.info }

func (h *RaspberryPiHAL) SetMode(pin int, mode PinMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("hal: unsupported pin mode: %v", mode)
	}
	h.pins[pin] = p
	h.modes[pin] = mode
	return nil
}

func (h *RaspberryPiHAL) DigitalWrite(pin int, value bool) error {
	h.mu.Lock()
	p, ok := h.pins[pin]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("hal: pin %d not initialized", pin)
	}
	if value {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (h *RaspberryPiHAL) DigitalRead(pin int) (bool, error) {
	h.mu.Lock()
	p, ok := h.pins[pin]
	h.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("hal: pin %d not initialized", pin)
	}
	return p.Read() == rpio.High, nil
}

func (h *RaspberryPiHAL) ActivePins() map[int]PinMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[int]PinMode, len(h.modes))
	for pin, mode := range h.modes {
		out[pin] = mode
	}
	return out
}

// Open connects to one MFRC522 transceiver on the shared SPI bus. Chip
// selection is NOT handled here — callers must hold the bus arbiter's line
// lock for the device's chip-select pin before every Transfer.
func (h *RaspberryPiHAL) Open(bus, device int) (SPIDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := fmt.Sprintf("%d.%d", bus, device)
	port, ok := h.spiDevices[key]
	if !ok {
		opened, err := spireg.Open(fmt.Sprintf("SPI%s", key))
		if err != nil {
			return nil, fmt.Errorf("hal: failed to open SPI device %s: %w", key, err)
		}
		h.spiDevices[key] = opened
		port = opened
	}

	conn, err := port.Connect(physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("hal: failed to connect SPI device %s: %w", key, err)
	}
	return &spiDeviceHandle{conn: conn}, nil
}

func (h *RaspberryPiHAL) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, port := range h.spiDevices {
		port.Close()
	}
	return rpio.Close()
}

type spiDeviceHandle struct {
	conn spi.Conn
}

func (d *spiDeviceHandle) Transfer(data []byte) ([]byte, error) {
	read := make([]byte, len(data))
	if err := d.conn.Tx(data, read); err != nil {
		return nil, fmt.Errorf("hal: spi transfer failed: %w", err)
	}
	return read, nil
}

func (d *spiDeviceHandle) Close() error { return nil }
