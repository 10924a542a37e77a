// Package reader is the thin facade over an MFRC522 RFID transceiver.
// Register-level command framing (anticollision, CRC, authentication) is
// treated as a black box: this package only exposes "read a UID, or give up
// after timeout" and "release the device". Everything above this package
// consumes UIDs as opaque lowercase-hex strings.
package reader

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/keyguardio/keyguardd/internal/bus"
	"github.com/keyguardio/keyguardd/internal/hal"
)

// ErrReaderFault signals a transceiver error distinct from "no card
// present": ReadUID returns it when at least one poll within the timeout
// failed and no card was seen. The slot and user-slot machines treat it as
// NONE for that tick; this exists mainly so tests and logs can tell the
// difference.
var ErrReaderFault = errors.New("reader: persistent hardware fault")

// pollInterval is how often the facade re-issues the anticollision command
// while waiting out a ReadUID timeout.
const pollInterval = 5 * time.Millisecond

// Reader polls one MFRC522 transceiver over a chip-select line owned by a
// bus.Arbiter.
type Reader struct {
	dev    hal.SPIDevice
	handle *bus.LineHandle
}

// Open connects to the reader at bus/device and binds it to the given
// arbiter line handle. The caller owns the handle's lifetime and should not
// share it with another Reader.
func Open(spi hal.SPIProvider, busNum, device int, handle *bus.LineHandle) (*Reader, error) {
	dev, err := spi.Open(busNum, device)
	if err != nil {
		return nil, err
	}
	return &Reader{dev: dev, handle: handle}, nil
}

// ReadUID polls for a card for up to timeout, returning its UID as lowercase
// hex, or "" if no card was seen. If any poll failed and no card was seen,
// it reports ErrReaderFault rather than silently treating it as "no card", so
// the caller can decide how to count it (the slot and user-slot machines
// convert this to NONE for that tick).
func (r *Reader) ReadUID(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for {
		if err := r.handle.Acquire(timeout); err != nil {
			return "", err
		}
		uid, err := r.pollOnce()
		r.handle.Release()

		if err != nil {
			lastErr = err
		} else if uid != "" {
			return uid, nil
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	if lastErr != nil {
		return "", ErrReaderFault
	}
	return "", nil
}

// pollOnce issues one anticollision request and returns the UID bytes as hex
// if a card answered. The real register sequence (REQA, anticollision,
// SELECT) lives behind hal.SPIDevice.Transfer; this facade only needs the
// resulting UID bytes, which the transceiver returns as the tail of the
// anticollision reply.
func (r *Reader) pollOnce() (string, error) {
	reply, err := r.dev.Transfer(anticollisionFrame)
	if err != nil {
		return "", err
	}
	if len(reply) == 0 || allZero(reply) {
		return "", nil
	}
	return hex.EncodeToString(reply), nil
}

// anticollisionFrame is the fixed request frame for a 4-byte UID
// anticollision exchange (MFRC522 command 0x93 cascade level 1).
var anticollisionFrame = []byte{0x93, 0x20}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Cleanup idempotently shuts the reader down by closing the underlying SPI
// device handle. It sends no antenna power-down command to the transceiver.
// Safe to call more than once.
func (r *Reader) Cleanup() error {
	if r.dev == nil {
		return nil
	}
	err := r.dev.Close()
	r.dev = nil
	return err
}
