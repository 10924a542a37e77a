package channel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single message so a malformed or hostile peer can't
// force an unbounded allocation.
const maxFrameSize = 1 << 20 // 1 MiB

// writeFrame writes a 4-byte big-endian length prefix followed by payload.
// A raw TLS stream has no built-in message boundaries, so every JSON
// document gets an explicit length prefix.
func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("channel: frame of %d bytes exceeds limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
