package channel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize caps a single frame payload. A peer announcing anything
// larger is treated as corrupt rather than buffered.
const maxFrameSize = 1 << 20 // 1MiB

// writeFrame writes a 4-byte big-endian length header followed by the
// payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame payload too large: %d bytes", len(payload))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame. It returns io.EOF only when
// the stream ends cleanly on a frame boundary.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated frame header: %w", err)
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame payload too large: %d bytes", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated frame payload: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return payload, nil
}
