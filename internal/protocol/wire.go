package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// readUTF reads one length-prefixed UTF-8 string: a 2-byte big-endian
// length followed by that many bytes. This is the framing worker agents
// use for the handshake leg of the protocol.
func readUTF(r io.Reader) (string, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", err
	}

	n := binary.BigEndian.Uint16(header[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}

	if !utf8.Valid(buf) {
		return "", fmt.Errorf("handshake string is not valid UTF-8")
	}
	return string(buf), nil
}

// writeLine writes a single newline-terminated line to the peer.
func writeLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\n")
	return err
}
