// Package channel implements the bidirectional message channel that a
// worker connection is upgraded to once admission succeeds.
//
// A channel runs over any pair of byte streams. Messages are opaque
// length-prefixed frames; interpretation of the payloads belongs to the
// layers above. The channel owns a close listener that fires exactly once
// when the channel terminates, whatever the cause.
package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// preamble is exchanged by both sides immediately after the handshake
// greeting, before any message traffic.
const preamble = "JCHAN/1"

// preamblePrefix identifies a peer speaking some version of the channel
// protocol.
const preamblePrefix = "JCHAN/"

// inboundBufferSize is the number of received messages buffered before
// the read pump blocks.
const inboundBufferSize = 64

// ErrClosed is returned by Send and Recv after the channel has terminated.
var ErrClosed = errors.New("channel closed")

// AbortError indicates the peer refused, or is unable, to speak the
// channel protocol. It is an application-level rejection, not a transport
// fault.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return e.Reason
}

// Listener is notified exactly once when a channel terminates. Cause is
// nil for a clean shutdown (explicit close or orderly peer disconnect).
type Listener interface {
	OnClosed(c *Channel, cause error)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(c *Channel, cause error)

// OnClosed calls f.
func (f ListenerFunc) OnClosed(c *Channel, cause error) {
	f(c, cause)
}

// Transport establishes channels over byte-stream pairs.
type Transport struct {
	logger zerolog.Logger
}

// NewTransport creates a Transport.
func NewTransport(logger zerolog.Logger) *Transport {
	return &Transport{logger: logger.With().Str("component", "channel").Logger()}
}

// Establish upgrades the stream pair into a running channel. It writes
// this side's preamble, reads the peer's, and starts the read pump.
//
// A well-formed but incompatible peer preamble yields an *AbortError.
// Transport failures yield ordinary I/O errors. In both cases no channel
// exists and the caller keeps ownership of the streams.
//
// sink receives channel diagnostics; closing it remains the caller's
// responsibility, tied to the listener firing.
func (t *Transport) Establish(r io.Reader, w io.Writer, sink io.Writer, l Listener) (*Channel, error) {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	// Both sides send their preamble before reading the peer's, so the
	// send must overlap the read or neither side could complete over an
	// unbuffered stream. On the failure paths the sender is left blocked
	// until the caller closes the stream it still owns.
	sendErr := make(chan error, 1)
	go func() {
		if err := writeFrame(bw, []byte(preamble)); err != nil {
			sendErr <- err
			return
		}
		sendErr <- bw.Flush()
	}()

	peer, err := readFrame(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel preamble: %w", err)
	}
	if string(peer) != preamble {
		if strings.HasPrefix(string(peer), preamblePrefix) {
			return nil, &AbortError{Reason: fmt.Sprintf("unsupported channel version %q", peer)}
		}
		return nil, &AbortError{Reason: "peer is not speaking the channel protocol"}
	}
	if err := <-sendErr; err != nil {
		return nil, fmt.Errorf("failed to send channel preamble: %w", err)
	}

	c := &Channel{
		r:        br,
		w:        bw,
		sink:     sink,
		listener: l,
		logger:   t.logger,
		inbound:  make(chan []byte, inboundBufferSize),
		done:     make(chan struct{}),
	}

	go c.readPump()

	return c, nil
}

// Channel is an established bidirectional message channel.
type Channel struct {
	r        *bufio.Reader
	w        *bufio.Writer
	sink     io.Writer
	listener Listener
	logger   zerolog.Logger

	writeMu sync.Mutex

	inbound chan []byte
	done    chan struct{}

	closeOnce sync.Once
	causeMu   sync.Mutex
	cause     error
}

// Send writes one message to the peer.
func (c *Channel) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := writeFrame(c.w, payload); err != nil {
		c.terminate(err)
		return err
	}
	if err := c.w.Flush(); err != nil {
		c.terminate(err)
		return err
	}
	return nil
}

// Recv returns the next message from the peer. After termination it
// returns ErrClosed, or the terminating cause if there was one.
func (c *Channel) Recv() ([]byte, error) {
	select {
	case msg, ok := <-c.inbound:
		if ok {
			return msg, nil
		}
	case <-c.done:
		// Messages that arrived before termination are still delivered.
		select {
		case msg, ok := <-c.inbound:
			if ok {
				return msg, nil
			}
		default:
		}
	}

	if cause := c.Cause(); cause != nil {
		return nil, cause
	}
	return nil, ErrClosed
}

// Close terminates the channel cleanly. The close listener fires with a
// nil cause.
func (c *Channel) Close() error {
	c.terminate(nil)
	return nil
}

// Done returns a channel closed when the channel has terminated.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Cause returns the terminating error, nil while the channel is live or
// after a clean shutdown.
func (c *Channel) Cause() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	return c.cause
}

// terminate records the cause, fires the listener and releases Done
// waiters. Safe to call multiple times; only the first call wins.
func (c *Channel) terminate(cause error) {
	c.closeOnce.Do(func() {
		c.causeMu.Lock()
		c.cause = cause
		c.causeMu.Unlock()

		if c.done != nil {
			close(c.done)
		}

		c.logger.Debug().Err(cause).Msg("channel terminated")

		if cause != nil && c.sink != nil {
			fmt.Fprintf(c.sink, "channel terminated: %v\n", cause)
		}

		if c.listener != nil {
			c.listener.OnClosed(c, cause)
		}
	})
}

// readPump moves inbound frames from the stream to the inbound queue
// until the stream fails or the channel is closed.
func (c *Channel) readPump() {
	defer close(c.inbound)

	for {
		payload, err := readFrame(c.r)
		if err != nil {
			select {
			case <-c.done:
				// Already terminated; the read failure is fallout from
				// the socket being closed underneath us.
				return
			default:
			}

			if err == io.EOF {
				c.terminate(nil)
			} else {
				c.terminate(err)
			}
			return
		}

		select {
		case c.inbound <- payload:
		case <-c.done:
			return
		}
	}
}
