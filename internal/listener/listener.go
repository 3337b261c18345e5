// Package listener accepts inbound agent sockets and routes each one to
// a registered protocol handler by the protocol name the peer requests.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kumien/jenkins/pkg/metrics"
)

// protocolPrefix opens every connection: one line of the form
// "Protocol:<name>".
const protocolPrefix = "Protocol:"

// preambleTimeout bounds how long a connection may sit silent before
// naming its protocol.
const preambleTimeout = 30 * time.Second

// maxPreambleLength caps the preamble line; protocol names are short.
const maxPreambleLength = 256

// Protocol handles connections for one named wire protocol. Handle owns
// the socket: it either closes it on every failure path or hands
// ownership onward.
type Protocol interface {
	Name() string
	Handle(conn net.Conn) error
}

// Server accepts TCP connections and dispatches them to protocols.
type Server struct {
	addr      string
	protocols map[string]Protocol
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu       sync.Mutex
	ln       net.Listener
	closed   bool
	handlers sync.WaitGroup
}

// NewServer creates a Server listening on addr once Start is called.
func NewServer(addr string, logger zerolog.Logger, m *metrics.Metrics, protocols ...Protocol) *Server {
	byName := make(map[string]Protocol, len(protocols))
	for _, p := range protocols {
		byName[p.Name()] = p
	}

	return &Server{
		addr:      addr,
		protocols: byName,
		metrics:   m,
		logger:    logger.With().Str("component", "listener").Logger(),
	}
}

// Start binds the listen address and runs the accept loop until Shutdown
// is called. It blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server already shut down")
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("agent listener started")

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if s.metrics != nil {
			s.metrics.ConnectionsAccepted.Inc()
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.dispatch(conn)
		}()
	}
}

// Addr returns the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting and waits for in-flight handlers, up to the
// context deadline. Established channels are not torn down here; they
// belong to their close listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("agent listener stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("agent listener shutdown timed out")
		return ctx.Err()
	}
}

// dispatch reads the protocol preamble and hands the connection to the
// matching protocol. The socket is closed here on every path that does
// not reach a handler.
func (s *Server) dispatch(conn net.Conn) {
	logger := s.logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()

	_ = conn.SetReadDeadline(time.Now().Add(preambleTimeout))

	name, err := readPreamble(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read protocol preamble")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	proto, ok := s.protocols[name]
	if !ok {
		logger.Warn().Str("protocol", name).Msg("unknown protocol requested")
		fmt.Fprintf(conn, "Unknown protocol:%s\n", name)
		_ = conn.Close()
		return
	}

	logger.Debug().Str("protocol", name).Msg("dispatching connection")
	if err := proto.Handle(conn); err != nil {
		logger.Error().Err(err).Str("protocol", name).Msg("protocol handler failed")
		// Handlers close on their own failure paths; this is a backstop.
		_ = conn.Close()
	}
}

// readPreamble reads the "Protocol:<name>" line one byte at a time so
// that no bytes beyond the newline are consumed from the protocol's
// stream.
func readPreamble(conn net.Conn) (string, error) {
	var (
		b   strings.Builder
		buf [1]byte
	)
	for b.Len() <= maxPreambleLength {
		if _, err := io.ReadFull(conn, buf[:]); err != nil {
			return "", err
		}
		if buf[0] == '\n' {
			line := b.String()
			if !strings.HasPrefix(line, protocolPrefix) {
				return "", fmt.Errorf("malformed preamble %q", line)
			}
			return strings.TrimPrefix(line, protocolPrefix), nil
		}
		b.WriteByte(buf[0])
	}
	return "", errors.New("preamble line too long")
}
