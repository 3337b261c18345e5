// Package protocol implements the admission protocol that upgrades an
// inbound worker-agent socket into an established message channel.
//
// Once connected, a worker can have commands dispatched to it, so this
// is a security boundary: the agent must present the shared admission
// secret and claim a provisioned worker name before anything else
// happens on the socket. A worker that is already connected is turned
// away so the existing connection stays undisturbed.
package protocol

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kumien/jenkins/internal/channel"
	"github.com/kumien/jenkins/internal/logsink"
	"github.com/kumien/jenkins/internal/registry"
	"github.com/kumien/jenkins/internal/secrets"
	"github.com/kumien/jenkins/pkg/metrics"
)

// Name is the protocol identifier agents request from the listener.
const Name = "JNLP-connect"

// GreetingSuccess is the line sent to the agent when admission succeeds,
// after which both sides switch to channel framing.
const GreetingSuccess = "Welcome"

// AdmissionConfig holds the collaborators for an Admission protocol.
type AdmissionConfig struct {
	Secrets   secrets.Store
	Registry  *registry.Registry
	Sink      logsink.Sink
	Transport *channel.Transport
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger

	// HandshakeTimeout bounds the handshake reads. Zero disables the
	// deadline; the established channel never carries one.
	HandshakeTimeout time.Duration
}

// Admission drives inbound sockets through authentication, identity
// resolution, duplicate rejection and channel handoff.
type Admission struct {
	secrets   secrets.Store
	registry  *registry.Registry
	sink      logsink.Sink
	transport *channel.Transport
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewAdmission creates an Admission protocol handler.
func NewAdmission(cfg AdmissionConfig) *Admission {
	return &Admission{
		secrets:   cfg.Secrets,
		registry:  cfg.Registry,
		sink:      cfg.Sink,
		transport: cfg.Transport,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("protocol", Name).Logger(),
		timeout:   cfg.HandshakeTimeout,
	}
}

// Name returns the protocol identifier.
func (a *Admission) Name() string {
	return Name
}

// Handle runs one connection through the handshake. Rejections are fully
// handled here (peer notified, warning logged, socket closed) and return
// nil; channel-establishment failures are logged to the worker's log
// sink and propagated to the caller with the socket closed.
func (a *Admission) Handle(conn net.Conn) error {
	h := &handler{
		a:    a,
		conn: conn,
		logger: a.logger.With().
			Str("connection_id", uuid.NewString()).
			Str("remote_addr", conn.RemoteAddr().String()).
			Logger(),
	}
	return h.run()
}

// handler owns one accepted socket for the duration of the handshake.
type handler struct {
	a      *Admission
	conn   net.Conn
	logger zerolog.Logger
}

func (h *handler) run() error {
	a := h.a

	if a.timeout > 0 {
		_ = h.conn.SetReadDeadline(time.Now().Add(a.timeout))
	}

	secret, err := readUTF(h.conn)
	if err != nil {
		return h.abortRead("secret", err)
	}

	expected, err := a.secrets.Current()
	if err != nil {
		h.close()
		return fmt.Errorf("failed to load admission secret: %w", err)
	}
	if !hmac.Equal([]byte(secret), []byte(expected)) {
		h.reject("Unauthorized access", metrics.OutcomeUnauthorized)
		return nil
	}

	workerName, err := readUTF(h.conn)
	if err != nil {
		return h.abortRead("worker name", err)
	}
	h.logger = h.logger.With().Str("worker", workerName).Logger()

	slot := a.registry.Lookup(workerName)
	if slot == nil {
		h.reject("No such slave: "+workerName, metrics.OutcomeUnknownWorker)
		return nil
	}

	// The reservation is the duplicate guard and the critical section
	// around channel installation: a second handshake for the same name
	// cannot pass this point until the slot is free again.
	if err := slot.Reserve(); err != nil {
		h.reject(workerName+" is already connected to this master. Rejecting this connection.", metrics.OutcomeDuplicate)
		return nil
	}

	if err := writeLine(h.conn, GreetingSuccess); err != nil {
		h.releaseAndClose(slot)
		a.countOutcome(metrics.OutcomeError)
		return fmt.Errorf("failed to send greeting to %s: %w", workerName, err)
	}

	// The handshake deadline must not outlive the handshake.
	if a.timeout > 0 {
		_ = h.conn.SetReadDeadline(time.Time{})
	}

	if _, err := h.connect(slot); err != nil {
		h.releaseAndClose(slot)
		a.countOutcome(metrics.OutcomeError)
		return err
	}

	a.countOutcome(metrics.OutcomeAccepted)
	h.logger.Info().Msg("worker connected")

	// The socket now belongs to the channel and its close listener; the
	// handler is done with it.
	return nil
}

// connect opens the worker's log sink, establishes the channel with its
// close listener and installs it on the reserved slot.
func (h *handler) connect(slot *registry.Slot) (*channel.Channel, error) {
	a := h.a
	workerName := slot.Name()

	logw, err := a.sink.Open(workerName)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for %s: %w", workerName, err)
	}
	fmt.Fprintf(logw, "JNLP agent connected from %s\n", h.conn.RemoteAddr())

	onClosed := channel.ListenerFunc(func(ch *channel.Channel, cause error) {
		if cause != nil {
			h.logger.Warn().Err(cause).Msgf("connection for %s terminated", workerName)
		}
		// Best effort on both; the peer may already be gone.
		_ = h.conn.Close()
		_ = logw.Close()

		if slot.Clear(ch) && a.metrics != nil {
			a.metrics.ConnectedWorkers.Dec()
		}
	})

	ch, err := a.transport.Establish(h.conn, h.conn, logw, onClosed)
	if err != nil {
		var abort *channel.AbortError
		if errors.As(err, &abort) {
			fmt.Fprintln(logw, abort.Reason)
			fmt.Fprintln(logw, "Failed to establish the connection with the slave")
		} else {
			fmt.Fprintf(logw, "Failed to establish the connection with the slave %s\n", workerName)
			fmt.Fprintf(logw, "%+v\n", err)
		}
		_ = logw.Close()
		return nil, err
	}

	if err := slot.Assign(ch); err != nil {
		// Lifecycle bug; tear the channel down rather than leak it.
		ch.Close()
		return nil, err
	}
	if a.metrics != nil {
		a.metrics.ConnectedWorkers.Inc()
	}

	// The channel may have terminated between Establish and Assign, in
	// which case its close listener found the slot still reserved. Clear
	// it here so the name does not stay occupied by a dead channel.
	select {
	case <-ch.Done():
		if slot.Clear(ch) && a.metrics != nil {
			a.metrics.ConnectedWorkers.Dec()
		}
	default:
	}

	return ch, nil
}

// reject notifies the peer, logs a warning and closes the socket. Every
// rejection path performs exactly these three steps; a failed write
// never skips the close.
func (h *handler) reject(msg, outcome string) {
	if err := writeLine(h.conn, msg); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write rejection to peer")
	}
	h.logger.Warn().Msgf("connection is aborted: %s", msg)
	h.close()
	h.a.countOutcome(outcome)
}

// abortRead handles a failed handshake read: a silent, slow or vanished
// peer. Handled locally like a rejection, but with nothing to tell the
// peer.
func (h *handler) abortRead(what string, err error) error {
	if errors.Is(err, io.EOF) {
		h.logger.Warn().Msgf("peer disconnected before sending %s", what)
	} else {
		h.logger.Warn().Err(err).Msgf("failed to read %s", what)
	}
	h.close()
	h.a.countOutcome(metrics.OutcomeError)
	return nil
}

func (h *handler) releaseAndClose(slot *registry.Slot) {
	_ = slot.Release()
	h.close()
}

// close closes the socket, discarding the error: close failures on a
// connection being torn down carry no signal.
func (h *handler) close() {
	_ = h.conn.Close()
}

func (a *Admission) countOutcome(outcome string) {
	if a.metrics != nil {
		a.metrics.HandshakeAttempts.WithLabelValues(outcome).Inc()
	}
}
