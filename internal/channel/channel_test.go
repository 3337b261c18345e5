package channel

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumien/jenkins/pkg/log"
)

// closeRecorder records listener invocations.
type closeRecorder struct {
	mu     sync.Mutex
	fired  int
	cause  error
	doneCh chan struct{}
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{doneCh: make(chan struct{})}
}

func (r *closeRecorder) OnClosed(c *Channel, cause error) {
	r.mu.Lock()
	r.fired++
	r.cause = cause
	r.mu.Unlock()
	close(r.doneCh)
}

func (r *closeRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("close listener did not fire")
	}
}

func (r *closeRecorder) firedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired
}

func (r *closeRecorder) firedCause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cause
}

// establishPair establishes channels on both ends of a pipe.
func establishPair(t *testing.T) (*Channel, *Channel, *closeRecorder, *closeRecorder) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	transport := NewTransport(log.Nop())
	serverRec := newCloseRecorder()
	clientRec := newCloseRecorder()

	var (
		wg                   sync.WaitGroup
		server, client       *Channel
		serverErr, clientErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		server, serverErr = transport.Establish(serverConn, serverConn, io.Discard, serverRec)
	}()
	go func() {
		defer wg.Done()
		client, clientErr = transport.Establish(clientConn, clientConn, io.Discard, clientRec)
	}()
	wg.Wait()

	require.NoError(t, serverErr)
	require.NoError(t, clientErr)
	return server, client, serverRec, clientRec
}

func TestChannel_SendRecv(t *testing.T) {
	server, client, _, _ := establishPair(t)

	require.NoError(t, client.Send([]byte("hello controller")))
	msg, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hello controller", string(msg))

	require.NoError(t, server.Send([]byte("hello worker")))
	msg, err = client.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hello worker", string(msg))
}

func TestChannel_CloseFiresListenerOnceWithNilCause(t *testing.T) {
	server, _, serverRec, _ := establishPair(t)

	require.NoError(t, server.Close())
	serverRec.wait(t)

	// A second close must not re-fire the listener.
	require.NoError(t, server.Close())
	assert.Equal(t, 1, serverRec.firedCount())
	assert.NoError(t, serverRec.firedCause())

	assert.ErrorIs(t, server.Send([]byte("late")), ErrClosed)
	_, err := server.Recv()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannel_PeerDisconnectFiresListener(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close() })

	transport := NewTransport(log.Nop())
	rec := newCloseRecorder()

	var (
		wg     sync.WaitGroup
		server *Channel
		err    error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, err = transport.Establish(serverConn, serverConn, io.Discard, rec)
	}()

	// Peer completes the preamble exchange by hand, then vanishes.
	peerBuf := bytes.NewBuffer(nil)
	go io.Copy(peerBuf, clientConn)
	require.NoError(t, writeFrame(clientConn, []byte(preamble)))
	wg.Wait()
	require.NoError(t, err)
	require.NotNil(t, server)

	clientConn.Close()
	rec.wait(t)
	assert.Equal(t, 1, rec.firedCount())
}

func TestEstablish_SendDoesNotBlockRead(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	transport := NewTransport(log.Nop())

	type result struct {
		ch  *Channel
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		ch, err := transport.Establish(serverConn, serverConn, io.Discard, nil)
		resCh <- result{ch, err}
	}()

	// A peer with no write buffering sends its preamble first and only
	// then reads ours; the pipe carries nothing until the other side
	// reads, so establishment must not wait for its own send to finish.
	require.NoError(t, writeFrame(clientConn, []byte(preamble)))
	got, err := readFrame(bufio.NewReader(clientConn))
	require.NoError(t, err)
	assert.Equal(t, preamble, string(got))

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		require.NotNil(t, res.ch)
		res.ch.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("establishment did not complete")
	}
}

func TestEstablish_VersionMismatchIsAbort(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	transport := NewTransport(log.Nop())

	go func() {
		io.Copy(io.Discard, clientConn)
	}()
	go func() {
		writeFrame(clientConn, []byte("JCHAN/9"))
	}()

	_, err := transport.Establish(serverConn, serverConn, io.Discard, nil)
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Contains(t, abort.Reason, "unsupported channel version")
}

func TestEstablish_GarbagePreambleIsAbort(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	transport := NewTransport(log.Nop())

	go io.Copy(io.Discard, clientConn)
	go writeFrame(clientConn, []byte("GET / HTTP/1.1"))

	_, err := transport.Establish(serverConn, serverConn, io.Discard, nil)
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Contains(t, abort.Reason, "not speaking the channel protocol")
}

func TestEstablish_TransportFailureIsNotAbort(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close() })

	transport := NewTransport(log.Nop())

	go func() {
		io.Copy(io.Discard, clientConn)
		clientConn.Close()
	}()
	go func() {
		// Half a frame header, then a dead peer.
		clientConn.Write([]byte{0x00, 0x00})
		clientConn.Close()
	}()

	_, err := transport.Establish(serverConn, serverConn, io.Discard, nil)
	require.Error(t, err)
	var abort *AbortError
	assert.False(t, errors.As(err, &abort))
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("payload")))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	// Clean EOF on a frame boundary.
	_, err = readFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_OversizedRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := readFrame(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
