package websocket

import (
	"bufio"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumien/jenkins/internal/channel"
	"github.com/kumien/jenkins/internal/logsink"
	"github.com/kumien/jenkins/internal/protocol"
	"github.com/kumien/jenkins/internal/registry"
	"github.com/kumien/jenkins/internal/secrets"
	"github.com/kumien/jenkins/pkg/log"
)

// echoProtocol reads lines and echoes them until the stream ends.
type echoProtocol struct{}

func (echoProtocol) Name() string { return "echo" }

func (echoProtocol) Handle(conn net.Conn) error {
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if _, err := io.WriteString(conn, "echo:"+line); err != nil {
			return err
		}
	}
}

func dialWS(t *testing.T, url string) *streamConn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return newStreamConn(ws)
}

func TestHandler_StreamsBytesBothWays(t *testing.T) {
	srv := httptest.NewServer(NewHandler(echoProtocol{}, log.Nop()))
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv.URL)

	_, err := io.WriteString(conn, "hello\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:hello\n", line)
}

func TestHandler_ReadSpansMessages(t *testing.T) {
	srv := httptest.NewServer(NewHandler(echoProtocol{}, log.Nop()))
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv.URL)

	// One logical line split across two websocket messages.
	_, err := io.WriteString(conn, "he")
	require.NoError(t, err)
	_, err = io.WriteString(conn, "llo\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:hello\n", line)
}

func TestHandler_RunsAdmissionProtocol(t *testing.T) {
	reg := registry.New()
	reg.Add("agent-1")

	adm := protocol.NewAdmission(protocol.AdmissionConfig{
		Secrets:   secrets.Static("s3cr3t"),
		Registry:  reg,
		Sink:      logsink.NewDir(t.TempDir()),
		Transport: channel.NewTransport(log.Nop()),
		Logger:    log.Nop(),
	})

	srv := httptest.NewServer(NewHandler(adm, log.Nop()))
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv.URL)
	r := bufio.NewReader(conn)

	writeUTF := func(s string) {
		var header [2]byte
		header[1] = byte(len(s))
		_, err := conn.Write(append(header[:], s...))
		require.NoError(t, err)
	}

	writeUTF("s3cr3t")
	writeUTF("agent-1")

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, protocol.GreetingSuccess, strings.TrimSuffix(line, "\n"))

	// Complete the channel preamble; the slot must then hold a channel.
	ch, err := channel.NewTransport(log.Nop()).Establish(r, conn, io.Discard, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	require.Eventually(t, func() bool {
		return reg.Lookup("agent-1").Connected()
	}, 2*time.Second, 10*time.Millisecond)
}
