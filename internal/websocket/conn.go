// Package websocket exposes the agent admission protocol over a
// websocket endpoint, for workers that can only reach the controller
// through an HTTP proxy.
package websocket

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// streamConn adapts a websocket connection to net.Conn so the admission
// protocol can treat it as an ordinary byte stream. Binary messages
// carry the stream; message boundaries are not preserved.
type streamConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func newStreamConn(ws *websocket.Conn) *streamConn {
	return &streamConn{ws: ws}
}

func (c *streamConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, translateClose(err)
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			// Current message exhausted; move on to the next.
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *streamConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, translateClose(err)
	}
	return len(p), nil
}

func (c *streamConn) Close() error {
	return c.ws.Close()
}

func (c *streamConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *streamConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *streamConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// translateClose maps websocket close frames onto io.EOF so the layers
// above see an ordinary end of stream.
func translateClose(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}
