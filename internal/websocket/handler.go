package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kumien/jenkins/internal/listener"
)

const (
	// handshakeTimeout bounds the websocket upgrade itself.
	handshakeTimeout = 10 * time.Second

	readBufferSize  = 4096
	writeBufferSize = 4096
)

// Handler upgrades HTTP requests to websocket connections and runs the
// agent protocol over them.
type Handler struct {
	upgrader websocket.Upgrader
	protocol listener.Protocol
	logger   zerolog.Logger
}

// NewHandler creates a Handler running the given protocol over upgraded
// connections.
func NewHandler(protocol listener.Protocol, logger zerolog.Logger) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   readBufferSize,
			WriteBufferSize:  writeBufferSize,
		},
		protocol: protocol,
		logger:   logger.With().Str("component", "websocket").Logger(),
	}
}

// ServeHTTP upgrades the request and hands the resulting byte stream to
// the protocol. The protocol owns the connection from then on.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := newStreamConn(ws)
	if err := h.protocol.Handle(conn); err != nil {
		h.logger.Error().Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("protocol", h.protocol.Name()).
			Msg("protocol handler failed")
		_ = conn.Close()
	}
}
