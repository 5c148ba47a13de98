package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tanyarelay/internal/logging"
)

// WebSocket upgrader shared by every Handler
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: the widget is embedded on arbitrary pages, any origin may connect
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Dispatcher receives inbound frames and disconnect notices. The router
// implements it; the handler never interprets envelopes itself.
type Dispatcher interface {
	HandleEnvelope(ctx context.Context, conn *Connection, data []byte)
	HandleDisconnect(conn *Connection)
}

// HandlerConfig carries the heartbeat and buffer settings.
type HandlerConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64
}

// DefaultHandlerConfig returns the 30s ping / 60s read deadline heartbeat.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		BufferSize:     defaultSendBuffer,
		MaxMessageSize: 64 * 1024,
	}
}

// Handler upgrades HTTP requests and runs the read pump of each connection.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	config     HandlerConfig
	log        zerolog.Logger
}

// NewHandler creates a WebSocket handler. Zero config fields take defaults.
func NewHandler(registry *Registry, dispatcher Dispatcher, config HandlerConfig) *Handler {
	defaults := DefaultHandlerConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}

	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		config:     config,
		log:        logging.For("websocket"),
	}
}

// HandleWebSocket upgrades the request and registers an unidentified connection.
// The role and id query parameters are logged as hints only; routing state
// changes solely through an identify envelope.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.config.BufferSize, h.config.WriteTimeout)

	if err := h.registry.Register(conn); err != nil {
		h.log.Error().Err(err).Str("conn_id", conn.ID()).Msg("failed to register connection")
		_ = conn.Close()
		return
	}

	query := r.URL.Query()
	h.log.Info().
		Str("conn_id", conn.ID()).
		Str("role_hint", query.Get("role")).
		Str("id_hint", query.Get("id")).
		Str("remote", r.RemoteAddr).
		Msg("connection opened")

	go h.handleConnection(ws, conn)
}

// handleConnection owns the read side until the peer goes away.
func (h *Handler) handleConnection(ws *websocket.Conn, conn *Connection) {
	defer func() {
		h.dispatcher.HandleDisconnect(conn)
		_ = conn.Close()
		h.log.Info().Str("conn_id", conn.ID()).Msg("connection closed")
	}()

	ws.SetReadLimit(h.config.MaxMessageSize)

	// TECHNICAL DISCOVERY: read deadline is refreshed by every pong, so a peer that
	// stops answering pings is dropped after ReadTimeout.
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		h.log.Warn().Err(err).Msg("failed to set read deadline")
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("read failed")
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		h.dispatcher.HandleEnvelope(ctx, conn, data)
	}
}
