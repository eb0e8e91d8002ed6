package websocket

import (
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MininduBimsara/SocketSphere/config"
	"github.com/MininduBimsara/SocketSphere/gateway"
)

// Upgrader for websocket connections
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to websocket connections and feeds every
// inbound frame to the gateway.
type Handler struct {
	gateway *gateway.Gateway
	cfg     *config.WebSocketConfig
}

// NewHandler creates a new websocket handler
func NewHandler(gw *gateway.Gateway, cfg *config.WebSocketConfig) *Handler {
	upgrader.HandshakeTimeout = time.Duration(cfg.HandshakeTimeout) * time.Second
	return &Handler{
		gateway: gw,
		cfg:     cfg,
	}
}

// HandleWebSocket handles incoming websocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.cfg.MaxConnections > 0 && h.gateway.Manager().Len() >= h.cfg.MaxConnections {
		http.Error(w, "Connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	if h.cfg.MessageSizeLimit > 0 {
		conn.SetReadLimit(int64(h.cfg.MessageSizeLimit))
	}

	connID := uuid.New().String()
	session := NewClientSession(connID, conn, h.cfg)
	session.StartTimers()
	conn.SetPongHandler(session.GetPongHandler())

	h.gateway.HandleConnect(r.Context(), session)
	defer h.gateway.HandleDisconnect(r.Context(), connID)

	// Read loop. Dispatching inline preserves per-connection ordering;
	// other connections are served by their own loops.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Printf("Read error from connection %s: %v", connID, err)
			}
			session.CloseWithReason(websocket.CloseNormalClosure, "Client disconnected")
			return
		}
		session.UpdateActivity()
		h.gateway.Dispatch(r.Context(), session, msg)
	}
}
