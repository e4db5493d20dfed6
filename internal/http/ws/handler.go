package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/italolelis/ingestd/internal/hub"
	"github.com/italolelis/ingestd/internal/logctx"
)

const (
	readLimit      = 512 // clients only send control frames and pings
	pongWaitFactor = 2
)

// Handler bridges the notification hub onto WebSocket connections. Every
// connection gets its own hub subscription; a send that misses the write
// deadline closes that connection only, never the publisher or its peers.
type Handler struct {
	hub           *hub.Hub
	writeDeadline time.Duration
	pingInterval  time.Duration
	upgrader      websocket.Upgrader
}

func NewHandler(h *hub.Hub, writeDeadline, pingInterval time.Duration) *Handler {
	if writeDeadline <= 0 {
		writeDeadline = 5 * time.Second
	}

	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	return &Handler{
		hub:           h,
		writeDeadline: writeDeadline,
		pingInterval:  pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon serves trusted local clients; origin checks belong
			// to a fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and pumps hub events to the client until
// either side goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)

		return
	}

	sub := h.hub.Subscribe()

	go h.writePump(conn, sub, logger)
	h.readPump(conn, sub)
}

// readPump drains inbound frames to keep pong handling alive and detects
// the client closing the connection.
func (h *Handler) readPump(conn *websocket.Conn, sub *hub.Subscriber) {
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	pongWait := h.pingInterval * pongWaitFactor

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump serializes envelopes and pings onto the connection, applying the
// per-message write deadline. An unreachable subscriber is logged and
// dropped in isolation.
func (h *Handler) writePump(conn *websocket.Conn, sub *hub.Subscriber, logger *slog.Logger) {
	ticker := time.NewTicker(h.pingInterval)

	defer func() {
		ticker.Stop()
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				// Dropped by the hub; tell the client to reconcile via poll.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber dropped"),
					time.Now().Add(h.writeDeadline))

				return
			}

			conn.SetWriteDeadline(time.Now().Add(h.writeDeadline))

			if err := conn.WriteJSON(env); err != nil {
				logger.Debug("subscriber unreachable", "err", err)

				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeDeadline)); err != nil {
				return
			}
		}
	}
}
