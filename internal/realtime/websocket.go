package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Handler upgrades a request to a WebSocket and relays events for the
// collections named in the "collection" query parameter. Clients only
// listen; anything they send is discarded.
type Handler struct {
	subscriber Subscriber
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func NewHandler(subscriber Subscriber, corsOrigin string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		subscriber: subscriber,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if corsOrigin == "" || corsOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == corsOrigin
			},
		},
	}
}

// Collections parses the comma separated collection list of a request.
func Collections(r *http.Request) []string {
	var out []string
	for _, raw := range r.URL.Query()["collection"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	collections := Collections(r)
	if len(collections) == 0 {
		http.Error(w, "collection is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.subscriber.Subscribe(ctx, collections...)
	if err != nil {
		h.logger.Error("realtime: subscribe failed", "collections", collections, "error", err)
		http.Error(w, "subscribe failed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("realtime: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	go h.readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("realtime: client write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so control messages are processed, and
// cancels the relay when the client goes away.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
