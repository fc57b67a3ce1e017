package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"entitle/internal/config"
	"entitle/internal/ws"
)

// WSHandler upgrades subscribers onto the broadcast hub. Room membership is
// fixed at connect time from query parameters: client_id joins the client's
// own room, role=admin joins the admin room; everyone gets the global feed.
type WSHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates the websocket endpoint handler.
func NewWSHandler(hub *ws.Hub, cfg config.WebSocketConfig, allowedOrigins []string, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With(slog.String("component", "http.ws")),
	}
}

// ServeHTTP handles GET /ws.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed",
			slog.String("error", err.Error()))
		return
	}

	var rooms []string
	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		rooms = append(rooms, ws.ClientRoom(clientID))
	}
	if role := r.URL.Query().Get("role"); role != "" {
		rooms = append(rooms, ws.RoleRoom(role))
	}

	client := ws.NewClient(h.hub, conn, rooms, h.logger)
	client.Serve()
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}
