package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/auth"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/hub"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/pkg/protocol"
)

type WebSocketHandler struct {
	hub        *hub.Hub
	instanceID string
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewWebSocketHandler accepts upgrades from allowedOrigins, or from any
// origin when the list is empty.
func NewWebSocketHandler(h *hub.Hub, instanceID string, allowedOrigins []string, logger zerolog.Logger) *WebSocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WebSocketHandler{
		hub:        h,
		instanceID: instanceID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return len(allowed) == 0 || allowed[r.Header.Get("Origin")]
			},
		},
		logger: logger.With().Str("component", "ws-handler").Logger(),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "UNAUTHORIZED"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID := uuid.New().String()
	userID := claims.GetUserID()
	client := hub.NewClient(clientID, userID, conn, h.hub, h.logger)

	h.hub.Register <- client

	connectedMsg, _ := protocol.NewMessage(protocol.MsgConnected, protocol.ConnectedPayload{
		UserID:       userID,
		ConnectionID: clientID,
		InstanceID:   h.instanceID,
	})
	h.hub.SendToClient(client, connectedMsg)

	h.logger.Info().
		Str("clientId", clientID).
		Str("userId", userID).
		Str("remoteAddr", r.RemoteAddr).
		Msg("WebSocket connection established")

	go client.WritePump()
	go client.ReadPump()
}
