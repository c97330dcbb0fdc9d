package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/rafket/vscode-hub/internal/ws"
)

// WebSocketHandler handles WebSocket connections for terminal sessions.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	logger    *slog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		wsHandler: wsHandler,
		logger:    logger,
	}
}

// Attach handles GET /ws and GET /ws/:id. Without an id the connection gets
// the default session, or its own session under exclusive sharing.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, c.Param("id")); err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Attach)
	r.GET("/ws/:id", h.Attach)
}
