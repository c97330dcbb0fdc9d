package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/rafket/vscode-hub/internal/session"
	"github.com/rafket/vscode-hub/internal/ws"
)

// RouterConfig holds what the HTTP surface needs.
type RouterConfig struct {
	Manager        *session.Manager
	WebSocket      *ws.Handler
	StaticDir      string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", Health)

	api := r.Group("/api")
	{
		NewSessionHandler(cfg.Manager).RegisterRoutes(api)
	}

	if cfg.WebSocket != nil {
		NewWebSocketHandler(cfg.WebSocket, logger).RegisterRoutes(r)
	}
	RegisterStatic(r, cfg.StaticDir)
	return r
}
