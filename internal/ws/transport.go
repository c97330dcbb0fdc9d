package ws

import (
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the message-oriented connection a Conn runs over.
// *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// keepalive is implemented by transports with deadlines and control frames.
type keepalive interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

var _ Transport = (*websocket.Conn)(nil)
var _ keepalive = (*websocket.Conn)(nil)

// NewUpgrader returns an upgrader offering the frame subprotocols. An empty
// allowedOrigins accepts any origin.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    Subprotocols(),
		CheckOrigin:     originChecker(allowedOrigins),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
