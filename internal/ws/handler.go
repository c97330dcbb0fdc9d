package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rafket/vscode-hub/internal/session"
)

// Attacher resolves connections to sessions. *session.Manager implements it.
type Attacher interface {
	Attach(ctx context.Context, req session.AttachRequest) (*session.Attachment, error)
}

// Handler upgrades HTTP requests and serves terminal connections.
type Handler struct {
	attacher Attacher
	upgrader *websocket.Upgrader
	opts     Options
	logger   *slog.Logger
}

// NewHandler creates a Handler. opts.Codec is ignored; the codec follows the
// negotiated subprotocol.
func NewHandler(attacher Attacher, allowedOrigins []string, opts Options) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		attacher: attacher,
		upgrader: NewUpgrader(allowedOrigins),
		opts:     opts,
		logger:   opts.Logger,
	}
}

// HandleConnection upgrades the request and serves it until the connection
// ends. sessionID may be empty for the default session. Terminal size comes
// from the rows and cols query parameters.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	connID := uuid.NewString()
	opts := h.opts
	opts.Codec = CodecFor(conn.Subprotocol())
	opts.Logger = h.logger.With("conn", connID, "remote", r.RemoteAddr)

	att, err := h.attacher.Attach(r.Context(), session.AttachRequest{
		ConnID:    connID,
		SessionID: sessionID,
		Rows:      queryUint16(r, "rows"),
		Cols:      queryUint16(r, "cols"),
	})
	if err != nil {
		opts.Logger.Warn("attach failed", "session", sessionID, "error", err)
		rejectConn(conn, opts.Codec, err)
		return nil
	}

	opts.Logger = opts.Logger.With("session", att.Session().ID())
	opts.Logger.Info("websocket connected", "subprotocol", opts.Codec.Subprotocol())
	NewConn(conn, att, opts).Serve(r.Context())
	opts.Logger.Info("websocket disconnected")
	return nil
}

// rejectConn sends an error frame and closes the connection.
func rejectConn(conn *websocket.Conn, codec Codec, cause error) {
	defer conn.Close()
	data, err := codec.Encode(Message{Type: TypeError, Error: cause.Error()})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(DefaultWriteWait))
	if err := conn.WriteMessage(codec.MessageType(), data); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "attach failed"))
}

func queryUint16(r *http.Request, key string) uint16 {
	v, err := strconv.ParseUint(r.URL.Query().Get(key), 10, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}
