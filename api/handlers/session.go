// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rafket/vscode-hub/internal/model"
	"github.com/rafket/vscode-hub/internal/pty"
	"github.com/rafket/vscode-hub/internal/recorder"
	"github.com/rafket/vscode-hub/internal/session"
)

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessionManager *session.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionManager *session.Manager) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID           string            `json:"id"`
	Command      []string          `json:"command"`
	Dir          string            `json:"dir,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Retention    string            `json:"retention"`
	Status       string            `json:"status"`
	ExitCode     *int              `json:"exitCode,omitempty"`
	PID          *int              `json:"pid,omitempty"`
	Rows         uint16            `json:"rows"`
	Cols         uint16            `json:"cols"`
	Subscribers  int               `json:"subscribers"`
	HasRecording bool              `json:"hasRecording"`
	Duration     string            `json:"duration"`
	CreatedAt    string            `json:"createdAt"`
	UpdatedAt    string            `json:"updatedAt"`
	Stats        *pty.Stats        `json:"stats,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	resp := &SessionResponse{
		ID:           s.ID,
		Command:      s.Command,
		Dir:          s.Dir,
		Env:          s.Env,
		Retention:    string(s.Retention),
		Status:       string(s.Status),
		ExitCode:     s.ExitCode,
		PID:          s.PID,
		Rows:         s.Rows,
		Cols:         s.Cols,
		Subscribers:  s.Subscribers,
		HasRecording: s.RecordingPath != "",
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    s.UpdatedAt.Format(time.RFC3339),
	}
	d := s.Duration()
	if s.Status != model.SessionStatusRunning {
		d = s.UpdatedAt.Sub(s.CreatedAt)
	}
	resp.Duration = formatDuration(d)
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendDomainError maps a domain error onto a status code and error code.
func sendDomainError(c *gin.Context, err error) {
	var spawnErr *model.SpawnError
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
	case errors.Is(err, model.ErrInvalidSessionID),
		errors.Is(err, model.ErrCommandRequired),
		errors.Is(err, model.ErrInvalidSize):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, model.ErrConcurrencyLimit):
		sendError(c, http.StatusTooManyRequests, "LIMIT_EXCEEDED", err.Error())
	case model.IsRetryable(err):
		c.Header("Retry-After", "1")
		sendError(c, http.StatusServiceUnavailable, "REGISTRY_BUSY", err.Error())
	case errors.As(err, &spawnErr):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{
				Code:    "SPAWN_FAILED",
				Message: err.Error(),
				Details: map[string]interface{}{"reason": string(spawnErr.Reason)},
			},
		})
	case errors.Is(err, model.ErrClosed):
		sendError(c, http.StatusConflict, "SESSION_CLOSED", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// Create handles POST /api/sessions - creates a new session.
func (h *SessionHandler) Create(c *gin.Context) {
	var req model.CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
			return
		}
	}

	sess, err := h.sessionManager.Create(c.Request.Context(), &req)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// List handles GET /api/sessions - lists live and finished sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.sessionManager.List(c.Request.Context())
	if err != nil {
		sendDomainError(c, err)
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = toSessionResponse(sess)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets a specific session with a
// resource snapshot while it runs.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.sessionManager.Get(c.Request.Context(), sessionID)
	if err != nil {
		sendDomainError(c, err)
		return
	}

	resp := toSessionResponse(sess)
	if sess.Status == model.SessionStatusRunning {
		if stats, err := h.sessionManager.Stats(sessionID); err == nil {
			resp.Stats = &stats
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Delete handles DELETE /api/sessions/:id - terminates and forgets a session.
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.sessionManager.Delete(c.Request.Context(), c.Param("id")); err != nil {
		sendDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Resize handles POST /api/sessions/:id/resize.
func (h *SessionHandler) Resize(c *gin.Context) {
	var req model.ResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		sendDomainError(c, err)
		return
	}
	if err := h.sessionManager.Resize(c.Param("id"), req.Rows, req.Cols); err != nil {
		sendDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetRecording handles GET /api/sessions/:id/recording - downloads the
// session recording as plain asciicast.
func (h *SessionHandler) GetRecording(c *gin.Context) {
	sessionID := c.Param("id")

	path, err := h.sessionManager.RecordingPath(c.Request.Context(), sessionID)
	if err != nil {
		sendDomainError(c, err)
		return
	}

	r, err := recorder.Open(path)
	if err != nil {
		sendError(c, http.StatusNotFound, "RECORDING_NOT_FOUND", "Recording not found for session "+sessionID)
		return
	}
	defer r.Close()

	filename := strings.TrimSuffix(filepath.Base(path), recorder.CompressedExtension)
	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Status(http.StatusOK)
	io.Copy(c.Writer, r)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.POST("/:id/resize", h.Resize)
		sessions.GET("/:id/recording", h.GetRecording)
	}
}
