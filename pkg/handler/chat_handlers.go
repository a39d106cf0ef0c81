// Chat HTTP handlers - server-sent event stream per turn
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/choraleia/persona/pkg/persona"
	"github.com/choraleia/persona/pkg/service"
)

// ChatHandler handles chat-related HTTP requests
type ChatHandler struct {
	chatService *service.ChatService
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
	}
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	personas := r.Group("/personas/:persona_id")
	{
		personas.POST("/chat", h.Chat)
		personas.POST("/chat/cancel", h.CancelStream)
		personas.GET("/chat/status", h.GetStreamStatus)
		personas.POST("/invalidate", h.Invalidate)
	}
}

// ChatRequest is the body of a chat turn.
type ChatRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Content string `json:"content" binding:"required"`
	Model   string `json:"model,omitempty"`
}

// Chat streams one turn as named SSE events
// POST /api/v1/personas/:persona_id/chat
func (h *ChatHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := h.chatService.StreamTurn(c.Request.Context(), service.TurnRequest{
		PersonaID:     c.Param("persona_id"),
		UserID:        req.UserID,
		Content:       req.Content,
		ModelOverride: strings.TrimSpace(req.Model),
	})
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Status(http.StatusOK)

	sse := NewSSEWriter(c.Writer)
	for ev := range events {
		if err := sse.WriteEvent(ev.ID, ev.Type, ev.Data); err != nil {
			// Keep draining so the turn can finish and release its lock.
			continue
		}
	}
}

// CancelRequest names the conversation to stop.
type CancelRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// CancelStream stops an in-flight turn
// POST /api/v1/personas/:persona_id/chat/cancel
func (h *ChatHandler) CancelStream(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cancelled := h.chatService.CancelStream(c.Param("persona_id"), req.UserID)
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// GetStreamStatus reports whether a conversation has an active turn
// GET /api/v1/personas/:persona_id/chat/status?user_id=xxx
func (h *ChatHandler) GetStreamStatus(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"is_streaming": h.chatService.IsStreaming(c.Param("persona_id"), userID),
	})
}

// Invalidate drops the cached configuration of a persona after an edit
// POST /api/v1/personas/:persona_id/invalidate
func (h *ChatHandler) Invalidate(c *gin.Context) {
	h.chatService.Invalidate(c.Param("persona_id"))
	c.Status(http.StatusNoContent)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrEmptyMessage), errors.Is(err, service.ErrMissingUser):
		return http.StatusBadRequest
	case errors.Is(err, persona.ErrPersonaNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrGenerationInProgress):
		return http.StatusConflict
	case errors.Is(err, persona.ErrInvalidConfig):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// SSEWriter wraps gin.ResponseWriter for proper SSE streaming
type SSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w gin.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{
		writer:  w,
		flusher: flusher,
	}
}

// WriteEvent writes an SSE event
func (w *SSEWriter) WriteEvent(id int64, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if id > 0 {
		fmt.Fprintf(w.writer, "id: %d\n", id)
	}
	if event != "" {
		fmt.Fprintf(w.writer, "event: %s\n", event)
	}
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", jsonData); err != nil {
		return err
	}

	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
