// Memory API handlers - topics, turns and profiles of a conversation
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/choraleia/persona/pkg/service"
	"github.com/choraleia/persona/pkg/store"
)

// MemoryHandler handles memory-related API requests
type MemoryHandler struct {
	store       *store.Store
	chatService *service.ChatService
}

// NewMemoryHandler creates a new memory handler
func NewMemoryHandler(s *store.Store, chatService *service.ChatService) *MemoryHandler {
	return &MemoryHandler{
		store:       s,
		chatService: chatService,
	}
}

// RegisterRoutes registers memory routes
func (h *MemoryHandler) RegisterRoutes(r *gin.RouterGroup) {
	personas := r.Group("/personas/:persona_id")
	{
		personas.GET("/topics", h.ListTopics)
		personas.GET("/turns", h.ListTurns)
		personas.GET("/profile", h.GetProfile)
		personas.POST("/compress", h.Compress)
	}
	r.GET("/topics/:topic_id/turns", h.GetTopicTurns)
}

// ListTopics lists the topics of a conversation, newest first
// GET /api/v1/personas/:persona_id/topics?user_id=xxx
func (h *MemoryHandler) ListTopics(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	topics, err := h.store.ListTopics(c.Request.Context(), c.Param("persona_id"), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"topics": topics,
		"count":  len(topics),
	})
}

// ListTurns returns the most recent turns of a conversation, oldest first
// GET /api/v1/personas/:persona_id/turns?user_id=xxx&limit=50
func (h *MemoryHandler) ListTurns(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l < 1 || l > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = l
	}
	turns, err := h.store.RecentTurns(c.Request.Context(), c.Param("persona_id"), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"turns": turns,
		"count": len(turns),
	})
}

// GetTopicTurns returns the turns archived under a topic
// GET /api/v1/topics/:topic_id/turns
func (h *MemoryHandler) GetTopicTurns(c *gin.Context) {
	topicID := c.Param("topic_id")
	topic, err := h.store.GetTopic(c.Request.Context(), topicID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "topic not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	turns, err := h.store.TopicTurns(c.Request.Context(), topicID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"topic": topic,
		"turns": turns,
	})
}

// GetProfile returns what the persona knows about a user
// GET /api/v1/personas/:persona_id/profile?user_id=xxx
func (h *MemoryHandler) GetProfile(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	profile, err := h.store.GetProfile(c.Request.Context(), c.Param("persona_id"), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, profile)
}

// Compress manually triggers compression for a conversation
// POST /api/v1/personas/:persona_id/compress?user_id=xxx
func (h *MemoryHandler) Compress(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	res, err := h.chatService.Compress(c.Request.Context(), c.Param("persona_id"), userID)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	if res.Skipped {
		c.JSON(http.StatusOK, gin.H{
			"message": "No compression needed",
			"reason":  res.Decision.Reason,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":        "Compression completed",
		"topics":         res.Topics,
		"archived_turns": res.Archived,
		"fallback":       res.Fallback,
	})
}

func requireUser(c *gin.Context) (string, bool) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return "", false
	}
	return userID, true
}
