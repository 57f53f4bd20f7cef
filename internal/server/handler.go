package server

import (
	"context"
	"net/http"
	"strconv"

	"chatrelay/internal/auth"
	"chatrelay/internal/models"
	"chatrelay/internal/protocol"
	"chatrelay/internal/relay"
	"chatrelay/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

//go:generate go run go.uber.org/mock/mockgen -source=handler.go -destination=mocks/mock_handler.go -package=mocks

// MessageStore is what the REST handlers need from the store.
type MessageStore interface {
	auth.IdentityVerifier
	IsMember(ctx context.Context, id protocol.Identity, conversationID uint) (bool, error)
	HistorySince(ctx context.Context, conversationID, sinceID uint, limit int) ([]models.Message, error)
}

// OnlineCounter reports how many distinct identities are connected to a
// conversation.
type OnlineCounter interface {
	Online(conversationID uint) int
}

// Handler 聚合 REST handler，依赖注入存储与中继。
type Handler struct {
	store  MessageStore
	online OnlineCounter
}

func NewHandler(store MessageStore, online OnlineCounter) *Handler {
	return &Handler{store: store, online: online}
}

// member 解析路径中的会话 id 并确认调用者是成员，失败时已写出响应。
func (h *Handler) member(c *gin.Context) (uint, bool) {
	convID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || convID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	id, ok := auth.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	member, err := h.store.IsMember(c.Request.Context(), id, uint(convID))
	if err != nil {
		log.Error().Err(err).Str("identity", id.String()).Uint64("conversation_id", convID).Msg("membership check")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return 0, false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of conversation"})
		return 0, false
	}
	return uint(convID), true
}

// ListMessages returns messages after since_id in ascending id order.
func (h *Handler) ListMessages(c *gin.Context) {
	convID, ok := h.member(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}
	limit = min(limit, protocol.MaxHistoryLimit)
	var sinceID uint
	if sid := c.Query("since_id"); sid != "" {
		v, err := strconv.ParseUint(sid, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since_id"})
			return
		}
		sinceID = uint(v)
	}
	msgs, err := h.store.HistorySince(c.Request.Context(), convID, sinceID, limit)
	if err != nil {
		log.Error().Err(err).Uint("conversation_id", convID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	out := make([]protocol.NewMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, relay.NewMessageFrom(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// Online 返回会话当前在线的身份数量。
func (h *Handler) Online(c *gin.Context) {
	convID, ok := h.member(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": convID, "online": h.online.Online(convID)})
}
