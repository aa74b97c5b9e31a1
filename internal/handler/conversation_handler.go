package handler

import (
	"io"
	"net/http"
	"time"

	"telegemini-go/internal/model"
	"telegemini-go/internal/service"
	"telegemini-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	personas      *service.PersonaService
	conversations *service.ConversationService
	chatService   *service.ChatService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(personas *service.PersonaService, conversations *service.ConversationService, chatService *service.ChatService) *ConversationHandler {
	return &ConversationHandler{personas: personas, conversations: conversations, chatService: chatService}
}

// SendMessageRequest 是发送消息的请求体。image 是可选的 data URI。
type SendMessageRequest struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

// GetConversation 返回 persona 的完整会话。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	personaID := c.Param("personaId")
	if _, err := h.personas.Get(personaID); err != nil {
		fail(c, err)
		return
	}
	turns, err := h.conversations.History(c.Request.Context(), personaID)
	if err != nil {
		log.Error("[ConversationHandler] 获取会话失败", err)
		fail(c, err)
		return
	}
	success(c, model.Conversation{PersonaID: personaID, Turns: turns})
}

// ClearConversation 清空会话，等价于发送 /clear。
func (h *ConversationHandler) ClearConversation(c *gin.Context) {
	personaID := c.Param("personaId")
	turns, err := h.chatService.Clear(c.Request.Context(), personaID)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, model.Conversation{PersonaID: personaID, Turns: turns})
}

// SendMessage 发送一条消息，并以 Server-Sent Events 推送回复。
// 客户端断开时请求上下文被取消，正在生成的回复随之结束。
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求参数", nil)
		return
	}
	personaID := c.Param("personaId")
	events, err := h.chatService.Send(c.Request.Context(), personaID, req.Text, req.Image)
	if err != nil {
		log.Warnf("[ConversationHandler] 发送消息失败, persona: %s, error: %v", personaID, err)
		fail(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(string(ev.Type), eventPayload(ev))
		return true
	})
	// 客户端提前断开时把剩余事件读完
	for range events {
	}
}

// eventPayload 构造推送给客户端的事件内容，SSE 与 WebSocket 共用。
func eventPayload(ev service.ChatEvent) gin.H {
	switch ev.Type {
	case service.ChatEventChunk:
		return gin.H{"type": ev.Type, "turnId": ev.TurnID, "chunk": ev.Text}
	case service.ChatEventCleared:
		return gin.H{"type": ev.Type, "turns": ev.Turns}
	default:
		now := time.Now()
		return gin.H{
			"type":      ev.Type,
			"status":    "finished",
			"message":   "响应已完成",
			"turnId":    ev.TurnID,
			"turn":      ev.Turn,
			"timestamp": now.UnixMilli(),
			"date":      now.Format("2006-01-02T15:04:05"),
		}
	}
}
