package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"telegemini-go/internal/model"
	"telegemini-go/internal/service"
	"telegemini-go/pkg/log"

	"github.com/gin-gonic/gin"
)

const previewMaxRunes = 60

// PersonaHandler 处理 persona 列表、设置和生成相关的请求。
type PersonaHandler struct {
	personas      *service.PersonaService
	conversations *service.ConversationService
	generator     *service.PersonaGenerator
}

// NewPersonaHandler 创建一个新的 PersonaHandler。
func NewPersonaHandler(personas *service.PersonaService, conversations *service.ConversationService, generator *service.PersonaGenerator) *PersonaHandler {
	return &PersonaHandler{personas: personas, conversations: conversations, generator: generator}
}

// CreatePersonaRequest 是新建 persona 的请求体，字段与生成器输出一致。
type CreatePersonaRequest struct {
	Name              string `json:"name" binding:"required"`
	Description       string `json:"description"`
	SystemInstruction string `json:"systemInstruction"`
	BotFatherCommands string `json:"botFatherCommands"`
}

// GeneratePersonaRequest 是 persona 生成请求体。
type GeneratePersonaRequest struct {
	Idea string `json:"idea"`
}

// List 返回联系人列表，预览字段取自会话的最后一条消息。
func (h *PersonaHandler) List(c *gin.Context) {
	personas := h.personas.List()
	now := time.Now()
	for i := range personas {
		last, ok, err := h.conversations.Last(c.Request.Context(), personas[i].ID)
		if err != nil {
			log.Warnf("[PersonaHandler] 读取会话预览失败, persona: %s, error: %v", personas[i].ID, err)
			continue
		}
		if !ok {
			continue
		}
		personas[i].LastMessage = preview(last)
		personas[i].LastMessageTime = model.PreviewTime(last.Timestamp, now)
	}
	success(c, personas)
}

// Get 返回单个 persona。
func (h *PersonaHandler) Get(c *gin.Context) {
	p, err := h.personas.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, p)
}

// Create 根据草稿新建 persona。
func (h *PersonaHandler) Create(c *gin.Context) {
	var req CreatePersonaRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		respond(c, http.StatusBadRequest, "无效的请求参数", nil)
		return
	}
	p, err := h.personas.Create(c.Request.Context(), model.PersonaDraft{
		Name:              strings.TrimSpace(req.Name),
		Description:       req.Description,
		SystemInstruction: req.SystemInstruction,
		BotFatherCommands: req.BotFatherCommands,
	})
	if err != nil {
		// 内存中已经生效，只是没能持久化
		log.Error("[PersonaHandler] 新建 persona 后保存失败", err)
	}
	respond(c, http.StatusCreated, "success", p)
}

// Update 保存设置对话框的修改。
func (h *PersonaHandler) Update(c *gin.Context) {
	var patch model.PersonaUpdate
	if err := c.ShouldBindJSON(&patch); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求参数", nil)
		return
	}
	p, err := h.personas.Update(c.Request.Context(), c.Param("id"), patch)
	if errors.Is(err, service.ErrPersonaNotFound) {
		fail(c, err)
		return
	}
	if err != nil {
		log.Error("[PersonaHandler] 更新 persona 后保存失败", err)
	}
	success(c, p)
}

// Generate 根据一句话创意生成 persona 草稿，不会保存。
func (h *PersonaHandler) Generate(c *gin.Context) {
	var req GeneratePersonaRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Idea) == "" {
		respond(c, http.StatusBadRequest, "idea 不能为空", nil)
		return
	}
	draft := h.generator.Generate(c.Request.Context(), strings.TrimSpace(req.Idea))
	success(c, draft)
}

func preview(t model.Turn) string {
	text := strings.TrimSpace(t.Text)
	if text == "" && t.ImageURL != "" {
		return "📷 Photo"
	}
	if utf8.RuneCountInString(text) > previewMaxRunes {
		return string([]rune(text)[:previewMaxRunes]) + "…"
	}
	return text
}
