package handler

import (
	"net/http"
	"strconv"
	"strings"

	"telegemini-go/internal/service"
	"telegemini-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SearchHandler 结构体定义了搜索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// SearchTranscripts 在会话记录中检索关键词。
func (h *SearchHandler) SearchTranscripts(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		log.Warnf("[SearchHandler] 搜索请求失败: query 参数为空")
		respond(c, http.StatusBadRequest, "无效的查询参数", nil)
		return
	}
	topK, err := strconv.Atoi(c.DefaultQuery("topK", "10"))
	if err != nil || topK <= 0 {
		topK = 10
	}
	personaID := c.Query("personaId")

	results, err := h.searchService.SearchTranscripts(c.Request.Context(), query, personaID, topK)
	if err != nil {
		log.Errorf("[SearchHandler] 搜索服务返回错误, error: %v", err)
		respond(c, http.StatusInternalServerError, "搜索失败", nil)
		return
	}
	log.Infof("[SearchHandler] 搜索成功, query: '%s', 返回 %d 条结果", query, len(results))
	success(c, results)
}
