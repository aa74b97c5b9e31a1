// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"telegemini-go/internal/service"

	"github.com/gin-gonic/gin"
)

func respond(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(code, gin.H{"code": code, "message": message, "data": data})
}

func success(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, "success", data)
}

// statusFor 把业务层的哨兵错误映射为 HTTP 状态码。
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrPersonaNotFound):
		return http.StatusNotFound, "Persona 不存在"
	case errors.Is(err, service.ErrEmptyMessage):
		return http.StatusBadRequest, "消息不能为空"
	case errors.Is(err, service.ErrTurnInFlight):
		return http.StatusConflict, "已有回复正在生成"
	default:
		return http.StatusInternalServerError, "服务内部错误"
	}
}

func fail(c *gin.Context, err error) {
	code, message := statusFor(err)
	respond(c, code, message, nil)
}
