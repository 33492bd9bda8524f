// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docuvector-go/internal/loader"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/log"
)

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": data})
}

// statusOf 把错误分类映射为 HTTP 状态码。
func statusOf(err error) int {
	if loader.IsUnsupported(err) {
		return http.StatusUnsupportedMediaType
	}
	switch errs.KindOf(err) {
	case errs.InvalidInput:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.TransientService, errs.IndexUnavailable:
		return http.StatusServiceUnavailable
	case errs.PermanentService:
		return http.StatusUnprocessableEntity
	case errs.Configuration:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// respondError 记录日志并返回统一的错误响应。5xx 不向调用方暴露内部细节。
func respondError(c *gin.Context, op string, err error) {
	status := statusOf(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusNotImplemented {
		log.Errorw(op+" failed", "error", err)
		message = "服务器内部错误"
	} else {
		log.Warnw(op+" failed", "status", status, "kind", errs.KindOf(err).String(), "error", err)
	}
	respond(c, status, message, nil)
}
