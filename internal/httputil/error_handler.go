package httputil

import (
	"fmt"
	"net/http"
	"strings"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// RespondError 依錯誤分類回應；只有可對外的錯誤會帶原文與 details
func RespondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if !apperr.IsClientFacing(err) {
		if status == http.StatusServiceUnavailable {
			SafeError(c, status, err, "服務暫時無法使用，請稍後再試")
			return
		}
		InternalServerError(c, err)
		return
	}

	body := gin.H{
		"error":      err.Error(),
		"code":       ErrorCode(err),
		"success":    false,
		"request_id": middleware.GetRequestID(c),
	}
	if e, ok := apperr.As(err); ok {
		body["error"] = e.Message
		if len(e.Details) > 0 {
			body["details"] = e.Details
		}
	}
	c.AbortWithStatusJSON(status, body)
}

// SafeError 安全的錯誤響應（不洩露內部信息）
func SafeError(c *gin.Context, statusCode int, err error, userMessage string) {
	requestID := middleware.GetRequestID(c)

	// 記錄真實錯誤到日誌（用於調試）
	logger.Error(c.Request.Context(), fmt.Sprintf("API Error: %v", err),
		logger.WithDetails(map[string]interface{}{
			"request_id": requestID,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
			"status":     statusCode,
		}))

	// 根據錯誤類型決定是否顯示詳情
	message := userMessage
	if shouldShowError(err) {
		message = err.Error()
	}

	c.AbortWithStatusJSON(statusCode, gin.H{
		"error":      message,
		"code":       ErrorCode(err),
		"success":    false,
		"request_id": requestID, // 返回 request ID 便於追蹤
	})
}

// shouldShowError 判斷是否可以向用戶顯示錯誤詳情
func shouldShowError(err error) bool {
	if err == nil {
		return false
	}

	// 帶分類的錯誤以分類決定
	if _, ok := apperr.As(err); ok {
		return apperr.IsClientFacing(err)
	}

	errMsg := err.Error()

	// 不應顯示的錯誤關鍵字（可能洩露敏感信息）
	dangerousKeywords := []string{
		"mongo",
		"database",
		"connection",
		"password",
		"token",
		"secret",
		"credential",
		"grpc",
		"internal",
		"stack",
		"panic",
	}

	lowerMsg := strings.ToLower(errMsg)
	for _, keyword := range dangerousKeywords {
		if strings.Contains(lowerMsg, keyword) {
			return false
		}
	}

	return true
}

// InternalServerError 內部服務器錯誤
func InternalServerError(c *gin.Context, err error) {
	SafeError(c, http.StatusInternalServerError, err, "服務器內部錯誤，請稍後再試")
}
