package middleware

import (
	"net/http"
	"strings"

	"chat-realtime/internal/apperr"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ValidateObjectIDParam 驗證路徑參數是 24 位十六進制的 ObjectID
func ValidateObjectIDParam(names ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range names {
			raw := c.Param(name)
			if err := ValidateObjectID(name, raw); err != nil {
				e, _ := apperr.As(err)
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":      e.Message,
					"success":    false,
					"request_id": GetRequestID(c),
					"details":    e.Details,
				})
				return
			}
		}
		c.Next()
	}
}

// ValidateObjectID 驗證 id 格式
func ValidateObjectID(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return apperr.Validation(field+" is required", map[string]interface{}{"field": field})
	}
	if _, err := bson.ObjectIDFromHex(raw); err != nil {
		return apperr.Validation("invalid "+field, map[string]interface{}{"field": field})
	}
	return nil
}

// RequestSizeLimiter 限制請求體大小的中間件
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxSize <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":      "request body too large",
				"success":    false,
				"request_id": GetRequestID(c),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
