package middleware

import (
	"net/http"
	"time"

	"chat-realtime/internal/platform/logger"

	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware 以 GCP httpRequest 格式記錄每個請求；5xx 記為 ERROR，4xx 記為 WARNING
func AccessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		req := &logger.HTTPRequest{
			RequestMethod: c.Request.Method,
			RequestURL:    c.Request.URL.RequestURI(),
			RequestSize:   c.Request.ContentLength,
			Status:        status,
			ResponseSize:  int64(c.Writer.Size()),
			UserAgent:     c.Request.UserAgent(),
			RemoteIP:      GetClientIP(c),
			Referer:       c.Request.Referer(),
			Latency:       time.Since(start).String(),
			Protocol:      c.Request.Proto,
		}

		opts := []logger.LogOption{logger.WithHTTPRequest(req)}
		if id := GetIdentity(c); id != nil {
			opts = append(opts, logger.WithUserID(id.UserID()))
		}

		ctx := c.Request.Context()
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error(ctx, "request failed", opts...)
		case status >= http.StatusBadRequest:
			logger.Warning(ctx, "request rejected", opts...)
		default:
			logger.Debug(ctx, "request", opts...)
		}
	}
}
