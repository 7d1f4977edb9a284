package middleware

import (
	"context"
	"net/http"
	"strings"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/auth"
	"chat-realtime/internal/security/audit"
	"chat-realtime/internal/storage/database/user"

	"github.com/gin-gonic/gin"
)

// SessionHeader 客戶端每個分頁的 session id
const SessionHeader = "X-Session-ID"

const identityKey = "identity"

// TokenVerifier 驗證 bearer token 並解析用戶
type TokenVerifier interface {
	Authenticate(ctx context.Context, raw string) (*user.User, error)
}

// AuthMiddleware REST 認證中間件
type AuthMiddleware struct {
	verifier TokenVerifier
	audit    *audit.AuditService
}

// NewAuthMiddleware 創建新的認證中間件
func NewAuthMiddleware(verifier TokenVerifier, auditService *audit.AuditService) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		audit:    auditService,
	}
}

// RequireAuth 要求 Authorization: Bearer <jwt> 與 X-Session-ID
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			m.reject(c, apperr.ErrInvalidToken)
			return
		}

		u, err := m.verifier.Authenticate(c.Request.Context(), token)
		if err != nil {
			m.reject(c, err)
			return
		}

		sessionID := strings.TrimSpace(c.GetHeader(SessionHeader))
		if sessionID == "" {
			m.reject(c, apperr.ErrMissingSession)
			return
		}

		id := &auth.Identity{User: u, SessionID: sessionID}
		c.Set(identityKey, id)
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))

		if meta, exists := c.Get(string(requestMetadataKey)); exists {
			if rm, ok := meta.(*RequestMetadata); ok {
				rm.UserID = u.ID
			}
		}

		c.Next()
	}
}

func (m *AuthMiddleware) reject(c *gin.Context, err error) {
	status := http.StatusUnauthorized
	message := apperr.ErrInvalidToken.Message
	if e, ok := apperr.As(err); ok && e.Kind == apperr.KindAuth {
		message = e.Message
	} else if apperr.KindOf(err) == apperr.KindTransient {
		status = http.StatusServiceUnavailable
		message = "authentication temporarily unavailable"
	}

	m.audit.LogAuthenticationFailure(c.Request.Context(), GetClientIP(c), err.Error())
	c.AbortWithStatusJSON(status, gin.H{
		"error":      message,
		"success":    false,
		"request_id": GetRequestID(c),
	})
}

// GetIdentity 取得已認證的身份；未經 RequireAuth 時回傳 nil
func GetIdentity(c *gin.Context) *auth.Identity {
	if v, exists := c.Get(identityKey); exists {
		if id, ok := v.(*auth.Identity); ok {
			return id
		}
	}
	return nil
}
