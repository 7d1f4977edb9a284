// Package auth 驗證外部簽發的 bearer JWT 並解析為有效用戶.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/storage/database/user"

	"github.com/golang-jwt/jwt/v5"
)

// Claims 外部認證服務簽發的 token 內容
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// ResolvedUserID 優先使用 userId，沒有時退回 sub
func (c *Claims) ResolvedUserID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// UserLookup 讀取用戶資料
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// Identity 已認證連線或請求的身份
type Identity struct {
	User      *user.User
	SessionID string
}

// UserID 便捷方法
func (i *Identity) UserID() string {
	if i == nil || i.User == nil {
		return ""
	}
	return i.User.ID
}

// Authenticator token 驗證器
type Authenticator struct {
	secret []byte
	issuer string
	users  UserLookup
}

// NewAuthenticator 創建驗證器
func NewAuthenticator(secret, issuer string, users UserLookup) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		users:  users,
	}
}

// ParseToken 驗證簽章與有效期
func (a *Authenticator) ParseToken(raw string) (*Claims, error) {
	if raw == "" {
		return nil, apperr.Auth("authentication token is required")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, &apperr.Error{Kind: apperr.KindAuth, Message: apperr.ErrInvalidToken.Message, Err: err}
	}
	if claims.ResolvedUserID() == "" {
		return nil, apperr.ErrInvalidToken
	}
	return claims, nil
}

// Authenticate 驗證 token 並解析為有效用戶
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*user.User, error) {
	claims, err := a.ParseToken(raw)
	if err != nil {
		return nil, err
	}

	u, err := a.users.GetByID(ctx, claims.ResolvedUserID())
	if err != nil {
		if errors.Is(err, apperr.ErrUserNotFound) {
			return nil, apperr.Auth("user not found")
		}
		return nil, apperr.Transient("failed to resolve user", err)
	}
	if !u.IsActive {
		return nil, apperr.ErrInactiveUser
	}
	return u, nil
}

// IssueToken 簽發 HS256 token（測試與本地工具使用）
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// BearerToken 解析 "Bearer <token>"
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

type identityKey struct{}

// WithIdentity 把身份放進 context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom 從 context 取出身份
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
