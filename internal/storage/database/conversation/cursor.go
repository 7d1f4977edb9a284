package conversation

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"chat-realtime/internal/apperr"
)

// ErrInvalidCursor 分頁游標無法解析
var ErrInvalidCursor = apperr.Validation("invalid cursor", map[string]interface{}{"field": "cursor"})

// Cursor 分頁位置：(created_at, _id)，同一毫秒的訊息以 ID 排序
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero 第一頁
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// After 訊息是否排在游標之後（新到舊）
func (c Cursor) After(msg *Message) bool {
	if c.IsZero() {
		return true
	}
	if msg.CreatedAt.Equal(c.CreatedAt) {
		return msg.ID < c.ID
	}
	return msg.CreatedAt.Before(c.CreatedAt)
}

// EncodeCursor 以頁尾訊息產生下一頁游標
func EncodeCursor(msg *Message) string {
	raw := strconv.FormatInt(msg.CreatedAt.UnixNano(), 10) + ":" + msg.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor 解析游標；空字串代表第一頁
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return Cursor{}, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}
