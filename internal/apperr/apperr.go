// Package apperr 定義即時訊息核心的錯誤分類.
//
// 每個錯誤帶有 Kind，REST 層以 HTTPStatus 轉換狀態碼，
// websocket 層則轉成 error 事件回給發起的連線.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 錯誤種類.
type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindValidation
	KindAuthorization
	KindNotFound
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error 帶分類的應用錯誤.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrConversationNotFound = &Error{Kind: KindNotFound, Message: "conversation not found"}
	ErrMessageNotFound      = &Error{Kind: KindNotFound, Message: "message not found"}
	ErrUserNotFound         = &Error{Kind: KindNotFound, Message: "user not found"}
	ErrEmptyMessage         = &Error{Kind: KindValidation, Message: "message content or file is required"}
	ErrMissingSession       = &Error{Kind: KindAuth, Message: "session id is required"}
	ErrInvalidToken         = &Error{Kind: KindAuth, Message: "invalid or expired token"}
	ErrInactiveUser         = &Error{Kind: KindAuth, Message: "user is inactive"}
	ErrNotParticipant       = &Error{Kind: KindAuthorization, Message: "not a participant of this conversation"}
	ErrNotSender            = &Error{Kind: KindAuthorization, Message: "only the sender can delete this message for everyone"}
	ErrTimeLimit            = &Error{Kind: KindAuthorization, Message: "messages can only be deleted for everyone within 1 hour"}
)

// Auth 建立認證錯誤.
func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// Validation 建立驗證錯誤.
func Validation(message string, details map[string]interface{}) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

// Authorization 建立授權錯誤.
func Authorization(message string) *Error {
	return &Error{Kind: KindAuthorization, Message: message}
}

// NotFound 建立資源不存在錯誤.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Transient 包裝暫時性的基礎設施錯誤.
func Transient(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// KindOf 取出錯誤種類，非 *Error 一律視為 internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As 取出 *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsClientFacing 驗證/授權/不存在/認證錯誤可以原文回給客戶端.
func IsClientFacing(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindValidation, KindAuthorization, KindNotFound:
		return true
	}
	return false
}

// HTTPStatus 錯誤對應的 HTTP 狀態碼.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
