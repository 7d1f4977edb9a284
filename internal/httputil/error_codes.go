package httputil

import "chat-realtime/internal/apperr"

// API 錯誤代碼常數.
const (
	// 1000-1999: 認證相關錯誤 (401 Unauthorized).
	ErrorCodeUnauthenticated = 1001

	// 2000-2999: 參數相關錯誤 (400 Bad Request).
	ErrorCodeInvalidParameter = 2001

	// 3000-3999: 權限相關錯誤 (403 Forbidden).
	ErrorCodeForbidden = 3001

	// 4000-4999: 資源相關錯誤 (404 Not Found).
	ErrorCodeRecordNotFound = 4001

	// 5000-5999: 處理相關錯誤.
	ErrorCodeProcessingFailed = 5001
	ErrorCodeUnavailable      = 5003
)

// ErrorCode 錯誤分類對應的代碼
func ErrorCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindAuth:
		return ErrorCodeUnauthenticated
	case apperr.KindValidation:
		return ErrorCodeInvalidParameter
	case apperr.KindAuthorization:
		return ErrorCodeForbidden
	case apperr.KindNotFound:
		return ErrorCodeRecordNotFound
	case apperr.KindTransient:
		return ErrorCodeUnavailable
	}
	return ErrorCodeProcessingFailed
}
