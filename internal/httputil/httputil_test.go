package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chat-realtime/internal/apperr"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, handler gin.HandlerFunc) (int, map[string]interface{}) {
	t.Helper()
	r := gin.New()
	r.GET("/", handler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestRespondError(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   float64
		wantError  string
	}{
		{
			name:       "validation keeps message",
			err:        apperr.Validation("limit must be positive", map[string]interface{}{"field": "limit"}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidParameter,
			wantError:  "limit must be positive",
		},
		{
			name:       "auth",
			err:        apperr.ErrInvalidToken,
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeUnauthenticated,
			wantError:  "invalid or expired token",
		},
		{
			name:       "not participant",
			err:        apperr.ErrNotParticipant,
			wantStatus: http.StatusForbidden,
			wantCode:   ErrorCodeForbidden,
			wantError:  "not a participant of this conversation",
		},
		{
			name:       "wrapped not found",
			err:        errors.Join(errors.New("lookup"), apperr.ErrConversationNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   ErrorCodeRecordNotFound,
			wantError:  "conversation not found",
		},
		{
			name:       "transient hides cause",
			err:        apperr.Transient("redis unavailable", errors.New("dial tcp 10.0.0.1:6379")),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrorCodeUnavailable,
			wantError:  "服務暫時無法使用，請稍後再試",
		},
		{
			name:       "internal hides sensitive text",
			err:        errors.New("mongo: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrorCodeProcessingFailed,
			wantError:  "服務器內部錯誤，請稍後再試",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := serve(t, func(c *gin.Context) { RespondError(c, tc.err) })
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantCode, body["code"])
			assert.Equal(t, tc.wantError, body["error"])
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestRespondErrorDetails(t *testing.T) {
	err := apperr.Validation("invalid id", map[string]interface{}{"field": "id"})
	_, body := serve(t, func(c *gin.Context) { RespondError(c, err) })
	assert.Equal(t, map[string]interface{}{"field": "id"}, body["details"])
}

func TestPaged(t *testing.T) {
	status, body := serve(t, func(c *gin.Context) {
		Paged(c, []string{"a", "b"}, Page{NextCursor: "abc", HasMore: true})
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []interface{}{"a", "b"}, body["data"])
	assert.Equal(t, map[string]interface{}{"nextCursor": "abc", "hasMore": true}, body["page"])

	_, body = serve(t, func(c *gin.Context) { OK(c, gin.H{"x": 1}) })
	assert.NotContains(t, body, "page")
}
