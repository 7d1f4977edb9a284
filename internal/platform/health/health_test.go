package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)

	testCases := []struct {
		name       string
		redisErr   error
		wantStatus string
	}{
		{name: "all healthy", wantStatus: statusHealthy},
		{name: "redis down", redisErr: errors.New("dial tcp: connection refused"), wantStatus: statusDegraded},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandler(AppInfo{Name: "chat-realtime"})
			h.AddCheck("mongo", func(context.Context) error { return nil })
			h.AddCheck("redis", func(context.Context) error { return tc.redisErr })
			h.AddStat("online_users", func(context.Context) (interface{}, error) { return 3, nil })

			r := gin.New()
			r.GET("/health", h.HealthCheck)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			// 依賴異常仍回傳 200
			require.Equal(t, http.StatusOK, w.Code)

			var body struct {
				Status       string                       `json:"status"`
				Dependencies map[string]map[string]string `json:"dependencies"`
				Stats        map[string]interface{}       `json:"stats"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.wantStatus, body.Status)
			assert.Equal(t, statusHealthy, body.Dependencies["mongo"]["status"])
			assert.EqualValues(t, 3, body.Stats["online_users"])
			if tc.redisErr != nil {
				assert.Equal(t, statusUnhealthy, body.Dependencies["redis"]["status"])
				assert.Contains(t, body.Dependencies["redis"]["error"], "refused")
			}
		})
	}
}

func TestCheckReturnsOnlyFailures(t *testing.T) {
	h := NewHealthHandler(AppInfo{})
	h.AddCheck("ok", func(context.Context) error { return nil })
	h.AddCheck("bad", func(context.Context) error { return errors.New("boom") })

	failed := h.Check(context.Background())
	require.Len(t, failed, 1)
	assert.EqualError(t, failed["bad"], "boom")
}
