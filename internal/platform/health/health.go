package health

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"chat-realtime/internal/platform/logger"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

const (
	// 健康狀態常數.
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusWarning   = "warning"
	statusDegraded  = "degraded"

	// 超過 1GiB 視為警告.
	memoryThreshold = 1 << 30

	// 超時常數.
	checkTimeout = 5 * time.Second
)

// CheckFunc 依賴檢查，例如 Mongo ping 或 Redis ping
type CheckFunc func(ctx context.Context) error

// StatFunc 附加在回應中的即時數據，例如線上人數
type StatFunc func(ctx context.Context) (interface{}, error)

// AppInfo 回應中的應用資訊
type AppInfo struct {
	Name  string
	Debug bool
}

// Handler 健康檢查處理器.
type Handler struct {
	app    AppInfo
	mu     sync.RWMutex
	checks map[string]CheckFunc
	stats  map[string]StatFunc
	start  time.Time
}

// NewHealthHandler 創建新的健康檢查處理器.
func NewHealthHandler(app AppInfo) *Handler {
	return &Handler{
		app:    app,
		checks: make(map[string]CheckFunc),
		stats:  make(map[string]StatFunc),
		start:  time.Now(),
	}
}

// AddCheck 註冊依賴檢查
func (h *Handler) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// AddStat 註冊附加數據
func (h *Handler) AddStat(name string, stat StatFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats[name] = stat
}

// Check 執行所有依賴檢查，回傳失敗的項目；全部正常時為空
func (h *Handler) Check(ctx context.Context) map[string]error {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = map[string]error{}
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()
			if err := check(ctx); err != nil {
				mu.Lock()
				failed[name] = err
				mu.Unlock()
			}
		}(name, check)
	}
	wg.Wait()
	return failed
}

// HealthCheck 健康檢查端點.
// 即使依賴不健康也回傳 200，整體狀態標記為 degraded.
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	failed := h.Check(ctx)

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	stats := make(map[string]StatFunc, len(h.stats))
	for name, stat := range h.stats {
		stats[name] = stat
	}
	h.mu.RUnlock()
	sort.Strings(names)

	dependencies := gin.H{}
	for _, name := range names {
		if err, bad := failed[name]; bad {
			dependencies[name] = gin.H{"status": statusUnhealthy, "error": err.Error()}
			logger.Warning(ctx, "健康檢查 - 依賴異常", logger.WithAction(name), logger.WithError(err))
			continue
		}
		dependencies[name] = gin.H{"status": statusHealthy}
	}

	statValues := gin.H{}
	for name, stat := range stats {
		v, err := stat(ctx)
		if err != nil {
			statValues[name] = gin.H{"error": err.Error()}
			continue
		}
		statValues[name] = v
	}

	// 從環境變數讀取版本，沒有則用預設值
	appVersion := os.Getenv("APP_VERSION")
	if appVersion == "" {
		appVersion = "NO_VERSION_SET"
	}

	system := h.checkSystemResources()
	response := gin.H{
		"status":    statusHealthy,
		"timestamp": time.Now().Unix(),
		"app": gin.H{
			"name":    h.app.Name,
			"version": appVersion,
			"debug":   h.app.Debug,
		},
		"dependencies": dependencies,
		"stats":        statValues,
		"system": gin.H{
			"status":  system.Status,
			"details": system.Details,
			"uptime":  time.Since(h.start).Round(time.Second).String(),
		},
	}
	if len(failed) > 0 {
		response["status"] = statusDegraded
	}

	c.JSON(http.StatusOK, response)
}

// SystemStatus 系統狀態.
type SystemStatus struct {
	Status  string                 `json:"status"`
	Details map[string]interface{} `json:"details"`
}

// checkSystemResources 檢查系統資源.
func (h *Handler) checkSystemResources() SystemStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	details := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc":       humanize.IBytes(m.Alloc),
			"total_alloc": humanize.IBytes(m.TotalAlloc),
			"sys":         humanize.IBytes(m.Sys),
			"num_gc":      m.NumGC,
		},
		"cpu": gin.H{
			"num_cpu": runtime.NumCPU(),
		},
	}

	status := statusHealthy
	if m.Sys > memoryThreshold {
		status = statusWarning
		details["memory_warning"] = "Memory usage is high"
	}

	return SystemStatus{
		Status:  status,
		Details: details,
	}
}
