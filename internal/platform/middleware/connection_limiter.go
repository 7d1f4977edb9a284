package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// ConnectionLimiter 限制 websocket 長連線數量
// handler 在連線結束前不會返回，所以 c.Next() 之後即可釋放名額
type ConnectionLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	total       int
	maxPerIP    int
	maxTotal    int
}

// NewConnectionLimiter 創建連線限制器；上限 <= 0 代表不限制
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
		maxTotal:    maxTotal,
	}
}

// Middleware 連線限制中間件
func (l *ConnectionLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := GetClientIP(c)

		if !l.acquire(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "too many connections",
				"success":    false,
				"request_id": GetRequestID(c),
			})
			return
		}
		defer l.release(ip)

		c.Next()
	}
}

func (l *ConnectionLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxTotal > 0 && l.total >= l.maxTotal {
		return false
	}
	if l.maxPerIP > 0 && l.connections[ip] >= l.maxPerIP {
		return false
	}
	l.connections[ip]++
	l.total++
	return true
}

func (l *ConnectionLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.connections[ip]; count <= 1 {
		delete(l.connections, ip)
	} else {
		l.connections[ip]--
	}
	if l.total > 0 {
		l.total--
	}
}

// Stats 獲取統計信息
func (l *ConnectionLimiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"total_connections": l.total,
		"unique_ips":        len(l.connections),
		"max_total":         l.maxTotal,
		"max_per_ip":        l.maxPerIP,
	}
}
