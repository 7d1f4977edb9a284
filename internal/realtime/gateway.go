package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/auth"
	"chat-realtime/internal/deletion"
	"chat-realtime/internal/delivery"
	"chat-realtime/internal/event"
	"chat-realtime/internal/metrics"
	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/security/audit"
	"chat-realtime/internal/storage/database/conversation"
	"chat-realtime/internal/storage/database/user"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// SessionHeader 攜帶 session id 的標頭
const SessionHeader = "X-Session-ID"

// Authenticator 驗證連線憑證
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*user.User, error)
}

// ConversationDirectory 閘道需要的對話查詢
type ConversationDirectory interface {
	FindForParticipant(ctx context.Context, id, userID string) (*conversation.Conversation, error)
	ListIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// LastSeenWriter 斷線時寫入最後上線時間
type LastSeenWriter interface {
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

// Messenger 送訊與已讀
type Messenger interface {
	Send(ctx context.Context, req delivery.SendRequest) (*delivery.SendResult, error)
	MarkRead(ctx context.Context, req delivery.MarkReadRequest) (*delivery.MarkReadResult, error)
	Limits() delivery.Limits
}

// Deleter 刪除
type Deleter interface {
	Delete(ctx context.Context, req deletion.Request, deleteType string) (*deletion.Result, error)
	BulkDeleteForMe(ctx context.Context, req deletion.BulkRequest) (*deletion.BulkResult, error)
}

// Deps 閘道依賴
type Deps struct {
	Hub           *Hub
	Auth          Authenticator
	Conversations ConversationDirectory
	Users         LastSeenWriter
	Presence      presence.Tracker
	Messages      Messenger
	Deletion      Deleter
}

// Gateway websocket 閘道
type Gateway struct {
	hub           *Hub
	auth          Authenticator
	conversations ConversationDirectory
	users         LastSeenWriter
	presence      presence.Tracker
	messages      Messenger
	deletion      Deleter
	opts          Options
	upgrader      websocket.Upgrader
	audit         *audit.AuditService
	now           func() time.Time
	handlers      map[string]handlerFunc

	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
}

// Option 閘道選項
type Option func(*Gateway)

// WithAudit 設定審計服務
func WithAudit(a *audit.AuditService) Option {
	return func(g *Gateway) { g.audit = a }
}

// WithClock 注入時鐘
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway 創建閘道
func NewGateway(deps Deps, opts Options, gopts ...Option) *Gateway {
	g := &Gateway{
		hub:           deps.Hub,
		auth:          deps.Auth,
		conversations: deps.Conversations,
		users:         deps.Users,
		presence:      deps.Presence,
		messages:      deps.Messages,
		deletion:      deps.Deletion,
		opts:          opts,
		now:           time.Now,
	}
	if g.hub == nil {
		g.hub = NewHub()
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	for _, opt := range gopts {
		opt(g)
	}
	g.handlers = g.routes()
	return g
}

// Hub 連線註冊表
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// checkOrigin 未設定白名單時允許所有來源
func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// credentials 取出 token 與 session id，標頭優先於查詢參數
func credentials(r *http.Request) (token, sessionID string) {
	if t, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
		token = t
	} else {
		token = r.URL.Query().Get("token")
	}
	sessionID = strings.TrimSpace(r.Header.Get(SessionHeader))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.URL.Query().Get("sessionId"))
	}
	return token, sessionID
}

// HandleWS GET /ws
// 認證失敗在升級前以 401 回應
func (g *Gateway) HandleWS(c *gin.Context) {
	ctx := c.Request.Context()
	token, sessionID := credentials(c.Request)

	if token == "" {
		g.reject(c, apperr.ErrInvalidToken)
		return
	}
	u, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		g.reject(c, err)
		return
	}
	if sessionID == "" {
		g.reject(c, apperr.ErrMissingSession)
		return
	}

	if !g.acquire() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   "server is shutting down",
			"success": false,
		})
		return
	}
	defer g.active.Done()

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已經寫出錯誤回應
		logger.Warning(ctx, "websocket 升級失敗",
			logger.WithUserID(u.ID),
			logger.WithError(err))
		return
	}

	g.serve(ctx, conn, u, sessionID, c.ClientIP())
}

func (g *Gateway) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.active.Add(1)
	return true
}

// Shutdown 拒絕新連線、關閉現有連線，並等待所有連線完成斷線處理
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	n := g.hub.CloseAll()
	logger.Info(ctx, "關閉 websocket 連線", logger.WithDetails(map[string]interface{}{"connections": n}))

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) reject(c *gin.Context, err error) {
	status := http.StatusUnauthorized
	message := apperr.ErrInvalidToken.Message
	if e, ok := apperr.As(err); ok && e.Kind == apperr.KindAuth {
		message = e.Message
	} else if apperr.KindOf(err) == apperr.KindTransient {
		status = http.StatusServiceUnavailable
		message = "authentication temporarily unavailable"
	}

	g.audit.LogAuthenticationFailure(c.Request.Context(), c.ClientIP(), err.Error())
	metrics.EventsRejected.WithLabelValues("unauthenticated").Inc()
	c.AbortWithStatusJSON(status, gin.H{
		"error":   message,
		"success": false,
	})
}

// serve 連線生命週期；在 handler goroutine 中阻塞直到連線結束
func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn, u *user.User, sessionID, ip string) {
	// 連線上的操作不因 HTTP 請求結束而取消
	connCtx := logger.WithTraceID(context.WithoutCancel(ctx), logger.NewTraceID())
	client := newClient(conn, u, sessionID, g.opts)

	g.connect(connCtx, client, ip)
	go client.writePump()

	client.readPump(func(data []byte) {
		g.dispatch(connCtx, client, data)
	})

	g.disconnect(connCtx, client)
}

// connect 註冊連線、加入房間並廣播上線
func (g *Gateway) connect(ctx context.Context, client *Client, ip string) {
	g.hub.Register(client)
	g.hub.Join(client, event.UserRoom(client.userID))
	metrics.ConnectionsActive.Inc()

	opCtx, cancel := context.WithTimeout(ctx, g.opts.OperationTimeout)
	defer cancel()

	ids, err := g.conversations.ListIDsForUser(opCtx, client.userID)
	if err != nil {
		logger.Error(ctx, "載入用戶對話失敗",
			logger.WithUserID(client.userID),
			logger.WithError(err))
	}
	for _, id := range ids {
		g.hub.Join(client, id)
	}

	if err := g.presence.MarkOnline(opCtx, client.userID); err != nil {
		logger.Warning(ctx, "標記在線失敗",
			logger.WithUserID(client.userID),
			logger.WithError(err))
	}

	g.hub.EmitToAllExcept(client.userID, event.UserOnline, event.PresencePayload{
		UserID:      client.userID,
		OnlineCount: g.onlineCount(opCtx),
	})
	g.hub.EmitToAllExcept(client.userID, event.NewUserJoined, client.user.Profile())

	g.audit.LogConnect(ctx, client.userID, client.sessionID, ip)
	logger.Info(ctx, "用戶已連線",
		logger.WithUserID(client.userID),
		logger.WithSessionID(client.sessionID),
		logger.WithDetails(map[string]interface{}{"rooms": len(ids) + 1}))
}

// disconnect 先解除註冊，最後一條連線才標記離線
func (g *Gateway) disconnect(ctx context.Context, client *Client) {
	last := g.hub.Unregister(client)
	client.close()
	metrics.ConnectionsActive.Dec()
	g.audit.LogDisconnect(ctx, client.userID, client.sessionID, last)

	if !last {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, g.opts.OperationTimeout)
	defer cancel()

	if err := g.presence.MarkOffline(opCtx, client.userID); err != nil {
		logger.Warning(ctx, "標記離線失敗",
			logger.WithUserID(client.userID),
			logger.WithError(err))
	}

	lastSeen := g.now().UTC()
	if err := g.users.TouchLastSeen(opCtx, client.userID, lastSeen); err != nil {
		logger.Error(ctx, "寫入最後上線時間失敗",
			logger.WithUserID(client.userID),
			logger.WithError(err))
	}

	g.hub.EmitToAllExcept(client.userID, event.UserOffline, event.PresencePayload{
		UserID:      client.userID,
		OnlineCount: g.onlineCount(opCtx),
		LastSeen:    &lastSeen,
	})
	logger.Info(ctx, "用戶已離線",
		logger.WithUserID(client.userID),
		logger.WithSessionID(client.sessionID))
}

// onlineCount 在線人數；Redis 不可用時退回本實例的在線用戶數
func (g *Gateway) onlineCount(ctx context.Context) int64 {
	n, err := g.presence.Count(ctx)
	if err != nil {
		return int64(g.hub.UserCount())
	}
	return n
}
