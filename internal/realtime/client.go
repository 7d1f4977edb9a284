package realtime

import (
	"context"
	"sync"
	"time"

	"chat-realtime/internal/event"
	"chat-realtime/internal/metrics"
	"chat-realtime/internal/platform/config"
	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/storage/database/user"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Options 連線參數
type Options struct {
	EventsPerSecond  float64
	EventBurst       int
	MaxFrameSize     int64
	SendBuffer       int
	WriteWait        time.Duration
	PongWait         time.Duration
	OperationTimeout time.Duration
	AllowedOrigins   []string
}

// DefaultOptions 預設連線參數
func DefaultOptions() Options {
	return Options{
		EventsPerSecond:  20,
		EventBurst:       40,
		MaxFrameSize:     72 << 20,
		SendBuffer:       256,
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		OperationTimeout: 30 * time.Second,
	}
}

// OptionsFromConfig 由設定檔建立連線參數
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg == nil {
		return opts
	}
	s := cfg.Limits.Socket
	opts.EventsPerSecond = s.EventsPerSecond
	opts.EventBurst = s.EventBurst
	opts.MaxFrameSize = config.ByteSize(s.MaxFrameSize, opts.MaxFrameSize)
	opts.SendBuffer = s.SendBuffer
	opts.WriteWait = time.Duration(s.WriteWaitSeconds) * time.Second
	opts.PongWait = time.Duration(s.PongWaitSeconds) * time.Second
	opts.OperationTimeout = time.Duration(s.OperationTimeout) * time.Second
	opts.AllowedOrigins = cfg.Server.AllowedOrigins
	return opts
}

func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

// Client 一條 websocket 連線
type Client struct {
	id        string
	userID    string
	sessionID string
	user      *user.User
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	opts      Options

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, u *user.User, sessionID string, opts Options) *Client {
	return &Client{
		id:        uuid.New().String(),
		userID:    u.ID,
		sessionID: sessionID,
		user:      u,
		conn:      conn,
		send:      make(chan []byte, opts.SendBuffer),
		limiter:   rate.NewLimiter(rate.Limit(opts.EventsPerSecond), opts.EventBurst),
		opts:      opts,
	}
}

// ID 連線 ID
func (c *Client) ID() string { return c.id }

// UserID 連線所屬用戶
func (c *Client) UserID() string { return c.userID }

// SessionID 連線的 session
func (c *Client) SessionID() string { return c.sessionID }

// enqueue 非阻塞寫入發送佇列；佇列已滿代表對端太慢，直接斷線
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.closed = true
		close(c.send)
		metrics.EventsRejected.WithLabelValues("slow_consumer").Inc()
		logger.Warning(context.Background(), "發送佇列已滿，中斷連線",
			logger.WithUserID(c.userID),
			logger.WithSessionID(c.sessionID))
		return false
	}
}

// emit 只推送給這條連線
func (c *Client) emit(name string, payload interface{}) {
	frame, err := encodeFrame(name, payload)
	if err != nil {
		logger.Error(context.Background(), "事件編碼失敗", logger.WithEvent(name), logger.WithError(err))
		return
	}
	c.enqueue(frame)
}

// emitError 推送 error 事件
func (c *Client) emitError(source, message string, details map[string]interface{}) {
	c.emit(event.Error, event.ErrorPayload{
		Message: message,
		Details: details,
		Event:   source,
	})
}

// close 關閉發送佇列，writePump 會送出 close frame 並關閉連線
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump 讀取客戶端訊框直到連線結束；handle 在同一個 goroutine 依序執行
func (c *Client) readPump(handle func(data []byte)) {
	c.conn.SetReadLimit(c.opts.MaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Info(context.Background(), "連線異常關閉",
					logger.WithUserID(c.userID),
					logger.WithSessionID(c.sessionID),
					logger.WithError(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

// writePump 將佇列內容寫到連線並定期送 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
