// Package delivery 實作訊息送出、送達推進與已讀標記.
//
// 訊息狀態只會依 sent -> delivered -> read 前進：
// 送出時持久化為 sent，短暫延遲後推進為 delivered，收件者回報後標記為 read.
// 所有推進都是存儲層的條件更新，這裡不持有任何跨訊息的鎖.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/event"
	"chat-realtime/internal/metrics"
	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/security/audit"
	"chat-realtime/internal/storage/database/conversation"
	"chat-realtime/internal/storage/database/user"
)

// DefaultPromoteDelay 送達推進延遲
const DefaultPromoteDelay = 100 * time.Millisecond

const sideEffectTimeout = 10 * time.Second

// ConversationStore 送訊引擎需要的對話操作
type ConversationStore interface {
	FindForParticipant(ctx context.Context, id, userID string) (*conversation.Conversation, error)
	TouchLastMessage(ctx context.Context, id, messageID string, at time.Time) error
}

// MessageStore 送訊引擎需要的訊息操作
type MessageStore interface {
	Create(ctx context.Context, msg *conversation.Message) error
	GetByClientMessageID(ctx context.Context, clientMessageID string) (*conversation.Message, error)
	AdvanceStatus(ctx context.Context, id, to string, at time.Time) (bool, error)
	MarkRead(ctx context.Context, conversationID, messageID string, receipt conversation.ReadReceipt) (bool, error)
	UnreadForViewer(ctx context.Context, conversationID, viewerID string, ids []string) ([]*conversation.Message, error)
	CountUnread(ctx context.Context, conversationID, senderID, viewerID string) (int64, error)
}

// FileStore 附件存儲
type FileStore interface {
	Save(ctx context.Context, name, mimeType string, data []byte) (string, error)
	Delete(ctx context.Context, fileID string) error
}

// UserDirectory 讀取公開資料
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// Deps 引擎依賴
type Deps struct {
	Conversations ConversationStore
	Messages      MessageStore
	Files         FileStore
	Users         UserDirectory
	Broadcaster   event.Broadcaster
}

// Engine 訊息送達引擎
type Engine struct {
	conversations ConversationStore
	messages      MessageStore
	files         FileStore
	users         UserDirectory
	broadcaster   event.Broadcaster
	scheduler     *Scheduler
	limits        Limits
	audit         *audit.AuditService
	now           func() time.Time
}

// Option 引擎選項
type Option func(*Engine)

// WithClock 注入時鐘
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLimits 設定內容與附件上限
func WithLimits(limits Limits) Option {
	return func(e *Engine) { e.limits = limits }
}

// WithPromoteDelay 設定送達推進延遲
func WithPromoteDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.scheduler = NewScheduler(d)
		}
	}
}

// WithAudit 設定審計服務
func WithAudit(a *audit.AuditService) Option {
	return func(e *Engine) { e.audit = a }
}

// NewEngine 創建引擎
func NewEngine(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		conversations: deps.Conversations,
		messages:      deps.Messages,
		files:         deps.Files,
		users:         deps.Users,
		broadcaster:   deps.Broadcaster,
		scheduler:     NewScheduler(DefaultPromoteDelay),
		limits:        DefaultLimits(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits 目前生效的上限
func (e *Engine) Limits() Limits {
	return e.limits
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// SendRequest 送出訊息請求
type SendRequest struct {
	ConversationID  string
	SenderID        string
	SessionID       string
	ClientMessageID string
	Payload         MessagePayload
}

// SendResult 送出結果
type SendResult struct {
	Ack          event.MessageSentPayload
	Message      *conversation.Message
	Conversation *conversation.Conversation
	Duplicate    bool
}

// Send 驗證、持久化並推送訊息
// 冪等鍵已存在時不建立新訊息、不更新對話活動時間，只回傳重複確認
func (e *Engine) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.Payload == nil {
		return nil, apperr.ErrEmptyMessage
	}

	conv, err := e.conversations.FindForParticipant(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		if errors.Is(err, apperr.ErrConversationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("查詢對話失敗: %w", err)
	}

	if req.ClientMessageID != "" {
		existing, err := e.messages.GetByClientMessageID(ctx, req.ClientMessageID)
		switch {
		case err == nil:
			return e.duplicate(ctx, req, conv, existing)
		case !errors.Is(err, apperr.ErrMessageNotFound):
			return nil, fmt.Errorf("查詢冪等鍵失敗: %w", err)
		}
	}

	now := e.clock()
	msg := conversation.NewMessage(conv.ID, req.SenderID)
	msg.ClientMessageID = req.ClientMessageID
	msg.Type = req.Payload.MessageType()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	msg.Metadata.SentAt = now

	switch p := req.Payload.(type) {
	case Text:
		msg.Content = p.Content
	case Media:
		if e.files == nil {
			return nil, fmt.Errorf("附件存儲未設定")
		}
		fileID, err := e.files.Save(ctx, p.Name, p.MimeType, p.Data)
		if err != nil {
			return nil, err
		}
		msg.Content = p.Caption
		msg.File = &conversation.FileData{
			FileID:    fileID,
			Name:      p.Name,
			MimeType:  p.MimeType,
			Size:      p.SizeBytes,
			Thumbnail: p.Thumbnail,
			Duration:  p.DurationSeconds,
			URL:       event.FileURL(msg.ID),
		}
	default:
		return nil, apperr.Validation("unsupported message payload", nil)
	}

	if err := e.messages.Create(ctx, &msg); err != nil {
		// 訊息未寫入時，已上傳的附件不再有引用
		if msg.File != nil {
			e.discardFile(ctx, msg.File.FileID)
		}
		if errors.Is(err, conversation.ErrDuplicateClientMessage) {
			// 並發重送在唯一索引上輸了，改回傳贏家
			existing, getErr := e.messages.GetByClientMessageID(ctx, req.ClientMessageID)
			if getErr != nil {
				return nil, fmt.Errorf("讀取重複訊息失敗: %w", getErr)
			}
			return e.duplicate(ctx, req, conv, existing)
		}
		return nil, fmt.Errorf("保存訊息失敗: %w", err)
	}

	if err := e.conversations.TouchLastMessage(ctx, conv.ID, msg.ID, now); err != nil {
		logger.Warning(ctx, "更新對話最後訊息失敗",
			logger.WithConversationID(conv.ID),
			logger.WithMessageID(msg.ID),
			logger.WithError(err))
	} else {
		conv.LastMessage = msg.ID
		conv.LastActivity = now
	}

	view := event.NewMessageView(&msg, "")
	view.Sender = e.profile(ctx, req.SenderID)
	e.broadcaster.EmitToRoom(conv.ID, event.MessageReceived, event.MessageReceivedPayload{
		Message:      view,
		Conversation: event.NewConversationSummary(conv),
	})

	e.schedulePromotion(&msg, conv.Participants)

	metrics.MessagesSent.WithLabelValues(msg.Type).Inc()
	e.audit.LogMessageSent(ctx, req.SenderID, conv.ID, msg.ID, msg.Type, false)

	return &SendResult{
		Ack:          ack(req.ClientMessageID, &msg, false),
		Message:      &msg,
		Conversation: conv,
	}, nil
}

func (e *Engine) discardFile(ctx context.Context, fileID string) {
	if err := e.files.Delete(ctx, fileID); err != nil {
		logger.Warning(ctx, "清理孤立附件失敗",
			logger.WithDetails(map[string]interface{}{"file_id": fileID}),
			logger.WithError(err))
	}
}

func (e *Engine) duplicate(ctx context.Context, req SendRequest, conv *conversation.Conversation, existing *conversation.Message) (*SendResult, error) {
	if existing.SenderID != req.SenderID || existing.ConversationID != conv.ID {
		return nil, apperr.Validation("clientMessageId already used", map[string]interface{}{
			"clientMessageId": req.ClientMessageID,
		})
	}

	metrics.MessagesDuplicate.Inc()
	e.audit.LogMessageSent(ctx, req.SenderID, conv.ID, existing.ID, existing.Type, true)
	logger.Info(ctx, "重複的 clientMessageId，回傳既有訊息",
		logger.WithUserID(req.SenderID),
		logger.WithMessageID(existing.ID),
		logger.WithDetails(map[string]interface{}{"client_message_id": req.ClientMessageID}))

	return &SendResult{
		Ack:          ack(req.ClientMessageID, existing, true),
		Message:      existing,
		Conversation: conv,
		Duplicate:    true,
	}, nil
}

func ack(clientMessageID string, msg *conversation.Message, duplicate bool) event.MessageSentPayload {
	id := clientMessageID
	if id == "" {
		id = msg.ID
	}
	return event.MessageSentPayload{
		MessageID:      id,
		ServerID:       msg.ID,
		ConversationID: msg.ConversationID,
		Success:        true,
		Timestamp:      msg.CreatedAt,
		DeliveryStatus: msg.Metadata.DeliveryStatus,
		Duplicate:      duplicate,
	}
}

// FailedAck 送出失敗時給發送者的確認
func FailedAck(clientMessageID, conversationID string, at time.Time) event.MessageSentPayload {
	return event.MessageSentPayload{
		MessageID:      clientMessageID,
		ConversationID: conversationID,
		Success:        false,
		Timestamp:      at,
		DeliveryStatus: conversation.StatusFailed,
	}
}

func (e *Engine) profile(ctx context.Context, userID string) *user.PublicProfile {
	if e.users == nil {
		return nil
	}
	u, err := e.users.GetByID(ctx, userID)
	if err != nil {
		logger.Debug(ctx, "讀取用戶公開資料失敗", logger.WithUserID(userID), logger.WithError(err))
		return nil
	}
	p := u.Profile()
	return &p
}

func (e *Engine) schedulePromotion(msg *conversation.Message, participants []string) {
	messageID := msg.ID
	clientMessageID := msg.ClientMessageID
	conversationID := msg.ConversationID
	senderID := msg.SenderID
	recipients := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != senderID {
			recipients = append(recipients, p)
		}
	}

	e.scheduler.Schedule(messageID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		e.promote(ctx, messageID, clientMessageID, conversationID, senderID, recipients)
	})
}

// promote sent -> delivered，失敗只記錄
func (e *Engine) promote(ctx context.Context, messageID, clientMessageID, conversationID, senderID string, recipients []string) {
	at := e.clock()
	advanced, err := e.messages.AdvanceStatus(ctx, messageID, conversation.StatusDelivered, at)
	if err != nil {
		metrics.DeliveryPromotions.WithLabelValues("error").Inc()
		logger.Warning(ctx, "送達狀態推進失敗",
			logger.WithMessageID(messageID),
			logger.WithConversationID(conversationID),
			logger.WithError(err))
		return
	}
	if !advanced {
		// 已讀或已刪除，狀態不倒退
		metrics.DeliveryPromotions.WithLabelValues("skipped").Inc()
		return
	}
	metrics.DeliveryPromotions.WithLabelValues("delivered").Inc()

	e.broadcaster.EmitToUser(senderID, event.MessageDelivered, event.MessageDeliveredPayload{
		MessageID:       messageID,
		ClientMessageID: clientMessageID,
		ConversationID:  conversationID,
		DeliveryStatus:  conversation.StatusDelivered,
		DeliveredAt:     at,
	})

	info := e.profile(ctx, senderID)
	for _, viewer := range recipients {
		e.pushUnreadCount(ctx, viewer, conversationID, senderID, viewer, info)
	}
}

// pushUnreadCount 推送 viewer 尚未讀取 sender 訊息的數量到 target 的個人房間
func (e *Engine) pushUnreadCount(ctx context.Context, target, conversationID, senderID, viewerID string, info *user.PublicProfile) {
	count, err := e.messages.CountUnread(ctx, conversationID, senderID, viewerID)
	if err != nil {
		logger.Warning(ctx, "計算未讀數失敗",
			logger.WithConversationID(conversationID),
			logger.WithUserID(viewerID),
			logger.WithError(err))
		return
	}
	e.broadcaster.EmitToUser(target, event.UnreadCountUpdated, event.UnreadCountPayload{
		SenderID:       senderID,
		SenderInfo:     info,
		ViewerID:       viewerID,
		ConversationID: conversationID,
		UnreadCount:    count,
	})
}

// CancelDelivery 取消尚未觸發的送達推進
func (e *Engine) CancelDelivery(messageID string) bool {
	return e.scheduler.Cancel(messageID)
}

// PendingDeliveries 尚未觸發的送達推進數
func (e *Engine) PendingDeliveries() int {
	return e.scheduler.Pending()
}

// Stop 取消所有尚未觸發的送達推進
func (e *Engine) Stop() {
	e.scheduler.Stop()
}
