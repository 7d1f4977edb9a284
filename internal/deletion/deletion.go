// Package deletion 處理「對我刪除」與「對所有人刪除」.
package deletion

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
)

// EveryoneWindow 對所有人刪除的時限
const EveryoneWindow = time.Hour

// ConversationStore 參與者檢查
type ConversationStore interface {
	FindForParticipant(ctx context.Context, id, userID string) (*conversation.Conversation, error)
}

// MessageStore 刪除需要的訊息操作
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*conversation.Message, error)
	DeleteForUser(ctx context.Context, conversationID, messageID string, mark conversation.DeletionMark) (bool, error)
	DeleteForEveryone(ctx context.Context, messageID, senderID string, notBefore, at time.Time) (bool, error)
}

// DeliveryCanceller 取消尚未觸發的送達推進
type DeliveryCanceller interface {
	CancelDelivery(messageID string) bool
}

// Deps 協調器依賴
type Deps struct {
	Conversations ConversationStore
	Messages      MessageStore
	Delivery      DeliveryCanceller
	Broadcaster   event.Broadcaster
}

// Coordinator 刪除協調器
type Coordinator struct {
	conversations ConversationStore
	messages      MessageStore
	delivery      DeliveryCanceller
	broadcaster   event.Broadcaster
	audit         *audit.AuditService
	now           func() time.Time
}

// Option 協調器選項
type Option func(*Coordinator)

// WithClock 注入時鐘
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithAudit 設定審計服務
func WithAudit(a *audit.AuditService) Option {
	return func(c *Coordinator) { c.audit = a }
}

// NewCoordinator 創建協調器
func NewCoordinator(deps Deps, opts ...Option) *Coordinator {
	c := &Coordinator{
		conversations: deps.Conversations,
		messages:      deps.Messages,
		delivery:      deps.Delivery,
		broadcaster:   deps.Broadcaster,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request 單則刪除請求
type Request struct {
	ConversationID string
	MessageID      string
	UserID         string
}

// Result 單則刪除結果，Changed 為 false 代表先前已刪除
type Result struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeleteType     string    `json:"deleteType"`
	Changed        bool      `json:"changed"`
	DeletedAt      time.Time `json:"deletedAt"`
}

// Delete 依刪除類型分派
func (c *Coordinator) Delete(ctx context.Context, req Request, deleteType string) (*Result, error) {
	switch deleteType {
	case conversation.DeleteForMe:
		return c.DeleteForMe(ctx, req)
	case conversation.DeleteForEveryone:
		return c.DeleteForEveryone(ctx, req)
	}
	return nil, apperr.Validation("deleteType must be forMe or forEveryone", map[string]interface{}{
		"deleteType": deleteType,
	})
}

// loadMessage 讀取屬於該對話的訊息；跨對話存取一律視為不存在
func (c *Coordinator) loadMessage(ctx context.Context, conversationID, messageID, userID string) (*conversation.Message, error) {
	if _, err := c.conversations.FindForParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msg, err := c.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, apperr.ErrMessageNotFound
	}
	return msg, nil
}

// DeleteForMe 對自己隱藏訊息；重複刪除不改變狀態
func (c *Coordinator) DeleteForMe(ctx context.Context, req Request) (*Result, error) {
	if _, err := c.loadMessage(ctx, req.ConversationID, req.MessageID, req.UserID); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	changed, err := c.messages.DeleteForUser(ctx, req.ConversationID, req.MessageID, conversation.DeletionMark{
		UserID:     req.UserID,
		DeletedAt:  now,
		DeleteType: conversation.DeleteForMe,
	})
	if err != nil {
		return nil, fmt.Errorf("刪除訊息失敗: %w", err)
	}

	if changed {
		metrics.MessagesDeleted.WithLabelValues(conversation.DeleteForMe).Inc()
		c.audit.LogMessageDeleted(ctx, req.UserID, req.ConversationID, req.MessageID, conversation.DeleteForMe)
	}

	// 同步自己的其他裝置
	c.broadcaster.EmitToUser(req.UserID, event.MessageDeletedForMe, event.MessageDeletedForMePayload{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		DeletedAt:      now,
	})

	return &Result{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		DeleteType:     conversation.DeleteForMe,
		Changed:        changed,
		DeletedAt:      now,
	}, nil
}

// DeleteForEveryone 發送者在建立後一小時內永久刪除
// 非發送者回傳 ErrNotSender，超過時限回傳 ErrTimeLimit
func (c *Coordinator) DeleteForEveryone(ctx context.Context, req Request) (*Result, error) {
	msg, err := c.loadMessage(ctx, req.ConversationID, req.MessageID, req.UserID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != req.UserID {
		c.audit.LogAccessDenied(ctx, req.UserID, req.ConversationID, "not the sender")
		return nil, apperr.ErrNotSender
	}

	now := c.now().UTC()
	result := &Result{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		DeleteType:     conversation.DeleteForEveryone,
	}
	if msg.IsDeleted {
		if msg.DeletedAt != nil {
			result.DeletedAt = *msg.DeletedAt
		}
		return result, nil
	}
	if now.Sub(msg.CreatedAt) > EveryoneWindow {
		return nil, apperr.ErrTimeLimit
	}

	changed, err := c.messages.DeleteForEveryone(ctx, msg.ID, req.UserID, now.Add(-EveryoneWindow), now)
	if err != nil {
		return nil, fmt.Errorf("刪除訊息失敗: %w", err)
	}
	if !changed {
		// 條件更新失敗：可能剛好被並發刪除，或在檢查後跨過時限
		current, getErr := c.messages.GetByID(ctx, msg.ID)
		if getErr == nil && current.IsDeleted {
			if current.DeletedAt != nil {
				result.DeletedAt = *current.DeletedAt
			}
			return result, nil
		}
		return nil, apperr.ErrTimeLimit
	}

	if c.delivery != nil && c.delivery.CancelDelivery(msg.ID) {
		logger.Debug(ctx, "已取消送達推進", logger.WithMessageID(msg.ID))
	}

	metrics.MessagesDeleted.WithLabelValues(conversation.DeleteForEveryone).Inc()
	c.audit.LogMessageDeleted(ctx, req.UserID, msg.ConversationID, msg.ID, conversation.DeleteForEveryone)

	c.broadcaster.EmitToRoom(msg.ConversationID, event.MessageDeletedForEveryone, event.MessageDeletedForEveryonePayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		DeletedBy:      req.UserID,
		DeletedAt:      now,
		Content:        event.TombstoneContent,
	})

	result.Changed = true
	result.DeletedAt = now
	return result, nil
}

// BulkRequest 批次對我刪除
type BulkRequest struct {
	ConversationID string
	UserID         string
	MessageIDs     []string
}

// BulkResult 批次結果
type BulkResult struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Requested      int      `json:"requested"`
	Deleted        int      `json:"deleted"`
}

// BulkDeleteForMe 逐一對自己隱藏，單一項目失敗不影響其他項目
func (c *Coordinator) BulkDeleteForMe(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if _, err := c.conversations.FindForParticipant(ctx, req.ConversationID, req.UserID); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	result := &BulkResult{
		ConversationID: req.ConversationID,
		MessageIDs:     []string{},
		Requested:      len(req.MessageIDs),
	}

	for _, id := range req.MessageIDs {
		msg, err := c.messages.GetByID(ctx, id)
		if err != nil {
			if !errors.Is(err, apperr.ErrMessageNotFound) {
				logger.Warning(ctx, "批次刪除讀取訊息失敗", logger.WithMessageID(id), logger.WithError(err))
			}
			continue
		}
		if msg.ConversationID != req.ConversationID {
			continue
		}
		changed, err := c.messages.DeleteForUser(ctx, req.ConversationID, id, conversation.DeletionMark{
			UserID:     req.UserID,
			DeletedAt:  now,
			DeleteType: conversation.DeleteForMe,
		})
		if err != nil {
			logger.Warning(ctx, "批次刪除失敗", logger.WithMessageID(id), logger.WithError(err))
			continue
		}
		if changed {
			result.Deleted++
			result.MessageIDs = append(result.MessageIDs, id)
		}
	}

	if result.Deleted > 0 {
		metrics.MessagesDeleted.WithLabelValues(conversation.DeleteForMe).Add(float64(result.Deleted))
	}
	logger.Info(ctx, "批次刪除完成",
		logger.WithUserID(req.UserID),
		logger.WithConversationID(req.ConversationID),
		logger.WithDetails(map[string]interface{}{"requested": result.Requested, "deleted": result.Deleted}))

	c.broadcaster.EmitToUser(req.UserID, event.MultipleMessagesDeleted, event.MultipleMessagesDeletedPayload{
		MessageIDs:     result.MessageIDs,
		ConversationID: req.ConversationID,
		Requested:      result.Requested,
		Deleted:        result.Deleted,
	})

	return result, nil
}
