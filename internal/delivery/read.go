package delivery

import (
	"context"
	"fmt"

	"chat-realtime/internal/event"
	"chat-realtime/internal/metrics"
	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/storage/database/conversation"
)

// MarkReadRequest 標記已讀請求；MessageIDs 為 nil 代表對話中所有未讀
type MarkReadRequest struct {
	ConversationID string
	ReaderID       string
	SessionID      string
	MessageIDs     []string
}

// MarkReadResult 實際被標記的訊息
type MarkReadResult struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Updated        int      `json:"updated"`
}

// MarkRead 標記已讀
// 只有未讀、未對讀者隱藏且不是讀者自己發送的訊息會被更新；沒有任何更新時不推送事件
func (e *Engine) MarkRead(ctx context.Context, req MarkReadRequest) (*MarkReadResult, error) {
	conv, err := e.conversations.FindForParticipant(ctx, req.ConversationID, req.ReaderID)
	if err != nil {
		return nil, err
	}

	result := &MarkReadResult{ConversationID: conv.ID, MessageIDs: []string{}}
	if req.MessageIDs != nil && len(req.MessageIDs) == 0 {
		return result, nil
	}

	candidates, err := e.messages.UnreadForViewer(ctx, conv.ID, req.ReaderID, req.MessageIDs)
	if err != nil {
		return nil, fmt.Errorf("查詢未讀訊息失敗: %w", err)
	}

	now := e.clock()
	var updated []*conversation.Message
	for _, msg := range candidates {
		ok, err := e.messages.MarkRead(ctx, conv.ID, msg.ID, conversation.ReadReceipt{
			UserID:    req.ReaderID,
			ReadAt:    now,
			SessionID: req.SessionID,
		})
		if err != nil {
			logger.Warning(ctx, "標記已讀失敗",
				logger.WithMessageID(msg.ID),
				logger.WithUserID(req.ReaderID),
				logger.WithError(err))
			continue
		}
		if ok {
			updated = append(updated, msg)
			result.MessageIDs = append(result.MessageIDs, msg.ID)
		}
	}
	result.Updated = len(updated)
	if len(updated) == 0 {
		return result, nil
	}

	metrics.MessagesRead.Add(float64(len(updated)))
	e.audit.LogMessagesRead(ctx, req.ReaderID, conv.ID, len(updated))

	e.broadcaster.EmitToRoomExcept(conv.ID, req.SessionID, event.MessagesRead, event.MessagesReadPayload{
		MessageIDs:     result.MessageIDs,
		ConversationID: conv.ID,
		ReadBy:         req.ReaderID,
		ReadAt:         now,
		SessionID:      req.SessionID,
	})

	// 依原發送者分組推送回條，保持首次出現的順序
	var senders []string
	bySender := make(map[string][]*conversation.Message)
	for _, msg := range updated {
		if msg.SenderID == req.ReaderID {
			continue
		}
		if _, seen := bySender[msg.SenderID]; !seen {
			senders = append(senders, msg.SenderID)
		}
		bySender[msg.SenderID] = append(bySender[msg.SenderID], msg)
	}

	for _, senderID := range senders {
		for _, msg := range bySender[senderID] {
			e.broadcaster.EmitToUser(senderID, event.MessageReadReceipt, event.MessageReadReceiptPayload{
				MessageID:      msg.ID,
				ConversationID: conv.ID,
				ReadBy:         req.ReaderID,
				ReadAt:         now,
				SessionID:      req.SessionID,
			})
		}

		info := e.profile(ctx, senderID)
		// 發送者看到讀者剩餘的未讀數，讀者的其他裝置同步自己的徽章
		e.pushUnreadCount(ctx, senderID, conv.ID, senderID, req.ReaderID, info)
		e.pushUnreadCount(ctx, req.ReaderID, conv.ID, senderID, req.ReaderID, info)
	}

	return result, nil
}

// MarkAllRead 標記對話中所有未讀訊息
func (e *Engine) MarkAllRead(ctx context.Context, conversationID, readerID, sessionID string) (*MarkReadResult, error) {
	return e.MarkRead(ctx, MarkReadRequest{
		ConversationID: conversationID,
		ReaderID:       readerID,
		SessionID:      sessionID,
	})
}

// UnreadCount viewer 尚未讀取 sender 在對話中訊息的數量
func (e *Engine) UnreadCount(ctx context.Context, conversationID, senderID, viewerID string) (int64, error) {
	if _, err := e.conversations.FindForParticipant(ctx, conversationID, viewerID); err != nil {
		return 0, err
	}
	return e.messages.CountUnread(ctx, conversationID, senderID, viewerID)
}
