package audit

import (
	"context"
	"time"

	"chat-realtime/internal/platform/logger"
)

// AuditService 審計服務，事件以 NOTICE 等級寫入結構化日誌
type AuditService struct {
	enabled bool
	now     func() time.Time
}

// NewAuditService 創建審計服務
func NewAuditService(enabled bool) *AuditService {
	return &AuditService{
		enabled: enabled,
		now:     time.Now,
	}
}

// AuditEvent 審計事件
type AuditEvent struct {
	Timestamp      time.Time              `json:"timestamp"`
	EventType      string                 `json:"event_type"`
	UserID         string                 `json:"user_id"`
	SessionID      string                 `json:"session_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	MessageID      string                 `json:"message_id,omitempty"`
	Action         string                 `json:"action"`
	Result         string                 `json:"result"` // success, failure, denied, blocked
	Details        map[string]interface{} `json:"details,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
}

// LogConnect 記錄即時連線建立
func (a *AuditService) LogConnect(ctx context.Context, userID, sessionID, ipAddress string) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "connection",
		UserID:    userID,
		SessionID: sessionID,
		Action:    "connect",
		Result:    "success",
		IPAddress: ipAddress,
	})
}

// LogDisconnect 記錄即時連線中斷
func (a *AuditService) LogDisconnect(ctx context.Context, userID, sessionID string, lastConnection bool) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "connection",
		UserID:    userID,
		SessionID: sessionID,
		Action:    "disconnect",
		Result:    "success",
		Details: map[string]interface{}{
			"last_connection": lastConnection,
		},
	})
}

// LogMessageSent 記錄消息發送
func (a *AuditService) LogMessageSent(ctx context.Context, userID, conversationID, messageID, messageType string, duplicate bool) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType:      "message_sent",
		UserID:         userID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Action:         "send_message",
		Result:         "success",
		Details: map[string]interface{}{
			"message_type": messageType,
			"duplicate":    duplicate,
		},
	})
}

// LogMessagesRead 記錄已讀標記
func (a *AuditService) LogMessagesRead(ctx context.Context, userID, conversationID string, count int) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType:      "message_read",
		UserID:         userID,
		ConversationID: conversationID,
		Action:         "mark_as_read",
		Result:         "success",
		Details: map[string]interface{}{
			"count": count,
		},
	})
}

// LogMessageDeleted 記錄刪除
func (a *AuditService) LogMessageDeleted(ctx context.Context, userID, conversationID, messageID, deleteType string) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType:      "message_deleted",
		UserID:         userID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Action:         "delete_message",
		Result:         "success",
		Details: map[string]interface{}{
			"delete_type": deleteType,
		},
	})
}

// LogAuthenticationFailure 記錄認證失敗
func (a *AuditService) LogAuthenticationFailure(ctx context.Context, ipAddress, reason string) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "authentication",
		Action:    "authenticate",
		Result:    "failure",
		IPAddress: ipAddress,
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogAccessDenied 記錄訪問被拒絕
func (a *AuditService) LogAccessDenied(ctx context.Context, userID, conversationID, reason string) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType:      "access_denied",
		UserID:         userID,
		ConversationID: conversationID,
		Action:         "access_resource",
		Result:         "denied",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded 記錄速率限制超過
func (a *AuditService) LogRateLimitExceeded(ctx context.Context, key, endpoint string) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "rate_limit",
		UserID:    key,
		Action:    endpoint,
		Result:    "blocked",
		Details: map[string]interface{}{
			"reason": "rate_limit_exceeded",
		},
	})
}

// log 記錄審計事件
func (a *AuditService) log(ctx context.Context, event AuditEvent) {
	event.Timestamp = a.now().UTC()

	details := map[string]interface{}{
		"event_type": event.EventType,
		"result":     event.Result,
		"timestamp":  event.Timestamp.Format(time.RFC3339Nano),
	}
	if event.IPAddress != "" {
		details["ip_address"] = event.IPAddress
	}
	for k, v := range event.Details {
		details[k] = v
	}

	opts := []logger.LogOption{
		logger.WithAction(event.Action),
		logger.WithDetails(details),
		logger.WithLabels(map[string]string{"audit": "true"}),
	}
	if event.UserID != "" {
		opts = append(opts, logger.WithUserID(event.UserID))
	}
	if event.SessionID != "" {
		opts = append(opts, logger.WithSessionID(event.SessionID))
	}
	if event.ConversationID != "" {
		opts = append(opts, logger.WithConversationID(event.ConversationID))
	}
	if event.MessageID != "" {
		opts = append(opts, logger.WithMessageID(event.MessageID))
	}

	logger.Notice(ctx, "[AUDIT] "+event.EventType, opts...)
}

// IsEnabled 檢查審計是否啟用，nil 視為停用
func (a *AuditService) IsEnabled() bool {
	return a != nil && a.enabled
}
