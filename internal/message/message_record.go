package message

import (
	"chat-realtime/internal/event"
	"chat-realtime/internal/storage/database/conversation"
)

// CreatePrivateRequest 建立或取得私聊請求.
type CreatePrivateRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
}

// ListMessagesQuery 訊息列表查詢參數.
type ListMessagesQuery struct {
	Limit  int    `form:"limit"`
	Cursor string `form:"cursor"`
}

// ConversationResponse 對話回應.
type ConversationResponse struct {
	event.ConversationSummary
	Created bool `json:"created"`
}

// MarkReadResponse 全部已讀回應.
type MarkReadResponse struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Updated        int      `json:"updated"`
}

func newConversationResponse(conv *conversation.Conversation, created bool) ConversationResponse {
	return ConversationResponse{
		ConversationSummary: event.NewConversationSummary(conv),
		Created:             created,
	}
}
