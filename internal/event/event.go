// Package event 定義即時事件名稱、事件內容與廣播能力.
//
// 送訊引擎、刪除協調器與自動訊息消費者都只依賴 Broadcaster，
// 不直接持有連線註冊表.
package event

import (
	"encoding/json"
	"time"

	"chat-realtime/internal/storage/database/conversation"
	"chat-realtime/internal/storage/database/user"
)

// 客戶端 -> 伺服器事件.
const (
	JoinRoom               = "join_room"
	SendMessage            = "send_message"
	DeleteMessage          = "delete_message"
	DeleteMultipleMessages = "delete_multiple_messages"
	TypingStart            = "typing_start"
	TypingStop             = "typing_stop"
	MarkMessagesRead       = "mark_messages_read"
)

// 伺服器 -> 客戶端事件.
const (
	JoinedRoom                = "joined_room"
	MessageReceived           = "message_received"
	MessageSent               = "message_sent"
	MessageDelivered          = "message_delivered"
	MessageReadReceipt        = "message_read_receipt"
	MessagesRead              = "messages_read"
	UnreadCountUpdated        = "unread_count_updated"
	MessageDeletedForEveryone = "message_deleted_for_everyone"
	MessageDeletedForMe       = "message_deleted_for_me"
	MultipleMessagesDeleted   = "multiple_messages_deleted"
	UserOnline                = "user_online"
	UserOffline               = "user_offline"
	NewUserJoined             = "new_user_joined"
	UserTyping                = "user_typing"
	UserStopTyping            = "user_stop_typing"
	Error                     = "error"
)

// TombstoneContent 對所有人刪除後顯示的內容
const TombstoneContent = "This message was deleted"

// Broadcaster 推送事件到連線的能力
type Broadcaster interface {
	// EmitToRoom 推送給房間內所有連線
	EmitToRoom(room, name string, payload interface{})
	// EmitToRoomExcept 推送給房間內 session 不是 exceptSessionID 的連線
	EmitToRoomExcept(room, exceptSessionID, name string, payload interface{})
	// EmitToUser 推送到用戶的個人房間（所有裝置）
	EmitToUser(userID, name string, payload interface{})
	// EmitToAllExcept 推送給除了 userID 以外的所有連線
	EmitToAllExcept(userID, name string, payload interface{})
}

// UserRoom 個人房間名稱
func UserRoom(userID string) string {
	return "user:" + userID
}

// Envelope websocket 上的訊框格式
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload error 事件
type ErrorPayload struct {
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Event   string                 `json:"event,omitempty"`
}

// JoinedRoomPayload joined_room 事件
type JoinedRoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// MessageView 對外輸出的訊息，不帶其他用戶的刪除記錄與檔案位元組
type MessageView struct {
	ID              string                        `json:"id"`
	ClientMessageID string                        `json:"clientMessageId,omitempty"`
	SenderID        string                        `json:"senderId"`
	Sender          *user.PublicProfile           `json:"sender,omitempty"`
	ConversationID  string                        `json:"conversationId"`
	Content         string                        `json:"content"`
	Type            string                        `json:"type"`
	FileData        *conversation.FileData        `json:"fileData,omitempty"`
	ReadBy          []conversation.ReadReceipt    `json:"readBy"`
	IsDeleted       bool                          `json:"isDeleted"`
	DeletedAt       *time.Time                    `json:"deletedAt,omitempty"`
	IsRead          bool                          `json:"isRead"`
	DeletedForMe    bool                          `json:"deletedForMe"`
	Metadata        conversation.DeliveryMetadata `json:"metadata"`
	CreatedAt       time.Time                     `json:"createdAt"`
}

// FileURL 附件下載路徑
func FileURL(messageID string) string {
	return "/api/v1/messages/" + messageID + "/file"
}

// NewMessageView 依 viewer 轉換訊息；viewer 為空時不計算個人狀態
func NewMessageView(msg *conversation.Message, viewerID string) *MessageView {
	view := &MessageView{
		ID:              msg.ID,
		ClientMessageID: msg.ClientMessageID,
		SenderID:        msg.SenderID,
		ConversationID:  msg.ConversationID,
		Content:         msg.Content,
		Type:            msg.Type,
		ReadBy:          msg.ReadBy,
		IsDeleted:       msg.IsDeleted,
		DeletedAt:       msg.DeletedAt,
		Metadata:        msg.Metadata,
		CreatedAt:       msg.CreatedAt,
	}
	if view.ReadBy == nil {
		view.ReadBy = []conversation.ReadReceipt{}
	}
	if viewerID != "" {
		view.IsRead = msg.SenderID == viewerID || msg.IsReadBy(viewerID)
		view.DeletedForMe = msg.IsDeletedFor(viewerID)
	}

	if msg.IsDeleted {
		view.Content = TombstoneContent
		return view
	}

	if msg.File != nil {
		file := *msg.File
		if file.URL == "" {
			file.URL = FileURL(msg.ID)
		}
		view.FileData = &file
	}
	return view
}

// ConversationSummary 附在 message_received 的對話摘要
type ConversationSummary struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Participants  []string  `json:"participants"`
	LastMessageID string    `json:"lastMessage,omitempty"`
	LastActivity  time.Time `json:"lastActivity"`
}

// NewConversationSummary 正規化對話摘要
func NewConversationSummary(conv *conversation.Conversation) ConversationSummary {
	return ConversationSummary{
		ID:            conv.ID,
		Type:          conv.Type,
		Participants:  conv.Participants,
		LastMessageID: conv.LastMessage,
		LastActivity:  conv.LastActivity,
	}
}

// MessageReceivedPayload message_received 事件
type MessageReceivedPayload struct {
	Message      *MessageView        `json:"message"`
	Conversation ConversationSummary `json:"conversation"`
}

// MessageSentPayload message_sent 事件，MessageID 是客戶端的冪等鍵
type MessageSentPayload struct {
	MessageID      string    `json:"messageId"`
	ServerID       string    `json:"serverId"`
	ConversationID string    `json:"conversationId"`
	Success        bool      `json:"success"`
	Timestamp      time.Time `json:"timestamp"`
	DeliveryStatus string    `json:"deliveryStatus"`
	Duplicate      bool      `json:"duplicate,omitempty"`
}

// MessageDeliveredPayload message_delivered 事件
type MessageDeliveredPayload struct {
	MessageID       string    `json:"messageId"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	ConversationID  string    `json:"conversationId"`
	DeliveryStatus  string    `json:"deliveryStatus"`
	DeliveredAt     time.Time `json:"deliveredAt"`
}

// MessageReadReceiptPayload message_read_receipt 事件（推給原發送者）
type MessageReadReceiptPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ReadBy         string    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
	SessionID      string    `json:"sessionId,omitempty"`
}

// MessagesReadPayload messages_read 事件（推給房間其他連線）
type MessagesReadPayload struct {
	MessageIDs     []string  `json:"messageIds"`
	ConversationID string    `json:"conversationId"`
	ReadBy         string    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
	SessionID      string    `json:"sessionId,omitempty"`
}

// UnreadCountPayload unread_count_updated 事件
type UnreadCountPayload struct {
	SenderID       string              `json:"senderId"`
	SenderInfo     *user.PublicProfile `json:"senderInfo,omitempty"`
	ViewerID       string              `json:"viewerId,omitempty"`
	ConversationID string              `json:"conversationId"`
	UnreadCount    int64               `json:"unreadCount"`
}

// MessageDeletedForEveryonePayload message_deleted_for_everyone 事件
type MessageDeletedForEveryonePayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeletedBy      string    `json:"deletedBy"`
	DeletedAt      time.Time `json:"deletedAt"`
	Content        string    `json:"content"`
}

// MessageDeletedForMePayload message_deleted_for_me 事件
type MessageDeletedForMePayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

// MultipleMessagesDeletedPayload multiple_messages_deleted 事件
type MultipleMessagesDeletedPayload struct {
	MessageIDs     []string `json:"messageIds"`
	ConversationID string   `json:"conversationId"`
	Requested      int      `json:"requested"`
	Deleted        int      `json:"deleted"`
}

// PresencePayload user_online / user_offline 事件
type PresencePayload struct {
	UserID      string     `json:"userId"`
	OnlineCount int64      `json:"onlineCount"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// TypingPayload user_typing / user_stop_typing 事件
type TypingPayload struct {
	UserID         string `json:"userId"`
	Username       string `json:"username,omitempty"`
	ConversationID string `json:"conversationId"`
}
