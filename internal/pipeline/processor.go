package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-realtime/internal/event"
	"chat-realtime/internal/metrics"
	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/storage/database/automessage"
	"chat-realtime/internal/storage/database/conversation"
	"chat-realtime/internal/storage/database/user"
)

// AutoClientMessagePrefix 自動訊息的冪等鍵前綴
const AutoClientMessagePrefix = "auto:"

// Outcome 單一工作項目的處理結果
type Outcome string

const (
	OutcomeSent           Outcome = "sent"
	OutcomeSkippedMissing Outcome = "skipped_missing"
	OutcomeSkippedSent    Outcome = "skipped_sent"
)

// AutoMessageStore 消費端需要的自動訊息操作
type AutoMessageStore interface {
	GetByID(ctx context.Context, id string) (*automessage.AutoMessage, error)
	Transition(ctx context.Context, id string, t automessage.Transition) (bool, error)
}

// ConversationStore 消費端需要的對話操作
type ConversationStore interface {
	FindOrCreatePrivate(ctx context.Context, userA, userB string) (*conversation.Conversation, bool, error)
	TouchLastMessage(ctx context.Context, id, messageID string, at time.Time) error
}

// MessageStore 消費端需要的訊息操作
type MessageStore interface {
	Create(ctx context.Context, msg *conversation.Message) error
	GetByClientMessageID(ctx context.Context, clientMessageID string) (*conversation.Message, error)
}

// UserDirectory 讀取發送者公開資料
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// RoomJoiner 新對話建立後讓參與者的連線加入房間
type RoomJoiner interface {
	JoinUsers(room string, userIDs ...string)
}

// ProcessorDeps 處理器依賴
type ProcessorDeps struct {
	AutoMessages  AutoMessageStore
	Conversations ConversationStore
	Messages      MessageStore
	Users         UserDirectory
	Broadcaster   event.Broadcaster
	Rooms         RoomJoiner
}

// Processor 投遞單則自動訊息
type Processor struct {
	autos         AutoMessageStore
	conversations ConversationStore
	messages      MessageStore
	users         UserDirectory
	broadcaster   event.Broadcaster
	rooms         RoomJoiner
	now           func() time.Time
}

// NewProcessor 創建處理器
func NewProcessor(deps ProcessorDeps) *Processor {
	return &Processor{
		autos:         deps.AutoMessages,
		conversations: deps.Conversations,
		messages:      deps.Messages,
		users:         deps.Users,
		broadcaster:   deps.Broadcaster,
		rooms:         deps.Rooms,
		now:           time.Now,
	}
}

// Process 投遞；已送出或不存在時直接略過
// 訊息以 auto:<id> 為冪等鍵建立，重複投遞不會產生第二則訊息，
// 只有贏得 -> sent 轉換的一方會推送 message_received
func (p *Processor) Process(ctx context.Context, autoMessageID string) (Outcome, error) {
	am, err := p.autos.GetByID(ctx, autoMessageID)
	if err != nil {
		return "", fmt.Errorf("讀取自動訊息失敗: %w", err)
	}
	if am == nil {
		return OutcomeSkippedMissing, nil
	}
	if am.IsSent() {
		return OutcomeSkippedSent, nil
	}

	conv, created, err := p.conversations.FindOrCreatePrivate(ctx, am.SenderID, am.RecipientID)
	if err != nil {
		return "", fmt.Errorf("建立私聊失敗: %w", err)
	}

	msg, err := p.createMessage(ctx, am, conv.ID)
	if err != nil {
		return "", err
	}

	// 以訊息建立時間更新；重試時若已有較新的訊息，存儲層不會回退
	if err := p.conversations.TouchLastMessage(ctx, conv.ID, msg.ID, msg.CreatedAt); err != nil {
		return "", fmt.Errorf("更新對話最後訊息失敗: %w", err)
	}

	from := am.State
	ok, err := p.autos.Transition(ctx, am.ID, automessage.Transition{
		From:           from,
		To:             automessage.StateSent,
		At:             p.now().UTC(),
		ConversationID: conv.ID,
	})
	if err != nil {
		return "", fmt.Errorf("自動訊息狀態轉換失敗: %w", err)
	}
	if !ok && from == automessage.StatePlanned {
		// 排程器可能在讀取後才把狀態翻成 queued
		ok, err = p.autos.Transition(ctx, am.ID, automessage.Transition{
			From:           automessage.StateQueued,
			To:             automessage.StateSent,
			At:             p.now().UTC(),
			ConversationID: conv.ID,
		})
		if err != nil {
			return "", fmt.Errorf("自動訊息狀態轉換失敗: %w", err)
		}
	}
	if !ok {
		return OutcomeSkippedSent, nil
	}

	if created && p.rooms != nil {
		p.rooms.JoinUsers(conv.ID, conv.Participants...)
	}

	view := event.NewMessageView(msg, am.RecipientID)
	if sender, err := p.users.GetByID(ctx, am.SenderID); err == nil {
		profile := sender.Profile()
		view.Sender = &profile
	} else {
		logger.Warning(ctx, "讀取發送者資料失敗", logger.WithUserID(am.SenderID), logger.WithError(err))
	}
	if !msg.CreatedAt.Before(conv.LastActivity) {
		conv.LastMessage = msg.ID
		conv.LastActivity = msg.CreatedAt
	}
	p.broadcaster.EmitToUser(am.RecipientID, event.MessageReceived, event.MessageReceivedPayload{
		Message:      view,
		Conversation: event.NewConversationSummary(conv),
	})

	logger.Info(ctx, "自動訊息已投遞",
		logger.WithMessageID(msg.ID),
		logger.WithConversationID(conv.ID),
		logger.WithDetails(map[string]interface{}{"autoMessageId": am.ID}))
	return OutcomeSent, nil
}

func (p *Processor) createMessage(ctx context.Context, am *automessage.AutoMessage, conversationID string) (*conversation.Message, error) {
	msg := conversation.NewMessage(conversationID, am.SenderID)
	msg.Content = am.Content
	msg.Type = conversation.MessageTypeText
	msg.ClientMessageID = AutoClientMessagePrefix + am.ID

	err := p.messages.Create(ctx, &msg)
	if err == nil {
		metrics.MessagesSent.WithLabelValues(conversation.MessageTypeText).Inc()
		return &msg, nil
	}
	if !errors.Is(err, conversation.ErrDuplicateClientMessage) {
		return nil, fmt.Errorf("建立自動訊息內容失敗: %w", err)
	}

	existing, err := p.messages.GetByClientMessageID(ctx, msg.ClientMessageID)
	if err != nil {
		return nil, fmt.Errorf("讀取既有自動訊息失敗: %w", err)
	}
	return existing, nil
}
