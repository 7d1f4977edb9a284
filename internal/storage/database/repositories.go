package database

import (
	"context"
	"fmt"

	"chat-realtime/internal/storage/database/automessage"
	"chat-realtime/internal/storage/database/conversation"
	"chat-realtime/internal/storage/database/user"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Repositories 倉儲集合.
type Repositories struct {
	Conversation *conversation.ConversationStore
	Message      *conversation.MessageStore
	File         *conversation.FileStore
	User         *user.UserStore
	AutoMessage  *automessage.AutoMessageStore
}

// NewRepositories 創建倉儲集合並確保索引存在.
// 唯一索引是冪等送出與私聊唯一性的前提，建立失敗即中止啟動.
func NewRepositories(ctx context.Context, db *mongo.Database) (*Repositories, error) {
	if db == nil {
		return nil, fmt.Errorf("MongoDB 未初始化")
	}

	if err := conversation.CreateIndexes(ctx, db); err != nil {
		return nil, fmt.Errorf("建立對話索引失敗: %w", err)
	}
	if err := user.CreateIndexes(ctx, db); err != nil {
		return nil, fmt.Errorf("建立用戶索引失敗: %w", err)
	}
	if err := automessage.CreateIndexes(ctx, db); err != nil {
		return nil, fmt.Errorf("建立自動訊息索引失敗: %w", err)
	}

	return &Repositories{
		Conversation: conversation.NewConversationStore(db),
		Message:      conversation.NewMessageStore(db),
		File:         conversation.NewFileStore(db),
		User:         user.NewUserStore(db),
		AutoMessage:  automessage.NewAutoMessageStore(db),
	}, nil
}
