package conversation

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateIndexes 創建對話與訊息集合的索引
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	messagesCollection := db.Collection(collectionMessages)

	// 1. 對話 ID + 創建時間複合索引（分頁查詢）
	conversationTimeIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "created_at", Value: -1},
			{Key: "_id", Value: -1},
		},
		Options: options.Index().SetName("conversation_time_id_idx"),
	}

	// 2. 冪等鍵：唯一且稀疏，沒有 clientMessageId 的訊息不受限制
	clientMessageIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "client_message_id", Value: 1},
		},
		Options: options.Index().SetName("client_message_id_uniq").SetUnique(true).SetSparse(true),
	}

	// 3. 未讀計數：對話 + 發送者 + 已讀用戶
	unreadIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "sender_id", Value: 1},
			{Key: "read_by.user_id", Value: 1},
		},
		Options: options.Index().SetName("unread_idx"),
	}

	if _, err := messagesCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		conversationTimeIndex,
		clientMessageIndex,
		unreadIndex,
	}); err != nil {
		return err
	}

	conversationsCollection := db.Collection(collectionConversations)

	// 1. 參與者 + 最後活動時間
	participantIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "participants", Value: 1},
			{Key: "last_activity", Value: -1},
		},
		Options: options.Index().SetName("participant_activity_idx"),
	}

	// 2. 有效私聊的參與者對唯一
	pairIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "pair_key", Value: 1},
		},
		Options: options.Index().
			SetName("private_pair_uniq").
			SetUnique(true).
			SetPartialFilterExpression(bson.D{
				{Key: "type", Value: TypePrivate},
				{Key: "is_active", Value: true},
			}),
	}

	_, err := conversationsCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		participantIndex,
		pairIndex,
	})
	return err
}
