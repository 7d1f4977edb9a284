package conversation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"chat-realtime/internal/apperr"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	collectionConversations = "conversations"

	TypePrivate = "private"
	TypeGroup   = "group"
)

// ConversationRepository 對話倉儲接口
type ConversationRepository interface {
	Create(ctx context.Context, conv *Conversation) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	FindForParticipant(ctx context.Context, id, userID string) (*Conversation, error)
	FindOrCreatePrivate(ctx context.Context, userA, userB string) (*Conversation, bool, error)
	ListIDsForUser(ctx context.Context, userID string) ([]string, error)
	TouchLastMessage(ctx context.Context, id, messageID string, at time.Time) error
}

// Conversation 對話數據模型
type Conversation struct {
	ID           string    `bson:"_id" json:"id"`
	Participants []string  `bson:"participants" json:"participants"`
	Type         string    `bson:"type" json:"type"`
	PairKey      string    `bson:"pair_key,omitempty" json:"-"`
	LastMessage  string    `bson:"last_message,omitempty" json:"lastMessage,omitempty"`
	LastActivity time.Time `bson:"last_activity" json:"lastActivity"`
	IsActive     bool      `bson:"is_active" json:"isActive"`
	CreatedAt    time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updatedAt"`
}

// NewConversation 創建新的 Conversation 實例，參與者去重
func NewConversation(typ string, participants ...string) Conversation {
	now := time.Now().UTC()
	conv := Conversation{
		ID:           bson.NewObjectID().Hex(),
		Participants: uniqueParticipants(participants),
		Type:         typ,
		LastActivity: now,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if typ == TypePrivate && len(conv.Participants) == 2 {
		conv.PairKey = PairKey(conv.Participants[0], conv.Participants[1])
	}
	return conv
}

// PairKey 私聊參與者對的唯一鍵（排序後組合）
func PairKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// HasParticipant 檢查用戶是否為參與者
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipants 除了指定用戶以外的參與者
func (c *Conversation) OtherParticipants(userID string) []string {
	others := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			others = append(others, p)
		}
	}
	return others
}

func uniqueParticipants(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ConversationStore 對話存儲實作
type ConversationStore struct {
	collection *mongo.Collection
}

// NewConversationStore 創建新的對話存儲
func NewConversationStore(db *mongo.Database) *ConversationStore {
	return &ConversationStore{
		collection: db.Collection(collectionConversations),
	}
}

// Create 創建對話
func (s *ConversationStore) Create(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = bson.NewObjectID().Hex()
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	if conv.LastActivity.IsZero() {
		conv.LastActivity = now
	}

	_, err := s.collection.InsertOne(ctx, conv)
	return err
}

// GetByID 根據 ID 獲取對話
func (s *ConversationStore) GetByID(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindForParticipant 只有當用戶是參與者且對話仍有效時才回傳
// 非參與者同樣回報 not found，避免洩露對話是否存在
func (s *ConversationStore) FindForParticipant(ctx context.Context, id, userID string) (*Conversation, error) {
	var conv Conversation
	err := s.collection.FindOne(ctx, bson.M{
		"_id":          id,
		"participants": userID,
		"is_active":    true,
	}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindOrCreatePrivate 依參與者對查找或建立私聊
// 兩個並發建立會在 pair_key 唯一索引上衝突，輸的一方重新讀取贏家的對話
func (s *ConversationStore) FindOrCreatePrivate(ctx context.Context, userA, userB string) (*Conversation, bool, error) {
	key := PairKey(userA, userB)

	existing, err := s.findByPairKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	conv := NewConversation(TypePrivate, userA, userB)
	if _, err := s.collection.InsertOne(ctx, &conv); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, err
		}
		winner, findErr := s.findByPairKey(ctx, key)
		if findErr != nil {
			return nil, false, findErr
		}
		if winner == nil {
			return nil, false, err
		}
		return winner, false, nil
	}

	return &conv, true, nil
}

func (s *ConversationStore) findByPairKey(ctx context.Context, key string) (*Conversation, error) {
	var conv Conversation
	err := s.collection.FindOne(ctx, bson.M{
		"pair_key":  key,
		"type":      TypePrivate,
		"is_active": true,
	}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListIDsForUser 列出用戶參與中的對話 ID（連線時加入房間用）
func (s *ConversationStore) ListIDsForUser(ctx context.Context, userID string) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "last_activity", Value: -1}})

	cursor, err := s.collection.Find(ctx, bson.M{"participants": userID, "is_active": true}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	ids := []string{}
	for cursor.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		ids = append(ids, row.ID)
	}
	return ids, cursor.Err()
}

// TouchLastMessage 連結最後一則訊息並更新活動時間；活動時間只會前進
func (s *ConversationStore) TouchLastMessage(ctx context.Context, id, messageID string, at time.Time) error {
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"last_activity": bson.M{"$lte": at}},
			bson.M{"last_activity": nil},
		},
	}
	_, err := s.collection.UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{
			"last_message":  messageID,
			"last_activity": at,
			"updated_at":    at,
		},
	})
	return err
}
