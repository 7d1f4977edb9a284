package automessage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const collectionAutoMessages = "auto_messages"

// State 自動訊息的生命週期狀態，只能往前推進
type State string

const (
	StatePlanned State = "planned"
	StateQueued  State = "queued"
	StateSent    State = "sent"
)

// ErrInvalidTransition 狀態倒退或未知狀態
var ErrInvalidTransition = errors.New("invalid auto message state transition")

func (s State) rank() int {
	switch s {
	case StatePlanned:
		return 1
	case StateQueued:
		return 2
	case StateSent:
		return 3
	}
	return 0
}

// CanTransition 是否允許 from -> to；只接受往前的轉換
// planned -> sent 允許，消費者可能比排程器翻轉旗標更早收到工作
func CanTransition(from, to State) bool {
	return from.rank() > 0 && to.rank() > from.rank()
}

// AutoMessage 自動訊息數據模型
type AutoMessage struct {
	ID             string     `bson:"_id" json:"id"`
	SenderID       string     `bson:"sender_id" json:"sender"`
	RecipientID    string     `bson:"recipient_id" json:"recipient"`
	Content        string     `bson:"content" json:"content"`
	SendDate       time.Time  `bson:"send_date" json:"sendDate"`
	State          State      `bson:"state" json:"state"`
	QueuedAt       *time.Time `bson:"queued_at,omitempty" json:"queuedAt,omitempty"`
	SentAt         *time.Time `bson:"sent_at,omitempty" json:"sentAt,omitempty"`
	ConversationID string     `bson:"conversation_id,omitempty" json:"conversation,omitempty"`
	CreatedAt      time.Time  `bson:"created_at" json:"createdAt"`
}

// IsQueued 相容舊旗標語意
func (m *AutoMessage) IsQueued() bool {
	return m.State == StateQueued || m.State == StateSent
}

// IsSent 相容舊旗標語意
func (m *AutoMessage) IsSent() bool {
	return m.State == StateSent
}

// Transition 描述一次狀態轉換以及隨之寫入的欄位
type Transition struct {
	From           State
	To             State
	At             time.Time
	ConversationID string
}

// Apply 在記憶體中套用轉換（測試替身與單元測試共用同一規則）
func (t Transition) Apply(m *AutoMessage) error {
	if m.State != t.From || !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, t.From, t.To, m.State)
	}
	m.State = t.To
	at := t.At
	switch t.To {
	case StateQueued:
		m.QueuedAt = &at
	case StateSent:
		m.SentAt = &at
		m.ConversationID = t.ConversationID
	}
	return nil
}

func (t Transition) setDoc() bson.M {
	set := bson.M{"state": t.To}
	switch t.To {
	case StateQueued:
		set["queued_at"] = t.At
	case StateSent:
		set["sent_at"] = t.At
		set["conversation_id"] = t.ConversationID
	}
	return set
}

// AutoMessageStore 自動訊息存儲實作
type AutoMessageStore struct {
	collection *mongo.Collection
}

// NewAutoMessageStore 創建新的自動訊息存儲
func NewAutoMessageStore(db *mongo.Database) *AutoMessageStore {
	return &AutoMessageStore{
		collection: db.Collection(collectionAutoMessages),
	}
}

// CreateMany 批次建立規劃好的自動訊息
func (s *AutoMessageStore) CreateMany(ctx context.Context, msgs []*AutoMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = bson.NewObjectID().Hex()
		}
		if m.State == "" {
			m.State = StatePlanned
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		docs = append(docs, m)
	}
	_, err := s.collection.InsertMany(ctx, docs)
	return err
}

// GetByID 根據 ID 獲取自動訊息，不存在時回傳 nil
func (s *AutoMessageStore) GetByID(ctx context.Context, id string) (*AutoMessage, error) {
	var m AutoMessage
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListDue 找出已到期且仍在 planned 的自動訊息
func (s *AutoMessageStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*AutoMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "send_date", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, bson.M{
		"state":     StatePlanned,
		"send_date": bson.M{"$lte": now},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*AutoMessage
	for cursor.Next(ctx) {
		var m AutoMessage
		if err := cursor.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, cursor.Err()
}

// Transition 條件更新：只有目前狀態等於 From 時才寫入
// 回傳 false 表示狀態已被其他流程推進
func (s *AutoMessageStore) Transition(ctx context.Context, id string, t Transition) (bool, error) {
	if !CanTransition(t.From, t.To) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "state": t.From},
		bson.M{"$set": t.setDoc()},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// CreateIndexes 創建自動訊息集合索引
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(collectionAutoMessages).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "state", Value: 1},
			{Key: "send_date", Value: 1},
		},
		Options: options.Index().SetName("state_send_date_idx"),
	})
	return err
}
