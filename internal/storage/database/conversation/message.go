package conversation

import (
	"context"
	"errors"
	"time"

	"chat-realtime/internal/apperr"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const collectionMessages = "messages"

// 訊息類型常數.
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeVideo  = "video"
	MessageTypeAudio  = "audio"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
)

// 送達狀態常數.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// 刪除類型常數.
const (
	DeleteForMe       = "forMe"
	DeleteForEveryone = "forEveryone"
)

// ErrDuplicateClientMessage clientMessageId 已存在
var ErrDuplicateClientMessage = errors.New("duplicate client message id")

// MessageRepository 消息倉儲接口
type MessageRepository interface {
	Create(ctx context.Context, msg *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	GetByClientMessageID(ctx context.Context, clientMessageID string) (*Message, error)
	AdvanceStatus(ctx context.Context, id, to string, at time.Time) (bool, error)
	MarkRead(ctx context.Context, conversationID, messageID string, receipt ReadReceipt) (bool, error)
	UnreadForViewer(ctx context.Context, conversationID, viewerID string, ids []string) ([]*Message, error)
	CountUnread(ctx context.Context, conversationID, senderID, viewerID string) (int64, error)
	DeleteForUser(ctx context.Context, conversationID, messageID string, mark DeletionMark) (bool, error)
	DeleteForEveryone(ctx context.Context, messageID, senderID string, notBefore, at time.Time) (bool, error)
	ListForViewer(ctx context.Context, conversationID, viewerID string, limit int, cursor string) ([]*Message, string, bool, error)
}

// Message 消息數據模型
type Message struct {
	ID              string           `bson:"_id" json:"id"`
	ClientMessageID string           `bson:"client_message_id,omitempty" json:"clientMessageId,omitempty"`
	SenderID        string           `bson:"sender_id" json:"senderId"`
	ConversationID  string           `bson:"conversation_id" json:"conversationId"`
	Content         string           `bson:"content" json:"content"`
	Type            string           `bson:"type" json:"type"`
	File            *FileData        `bson:"file_data,omitempty" json:"fileData,omitempty"`
	ReadBy          []ReadReceipt    `bson:"read_by" json:"readBy"`
	DeletedFor      []DeletionMark   `bson:"deleted_for" json:"deletedFor,omitempty"`
	IsDeleted       bool             `bson:"is_deleted" json:"isDeleted"`
	DeletedAt       *time.Time       `bson:"deleted_at,omitempty" json:"deletedAt,omitempty"`
	Metadata        DeliveryMetadata `bson:"metadata" json:"metadata"`
	CreatedAt       time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt       time.Time        `bson:"updated_at" json:"updatedAt"`
}

// FileData 檔案訊息的描述，位元組本體存於 GridFS
type FileData struct {
	FileID    string  `bson:"file_id" json:"-"`
	Name      string  `bson:"name" json:"name"`
	MimeType  string  `bson:"type" json:"type"`
	Size      int64   `bson:"size" json:"size"`
	Thumbnail string  `bson:"thumbnail,omitempty" json:"thumbnail,omitempty"`
	Duration  float64 `bson:"duration,omitempty" json:"duration,omitempty"`
	URL       string  `bson:"url,omitempty" json:"url,omitempty"`
}

// ReadReceipt 消息已讀記錄，每個用戶最多一筆
type ReadReceipt struct {
	UserID    string    `bson:"user_id" json:"user"`
	ReadAt    time.Time `bson:"read_at" json:"readAt"`
	SessionID string    `bson:"session_id,omitempty" json:"sessionId,omitempty"`
}

// DeletionMark 單一用戶的軟刪除記錄
type DeletionMark struct {
	UserID     string    `bson:"user_id" json:"user"`
	DeletedAt  time.Time `bson:"deleted_at" json:"deletedAt"`
	DeleteType string    `bson:"delete_type" json:"deleteType"`
}

// DeliveryMetadata 送達狀態
type DeliveryMetadata struct {
	DeliveryStatus string     `bson:"delivery_status" json:"deliveryStatus"`
	SentAt         time.Time  `bson:"sent_at" json:"sentAt"`
	DeliveredAt    *time.Time `bson:"delivered_at,omitempty" json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `bson:"read_at,omitempty" json:"readAt,omitempty"`
}

// NewMessage 創建新的 Message 實例
func NewMessage(conversationID, senderID string) Message {
	now := time.Now().UTC()
	return Message{
		ID:             bson.NewObjectID().Hex(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReadBy:         []ReadReceipt{},
		DeletedFor:     []DeletionMark{},
		Metadata:       DeliveryMetadata{DeliveryStatus: StatusSent, SentAt: now},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsReadBy 用戶是否已讀
func (m *Message) IsReadBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// IsDeletedFor 用戶是否已對自己隱藏
func (m *Message) IsDeletedFor(userID string) bool {
	for _, d := range m.DeletedFor {
		if d.UserID == userID {
			return true
		}
	}
	return false
}

// StatusRank 狀態順序，failed 不在前進序列中
func StatusRank(status string) int {
	switch status {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// predecessors 可推進到 to 的狀態
func predecessors(to string) []string {
	switch to {
	case StatusDelivered:
		return []string{StatusSent}
	case StatusRead:
		return []string{StatusSent, StatusDelivered}
	}
	return nil
}

// MessageStore 消息存儲實作
type MessageStore struct {
	collection *mongo.Collection
}

// NewMessageStore 創建新的消息存儲
func NewMessageStore(db *mongo.Database) *MessageStore {
	return &MessageStore{
		collection: db.Collection(collectionMessages),
	}
}

// Create 創建消息，clientMessageId 重複時回傳 ErrDuplicateClientMessage
func (s *MessageStore) Create(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = bson.NewObjectID().Hex()
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []ReadReceipt{}
	}
	if msg.DeletedFor == nil {
		msg.DeletedFor = []DeletionMark{}
	}
	if msg.Metadata.DeliveryStatus == "" {
		msg.Metadata.DeliveryStatus = StatusSent
	}

	_, err := s.collection.InsertOne(ctx, msg)
	if err != nil && mongo.IsDuplicateKeyError(err) && msg.ClientMessageID != "" {
		return ErrDuplicateClientMessage
	}
	return err
}

// GetByID 根據 ID 獲取消息
func (s *MessageStore) GetByID(ctx context.Context, id string) (*Message, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

// GetByClientMessageID 根據冪等鍵獲取消息
func (s *MessageStore) GetByClientMessageID(ctx context.Context, clientMessageID string) (*Message, error) {
	return s.findOne(ctx, bson.M{"client_message_id": clientMessageID})
}

func (s *MessageStore) findOne(ctx context.Context, filter bson.M) (*Message, error) {
	var msg Message
	err := s.collection.FindOne(ctx, filter).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// AdvanceStatus 推進送達狀態，只在目前狀態是 to 的前一階段時生效
func (s *MessageStore) AdvanceStatus(ctx context.Context, id, to string, at time.Time) (bool, error) {
	from := predecessors(to)
	if len(from) == 0 {
		return false, nil
	}

	set := bson.M{
		"metadata.delivery_status": to,
		"updated_at":               at,
	}
	switch to {
	case StatusDelivered:
		set["metadata.delivered_at"] = at
	case StatusRead:
		set["metadata.read_at"] = at
	}

	res, err := s.collection.UpdateOne(ctx, bson.M{
		"_id":                      id,
		"metadata.delivery_status": bson.M{"$in": from},
	}, bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// MarkRead 追加已讀記錄並把狀態設為 read
// filter 排除已含該用戶的文件，單文件更新是原子的，因此同一用戶最多一筆
func (s *MessageStore) MarkRead(ctx context.Context, conversationID, messageID string, receipt ReadReceipt) (bool, error) {
	filter := bson.M{
		"_id":                 messageID,
		"conversation_id":     conversationID,
		"is_deleted":          false,
		"read_by.user_id":     bson.M{"$ne": receipt.UserID},
		"deleted_for.user_id": bson.M{"$ne": receipt.UserID},
	}

	receiptDoc := bson.D{
		{Key: "user_id", Value: receipt.UserID},
		{Key: "read_at", Value: receipt.ReadAt},
		{Key: "session_id", Value: receipt.SessionID},
	}

	// 已讀隱含已送達：delivered_at 與 read_at 只在尚未設定時補上
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "read_by", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$read_by", bson.A{}}}},
				bson.A{bson.D{{Key: "$literal", Value: receiptDoc}}},
			}}}},
			{Key: "metadata.delivery_status", Value: StatusRead},
			{Key: "metadata.delivered_at", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$metadata.delivered_at", receipt.ReadAt}}}},
			{Key: "metadata.read_at", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$metadata.read_at", receipt.ReadAt}}}},
			{Key: "updated_at", Value: receipt.ReadAt},
		}}},
	}

	res, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// unreadFilter 對 viewer 而言未讀且可見的訊息
func unreadFilter(conversationID, viewerID string) bson.M {
	return bson.M{
		"conversation_id":     conversationID,
		"is_deleted":          false,
		"read_by.user_id":     bson.M{"$ne": viewerID},
		"deleted_for.user_id": bson.M{"$ne": viewerID},
	}
}

// UnreadForViewer 找出 viewer 尚未讀取的他人訊息，ids 為 nil 時不限定
func (s *MessageStore) UnreadForViewer(ctx context.Context, conversationID, viewerID string, ids []string) ([]*Message, error) {
	filter := unreadFilter(conversationID, viewerID)
	filter["sender_id"] = bson.M{"$ne": viewerID}
	if ids != nil {
		filter["_id"] = bson.M{"$in": ids}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(1000).
		SetProjection(bson.M{"file_data": 0})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*Message
	for cursor.Next(ctx) {
		var msg Message
		if err := cursor.Decode(&msg); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	return messages, cursor.Err()
}

// CountUnread 計算 sender 在對話中尚未被 viewer 讀取的未刪除訊息數
func (s *MessageStore) CountUnread(ctx context.Context, conversationID, senderID, viewerID string) (int64, error) {
	filter := unreadFilter(conversationID, viewerID)
	filter["sender_id"] = senderID
	return s.collection.CountDocuments(ctx, filter)
}

// DeleteForUser 對單一用戶隱藏訊息，重複刪除不會新增記錄
func (s *MessageStore) DeleteForUser(ctx context.Context, conversationID, messageID string, mark DeletionMark) (bool, error) {
	res, err := s.collection.UpdateOne(ctx, bson.M{
		"_id":                 messageID,
		"conversation_id":     conversationID,
		"deleted_for.user_id": bson.M{"$ne": mark.UserID},
	}, bson.M{
		"$push": bson.M{"deleted_for": mark},
		"$set":  bson.M{"updated_at": mark.DeletedAt},
	})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// DeleteForEveryone 永久標記為已刪除，只限發送者且建立時間不早於 notBefore
func (s *MessageStore) DeleteForEveryone(ctx context.Context, messageID, senderID string, notBefore, at time.Time) (bool, error) {
	res, err := s.collection.UpdateOne(ctx, bson.M{
		"_id":        messageID,
		"sender_id":  senderID,
		"is_deleted": false,
		"created_at": bson.M{"$gte": notBefore},
	}, bson.M{
		"$set": bson.M{
			"is_deleted": true,
			"deleted_at": at,
			"updated_at": at,
		},
	})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// ListForViewer 分頁列出 viewer 可見的訊息（新到舊），排除對其隱藏的訊息
func (s *MessageStore) ListForViewer(ctx context.Context, conversationID, viewerID string, limit int, cursor string) ([]*Message, string, bool, error) {
	filter := bson.M{
		"conversation_id":     conversationID,
		"deleted_for.user_id": bson.M{"$ne": viewerID},
	}

	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", false, err
	}
	if !after.IsZero() {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": after.CreatedAt}},
			bson.M{"created_at": after.CreatedAt, "_id": bson.M{"$lt": after.ID}},
		}
	}

	opts := options.Find()
	opts.SetLimit(int64(limit + 1)) // 多取一個用於判斷是否有更多
	opts.SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	result, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", false, err
	}
	defer result.Close(ctx)

	var messages []*Message
	for result.Next(ctx) {
		var msg Message
		if err := result.Decode(&msg); err != nil {
			return nil, "", false, err
		}
		messages = append(messages, &msg)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	var nextCursor string
	if hasMore && len(messages) > 0 {
		nextCursor = EncodeCursor(messages[len(messages)-1])
	}

	return messages, nextCursor, hasMore, nil
}
