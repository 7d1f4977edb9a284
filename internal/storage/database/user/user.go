// Package user 讀取外部維護的用戶資料.
//
// 帳號與密碼由外部服務管理，這裡只讀取 is_active 與公開資料，
// 並在斷線時寫入 last_seen.
package user

import (
	"context"
	"errors"
	"time"

	"chat-realtime/internal/apperr"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const collectionUsers = "users"

// User 用戶數據模型（只包含核心需要的欄位）
type User struct {
	ID          string     `bson:"_id" json:"id"`
	Username    string     `bson:"username" json:"username"`
	DisplayName string     `bson:"display_name" json:"displayName"`
	AvatarURL   string     `bson:"avatar_url,omitempty" json:"avatar,omitempty"`
	IsActive    bool       `bson:"is_active" json:"isActive"`
	LastSeen    *time.Time `bson:"last_seen,omitempty" json:"lastSeen,omitempty"`
}

// PublicProfile 廣播給其他用戶的最少資料
type PublicProfile struct {
	ID          string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatar,omitempty"`
}

// Profile 轉為公開資料
func (u *User) Profile() PublicProfile {
	return PublicProfile{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}

// UserStore 用戶存儲實作
type UserStore struct {
	collection *mongo.Collection
}

// NewUserStore 創建新的用戶存儲
func NewUserStore(db *mongo.Database) *UserStore {
	return &UserStore{
		collection: db.Collection(collectionUsers),
	}
}

// GetByID 根據 ID 獲取用戶
func (s *UserStore) GetByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListActiveIDs 列出所有有效用戶 ID
func (s *UserStore) ListActiveIDs(ctx context.Context) ([]string, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"is_active": true}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ids []string
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

// TouchLastSeen 記錄最後上線時間
func (s *UserStore) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"last_seen": at}})
	return err
}

// CreateIndexes 創建用戶集合索引
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(collectionUsers).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "is_active", Value: 1}},
		Options: options.Index().SetName("active_idx"),
	})
	return err
}
