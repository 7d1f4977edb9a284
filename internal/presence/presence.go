// Package presence 以 Redis SET 記錄目前在線的用戶.
//
// 所有伺服器實例共用同一個 key，計數即為全域在線人數.
package presence

import (
	"context"

	"chat-realtime/internal/apperr"

	"github.com/redis/go-redis/v9"
)

// OnlineUsersKey 在線用戶集合
const OnlineUsersKey = "presence:online_users"

// Tracker 在線狀態操作
type Tracker interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
	Count(ctx context.Context) (int64, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)
}

// Store Redis 實作
type Store struct {
	client redis.Cmdable
	key    string
}

// NewStore 創建在線狀態存儲
func NewStore(client redis.Cmdable) *Store {
	return &Store{client: client, key: OnlineUsersKey}
}

// MarkOnline 加入在線集合
func (s *Store) MarkOnline(ctx context.Context, userID string) error {
	if err := s.client.SAdd(ctx, s.key, userID).Err(); err != nil {
		return apperr.Transient("presence store unavailable", err)
	}
	return nil
}

// MarkOffline 移出在線集合
func (s *Store) MarkOffline(ctx context.Context, userID string) error {
	if err := s.client.SRem(ctx, s.key, userID).Err(); err != nil {
		return apperr.Transient("presence store unavailable", err)
	}
	return nil
}

// Count 在線人數
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.key).Result()
	if err != nil {
		return 0, apperr.Transient("presence store unavailable", err)
	}
	return n, nil
}

// IsOnline 用戶是否在線
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key, userID).Result()
	if err != nil {
		return false, apperr.Transient("presence store unavailable", err)
	}
	return ok, nil
}

// OnlineUsers 列出在線用戶
func (s *Store) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, apperr.Transient("presence store unavailable", err)
	}
	return users, nil
}
