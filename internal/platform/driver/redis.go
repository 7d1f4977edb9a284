package driver

import (
	"context"
	"fmt"
	"time"

	"chat-realtime/internal/platform/config"
	"chat-realtime/internal/platform/logger"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

var redisClient *redis.Client

// RedisOptions 由設定組出客戶端選項；未設定的逾時沿用 go-redis 預設
func RedisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = seconds(cfg.DialTimeout, 0)
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = seconds(cfg.ReadTimeout, 0)
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = seconds(cfg.WriteTimeout, 0)
	}
	if cfg.TLSEnabled {
		tlsConf, err := tlsFiles{
			CAFile:     cfg.TLSCAFile,
			SkipVerify: cfg.TLSInsecureSkipVerify,
		}.load("Redis")
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsConf
	}
	return opts, nil
}

// InitRedis 連線並 ping（在線狀態與工作佇列共用）
func InitRedis(cfg config.RedisConfig) error {
	opts, err := RedisOptions(cfg)
	if err != nil {
		return fmt.Errorf("Redis 設定錯誤: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("Redis ping 失敗: %w", err)
	}

	redisClient = client
	logger.Info(ctx, "Redis 已連線", logger.WithDetails(map[string]interface{}{
		"addr": cfg.Addr,
		"db":   cfg.DB,
		"tls":  opts.TLSConfig != nil,
	}))
	return nil
}

// GetRedisClient 目前的客戶端
func GetRedisClient() *redis.Client {
	return redisClient
}

// CloseRedis 關閉連線
func CloseRedis() error {
	if redisClient == nil {
		return nil
	}
	err := redisClient.Close()
	redisClient = nil
	return err
}
