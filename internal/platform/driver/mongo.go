// Package driver 管理 MongoDB 與 Redis 的程序級連線.
package driver

import (
	"context"
	"fmt"
	"os"
	"time"

	"chat-realtime/internal/platform/config"
	"chat-realtime/internal/platform/logger"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	mongoAppName           = "chat-realtime"
	mongoConnectTimeout    = 10 * time.Second
	mongoDisconnectTimeout = 5 * time.Second
)

var (
	mongoClient *mongo.Client
	mongoDB     *mongo.Database
)

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// mongoCredential 設定檔優先，其次 MONGO_USERNAME / MONGO_PASSWORD
func mongoCredential(cfg config.MongoConfig) *options.Credential {
	username, password := cfg.Username, cfg.Password
	if username == "" {
		username = os.Getenv("MONGO_USERNAME")
	}
	if password == "" {
		password = os.Getenv("MONGO_PASSWORD")
	}
	if username == "" || password == "" {
		return nil
	}
	return &options.Credential{Username: username, Password: password}
}

// MongoClientOptions 由設定組出連線選項，不建立連線
func MongoClientOptions(cfg config.MongoConfig) (*options.ClientOptions, error) {
	opts := options.Client().
		ApplyURI(cfg.URL).
		SetAppName(mongoAppName).
		SetConnectTimeout(seconds(cfg.ConnectTimeout, mongoConnectTimeout))

	if cred := mongoCredential(cfg); cred != nil {
		opts.SetAuth(*cred)
	}
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.MinPoolSize > 0 {
		opts.SetMinPoolSize(cfg.MinPoolSize)
	}
	if cfg.MaxConnIdleTime > 0 {
		opts.SetMaxConnIdleTime(seconds(cfg.MaxConnIdleTime, 0))
	}
	if cfg.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(seconds(cfg.ServerSelectionTimeout, 0))
	}

	if cfg.TLSEnabled {
		tlsConf, err := tlsFiles{
			CAFile:     cfg.TLSCAFile,
			CertFile:   cfg.TLSCertFile,
			KeyFile:    cfg.TLSKeyFile,
			SkipVerify: cfg.TLSInsecureSkipVerify,
		}.load("MongoDB")
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConf)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// InitMongo 連線並以 primary ping 確認可用；失敗時不保留半開的客戶端
func InitMongo(cfg config.MongoConfig) error {
	opts, err := MongoClientOptions(cfg)
	if err != nil {
		return fmt.Errorf("MongoDB 設定錯誤: %w", err)
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return fmt.Errorf("連接 MongoDB 失敗: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), seconds(cfg.ConnectTimeout, mongoConnectTimeout))
	defer cancel()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("MongoDB ping 失敗: %w", err)
	}

	mongoClient = client
	mongoDB = client.Database(cfg.Database)

	logger.Info(ctx, "MongoDB 已連線", logger.WithDetails(map[string]interface{}{
		"database": cfg.Database,
		"auth":     opts.Auth != nil,
		"tls":      opts.TLSConfig != nil,
	}))
	return nil
}

// GetMongoDatabase 目前的資料庫
func GetMongoDatabase() *mongo.Database {
	return mongoDB
}

// PingMongo 健康檢查
func PingMongo(ctx context.Context) error {
	if mongoClient == nil {
		return fmt.Errorf("MongoDB 未連接")
	}
	return mongoClient.Ping(ctx, readpref.Primary())
}

// CloseMongo 斷開連線
func CloseMongo() error {
	if mongoClient == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	defer cancel()
	err := mongoClient.Disconnect(ctx)
	mongoClient, mongoDB = nil, nil
	return err
}
