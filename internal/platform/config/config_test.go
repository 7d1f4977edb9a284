package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		App:    AppConfig{Name: "chat-realtime", Version: "test"},
		Server: ServerConfig{Port: "8080", Timeout: 30},
		Database: DatabaseConfig{Mongo: MongoConfig{
			URL:         "mongodb://localhost:27017",
			Database:    "chat_test",
			MaxPoolSize: 10,
		}},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Log:      LogConfig{RotationTimeHours: 24, MaxAgeDays: 7, MaxSizeMB: 100},
		Security: SecurityConfig{Authentication: AuthenticationConfig{JWTSecret: "secret"}},
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, Load(cfg))
	assert.Same(t, cfg, Get())

	assert.Equal(t, 2000, cfg.Limits.Message.MaxLength)
	assert.Equal(t, "10MiB", cfg.Limits.Media.Image)
	assert.Equal(t, "72MiB", cfg.Limits.Socket.MaxFrameSize)
	assert.Equal(t, 30, cfg.Limits.Pagination.DefaultPageSize)
	assert.Equal(t, 100, cfg.Limits.Pagination.MaxPageSize)
	assert.Equal(t, "0 0 * * *", cfg.Pipeline.PlannerCron)
	assert.Equal(t, "* * * * *", cfg.Pipeline.QueuerCron)
	assert.Equal(t, 4, cfg.Pipeline.ConsumerWorkers)
	assert.Equal(t, 100*time.Millisecond, cfg.DeliveryDelay())
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	cfg := validConfig()
	cfg.Limits.Pagination.MaxPageSize = 50
	cfg.Delivery.PromoteAfterMS = 250
	cfg.Pipeline.Stream = "custom"
	require.NoError(t, Load(cfg))

	assert.Equal(t, 50, cfg.Limits.Pagination.MaxPageSize)
	assert.Equal(t, 250*time.Millisecond, cfg.DeliveryDelay())
	assert.Equal(t, "custom", cfg.Pipeline.Stream)
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing app name", mutate: func(c *Config) { c.App.Name = "" }},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }},
		{name: "zero timeout", mutate: func(c *Config) { c.Server.Timeout = 0 }},
		{name: "missing mongo url", mutate: func(c *Config) { c.Database.Mongo.URL = "" }},
		{name: "pool sizes inverted", mutate: func(c *Config) { c.Database.Mongo.MinPoolSize = 20 }},
		{name: "missing redis", mutate: func(c *Config) { c.Redis.Addr = "" }},
		{name: "missing jwt secret", mutate: func(c *Config) { c.Security.Authentication.JWTSecret = "" }},
		{name: "bad media size", mutate: func(c *Config) { c.Limits.Media.Video = "lots" }},
		{name: "bad cron", mutate: func(c *Config) { c.Pipeline.QueuerCron = "every minute" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, Load(cfg))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staging.yaml")
	yaml := `
app:
  name: chat-realtime
  version: 1.2.3
server:
  port: "9090"
  timeout: 15
  allowed_origins: ["https://app.example.com"]
database:
  mongo:
    url: mongodb://mongo:27017
    database: chat
    max_pool_size: 50
redis:
  addr: redis:6379
log:
  rotation_time_hours: 24
  max_age_days: 7
  max_size_mb: 100
security:
  authentication:
    jwt_secret: from-file
limits:
  media:
    video: 30MiB
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("CHAT_SECURITY_AUTHENTICATION_JWT_SECRET", "from-env")

	prevEnv := ENV
	t.Cleanup(func() { ENV = prevEnv })

	require.NoError(t, Load())
	cfg := Get()
	assert.Equal(t, "staging", GetEnv())
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, uint64(50), cfg.Database.Mongo.MaxPoolSize)
	assert.Equal(t, "from-env", cfg.Security.Authentication.JWTSecret)
	assert.Equal(t, int64(30<<20), ByteSize(cfg.Limits.Media.Video, 0))
}

func TestByteSize(t *testing.T) {
	assert.Equal(t, int64(10<<20), ByteSize("10MiB", 1))
	assert.Equal(t, int64(1000), ByteSize("1kB", 1))
	assert.Equal(t, int64(7), ByteSize("not a size", 7))
	assert.Equal(t, int64(7), ByteSize("", 7))
}
