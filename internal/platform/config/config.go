package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chat-realtime/internal/constants"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config 應用程式配置結構.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig 伺服器配置.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	Timeout        int      `mapstructure:"timeout"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// GRPCConfig 管理用 gRPC 健康檢查服務.
type GRPCConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	Host                  string `mapstructure:"host"`
	Port                  string `mapstructure:"port"`
	HealthIntervalSeconds int    `mapstructure:"health_interval_seconds"`
}

// DatabaseConfig 資料庫配置.
type DatabaseConfig struct {
	Mongo MongoConfig `mapstructure:"mongo"`
}

// MongoConfig MongoDB 配置.
type MongoConfig struct {
	URL                    string `mapstructure:"url"`
	Database               string `mapstructure:"database"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         int    `mapstructure:"connect_timeout"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout"`
	TLSEnabled             bool   `mapstructure:"tls_enabled"`
	TLSCAFile              string `mapstructure:"tls_ca_file"`
	TLSCertFile            string `mapstructure:"tls_cert_file"`
	TLSKeyFile             string `mapstructure:"tls_key_file"`
	TLSInsecureSkipVerify  bool   `mapstructure:"tls_insecure_skip_verify"`
}

// RedisConfig Redis 配置（在線狀態與工作佇列共用）.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	DialTimeout  int    `mapstructure:"dial_timeout"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`

	TLSEnabled            bool   `mapstructure:"tls_enabled"`
	TLSCAFile             string `mapstructure:"tls_ca_file"`
	TLSInsecureSkipVerify bool   `mapstructure:"tls_insecure_skip_verify"`
}

// LogConfig 日誌配置.
type LogConfig struct {
	RotationTimeHours int `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
}

// SecurityConfig 安全配置.
type SecurityConfig struct {
	TLS            TLSConfig            `mapstructure:"tls"`
	Authentication AuthenticationConfig `mapstructure:"authentication"`
	Audit          AuditConfig          `mapstructure:"audit"`
}

// TLSConfig TLS 配置.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// AuthenticationConfig 認證配置.
type AuthenticationConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// AuditConfig 審計配置.
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LimitsConfig 限制配置.
type LimitsConfig struct {
	Request      RequestLimitsConfig    `mapstructure:"request"`
	RateLimiting RateLimitingConfig     `mapstructure:"rate_limiting"`
	Socket       SocketLimitsConfig     `mapstructure:"socket"`
	Pagination   PaginationLimitsConfig `mapstructure:"pagination"`
	Message      MessageLimitsConfig    `mapstructure:"message"`
	Media        MediaLimitsConfig      `mapstructure:"media"`
}

// RequestLimitsConfig 請求限制配置.
type RequestLimitsConfig struct {
	MaxBodySize        int64 `mapstructure:"max_body_size"`
	MaxMultipartMemory int64 `mapstructure:"max_multipart_memory"`
}

// RateLimitingConfig REST Rate Limiting 配置（每個 IP 的令牌桶）.
type RateLimitingConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	CleanupInterval   int     `mapstructure:"cleanup_interval_minutes"`
}

// SocketLimitsConfig 即時連線限制.
type SocketLimitsConfig struct {
	EventsPerSecond   float64 `mapstructure:"events_per_second"`
	EventBurst        int     `mapstructure:"event_burst"`
	MaxFrameSize      string  `mapstructure:"max_frame_size"`
	SendBuffer        int     `mapstructure:"send_buffer"`
	WriteWaitSeconds  int     `mapstructure:"write_wait_seconds"`
	PongWaitSeconds   int     `mapstructure:"pong_wait_seconds"`
	OperationTimeout  int     `mapstructure:"operation_timeout_seconds"`
	MaxConnectionsIP  int     `mapstructure:"max_connections_per_ip"`
	MaxConnectionsAll int     `mapstructure:"max_total_connections"`
}

// PaginationLimitsConfig 分頁限制配置.
type PaginationLimitsConfig struct {
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
}

// MessageLimitsConfig 訊息限制配置.
type MessageLimitsConfig struct {
	MaxLength int `mapstructure:"max_length"`
}

// MediaLimitsConfig 各類檔案大小上限，接受 "10MiB" 這類字串.
type MediaLimitsConfig struct {
	Image string `mapstructure:"image"`
	Video string `mapstructure:"video"`
	Audio string `mapstructure:"audio"`
	File  string `mapstructure:"file"`
}

// DeliveryConfig 送達狀態推進.
type DeliveryConfig struct {
	PromoteAfterMS int `mapstructure:"promote_after_ms"`
}

// PipelineConfig 自動訊息流水線配置.
type PipelineConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	PlannerCron       string   `mapstructure:"planner_cron"`
	QueuerCron        string   `mapstructure:"queuer_cron"`
	Stream            string   `mapstructure:"stream"`
	Group             string   `mapstructure:"group"`
	ConsumerWorkers   int      `mapstructure:"consumer_workers"`
	BlockSeconds      int      `mapstructure:"block_seconds"`
	QueuerBatchSize   int      `mapstructure:"queuer_batch_size"`
	Templates         []string `mapstructure:"templates"`
	PlanWindowHours   int      `mapstructure:"plan_window_hours"`
	ProcessTimeoutSec int      `mapstructure:"process_timeout_seconds"`
}

var (
	config *Config
	// ENV 當前環境變數.
	ENV string = "local"
)

// Load 載入設定檔.
func Load(testCfg ...*Config) error {
	// 直接傳入配置（測試用）
	if len(testCfg) > 0 && testCfg[0] != nil {
		applyDefaults(testCfg[0])
		if err := validateConfig(testCfg[0]); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		config = testCfg[0]
		return nil
	}

	v := viper.New()

	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		v.SetConfigFile(configPath)
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))
	} else {
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	// 敏感值允許由環境變數覆寫，例如 CHAT_SECURITY_AUTHENTICATION_JWT_SECRET
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("讀取配置檔案失敗: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析配置失敗: %w", err)
	}

	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("配置驗證失敗: %w", err)
	}

	config = cfg
	return nil
}

// Get 取得設定.
func Get() *Config {
	return config
}

// SetEnv 設定環境.
func SetEnv(env string) {
	ENV = env
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// applyDefaults 補上未設定的預設值
func applyDefaults(cfg *Config) {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setString := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}

	if cfg.Limits.Request.MaxBodySize <= 0 {
		cfg.Limits.Request.MaxBodySize = constants.DefaultMaxRequestBodySize
	}
	if cfg.Limits.Request.MaxMultipartMemory <= 0 {
		cfg.Limits.Request.MaxMultipartMemory = constants.DefaultMaxMultipartMemory
	}
	if cfg.Limits.RateLimiting.RequestsPerSecond <= 0 {
		cfg.Limits.RateLimiting.RequestsPerSecond = constants.DefaultRequestsPerSecond
	}
	setInt(&cfg.Limits.RateLimiting.Burst, constants.DefaultRequestBurst)
	setInt(&cfg.Limits.RateLimiting.CleanupInterval, constants.RateLimitCleanupIntervalMin)

	setInt(&cfg.Limits.Message.MaxLength, constants.DefaultMaxMessageLength)
	setString(&cfg.Limits.Media.Image, constants.DefaultMaxImageSize)
	setString(&cfg.Limits.Media.Video, constants.DefaultMaxVideoSize)
	setString(&cfg.Limits.Media.Audio, constants.DefaultMaxAudioSize)
	setString(&cfg.Limits.Media.File, constants.DefaultMaxFileSize)

	socket := &cfg.Limits.Socket
	setString(&socket.MaxFrameSize, constants.DefaultMaxFrameSize)
	if socket.EventsPerSecond <= 0 {
		socket.EventsPerSecond = constants.DefaultEventsPerSecond
	}
	setInt(&socket.EventBurst, constants.DefaultEventBurst)
	setInt(&socket.SendBuffer, constants.DefaultSendBuffer)
	setInt(&socket.WriteWaitSeconds, constants.DefaultWriteWaitSeconds)
	setInt(&socket.PongWaitSeconds, constants.DefaultPongWaitSeconds)
	setInt(&socket.OperationTimeout, constants.DefaultOperationTimeoutSec)

	setInt(&cfg.Limits.Pagination.DefaultPageSize, constants.DefaultPageSize)
	setInt(&cfg.Limits.Pagination.MaxPageSize, constants.DefaultMaxPageSize)
	setInt(&cfg.Delivery.PromoteAfterMS, constants.DefaultPromoteAfterMS)

	p := &cfg.Pipeline
	setString(&p.PlannerCron, constants.DefaultPlannerCron)
	setString(&p.QueuerCron, constants.DefaultQueuerCron)
	setString(&p.Stream, constants.DefaultStream)
	setString(&p.Group, constants.DefaultConsumerGroup)
	setInt(&p.ConsumerWorkers, constants.DefaultConsumerWorkers)
	setInt(&p.BlockSeconds, constants.DefaultBlockSeconds)
	setInt(&p.QueuerBatchSize, constants.DefaultQueuerBatchSize)
	setInt(&p.PlanWindowHours, constants.DefaultPlanWindowHours)
	setInt(&p.ProcessTimeoutSec, constants.DefaultProcessTimeoutSec)

	setInt(&cfg.GRPC.HealthIntervalSeconds, constants.DefaultHealthIntervalSecond)
}

// validateConfig 驗證配置的有效性
func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("應用程式名稱不能為空")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("應用程式版本不能為空")
	}

	if cfg.Server.Port == "" {
		return fmt.Errorf("伺服器端口不能為空")
	}
	if cfg.Server.Timeout <= 0 {
		return fmt.Errorf("伺服器超時時間必須大於 0")
	}

	if cfg.Database.Mongo.URL == "" {
		return fmt.Errorf("MongoDB URL 不能為空")
	}
	if cfg.Database.Mongo.Database == "" {
		return fmt.Errorf("MongoDB 資料庫名稱不能為空")
	}
	if cfg.Database.Mongo.MaxPoolSize == 0 {
		return fmt.Errorf("MongoDB 最大連接池大小必須大於 0")
	}
	if cfg.Database.Mongo.MinPoolSize > cfg.Database.Mongo.MaxPoolSize {
		return fmt.Errorf("MongoDB 最小連接池大小不能大於最大連接池大小")
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("Redis 地址不能為空")
	}

	if cfg.Security.Authentication.JWTSecret == "" {
		return fmt.Errorf("JWT 密鑰不能為空")
	}

	if cfg.Log.RotationTimeHours <= 0 {
		return fmt.Errorf("日誌輪轉時間必須大於 0")
	}
	if cfg.Log.MaxAgeDays <= 0 {
		return fmt.Errorf("日誌保留天數必須大於 0")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("日誌檔案最大大小必須大於 0")
	}

	for name, raw := range map[string]string{
		"image":     cfg.Limits.Media.Image,
		"video":     cfg.Limits.Media.Video,
		"audio":     cfg.Limits.Media.Audio,
		"file":      cfg.Limits.Media.File,
		"max_frame": cfg.Limits.Socket.MaxFrameSize,
	} {
		if _, err := humanize.ParseBytes(raw); err != nil {
			return fmt.Errorf("大小設定 %s 格式錯誤: %w", name, err)
		}
	}

	if !gronx.IsValid(cfg.Pipeline.PlannerCron) {
		return fmt.Errorf("planner cron 表達式無效: %s", cfg.Pipeline.PlannerCron)
	}
	if !gronx.IsValid(cfg.Pipeline.QueuerCron) {
		return fmt.Errorf("queuer cron 表達式無效: %s", cfg.Pipeline.QueuerCron)
	}

	return nil
}

// ByteSize 解析人類可讀的大小字串，解析失敗時回傳 fallback.
func ByteSize(raw string, fallback int64) int64 {
	n, err := humanize.ParseBytes(raw)
	if err != nil || n == 0 {
		return fallback
	}
	return int64(n)
}

// IsDebug 檢查是否為除錯模式
func IsDebug() bool {
	if config != nil {
		return config.App.Debug
	}
	return false
}

// GetServerAddr 取得伺服器地址
func GetServerAddr() string {
	if config != nil {
		return fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port)
	}
	return "localhost:8080"
}

// DeliveryDelay 送達推進延遲.
func (c *Config) DeliveryDelay() time.Duration {
	return time.Duration(c.Delivery.PromoteAfterMS) * time.Millisecond
}
