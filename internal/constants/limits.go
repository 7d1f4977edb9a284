package constants

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 10 << 20 // 10MB
	DefaultMaxMultipartMemory = 10 << 20 // 10MB
)

// 分頁相關常數
const (
	DefaultPageSize    = 30
	DefaultMaxPageSize = 100
)

// 訊息與附件上限
const (
	DefaultMaxMessageLength = 2000
	DefaultMaxImageSize     = "10MiB"
	DefaultMaxVideoSize     = "50MiB"
	DefaultMaxAudioSize     = "20MiB"
	DefaultMaxFileSize      = "20MiB"
)

// 即時連線相關常數
const (
	// base64 膨脹約 4/3，需容納 50MiB 影片
	DefaultMaxFrameSize        = "72MiB"
	DefaultEventsPerSecond     = 20
	DefaultEventBurst          = 40
	DefaultSendBuffer          = 256
	DefaultWriteWaitSeconds    = 10
	DefaultPongWaitSeconds     = 60
	DefaultOperationTimeoutSec = 30
)

// Rate Limiting 默認值
const (
	DefaultRequestsPerSecond    = 10
	DefaultRequestBurst         = 20
	RateLimitCleanupIntervalMin = 5 // 分鐘
)

// 送達推進
const (
	DefaultPromoteAfterMS = 100
)

// 自動訊息流水線
const (
	DefaultPlannerCron          = "0 0 * * *"
	DefaultQueuerCron           = "* * * * *"
	DefaultStream               = "auto_messages"
	DefaultConsumerGroup        = "auto_message_consumers"
	DefaultConsumerWorkers      = 4
	DefaultBlockSeconds         = 5
	DefaultQueuerBatchSize      = 500
	DefaultPlanWindowHours      = 24
	DefaultProcessTimeoutSec    = 15
	DefaultHealthIntervalSecond = 15
)
