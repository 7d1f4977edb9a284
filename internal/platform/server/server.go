package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/deletion"
	"chat-realtime/internal/delivery"
	admin "chat-realtime/internal/grpc"
	"chat-realtime/internal/message"
	"chat-realtime/internal/pipeline"
	"chat-realtime/internal/platform/config"
	"chat-realtime/internal/platform/driver"
	"chat-realtime/internal/platform/health"
	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/platform/middleware"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/realtime"
	"chat-realtime/internal/security/audit"
	"chat-realtime/internal/storage/database"

	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 30 * time.Second

// App 組裝完成的服務
type App struct {
	cfg         *config.Config
	gateway     *realtime.Gateway
	engine      *delivery.Engine
	pipeline    *pipeline.Service
	admin       *admin.Server
	http        *http.Server
	rateLimiter *middleware.RateLimiter
	stop        chan struct{}
}

// NewPlanner 依配置建立自動訊息規劃器
func NewPlanner(cfg *config.Config, repos *database.Repositories) *pipeline.Planner {
	opts := []pipeline.PlannerOption{
		pipeline.WithWindow(time.Duration(cfg.Pipeline.PlanWindowHours) * time.Hour),
	}
	if len(cfg.Pipeline.Templates) > 0 {
		opts = append(opts, pipeline.WithTemplates(cfg.Pipeline.Templates))
	}
	return pipeline.NewPlanner(repos.User, repos.AutoMessage, opts...)
}

// Build 以已連線的存儲組裝所有元件
func Build(cfg *config.Config, repos *database.Repositories, redisClient redis.Cmdable) (*App, error) {
	auditService := audit.NewAuditService(cfg.Security.Audit.Enabled)
	authenticator := auth.NewAuthenticator(cfg.Security.Authentication.JWTSecret, cfg.Security.Authentication.Issuer, repos.User)
	presenceStore := presence.NewStore(redisClient)
	hub := realtime.NewHub()

	engine := delivery.NewEngine(delivery.Deps{
		Conversations: repos.Conversation,
		Messages:      repos.Message,
		Files:         repos.File,
		Users:         repos.User,
		Broadcaster:   hub,
	},
		delivery.WithLimits(delivery.LimitsFromConfig(cfg)),
		delivery.WithPromoteDelay(cfg.DeliveryDelay()),
		delivery.WithAudit(auditService),
	)

	coordinator := deletion.NewCoordinator(deletion.Deps{
		Conversations: repos.Conversation,
		Messages:      repos.Message,
		Delivery:      engine,
		Broadcaster:   hub,
	}, deletion.WithAudit(auditService))

	gateway := realtime.NewGateway(realtime.Deps{
		Hub:           hub,
		Auth:          authenticator,
		Conversations: repos.Conversation,
		Users:         repos.User,
		Presence:      presenceStore,
		Messages:      engine,
		Deletion:      coordinator,
	}, realtime.OptionsFromConfig(cfg), realtime.WithAudit(auditService))

	messages := message.NewMessageHandler(message.Deps{
		Conversations: repos.Conversation,
		Messages:      repos.Message,
		Files:         repos.File,
		Users:         repos.User,
		Reads:         engine,
		Rooms:         hub,
	}, message.Pagination{
		DefaultPageSize: cfg.Limits.Pagination.DefaultPageSize,
		MaxPageSize:     cfg.Limits.Pagination.MaxPageSize,
	})

	connLimiter := middleware.NewConnectionLimiter(cfg.Limits.Socket.MaxConnectionsIP, cfg.Limits.Socket.MaxConnectionsAll)

	healthHandler := health.NewHealthHandler(health.AppInfo{Name: cfg.App.Name, Debug: cfg.App.Debug})
	healthHandler.AddCheck("mongo", driver.PingMongo)
	healthHandler.AddCheck("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthHandler.AddStat("online_users", func(ctx context.Context) (interface{}, error) {
		return presenceStore.Count(ctx)
	})
	healthHandler.AddStat("connections", func(context.Context) (interface{}, error) {
		return map[string]interface{}{
			"local":   hub.Len(),
			"users":   hub.UserCount(),
			"limiter": connLimiter.Stats(),
		}, nil
	})
	healthHandler.AddStat("pending_deliveries", func(context.Context) (interface{}, error) {
		return engine.PendingDeliveries(), nil
	})

	app := &App{
		cfg:     cfg,
		gateway: gateway,
		engine:  engine,
		stop:    make(chan struct{}),
	}

	if cfg.Limits.RateLimiting.Enabled {
		app.rateLimiter = middleware.NewRateLimiter(cfg.Limits.RateLimiting.RequestsPerSecond, cfg.Limits.RateLimiting.Burst, auditService)
	}

	if cfg.Pipeline.Enabled {
		queue := pipeline.NewStreamQueue(redisClient, cfg.Pipeline.Stream, cfg.Pipeline.Group,
			time.Duration(cfg.Pipeline.BlockSeconds)*time.Second)
		processor := pipeline.NewProcessor(pipeline.ProcessorDeps{
			AutoMessages:  repos.AutoMessage,
			Conversations: repos.Conversation,
			Messages:      repos.Message,
			Users:         repos.User,
			Broadcaster:   hub,
			Rooms:         hub,
		})
		consumer := pipeline.NewConsumer(queue, processor, cfg.Pipeline.ConsumerWorkers,
			time.Duration(cfg.Pipeline.ProcessTimeoutSec)*time.Second)
		queuer := pipeline.NewQueuer(repos.AutoMessage, queue, cfg.Pipeline.QueuerBatchSize)

		svc, err := pipeline.NewService(cfg.Pipeline, NewPlanner(cfg, repos), queuer, consumer)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := queue.EnsureGroup(ctx); err != nil {
			return nil, err
		}
		app.pipeline = svc
	}

	if cfg.GRPC.Enabled {
		tlsConfig, err := LoadTLSConfig(cfg.Security.TLS)
		if err != nil {
			return nil, err
		}
		app.admin = admin.NewServer(healthHandler, tlsConfig,
			time.Duration(cfg.GRPC.HealthIntervalSeconds)*time.Second, "mongo", "redis")
	}

	router := Router(RouterDeps{
		Config:      cfg,
		Auth:        middleware.NewAuthMiddleware(authenticator, auditService),
		Health:      healthHandler,
		Messages:    messages,
		WS:          gateway.HandleWS,
		RateLimiter: app.rateLimiter,
		ConnLimiter: connLimiter,
	})

	app.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.Server.Timeout) * time.Second,
		// websocket 為長連線，不設定 WriteTimeout
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return app, nil
}

// Run 啟動所有服務並阻塞到 ctx 結束，之後依序優雅關閉
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if a.rateLimiter != nil {
		interval := time.Duration(a.cfg.Limits.RateLimiting.CleanupInterval) * time.Minute
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		a.rateLimiter.StartCleanup(interval, a.stop)
	}

	if a.pipeline != nil {
		a.pipeline.Start(ctx)
	}

	if a.admin != nil {
		addr := net.JoinHostPort(a.cfg.GRPC.Host, a.cfg.GRPC.Port)
		go func() {
			logger.LogInfof("gRPC 管理服務監聽: %s", addr)
			if err := a.admin.Start(addr); err != nil {
				errCh <- err
			}
		}()
	}

	go func() {
		logger.LogInfof("伺服器正在監聽: %s", a.http.Addr)
		var err error
		if a.cfg.Security.TLS.Enabled {
			err = a.http.ListenAndServeTLS(a.cfg.Security.TLS.CertFile, a.cfg.Security.TLS.KeyFile)
		} else {
			err = a.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.LogInfof("收到關閉信號，正在優雅關閉伺服器...")
	case runErr = <-errCh:
		logger.LogErrorf("伺服器啟動失敗: %v", runErr)
	}

	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.http.Shutdown(ctx); err != nil {
		logger.LogErrorf("HTTP 伺服器關閉失敗: %v", err)
	}
	// 已升級的 websocket 不受 http.Server.Shutdown 影響，需在存儲關閉前斷開
	if err := a.gateway.Shutdown(ctx); err != nil {
		logger.LogErrorf("websocket 連線關閉逾時: %v", err)
	}
	close(a.stop)
	if a.pipeline != nil {
		a.pipeline.Stop()
	}
	a.engine.Stop()
	if a.admin != nil {
		a.admin.Stop()
	}
	logger.LogInfof("伺服器已優雅關閉")
}

// Start 連接存儲、組裝元件並運行到 ctx 結束
func Start(ctx context.Context, cfg *config.Config) error {
	if err := driver.InitMongo(cfg.Database.Mongo); err != nil {
		logger.LogErrorf("資料庫連接失敗: %v", err)
		return err
	}
	defer func() {
		if err := driver.CloseMongo(); err != nil {
			logger.LogErrorf("關閉 MongoDB 連接失敗: %v", err)
		}
	}()

	if err := driver.InitRedis(cfg.Redis); err != nil {
		logger.LogErrorf("Redis 連接失敗: %v", err)
		return err
	}
	defer func() {
		if err := driver.CloseRedis(); err != nil {
			logger.LogErrorf("關閉 Redis 連接失敗: %v", err)
		}
	}()

	repos, err := database.NewRepositories(ctx, driver.GetMongoDatabase())
	if err != nil {
		return err
	}
	logger.LogInfof("儲存庫集合初始化完成")

	app, err := Build(cfg, repos, driver.GetRedisClient())
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
