// Package grpc 管理用 gRPC 服務：標準 health 協定與 reflection.
// 健康狀態由背景 watcher 依 Mongo、Redis 檢查結果更新.
package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/platform/middleware"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Checker 依賴檢查，回傳失敗的依賴名稱與錯誤
type Checker interface {
	Check(ctx context.Context) map[string]error
}

// Server 管理用 gRPC 服務器
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	checker    Checker
	services   []string
	interval   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 創建 gRPC 服務器；tlsConfig 為 nil 時以非加密模式運行
// services 是個別回報狀態的依賴名稱，整體狀態使用空字串服務名
func NewServer(checker Checker, tlsConfig *tls.Config, interval time.Duration, services ...string) *Server {
	ctx := context.Background()

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(middleware.GRPCUnaryInterceptor()),
		grpc.ChainStreamInterceptor(middleware.GRPCStreamInterceptor()),
	}
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
		logger.Info(ctx, "gRPC TLS 已啟用")
	} else {
		logger.Info(ctx, "gRPC 以非加密模式運行（開發環境）")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	grpcServer := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	// 第一次檢查完成前回報 NOT_SERVING
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, name := range services {
		healthServer.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		checker:    checker,
		services:   services,
		interval:   interval,
	}
}

// Start 監聽 addr 並開始服務，阻塞直到 Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve 在既有 listener 上服務（測試使用 bufconn）
func (s *Server) Serve(lis net.Listener) error {
	s.startWatcher()
	logger.Info(context.Background(), "gRPC 管理服務已啟動", logger.WithDetails(map[string]interface{}{"addr": lis.Addr().String()}))
	return s.grpcServer.Serve(lis)
}

// Stop 停止 watcher 並優雅關閉
func (s *Server) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Refresh 立即執行一次檢查並更新狀態
func (s *Server) Refresh(ctx context.Context) {
	failed := s.checker.Check(ctx)

	overall := healthpb.HealthCheckResponse_SERVING
	if len(failed) > 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)

	for _, name := range s.services {
		status := healthpb.HealthCheckResponse_SERVING
		if err, bad := failed[name]; bad {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warning(ctx, "依賴健康檢查失敗", logger.WithAction(name), logger.WithError(err))
		}
		s.health.SetServingStatus(name, status)
	}
}

func (s *Server) startWatcher() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Refresh(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()
}
