package pipeline

import (
	"context"
	"sync"

	"chat-realtime/internal/platform/config"
	"chat-realtime/internal/platform/logger"
)

// Service 組合規劃、排程與消費三個階段
type Service struct {
	planner  *Planner
	queuer   *Queuer
	consumer *Consumer
	cron     *Cron

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService 依設定註冊排程；消費者可以為 nil（只規劃與排程的實例）
func NewService(cfg config.PipelineConfig, planner *Planner, queuer *Queuer, consumer *Consumer) (*Service, error) {
	s := &Service{
		planner:  planner,
		queuer:   queuer,
		consumer: consumer,
		cron:     NewCron(),
	}

	if err := s.cron.Add("plan", cfg.PlannerCron, func(ctx context.Context) error {
		_, err := planner.Plan(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := s.cron.Add("queue", cfg.QueuerCron, func(ctx context.Context) error {
		_, err := queuer.Run(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Start 啟動排程與消費者
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start(ctx)

	if s.consumer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.consumer.Run(ctx); err != nil {
				logger.Error(ctx, "自動訊息消費者停止", logger.WithError(err))
			}
		}()
	}
	logger.Info(ctx, "自動訊息流水線已啟動")
}

// Stop 停止排程並等待消費者處理完已取出的工作
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.cron.Stop()
	s.wg.Wait()
	logger.Info(context.Background(), "自動訊息流水線已停止")
}

// PlanNow 立即執行一次規劃（CLI plan 子命令）
func (s *Service) PlanNow(ctx context.Context) (int, error) {
	return s.planner.Plan(ctx)
}

// QueueNow 立即執行一次排程
func (s *Service) QueueNow(ctx context.Context) (QueueResult, error) {
	return s.queuer.Run(ctx)
}
