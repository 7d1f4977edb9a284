package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chat-realtime/internal/platform/logger"

	"github.com/adhocore/gronx"
)

type cronJob struct {
	name string
	expr string
	run  func(ctx context.Context) error
}

// Cron 依 cron 表達式執行排程工作；同一個工作不會重疊執行
type Cron struct {
	jobs     []cronJob
	nextTick func(expr string, ref time.Time) (time.Time, error)
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCron 創建排程器
func NewCron() *Cron {
	return &Cron{
		nextTick: func(expr string, ref time.Time) (time.Time, error) {
			return gronx.NextTickAfter(expr, ref, false)
		},
		now: time.Now,
	}
}

// Add 註冊工作，必須在 Start 之前呼叫
func (c *Cron) Add(name, expr string, run func(ctx context.Context) error) error {
	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid cron expression for %s: %q", name, expr)
	}
	c.jobs = append(c.jobs, cronJob{name: name, expr: expr, run: run})
	return nil
}

// Start 為每個工作啟動一個 goroutine
func (c *Cron) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	for _, job := range c.jobs {
		c.wg.Add(1)
		go func(job cronJob) {
			defer c.wg.Done()
			c.loop(ctx, job)
		}(job)
	}
	logger.Info(ctx, "排程器已啟動", logger.WithDetails(map[string]interface{}{"jobs": len(c.jobs)}))
}

// Stop 取消所有工作並等待執行中的工作結束
func (c *Cron) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Cron) loop(ctx context.Context, job cronJob) {
	for {
		next, err := c.nextTick(job.expr, c.now().UTC())
		if err != nil {
			logger.Error(ctx, "計算下次執行時間失敗", logger.WithAction(job.name), logger.WithError(err))
			next = c.now().Add(30 * time.Second)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := job.run(ctx); err != nil {
			logger.Error(ctx, "排程工作失敗", logger.WithAction(job.name), logger.WithError(err))
			continue
		}
		logger.Debug(ctx, "排程工作完成",
			logger.WithAction(job.name),
			logger.WithDetails(map[string]interface{}{"elapsed_ms": time.Since(start).Milliseconds()}))
	}
}
