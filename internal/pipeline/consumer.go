package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-realtime/internal/metrics"
	"chat-realtime/internal/platform/logger"
)

// JobSource 消費端需要的佇列操作
type JobSource interface {
	EnsureGroup(ctx context.Context) error
	Fetch(ctx context.Context, count int) ([]Job, error)
	Ack(ctx context.Context, id string) error
}

// JobProcessor 處理單一自動訊息
type JobProcessor interface {
	Process(ctx context.Context, autoMessageID string) (Outcome, error)
}

// Consumer 從佇列取出工作並以有限併發處理
type Consumer struct {
	source    JobSource
	processor JobProcessor
	workers   int
	timeout   time.Duration
	retry     time.Duration
}

// NewConsumer 創建消費者
func NewConsumer(source JobSource, processor JobProcessor, workers int, timeout time.Duration) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Consumer{
		source:    source,
		processor: processor,
		workers:   workers,
		timeout:   timeout,
		retry:     time.Second,
	}
}

// Run 阻塞直到 ctx 取消；返回前等待處理中的工作完成
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.source.EnsureGroup(ctx); err != nil {
		return err
	}

	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}

		jobs, err := c.source.Fetch(ctx, c.workers)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Error(ctx, "讀取工作佇列失敗", logger.WithError(err))
			select {
			case <-time.After(c.retry):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, job := range jobs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func(job Job) {
				defer func() {
					<-sem
					wg.Done()
				}()
				c.handle(ctx, job)
			}(job)
		}
	}
}

// handle 處理後一律確認；失敗的工作記錄錯誤後丟棄，不重新排入
func (c *Consumer) handle(ctx context.Context, job Job) {
	// 已取出的工作在關機時仍完成處理
	workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	if job.Item.AutoMessageID == "" {
		metrics.AutoMessages.WithLabelValues("consume", "malformed").Inc()
		logger.Warning(workCtx, "工作項目缺少 autoMessageId", logger.WithDetails(map[string]interface{}{"jobId": job.ID}))
	} else {
		outcome, err := c.processor.Process(workCtx, job.Item.AutoMessageID)
		if err != nil {
			metrics.AutoMessages.WithLabelValues("consume", "error").Inc()
			logger.Error(workCtx, "自動訊息投遞失敗，丟棄工作",
				logger.WithError(err),
				logger.WithDetails(map[string]interface{}{
					"jobId":         job.ID,
					"autoMessageId": job.Item.AutoMessageID,
				}))
		} else {
			metrics.AutoMessages.WithLabelValues("consume", string(outcome)).Inc()
		}
	}

	if err := c.source.Ack(workCtx, job.ID); err != nil {
		logger.Warning(workCtx, "確認工作失敗", logger.WithError(err), logger.WithDetails(map[string]interface{}{"jobId": job.ID}))
	}
}
