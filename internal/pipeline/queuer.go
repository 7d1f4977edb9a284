package pipeline

import (
	"context"
	"fmt"
	"time"

	"chat-realtime/internal/metrics"
	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/storage/database/automessage"
)

// WorkItem 佇列中的工作項目
type WorkItem struct {
	AutoMessageID string `json:"autoMessageId"`
}

// Publisher 發布工作項目
type Publisher interface {
	Publish(ctx context.Context, item WorkItem) error
}

// QueueStore 排程需要的自動訊息操作
type QueueStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*automessage.AutoMessage, error)
	Transition(ctx context.Context, id string, t automessage.Transition) (bool, error)
}

// Queuer 將到期的自動訊息排入工作佇列
type Queuer struct {
	store     QueueStore
	publisher Publisher
	batch     int
	now       func() time.Time
}

// NewQueuer 創建排程器
func NewQueuer(store QueueStore, publisher Publisher, batch int) *Queuer {
	if batch <= 0 {
		batch = 500
	}
	return &Queuer{
		store:     store,
		publisher: publisher,
		batch:     batch,
		now:       time.Now,
	}
}

// QueueResult 一次排程的統計
type QueueResult struct {
	Due       int
	Published int
	Failed    int
}

// Run 先發布再轉為 queued；發布失敗的項目保持 planned，下一輪重試
// 發布後、轉換前崩潰最多造成重複發布，由消費端的冪等鍵吸收
func (q *Queuer) Run(ctx context.Context) (QueueResult, error) {
	now := q.now().UTC()
	due, err := q.store.ListDue(ctx, now, q.batch)
	if err != nil {
		metrics.AutoMessages.WithLabelValues("queue", "error").Inc()
		return QueueResult{}, fmt.Errorf("查詢到期自動訊息失敗: %w", err)
	}

	result := QueueResult{Due: len(due)}
	for _, am := range due {
		if err := q.publisher.Publish(ctx, WorkItem{AutoMessageID: am.ID}); err != nil {
			result.Failed++
			metrics.AutoMessages.WithLabelValues("queue", "publish_failed").Inc()
			logger.Error(ctx, "發布自動訊息失敗",
				logger.WithMessageID(am.ID),
				logger.WithError(err))
			continue
		}

		ok, err := q.store.Transition(ctx, am.ID, automessage.Transition{
			From: automessage.StatePlanned,
			To:   automessage.StateQueued,
			At:   now,
		})
		if err != nil {
			// 已發布；保持 planned 只會造成一次重複發布
			logger.Warning(ctx, "自動訊息狀態轉換失敗",
				logger.WithMessageID(am.ID),
				logger.WithError(err))
		} else if !ok {
			logger.Debug(ctx, "自動訊息已被其他流程推進", logger.WithMessageID(am.ID))
		}
		result.Published++
		metrics.AutoMessages.WithLabelValues("queue", "published").Inc()
	}

	if result.Due > 0 {
		logger.Info(ctx, "自動訊息排程完成", logger.WithDetails(map[string]interface{}{
			"due":       result.Due,
			"published": result.Published,
			"failed":    result.Failed,
		}))
	}
	return result, nil
}
