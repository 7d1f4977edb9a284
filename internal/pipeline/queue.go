package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const fieldAutoMessageID = "autoMessageId"

// Job 從佇列取得的一筆工作
type Job struct {
	ID   string
	Item WorkItem
}

// StreamQueue Redis Streams 工作佇列，消費者群組保證同一筆工作同時只交給一個消費者
type StreamQueue struct {
	client   redis.Cmdable
	stream   string
	group    string
	consumer string
	block    time.Duration
}

// NewStreamQueue 創建工作佇列；消費者名稱每個實例唯一
func NewStreamQueue(client redis.Cmdable, stream, group string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: "consumer-" + uuid.New().String(),
		block:    block,
	}
}

// Publish 寫入一筆工作
func (q *StreamQueue) Publish(ctx context.Context, item WorkItem) error {
	if item.AutoMessageID == "" {
		return errors.New("work item without autoMessageId")
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{fieldAutoMessageID: item.AutoMessageID},
	}).Err()
}

// EnsureGroup 建立消費者群組，已存在時忽略
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("建立消費者群組失敗: %w", err)
	}
	return nil
}

// Fetch 讀取最多 count 筆新工作，阻塞至多 block；沒有工作時回傳空切片
func (q *StreamQueue) Fetch(ctx context.Context, count int) ([]Job, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(count),
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var jobs []Job
	for _, s := range streams {
		for _, m := range s.Messages {
			jobs = append(jobs, parseJob(m))
		}
	}
	return jobs, nil
}

// Ack 確認工作，之後不會再被投遞
func (q *StreamQueue) Ack(ctx context.Context, id string) error {
	return q.client.XAck(ctx, q.stream, q.group, id).Err()
}

func parseJob(m redis.XMessage) Job {
	job := Job{ID: m.ID}
	if v, ok := m.Values[fieldAutoMessageID]; ok {
		job.Item.AutoMessageID = fmt.Sprint(v)
	}
	return job
}
