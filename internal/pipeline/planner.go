// Package pipeline 是自動訊息流水線：規劃 -> 排入佇列 -> 投遞.
//
// 三個階段透過 AutoMessage 的狀態（planned/queued/sent）與 Redis Streams 工作佇列串接，
// 任何階段重複執行都不會產生第二則訊息.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"chat-realtime/internal/metrics"
	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/storage/database/automessage"
)

// DefaultTemplates 自動訊息內容範本
var DefaultTemplates = []string{
	"Hey! How is your day going?",
	"Hi there, long time no see!",
	"Just wanted to say hello 👋",
	"Any plans for the weekend?",
	"Have you tried anything new lately?",
	"Good to see you around here!",
}

// UserSource 有效用戶來源
type UserSource interface {
	ListActiveIDs(ctx context.Context) ([]string, error)
}

// PlanStore 規劃結果存儲
type PlanStore interface {
	CreateMany(ctx context.Context, msgs []*automessage.AutoMessage) error
}

// Planner 每日配對有效用戶並規劃自動訊息
type Planner struct {
	users     UserSource
	store     PlanStore
	templates []string
	window    time.Duration
	now       func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// PlannerOption 規劃器選項
type PlannerOption func(*Planner)

// WithTemplates 覆寫範本
func WithTemplates(templates []string) PlannerOption {
	return func(p *Planner) {
		if len(templates) > 0 {
			p.templates = templates
		}
	}
}

// WithWindow 發送時間的隨機範圍
func WithWindow(d time.Duration) PlannerOption {
	return func(p *Planner) {
		if d > 0 {
			p.window = d
		}
	}
}

// WithRand 注入亂數來源
func WithRand(rnd *rand.Rand) PlannerOption {
	return func(p *Planner) { p.rnd = rnd }
}

// WithPlannerClock 注入時鐘
func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) { p.now = now }
}

// NewPlanner 創建規劃器
func NewPlanner(users UserSource, store PlanStore, opts ...PlannerOption) *Planner {
	p := &Planner{
		users:     users,
		store:     store,
		templates: DefaultTemplates,
		window:    24 * time.Hour,
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan 打亂並兩兩配對，奇數時最後一人不參與；回傳建立的數量
func (p *Planner) Plan(ctx context.Context) (int, error) {
	ids, err := p.users.ListActiveIDs(ctx)
	if err != nil {
		metrics.AutoMessages.WithLabelValues("plan", "error").Inc()
		return 0, fmt.Errorf("載入有效用戶失敗: %w", err)
	}
	if len(ids) < 2 {
		logger.Info(ctx, "有效用戶不足，略過規劃", logger.WithDetails(map[string]interface{}{"users": len(ids)}))
		return 0, nil
	}

	now := p.now().UTC()
	msgs := p.pair(ids, now)
	if err := p.store.CreateMany(ctx, msgs); err != nil {
		metrics.AutoMessages.WithLabelValues("plan", "error").Inc()
		return 0, fmt.Errorf("建立自動訊息失敗: %w", err)
	}

	metrics.AutoMessages.WithLabelValues("plan", "planned").Add(float64(len(msgs)))
	logger.Info(ctx, "自動訊息規劃完成", logger.WithDetails(map[string]interface{}{
		"users":   len(ids),
		"planned": len(msgs),
	}))
	return len(msgs), nil
}

func (p *Planner) pair(ids []string, now time.Time) []*automessage.AutoMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	shuffled := append([]string(nil), ids...)
	p.rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	msgs := make([]*automessage.AutoMessage, 0, len(shuffled)/2)
	for i := 0; i+1 < len(shuffled); i += 2 {
		offset := time.Duration(p.rnd.Int63n(int64(p.window)))
		msgs = append(msgs, &automessage.AutoMessage{
			SenderID:    shuffled[i],
			RecipientID: shuffled[i+1],
			Content:     p.templates[p.rnd.Intn(len(p.templates))],
			SendDate:    now.Add(offset),
			State:       automessage.StatePlanned,
			CreatedAt:   now,
		})
	}
	return msgs
}
