// Package metrics 定義 prometheus 指標.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_realtime"

var (
	// ConnectionsActive 本實例目前的 websocket 連線數
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of live websocket connections on this instance.",
	})

	// EventsReceived 收到的客戶端事件
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Client events received, by event name.",
	}, []string{"event"})

	// EventsRejected 被拒絕的客戶端事件
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_rejected_total",
		Help:      "Client events rejected, by reason.",
	}, []string{"reason"})

	// MessagesSent 持久化的訊息
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Messages persisted, by message type.",
	}, []string{"type"})

	// MessagesDuplicate 冪等鍵命中
	MessagesDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_duplicate_total",
		Help:      "Send retries collapsed by client message id.",
	})

	// DeliveryPromotions sent -> delivered 推進結果
	DeliveryPromotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_promotions_total",
		Help:      "Delivered-status promotions, by result.",
	}, []string{"result"})

	// MessagesRead 新增的已讀記錄
	MessagesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_read_total",
		Help:      "Read receipts appended.",
	})

	// MessagesDeleted 刪除
	MessagesDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_deleted_total",
		Help:      "Messages deleted, by delete type.",
	}, []string{"type"})

	// AutoMessages 自動訊息流水線各階段
	AutoMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auto_messages_total",
		Help:      "Automated message pipeline outcomes, by stage and result.",
	}, []string{"stage", "result"})
)

// Handler /metrics 端點
func Handler() http.Handler {
	return promhttp.Handler()
}
