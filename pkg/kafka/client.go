// Package kafka 提供了与 Kafka 消息队列交互的功能。
// 每次标记更新都会下发一条告警事件，供风控侧消费。
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"ragchat-go/internal/config"
	"ragchat-go/pkg/log"

	"github.com/segmentio/kafka-go"
)

// FlagEvent 是发往告警主题的标记事件。
type FlagEvent struct {
	LogID      string `json:"log_id"`
	TenantID   string `json:"tenant_id"`
	UserID     string `json:"user_id"`
	Question   string `json:"question"`
	FlagReason string `json:"flag_reason"`
	Source     string `json:"source"`
	// Degraded 为 true 表示这是标记器健康告警（连续回退放行），而非正常标记。
	Degraded   bool  `json:"degraded"`
	OccurredAt int64 `json:"occurred_at"`
}

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceFlagEvent 发送一条标记事件到 Kafka。
// 生产者未初始化时静默跳过，告警链路永远不阻塞主流程。
func ProduceFlagEvent(event FlagEvent) error {
	if producer == nil {
		return nil
	}
	if event.OccurredAt == 0 {
		event.OccurredAt = time.Now().UnixMilli()
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return producer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(event.TenantID),
			Value: eventBytes,
		},
	)
}
