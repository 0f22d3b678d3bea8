package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvdashuaibi/littlewatch/config"
	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// messageWriter 由 *kafka.Writer 实现
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer 创建结算请求生产者
func NewProducer(cfg config.KafkaConfig, logger logrus.FieldLogger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}

	partitions, err := topicPartitions(context.Background(), cfg.Brokers[0], cfg.SettlementTopic)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"topic":      cfg.SettlementTopic,
		"partitions": len(partitions),
	}).Info("生产者检测到Kafka主题分区")

	// 使用Hash分区器，基于消息Key进行分区路由
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.SettlementTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}

	return newProducerWithWriter(writer, cfg.SettlementTopic), nil
}

func newProducerWithWriter(writer messageWriter, topic string) *Producer {
	return &Producer{writer: writer, topic: topic}
}

// PublishSettlement 发送结算请求，同一用户的请求进入同一分区
func (p *Producer) PublishSettlement(ctx context.Context, event *model.SettlementEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化结算事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.UserID),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "settlementHandle", Value: []byte(event.SettlementHandle)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送结算事件到 %s 失败: %w", p.topic, err)
	}
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}

// topicPartitions 读取主题的分区ID
func topicPartitions(ctx context.Context, broker, topic string) ([]int, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", broker, topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	var ids []int
	for _, p := range partitions {
		if p.Topic == topic {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}
