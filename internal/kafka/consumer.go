package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lvdashuaibi/littlewatch/config"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type Consumer struct {
	topic   string
	readers []*kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logrus.FieldLogger
}

// MessageHandler 处理单条消息，返回错误只记录日志
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// NewConsumer 为指定主题创建消费者。
// 配置了 GroupID 时多个 reader 加入同一消费者组，由 broker 分配分区；
// 否则每个工作线程固定消费一个分区。
func NewConsumer(cfg config.KafkaConfig, topic string, logger logrus.FieldLogger) (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.WithField("topic", topic)

	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	readers := make([]*kafka.Reader, 0, numWorkers)
	if cfg.GroupID != "" {
		for i := 0; i < numWorkers; i++ {
			readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
				Brokers:  cfg.Brokers,
				Topic:    topic,
				GroupID:  cfg.GroupID,
				MinBytes: 1,
				MaxBytes: 10e6, // 10MB
			}))
		}
		logger.WithFields(logrus.Fields{"groupId": cfg.GroupID, "workers": numWorkers}).Info("创建消费者组Reader")
	} else {
		if len(cfg.Brokers) == 0 {
			cancel()
			return nil, errors.New("未配置Kafka broker")
		}
		partitions, err := topicPartitions(ctx, cfg.Brokers[0], topic)
		if err != nil {
			cancel()
			return nil, err
		}
		if len(partitions) == 0 {
			cancel()
			return nil, errors.New("主题没有可用分区")
		}

		// 分区数量小于worker数量时减少worker
		if len(partitions) < numWorkers {
			numWorkers = len(partitions)
		}
		for i := 0; i < numWorkers; i++ {
			partition := partitions[i%len(partitions)]
			readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
				Brokers:   cfg.Brokers,
				Topic:     topic,
				Partition: partition,
				MinBytes:  1,
				MaxBytes:  10e6, // 10MB
			}))
			logger.WithFields(logrus.Fields{"worker": i, "partition": partition}).Info("消费者工作线程分配分区")
		}
	}

	return &Consumer{
		topic:   topic,
		readers: readers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}, nil
}

// StartConsuming 开始消费消息，每个 reader 一个 goroutine
func (c *Consumer) StartConsuming(handler MessageHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}

	c.logger.WithField("workers", len(c.readers)).Info("已启动Kafka消费者工作线程")
}

// consumeMessages 单个消费者goroutine的消费逻辑
func (c *Consumer) consumeMessages(workerID int, reader *kafka.Reader, handler MessageHandler) {
	log := c.logger.WithField("worker", workerID)

	for {
		m, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("读取消息失败")
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		if err := handler(c.ctx, m); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"partition": m.Partition,
				"offset":    m.Offset,
			}).Warn("处理消息失败")
		}
	}
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	var errs []error
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info("Kafka消费者已停止")
	return errors.Join(errs...)
}
