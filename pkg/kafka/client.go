// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"docuvector-go/internal/config"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/log"
	"docuvector-go/pkg/tasks"
)

// TaskProcessor 处理一个导入任务，使消费者与具体的流水线实现解耦。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
}

// Producer 发送导入任务。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers()...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// ProduceIngestTask 发送一个导入任务，同一文档的任务落在同一分区。
func (p *Producer) ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return errs.E(errs.Other, "kafka.produce", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.DocumentID),
		Value: taskBytes,
	})
	if err != nil {
		return errs.E(errs.TransientService, "kafka.produce", err)
	}
	return nil
}

func (p *Producer) Close() error { return p.writer.Close() }

// AttemptCounter 记录任务失败次数，决定何时放弃重试。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type redisAttempts struct {
	rdb *redis.Client
}

// NewRedisAttemptCounter 使用 Redis 计数，计数在 24 小时后过期。
func NewRedisAttemptCounter(rdb *redis.Client) AttemptCounter {
	return &redisAttempts{rdb: rdb}
}

func (r *redisAttempts) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = r.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return n, nil
}

func (r *redisAttempts) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

type memoryAttempts struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryAttemptCounter 在未配置 Redis 时使用。
func NewMemoryAttemptCounter() AttemptCounter {
	return &memoryAttempts{counts: make(map[string]int64)}
}

func (m *memoryAttempts) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memoryAttempts) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
	return nil
}

// MessageReader 是 *kafka.Reader 中消费者用到的部分。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费导入任务。
type Consumer struct {
	reader      MessageReader
	processor   TaskProcessor
	attempts    AttemptCounter
	maxAttempts int64
	backoff     time.Duration
}

// NewConsumer 创建一个 Kafka 消费者。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts AttemptCounter) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers(),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return NewConsumerWithReader(r, processor, attempts, cfg.MaxAttempts)
}

// NewConsumerWithReader 使用调用方提供的 reader。
func NewConsumerWithReader(r MessageReader, processor TaskProcessor, attempts AttemptCounter, maxAttempts int64) *Consumer {
	if attempts == nil {
		attempts = NewMemoryAttemptCounter()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Consumer{reader: r, processor: processor, attempts: attempts, maxAttempts: maxAttempts, backoff: 2 * time.Second}
}

// SetBackoff 设置两次重试之间的基础等待时间，第 n 次失败后等待 n 倍。
func (c *Consumer) SetBackoff(d time.Duration) { c.backoff = d }

func attemptsKey(documentID string) string {
	return fmt.Sprintf("kafka:attempts:%s", documentID)
}

// Run 循环消费直到 ctx 取消或读取出错。
//
// 处理成功后提交 offset。可重试的失败在本地退避重试，失败次数记录在 AttemptCounter 中，
// 因此进程重启后重新投递的消息会延续之前的计数；达到 maxAttempts 或错误不可重试时提交 offset 放弃该任务。
// 失败次数无法记录时 Run 返回错误且不提交 offset，之后的消息也不再拉取，重启后从这条消息继续。
func (c *Consumer) Run(ctx context.Context) error {
	log.Info("Kafka 消费者已启动")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Error("从 Kafka 读取消息失败", err)
			return err
		}
		if err := c.handle(ctx, m); err != nil {
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) error {
	log.Infof("收到 Kafka 消息: offset %d", m.Offset)

	var task tasks.IngestTask
	if err := json.Unmarshal(m.Value, &task); err != nil || task.DocumentID == "" {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return nil
	}

	log.Infof("开始处理导入任务: DocumentID=%s, FileName=%s", task.DocumentID, task.FileName)
	key := attemptsKey(task.DocumentID)
	for {
		err := c.processor.Process(ctx, task)
		if err == nil {
			log.Infof("导入任务处理成功: DocumentID=%s", task.DocumentID)
			_ = c.attempts.Reset(ctx, key)
			c.commit(ctx, m)
			return nil
		}

		log.Errorw("导入任务处理失败", "document_id", task.DocumentID, "kind", errs.KindOf(err).String(), "error", err)
		if !errs.IsRetryable(err) {
			log.Warnf("错误不可重试，提交 offset: DocumentID=%s", task.DocumentID)
			_ = c.attempts.Reset(ctx, key)
			c.commit(ctx, m)
			return nil
		}
		attempts, incErr := c.attempts.Incr(ctx, key)
		if incErr != nil {
			// 继续拉取后续消息会在提交时越过这条消息，只能停止消费
			log.Errorf("记录失败次数出错，停止消费: DocumentID=%s, %v", task.DocumentID, incErr)
			return fmt.Errorf("failed to record attempt for %s: %w", task.DocumentID, incErr)
		}
		if attempts >= c.maxAttempts {
			log.Errorf("导入任务多次失败(>=%d)，提交 offset 终止重试: DocumentID=%s", c.maxAttempts, task.DocumentID)
			_ = c.attempts.Reset(ctx, key)
			c.commit(ctx, m)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(attempts) * c.backoff):
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
