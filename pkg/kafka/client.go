// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"doc-intel-go/internal/config"
	"doc-intel-go/pkg/log"
	"doc-intel-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

const (
	// maxAttempts 之后提交 offset，放弃该任务。
	maxAttempts  = 3
	retryBackoff = 2 * time.Second
)

// TaskProcessor 定义了可以处理入库任务的服务。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestionTask) error
}

// Producer 投递入库任务。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: &kafka.Writer{
		Addr:     kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}}
}

// ProduceIngestionTask 发送一个入库任务，以文档 ID 作为 key 保证同一文档的任务有序。
func (p *Producer) ProduceIngestionTask(ctx context.Context, task tasks.IngestionTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", task.DocumentID)),
		Value: taskBytes,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// attemptCounter 使用 Redis 统计任务失败次数，进程重启后重试预算依然有效。
type attemptCounter struct {
	rdb *redis.Client
}

func attemptsKey(task tasks.IngestionTask) string {
	return fmt.Sprintf("kafka:attempts:document:%d", task.DocumentID)
}

// recordFailure 记录一次失败并返回累计次数。
func (c attemptCounter) recordFailure(ctx context.Context, task tasks.IngestionTask) (int64, error) {
	key := attemptsKey(task)
	attempts, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return attempts, nil
}

func (c attemptCounter) reset(ctx context.Context, task tasks.IngestionTask) {
	_ = c.rdb.Del(ctx, attemptsKey(task)).Err()
}

// messageReader 是 kafka.Reader 中消费者循环用到的部分。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type consumer struct {
	reader    messageReader
	processor TaskProcessor
	counter   attemptCounter
	backoff   time.Duration
}

// handleMessage 处理单条消息，失败时原地重试直到用完预算，返回是否提交 offset。
// 只有 ctx 被取消时才返回 false，此时 offset 不提交，重启后 Kafka 会重投。
func (c *consumer) handleMessage(ctx context.Context, m kafka.Message) bool {
	var task tasks.IngestionTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("[Kafka] 无法解析消息: %v, value: %s", err, string(m.Value))
		return true
	}

	log.Infof("[Kafka] 开始处理入库任务: documentID=%d, fileName=%s", task.DocumentID, task.FileName)
	var local int64
	for {
		err := c.processor.Process(ctx, task)
		if err == nil {
			log.Infof("[Kafka] 入库任务成功: documentID=%d", task.DocumentID)
			c.counter.reset(ctx, task)
			return true
		}
		if ctx.Err() != nil {
			log.Warnf("[Kafka] 消费者停止，任务未完成: documentID=%d", task.DocumentID)
			return false
		}

		local++
		attempts, cerr := c.counter.recordFailure(ctx, task)
		if cerr != nil {
			log.Errorf("[Kafka] 记录失败次数出错: %v", cerr)
		}
		// Redis 不可用时退回进程内计数
		if attempts < local {
			attempts = local
		}
		log.Warnw("[Kafka] 入库任务失败",
			"documentID", task.DocumentID,
			"partition", m.Partition,
			"offset", m.Offset,
			"attempt", attempts,
			"error", err,
		)
		if attempts >= maxAttempts {
			log.Errorf("[Kafka] 任务多次失败(>=%d)，提交 offset 终止重试: documentID=%d", maxAttempts, task.DocumentID)
			c.counter.reset(ctx, task)
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.backoff * time.Duration(attempts)):
		}
	}
}

// run 逐条消费，当前消息处理完之前不会拉取下一条。
func (c *consumer) run(ctx context.Context) {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info("[Kafka] 消费者已停止")
				return
			}
			log.Error("[Kafka] 读取消息失败", err)
			return
		}
		if !c.handleMessage(ctx, m) {
			return
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			log.Errorf("[Kafka] 提交 offset 失败: %v", err)
		}
	}
}

// StartConsumer 启动消费者循环，ctx 取消后退出。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("[Kafka] 关闭消费者失败: %v", err)
		}
	}()

	c := &consumer{
		reader:    r,
		processor: processor,
		counter:   attemptCounter{rdb: rdb},
		backoff:   retryBackoff,
	}
	log.Infof("[Kafka] 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	c.run(ctx)
}
