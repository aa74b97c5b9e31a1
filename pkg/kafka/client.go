// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"telegemini-go/internal/config"
	"telegemini-go/pkg/database"
	"telegemini-go/pkg/log"
	"telegemini-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

const maxAttempts = 3

// retryDelay 是处理失败后第一次重试前的等待时间，之后线性增长。
var retryDelay = time.Second

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.TranscriptTask) error
}

// Publisher 把转写任务写入 Kafka 主题。
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher 初始化 Kafka 生产者。
func NewPublisher(cfg config.KafkaConfig) *Publisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Publisher{writer: w}
}

// Submit 发送一个转写任务。以 persona ID 作为消息 key，同一会话的消息保持顺序。
func (p *Publisher) Submit(ctx context.Context, task tasks.TranscriptTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.PersonaID),
		Value: taskBytes,
	})
}

// Close 关闭生产者并刷新未发送的消息。
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动一个 Kafka 消费者来处理转写任务，直到 ctx 被取消。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return nil
			}
			log.Error("从 Kafka 读取消息失败", err)
			return err
		}

		var task tasks.TranscriptTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commit(ctx, r, m)
			continue
		}

		if !processWithRetry(ctx, processor, task, retryDelay) {
			log.Info("Kafka 消费者已停止")
			return nil
		}
		commit(ctx, r, m)
	}
}

// processWithRetry 在原地重试失败的任务，直到成功或累计失败 maxAttempts 次。
// FetchMessage 不会在同一会话中重新投递未提交的消息，所以重试不能交给 Kafka。
// 返回 false 表示 ctx 已结束，调用方不应提交 offset。
func processWithRetry(ctx context.Context, processor TaskProcessor, task tasks.TranscriptTask, delay time.Duration) bool {
	for attempt := 1; ; attempt++ {
		err := processor.Process(ctx, task)
		if err == nil {
			log.Infof("转写任务处理成功: TurnID=%s", task.TurnID)
			if database.RDB != nil {
				_ = database.RDB.Del(ctx, attemptsKey(task.TurnID)).Err()
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		log.Errorf("处理转写任务失败(第 %d 次): TurnID=%s, Error: %v", attempt, task.TurnID, err)
		if attempt >= maxAttempts || giveUp(ctx, task.TurnID) {
			log.Errorf("转写任务多次失败(>=%d)，提交 offset 终止重试: TurnID=%s", maxAttempts, task.TurnID)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * delay):
		}
	}
}

// giveUp 使用 Redis 累计跨进程重启的失败次数，达到阈值后放弃。未配置 Redis 时只按本次的重试次数判断。
func giveUp(ctx context.Context, turnID string) bool {
	if database.RDB == nil {
		return false
	}
	key := attemptsKey(turnID)
	attempts, err := database.RDB.Incr(ctx, key).Result()
	if err != nil {
		// Redis 异常时只按本次的重试次数判断
		return false
	}
	_ = database.RDB.Expire(ctx, key, 24*time.Hour).Err()
	return attempts >= maxAttempts
}

func attemptsKey(turnID string) string {
	return fmt.Sprintf("kafka:attempts:%s", turnID)
}

func commit(ctx context.Context, r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
