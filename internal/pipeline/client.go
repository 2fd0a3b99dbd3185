package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/config"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/log"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// 队列的重试策略：至多 3 次尝试，指数退避，首次延迟 5 秒。
const (
	MaxAttempts = 3
	BaseBackoff = 5 * time.Second
)

// Enqueuer 是向流水线提交阶段任务的能力接口。
type Enqueuer interface {
	Enqueue(ctx context.Context, stage string, task StageTask) error
	ClearJobMarks(ctx context.Context, tenderID uint, docHash string) error
}

// Client 是显式构造的流水线队列客户端，持有每个阶段的 writer 和自己的连接生命周期。
// 不使用包级全局队列对象。
type Client struct {
	writers  map[string]*kafka.Writer
	rdb      *redis.Client
	dedupTTL time.Duration
}

// NewClient 为每个流水线阶段创建一个 Kafka writer。
// dedupTTL 是任务身份去重标记的有效期，与构建锁保持一致即可。
func NewClient(cfg config.KafkaConfig, rdb *redis.Client, dedupTTL time.Duration) *Client {
	writers := make(map[string]*kafka.Writer, len(Stages))
	for _, stage := range Stages {
		writers[stage] = &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers),
			Topic:    TopicFor(cfg.TopicPrefix, stage),
			Balancer: &kafka.LeastBytes{},
		}
	}
	return &Client{writers: writers, rdb: rdb, dedupTTL: dedupTTL}
}

// TopicFor 派生某个阶段的 topic 名称。
func TopicFor(prefix, stage string) string {
	return prefix + "." + stage
}

// Enqueue 提交一个阶段任务。
// 任务身份 (tenderId, docHash, stage) 先做原子去重：同一阶段的重复提交直接丢弃，
// 避免并发请求制造平行的流水线运行。
func (c *Client) Enqueue(ctx context.Context, stage string, task StageTask) error {
	writer, ok := c.writers[stage]
	if !ok {
		return fmt.Errorf("未知的流水线阶段: %s", stage)
	}

	jobID := JobID(task.TenderID, task.DocHash, stage)
	fresh, err := c.rdb.SetNX(ctx, jobID, time.Now().UnixMilli(), c.dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("写入任务去重标记失败: %w", err)
	}
	if !fresh {
		log.Infof("[Pipeline] 任务已在队列中，跳过重复提交: %s", jobID)
		return nil
	}

	taskBytes, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化阶段任务失败: %w", err)
	}

	err = writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.DocHash),
		Value: taskBytes,
	})
	if err != nil {
		// 投递失败时撤销去重标记，否则这个阶段会被卡到标记过期
		_ = c.rdb.Del(ctx, jobID).Err()
		return fmt.Errorf("发送阶段任务到 Kafka 失败 (stage=%s): %w", stage, err)
	}

	log.Infof("[Pipeline] 阶段任务已入队, stage=%s, docHash=%s, tenderID=%d", stage, task.DocHash, task.TenderID)
	return nil
}

// ClearJobMarks 清除某文档全部阶段的去重标记与失败计数，供强制重建使用。
func (c *Client) ClearJobMarks(ctx context.Context, tenderID uint, docHash string) error {
	keys := make([]string, 0, len(Stages)*2)
	for _, stage := range Stages {
		keys = append(keys, JobID(tenderID, docHash, stage), attemptsKey(stage, docHash))
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Close 关闭所有阶段的 writer。
func (c *Client) Close() error {
	var firstErr error
	for stage, writer := range c.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("关闭阶段 %s 的 writer 失败: %w", stage, err)
		}
	}
	return firstErr
}

var _ Enqueuer = (*Client)(nil)
