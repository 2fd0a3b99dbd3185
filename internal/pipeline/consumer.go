package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/config"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/log"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/semaphore"
)

// StageHandler 处理一个阶段任务。返回错误即视为本次尝试失败，由队列的重试策略接管。
type StageHandler func(ctx context.Context, task StageTask) error

// TerminalHandler 在任务的重试次数耗尽后被调用一次，用于落终态。
type TerminalHandler func(ctx context.Context, task StageTask, cause error)

// stageReader 是消费循环对 Kafka reader 的最小依赖。
type stageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// offsetCommitter 是单条消息处理对 reader 的最小依赖。
type offsetCommitter interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// attemptTracker 维护任务的累计尝试次数与清理，计数要在进程重启后仍然有效。
type attemptTracker interface {
	next(ctx context.Context, stage, docHash string) (int64, error)
	clear(ctx context.Context, tenderID uint, docHash, stage string) error
}

type redisAttempts struct {
	rdb *redis.Client
}

func (r *redisAttempts) next(ctx context.Context, stage, docHash string) (int64, error) {
	key := attemptsKey(stage, docHash)
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = r.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return n, nil
}

func (r *redisAttempts) clear(ctx context.Context, tenderID uint, docHash, stage string) error {
	return r.rdb.Del(ctx, attemptsKey(stage, docHash), JobID(tenderID, docHash, stage)).Err()
}

// retryBackoff 计算第 n 次失败后的等待时长，指数退避。测试中可替换。
var retryBackoff = func(attempt int64) time.Duration {
	return BaseBackoff * time.Duration(1<<(attempt-1))
}

// fetchRetryDelay 是从 Kafka 读取失败后的重试间隔。测试中可替换。
var fetchRetryDelay = time.Second

// RunConsumer 启动一个阶段的消费循环，直到 ctx 取消。
// 不同 docHash 的任务在 concurrency 上限内并行；同一 docHash 的各阶段
// 天然串行，因为下一阶段只在上一阶段成功后才入队。
func RunConsumer(ctx context.Context, cfg config.KafkaConfig, rdb *redis.Client, stage string, concurrency int64, handler StageHandler, terminal TerminalHandler) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    TopicFor(cfg.TopicPrefix, stage),
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("[Consumer:%s] 关闭 Kafka 消费者失败: %v", stage, err)
		}
	}()

	log.Infof("[Consumer:%s] Kafka 消费者已启动，正在监听主题 '%s'", stage, TopicFor(cfg.TopicPrefix, stage))
	consumeLoop(ctx, r, &redisAttempts{rdb: rdb}, stage, concurrency, handler, terminal)
}

// consumeLoop 读取消息并按并发上限分发处理，返回前等待全部在途任务收尾。
func consumeLoop(ctx context.Context, r stageReader, attempts attemptTracker, stage string, concurrency int64, handler StageHandler, terminal TerminalHandler) {
	if concurrency <= 0 {
		concurrency = 8
	}
	sem := semaphore.NewWeighted(concurrency)
	// 退出前回收全部许可，保证在途的 processMessage 都已返回
	defer func() { _ = sem.Acquire(context.Background(), concurrency) }()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			// 瞬时故障不放弃整个阶段的消费，退避后继续拉取
			log.Errorf("[Consumer:%s] 从 Kafka 读取消息失败，%s 后重试: %v", stage, fetchRetryDelay, err)
			select {
			case <-time.After(fetchRetryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		var task StageTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("[Consumer:%s] 无法解析消息: %v, value: %s", stage, err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commitMessage(ctx, r, stage, m)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(m kafka.Message, task StageTask) {
			defer sem.Release(1)
			processMessage(ctx, r, attempts, stage, m, task, handler, terminal)
		}(m, task)
	}
}

// processMessage 在本进程内完成一个任务的全部尝试。
// 重试必须在这个循环里完成：并发 worker 的 offset 提交是乱序的，
// 同分区更高 offset 的一次成功提交就会把失败消息标记为已消费，
// 因此不能依赖 Kafka 重投来兑现重试策略。
// 无论成功还是重试耗尽，消息最终都会被提交；只有尝试计数本身不可用时
// 才不提交，留给重启后的重投。
func processMessage(ctx context.Context, committer offsetCommitter, attempts attemptTracker, stage string, m kafka.Message, task StageTask, handler StageHandler, terminal TerminalHandler) {
	log.Infof("[Consumer:%s] 开始处理任务, docHash=%s, offset=%d", stage, task.DocHash, m.Offset)

	for {
		err := handler(ctx, task)
		if err == nil {
			// 成功：清理失败计数与本阶段的去重标记，提交 offset
			if clearErr := attempts.clear(ctx, task.TenderID, task.DocHash, stage); clearErr != nil {
				log.Errorf("[Consumer:%s] 清理任务标记失败: %v", stage, clearErr)
			}
			commitMessage(ctx, committer, stage, m)
			log.Infof("[Consumer:%s] 任务处理成功, docHash=%s", stage, task.DocHash)
			return
		}

		log.Errorf("[Consumer:%s] 任务处理失败, docHash=%s, error: %v", stage, task.DocHash, err)

		n, incErr := attempts.next(ctx, stage, task.DocHash)
		if incErr != nil {
			// 计数不可用时保守处理：不提交 offset，让重启后的重投接手
			log.Errorf("[Consumer:%s] 更新失败计数失败: %v", stage, incErr)
			return
		}

		if n >= MaxAttempts {
			log.Errorf("[Consumer:%s] 任务多次失败(>=%d)，落终态并提交 offset, docHash=%s", stage, MaxAttempts, task.DocHash)
			if terminal != nil {
				terminal(ctx, task, err)
			}
			if clearErr := attempts.clear(ctx, task.TenderID, task.DocHash, stage); clearErr != nil {
				log.Errorf("[Consumer:%s] 清理任务标记失败: %v", stage, clearErr)
			}
			commitMessage(ctx, committer, stage, m)
			return
		}

		backoff := retryBackoff(n)
		log.Warnf("[Consumer:%s] 第 %d 次尝试失败，%s 后重试, docHash=%s", stage, n, backoff, task.DocHash)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			// 停机时放弃剩余尝试且不提交，计数已持久化，重投后继续
			return
		}
	}
}

func commitMessage(ctx context.Context, committer offsetCommitter, stage string, m kafka.Message) {
	if err := committer.CommitMessages(ctx, m); err != nil {
		log.Errorf("[Consumer:%s] 提交 Kafka offset 失败: %v", stage, err)
	}
}
