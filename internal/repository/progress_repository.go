package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/model"
	"github.com/go-redis/redis/v8"
)

// ProgressRepository 维护每个文档的构建进度快照与构建启动锁。
// 快照是幂等覆盖写，不保留历史；锁是带 TTL 的分布式互斥标记。
type ProgressRepository interface {
	WriteProgress(ctx context.Context, snapshot model.IndexProgressSnapshot) error
	ReadProgress(ctx context.Context, docHash string) (model.IndexProgressSnapshot, bool, error)

	// AcquireBuildLock 以原子的 set-if-not-exists 语义抢锁，返回是否抢到。
	AcquireBuildLock(ctx context.Context, docHash string, ttl time.Duration) (bool, error)
	// ClearBuildLock 删除锁，仅在强制重建和流水线终态时调用。
	ClearBuildLock(ctx context.Context, docHash string) error
}

type progressRepository struct {
	redisClient *redis.Client
}

// NewProgressRepository 创建一个新的 ProgressRepository 实例。
func NewProgressRepository(redisClient *redis.Client) ProgressRepository {
	return &progressRepository{redisClient: redisClient}
}

func progressKey(docHash string) string {
	return "index:progress:" + docHash
}

func lockKey(docHash string) string {
	return "index:lock:" + docHash
}

// WriteProgress 覆盖写入文档的最新进度快照。
func (r *progressRepository) WriteProgress(ctx context.Context, snapshot model.IndexProgressSnapshot) error {
	if snapshot.UpdatedAt == 0 {
		snapshot.UpdatedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("序列化进度快照失败: %w", err)
	}
	// 快照只是状态缓存，7 天后自动过期即可
	return r.redisClient.Set(ctx, progressKey(snapshot.DocHash), data, 7*24*time.Hour).Err()
}

// ReadProgress 读取文档的最新进度快照，不存在时返回 ok=false。
func (r *progressRepository) ReadProgress(ctx context.Context, docHash string) (model.IndexProgressSnapshot, bool, error) {
	data, err := r.redisClient.Get(ctx, progressKey(docHash)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return model.IndexProgressSnapshot{}, false, nil
		}
		return model.IndexProgressSnapshot{}, false, err
	}
	var snapshot model.IndexProgressSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.IndexProgressSnapshot{}, false, fmt.Errorf("解析进度快照失败: %w", err)
	}
	return snapshot, true, nil
}

// AcquireBuildLock 使用 SETNX + TTL 抢构建锁。
// TTL 保证崩溃的流水线不会永久卡死后续重建。
func (r *progressRepository) AcquireBuildLock(ctx context.Context, docHash string, ttl time.Duration) (bool, error) {
	return r.redisClient.SetNX(ctx, lockKey(docHash), time.Now().UnixMilli(), ttl).Result()
}

// ClearBuildLock 删除构建锁。
func (r *progressRepository) ClearBuildLock(ctx context.Context, docHash string) error {
	return r.redisClient.Del(ctx, lockKey(docHash)).Err()
}
