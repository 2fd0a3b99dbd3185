package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultQueryCacheSize 是查询向量缓存的默认条目数。
const DefaultQueryCacheSize = 1000

// CachedClient 用 LRU 缓存包装一个 Client，避免重复计算相同查询的向量。
// 只在查询路径使用；构建路径的块向量不经过它。
type CachedClient struct {
	inner Client
	cache *lru.Cache[string, []float32]
}

// NewCachedClient 创建一个带缓存的 embedding 客户端。
func NewCachedClient(inner Client, cacheSize int) *CachedClient {
	if cacheSize <= 0 {
		cacheSize = DefaultQueryCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedClient{inner: inner, cache: cache}
}

// cacheKey 结合文本与模型名生成缓存键，避免切换模型后命中旧向量。
func (c *CachedClient) cacheKey(text string) string {
	combined := text + "\x00" + c.inner.ModelName()
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// CreateEmbedding 优先返回缓存的向量，未命中时调用底层客户端并写入缓存。
func (c *CachedClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.CreateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// CreateEmbeddings 逐条检查缓存，只把未命中的文本发给底层客户端。
func (c *CachedClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	missing := make([]int, 0, len(texts))
	for i, text := range texts {
		if vec, ok := c.cache.Get(c.cacheKey(text)); ok {
			results[i] = vec
		} else {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return results, nil
	}

	uncached := make([]string, len(missing))
	for j, i := range missing {
		uncached[j] = texts[i]
	}
	vectors, err := c.inner.CreateEmbeddings(ctx, uncached)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		results[i] = vectors[j]
		c.cache.Add(c.cacheKey(texts[i]), vectors[j])
	}
	return results, nil
}

func (c *CachedClient) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedClient) ModelName() string { return c.inner.ModelName() }

var _ Client = (*CachedClient)(nil)
