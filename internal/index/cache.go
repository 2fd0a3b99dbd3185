package index

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/log"
)

// ErrNegativeSize 表示调用方传入了非法的负字节数。
var ErrNegativeSize = errors.New("cache: size must not be negative")

// Disposer 在条目被淘汰、删除或清空时回调，用于释放附带的原生资源（例如关闭向量索引）。
type Disposer func(value *LoadedArtifact, key string)

// ArtifactCache 是进程内的 LRU 缓存，按条目数和总字节数双重限额淘汰。
// 它只是性能层，不是数据源：进程重启后为空，重建文档时由调用方显式失效。
type ArtifactCache struct {
	mu           sync.Mutex
	maxEntries   int   // 0 表示不限制条目数
	maxSizeBytes int64 // 0 表示不限制总字节数
	totalSize    int64
	ll           *list.List // 队首最新，队尾最旧
	items        map[string]*list.Element
	onDispose    Disposer
}

type cacheEntry struct {
	key   string
	value *LoadedArtifact
	size  int64
}

// NewArtifactCache 创建一个产物缓存，两个上限均可独立置 0 关闭。
func NewArtifactCache(maxEntries int, maxSizeBytes int64, onDispose Disposer) *ArtifactCache {
	return &ArtifactCache{
		maxEntries:   maxEntries,
		maxSizeBytes: maxSizeBytes,
		ll:           list.New(),
		items:        make(map[string]*list.Element),
		onDispose:    onDispose,
	}
}

// Get 返回缓存中的产物并刷新其新近度，未命中返回 nil。
func (c *ArtifactCache) Get(docHash string) *LoadedArtifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[docHash]
	if !ok {
		return nil
	}
	c.ll.MoveToFront(elem)
	return elem.Value.(*cacheEntry).value
}

// Set 插入或替换一个产物条目。替换时先扣减旧条目的大小并触发其释放回调。
func (c *ArtifactCache) Set(docHash string, artifact *LoadedArtifact, sizeBytes int64) error {
	if sizeBytes < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeSize, sizeBytes)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[docHash]; ok {
		old := elem.Value.(*cacheEntry)
		c.totalSize -= old.size
		c.dispose(old)
		old.value = artifact
		old.size = sizeBytes
		c.totalSize += sizeBytes
		c.ll.MoveToFront(elem)
	} else {
		elem := c.ll.PushFront(&cacheEntry{key: docHash, value: artifact, size: sizeBytes})
		c.items[docHash] = elem
		c.totalSize += sizeBytes
	}

	c.evictLocked()
	return nil
}

// Has 判断某个 docHash 是否在缓存中，不影响新近度。
func (c *ArtifactCache) Has(docHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[docHash]
	return ok
}

// Delete 显式移除一个条目（例如产物 release 接口强制失效重建后的旧条目），返回是否存在。
func (c *ArtifactCache) Delete(docHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[docHash]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// Clear 清空缓存，对每个驻留条目触发释放回调。
func (c *ArtifactCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.ll.Len() > 0 {
		c.removeLocked(c.ll.Back())
	}
}

// Len 返回当前条目数。
func (c *ArtifactCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// TotalSize 返回当前跟踪的总字节数。
func (c *ArtifactCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// evictLocked 在每次插入后执行：只要任一配置的上限被超出，就从队尾淘汰最久未用的条目。
func (c *ArtifactCache) evictLocked() {
	for (c.maxEntries > 0 && c.ll.Len() > c.maxEntries) ||
		(c.maxSizeBytes > 0 && c.totalSize > c.maxSizeBytes) {
		back := c.ll.Back()
		if back == nil {
			return
		}
		c.removeLocked(back)
	}
}

func (c *ArtifactCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.ll.Remove(elem)
	delete(c.items, entry.key)
	c.totalSize -= entry.size
	c.dispose(entry)
}

// dispose 触发释放回调。回调失败只记录日志，绝不允许阻断淘汰或破坏缓存状态。
func (c *ArtifactCache) dispose(entry *cacheEntry) {
	if c.onDispose == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[ArtifactCache] 释放回调 panic (docHash=%s): %v", entry.key, r)
		}
	}()
	c.onDispose(entry.value, entry.key)
}
