package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArtifact(docHash string) *LoadedArtifact {
	return &LoadedArtifact{DocHash: docHash}
}

func TestArtifactCache_GetSetDelete(t *testing.T) {
	cache := NewArtifactCache(4, 0, nil)

	assert.Nil(t, cache.Get("missing"))
	assert.False(t, cache.Has("missing"))

	art := newTestArtifact("d1")
	require.NoError(t, cache.Set("d1", art, 100))
	assert.Same(t, art, cache.Get("d1"))
	assert.True(t, cache.Has("d1"))
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, int64(100), cache.TotalSize())

	assert.True(t, cache.Delete("d1"))
	assert.False(t, cache.Delete("d1"))
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int64(0), cache.TotalSize())
}

func TestArtifactCache_EvictsByEntryCount(t *testing.T) {
	var disposed []string
	cache := NewArtifactCache(2, 0, func(_ *LoadedArtifact, key string) {
		disposed = append(disposed, key)
	})

	require.NoError(t, cache.Set("a", newTestArtifact("a"), 1))
	require.NoError(t, cache.Set("b", newTestArtifact("b"), 1))
	require.NoError(t, cache.Set("c", newTestArtifact("c"), 1))

	// 最久未用的 a 被淘汰且释放回调只触发一次
	assert.Equal(t, []string{"a"}, disposed)
	assert.False(t, cache.Has("a"))
	assert.True(t, cache.Has("b"))
	assert.True(t, cache.Has("c"))
}

func TestArtifactCache_EvictsByTotalSize(t *testing.T) {
	var disposed []string
	cache := NewArtifactCache(0, 1000, func(_ *LoadedArtifact, key string) {
		disposed = append(disposed, key)
	})

	require.NoError(t, cache.Set("a", newTestArtifact("a"), 400))
	require.NoError(t, cache.Set("b", newTestArtifact("b"), 400))
	require.NoError(t, cache.Set("c", newTestArtifact("c"), 400))

	assert.Equal(t, []string{"a"}, disposed)
	assert.Equal(t, int64(800), cache.TotalSize())
}

func TestArtifactCache_GetRefreshesRecency(t *testing.T) {
	cache := NewArtifactCache(2, 0, nil)
	require.NoError(t, cache.Set("a", newTestArtifact("a"), 1))
	require.NoError(t, cache.Set("b", newTestArtifact("b"), 1))

	// 访问 a 之后插入 c，应淘汰 b 而不是 a
	cache.Get("a")
	require.NoError(t, cache.Set("c", newTestArtifact("c"), 1))

	assert.True(t, cache.Has("a"))
	assert.False(t, cache.Has("b"))
}

func TestArtifactCache_ReplaceAdjustsSizeAndDisposesOld(t *testing.T) {
	disposeCount := 0
	cache := NewArtifactCache(0, 0, func(_ *LoadedArtifact, _ string) {
		disposeCount++
	})

	require.NoError(t, cache.Set("a", newTestArtifact("a"), 500))
	require.NoError(t, cache.Set("a", newTestArtifact("a"), 200))

	// 替换时旧条目的大小被扣减且旧值被释放
	assert.Equal(t, 1, disposeCount)
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, int64(200), cache.TotalSize())
}

func TestArtifactCache_RejectsNegativeSize(t *testing.T) {
	cache := NewArtifactCache(0, 0, nil)
	err := cache.Set("a", newTestArtifact("a"), -1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNegativeSize)
	assert.Equal(t, 0, cache.Len())
}

func TestArtifactCache_ClearDisposesAll(t *testing.T) {
	var disposed []string
	cache := NewArtifactCache(0, 0, func(_ *LoadedArtifact, key string) {
		disposed = append(disposed, key)
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Set(fmt.Sprintf("d%d", i), newTestArtifact("x"), 10))
	}

	cache.Clear()

	assert.Len(t, disposed, 5)
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int64(0), cache.TotalSize())
}

func TestArtifactCache_DisposerPanicDoesNotBreakCache(t *testing.T) {
	cache := NewArtifactCache(1, 0, func(_ *LoadedArtifact, _ string) {
		panic("boom")
	})

	require.NoError(t, cache.Set("a", newTestArtifact("a"), 1))
	require.NoError(t, cache.Set("b", newTestArtifact("b"), 1))

	// 回调 panic 被吞掉，淘汰照常完成
	assert.False(t, cache.Has("a"))
	assert.True(t, cache.Has("b"))
	assert.Equal(t, 1, cache.Len())
}

func TestArtifactCache_EvictionClosesSearcher(t *testing.T) {
	// 与服务端的接线方式相同：释放回调负责关闭被逐出产物的检索器
	cache := NewArtifactCache(1, 0, func(artifact *LoadedArtifact, _ string) {
		_ = artifact.Close()
	})

	searcher, err := NewBruteSearcher([]float32{1, 0, 0}, 1, 3)
	require.NoError(t, err)
	victim := &LoadedArtifact{DocHash: "old", Searcher: searcher}

	require.NoError(t, cache.Set("old", victim, 1))
	require.NoError(t, cache.Set("new", newTestArtifact("new"), 1))

	assert.False(t, cache.Has("old"))
	_, err = searcher.Search([]float32{1, 0, 0}, 1, nil)
	assert.Error(t, err, "被逐出产物的检索器必须已被关闭")
}

func TestArtifactCache_ZeroLimitsDisableEviction(t *testing.T) {
	cache := NewArtifactCache(0, 0, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, cache.Set(fmt.Sprintf("d%d", i), newTestArtifact("x"), 1<<20))
	}
	assert.Equal(t, 100, cache.Len())
}
