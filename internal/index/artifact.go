package index

import (
	"context"
	"fmt"
	"io"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/model"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/log"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/storage"
)

// LoadedArtifact 是一份已完整加载、可直接查询的索引产物。
// 构造完成后不再变更；重建文档时整体失效并重新加载。
type LoadedArtifact struct {
	DocHash    string
	Manifest   *model.Manifest
	Chunks     []model.ChunkRecord
	Embeddings []float32 // 行优先扁平矩阵，每块一行
	Compact    []byte    // 同一矩阵的半精度紧凑副本
	Dims       int
	FileNames  map[string]model.ManifestFileEntry // path → 展示元数据
	SizeBytes  int64                              // 近似内存占用，用于缓存淘汰记账
	Searcher   Searcher
}

// Close 释放产物附带的检索器资源。
func (a *LoadedArtifact) Close() error {
	if a.Searcher != nil {
		return a.Searcher.Close()
	}
	return nil
}

// Loader 从对象存储加载完整的索引产物。
type Loader struct {
	store storage.ObjectStore
}

// NewLoader 创建一个产物加载器。
func NewLoader(store storage.ObjectStore) *Loader {
	return &Loader{store: store}
}

// Load 拉取清单、分块与向量矩阵，按清单标志挑选检索器，组装成查询就绪的产物。
func (l *Loader) Load(ctx context.Context, keys storage.Keys) (*LoadedArtifact, error) {
	manifest, err := ReadManifest(ctx, l.store, keys.Manifest())
	if err != nil {
		return nil, fmt.Errorf("加载清单失败: %w", err)
	}
	if ok, err := manifest.VerifyChecksum(); err == nil && !ok {
		// 校验和不符不阻断加载，但要留下痕迹
		log.Warnf("[Loader] 清单校验和不符 (docHash=%s)", manifest.DocHash)
	}

	chunks, err := ReadChunks(ctx, l.store, keys.Chunks())
	if err != nil {
		return nil, err
	}

	embData, err := l.readAll(ctx, keys.Embeddings())
	if err != nil {
		return nil, fmt.Errorf("加载向量矩阵失败: %w", err)
	}
	flat, count, dims, err := DecodeEmbeddings(embData)
	if err != nil {
		return nil, err
	}
	if count != len(chunks) {
		return nil, fmt.Errorf("向量行数与分块数不一致: %d != %d", count, len(chunks))
	}

	// 检索器的选择是加载时决策，由清单标志驱动，查询路径不做类型分支
	var searcher Searcher
	if manifest.HasHnswIndex {
		graphData, err := l.readAll(ctx, keys.HnswIndex())
		if err != nil {
			return nil, fmt.Errorf("加载 HNSW 索引失败: %w", err)
		}
		searcher, err = NewHnswSearcher(graphData, dims)
		if err != nil {
			return nil, err
		}
	} else {
		searcher, err = NewBruteSearcher(flat, count, dims)
		if err != nil {
			return nil, err
		}
	}

	fileNames := make(map[string]model.ManifestFileEntry, len(manifest.Files))
	for _, entry := range manifest.Files {
		fileNames[entry.Path] = entry
	}

	compact := EncodeFloat16(flat)

	artifact := &LoadedArtifact{
		DocHash:    manifest.DocHash,
		Manifest:   manifest,
		Chunks:     chunks,
		Embeddings: flat,
		Compact:    compact,
		Dims:       dims,
		FileNames:  fileNames,
		Searcher:   searcher,
	}
	artifact.SizeBytes = approxSize(artifact)
	return artifact, nil
}

func (l *Loader) readAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := l.store.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// approxSize 估算产物的驻留内存，用于缓存淘汰记账。
func approxSize(a *LoadedArtifact) int64 {
	size := int64(len(a.Embeddings))*4 + int64(len(a.Compact))
	for i := range a.Chunks {
		size += int64(len(a.Chunks[i].Text)) + 96
	}
	return size
}
