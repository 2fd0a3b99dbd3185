package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/config"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/index"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/model"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/repository"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/embedding"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/extract"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/log"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/storage"
)

// Workers 封装了五个阶段 worker 的全部依赖。
// 每个 worker 都是一次纯转换：读输入产物、写输出产物、推进文档状态、入队下一阶段。
// worker 自身不做任何重试；任何错误都把文档标记为 failed 并原样抛回给队列。
type Workers struct {
	indexCfg     config.IndexConfig
	embCfg       config.EmbeddingConfig
	store        storage.ObjectStore
	extractor    extract.Extractor
	embedder     embedding.Client
	docRepo      repository.DocumentRepository
	artifactRepo repository.IndexArtifactRepository
	progress     repository.ProgressRepository
	queue        Enqueuer
}

// NewWorkers 创建一组阶段 worker。
func NewWorkers(
	indexCfg config.IndexConfig,
	embCfg config.EmbeddingConfig,
	store storage.ObjectStore,
	extractor extract.Extractor,
	embedder embedding.Client,
	docRepo repository.DocumentRepository,
	artifactRepo repository.IndexArtifactRepository,
	progress repository.ProgressRepository,
	queue Enqueuer,
) *Workers {
	return &Workers{
		indexCfg:     indexCfg,
		embCfg:       embCfg,
		store:        store,
		extractor:    extractor,
		embedder:     embedder,
		docRepo:      docRepo,
		artifactRepo: artifactRepo,
		progress:     progress,
		queue:        queue,
	}
}

// HandlerFor 返回某个阶段的处理函数（带失败标记包装）。
func (w *Workers) HandlerFor(stage string) StageHandler {
	var inner StageHandler
	switch stage {
	case StageManifest:
		inner = w.handleManifest
	case StageExtract:
		inner = w.handleExtract
	case StageChunk:
		inner = w.handleChunk
	case StageEmbed:
		inner = w.handleEmbed
	case StageSummary:
		inner = w.handleSummary
	default:
		return func(ctx context.Context, task StageTask) error {
			return fmt.Errorf("未知的流水线阶段: %s", stage)
		}
	}
	return w.guard(inner)
}

// guard 把任意阶段错误落到文档上再抛回队列：文档置 failed 并记录错误信息，
// 随后错误原样返回，由消费者的重试/退避策略决定是否再次尝试。
func (w *Workers) guard(inner StageHandler) StageHandler {
	return func(ctx context.Context, task StageTask) error {
		if err := inner(ctx, task); err != nil {
			if updErr := w.docRepo.UpdateStatus(task.DocumentID, model.DocStatusFailed, err.Error()); updErr != nil {
				log.Errorf("[Workers] 标记文档失败状态时出错 (docID=%d): %v", task.DocumentID, updErr)
			}
			return err
		}
		return nil
	}
}

// TerminalFailure 在某阶段的重试次数耗尽后落终态：
// 产物记录置 FAILED、进度置 failed、释放构建锁（TTL 仍作兜底）。
func (w *Workers) TerminalFailure(ctx context.Context, task StageTask, cause error) {
	if err := w.artifactRepo.MarkFailed(task.DocHash); err != nil {
		log.Errorf("[Workers] 标记产物失败状态时出错 (docHash=%s): %v", task.DocHash, err)
	}
	if err := w.progress.WriteProgress(ctx, model.IndexProgressSnapshot{
		DocHash: task.DocHash,
		Phase:   model.PhaseFailed,
		Percent: 100,
		Message: cause.Error(),
	}); err != nil {
		log.Errorf("[Workers] 写入失败进度快照时出错 (docHash=%s): %v", task.DocHash, err)
	}
	if err := w.progress.ClearBuildLock(ctx, task.DocHash); err != nil {
		log.Errorf("[Workers] 释放构建锁时出错 (docHash=%s): %v", task.DocHash, err)
	}
}

// handleManifest 校验原始文件存在，推进文档状态并启动抽取。
func (w *Workers) handleManifest(ctx context.Context, task StageTask) error {
	log.Infof("[Manifest] 开始处理, docHash=%s, file=%s", task.DocHash, task.FileName)

	info, err := w.store.StatObject(ctx, task.RawKey)
	if err != nil {
		return fmt.Errorf("原始文件不可用 (key=%s): %w", task.RawKey, err)
	}
	log.Infof("[Manifest] 原始文件就绪, 大小=%d字节", info.Size)

	if err := w.writeProgress(ctx, task.DocHash, model.PhaseManifest, 5, nil); err != nil {
		return err
	}
	if err := w.docRepo.UpdateStatus(task.DocumentID, model.DocStatusExtracting, ""); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}
	return w.queue.Enqueue(ctx, StageExtract, task)
}

// handleExtract 下载原始文件，经抽取服务得到分页文本并持久化。
func (w *Workers) handleExtract(ctx context.Context, task StageTask) error {
	log.Infof("[Extract] 开始抽取文本, docHash=%s", task.DocHash)

	raw, err := w.store.GetObject(ctx, task.RawKey)
	if err != nil {
		return fmt.Errorf("下载原始文件失败: %w", err)
	}
	defer raw.Close()

	pages, err := w.extractor.ExtractPages(ctx, raw, task.FileName)
	if err != nil {
		return fmt.Errorf("文本抽取失败: %w", err)
	}
	if len(pages) == 0 {
		return fmt.Errorf("抽取结果为空 (docHash=%s)", task.DocHash)
	}
	log.Infof("[Extract] 抽取完成, 共 %d 页", len(pages))

	keys := task.Keys()
	if err := index.WritePages(ctx, w.store, keys.ExtractedPages(), pages); err != nil {
		return err
	}

	if err := w.writeProgress(ctx, task.DocHash, model.PhaseManifest, 20, nil); err != nil {
		return err
	}
	if err := w.docRepo.UpdateStatus(task.DocumentID, model.DocStatusChunking, ""); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}

	next := task
	next.TotalPages = len(pages)
	return w.queue.Enqueue(ctx, StageChunk, next)
}

// handleChunk 把每页文本切成带重叠的定长窗口，生成稳定序号的分块记录。
func (w *Workers) handleChunk(ctx context.Context, task StageTask) error {
	log.Infof("[Chunk] 开始切块, docHash=%s, chunkSize=%d, overlap=%d",
		task.DocHash, w.indexCfg.ChunkSize, w.indexCfg.ChunkOverlap)

	keys := task.Keys()
	pages, err := index.ReadPages(ctx, w.store, keys.ExtractedPages())
	if err != nil {
		return err
	}

	chunks := make([]model.ChunkRecord, 0, len(pages))
	ordinal := 0
	for _, page := range pages {
		for _, win := range SplitWindows(page.Text, w.indexCfg.ChunkSize, w.indexCfg.ChunkOverlap) {
			chunks = append(chunks, model.ChunkRecord{
				ChunkID:     model.ChunkIDFor(task.DocHash, ordinal),
				FileID:      task.DocumentID,
				Page:        page.Number,
				Offset:      win.Offset,
				Length:      win.Length,
				ContentHash: model.HashChunkText(win.Text),
				Text:        win.Text,
			})
			ordinal++
		}
	}
	if len(chunks) == 0 {
		return fmt.Errorf("未生成任何文本分块 (docHash=%s)", task.DocHash)
	}
	log.Infof("[Chunk] 切块完成, 共生成 %d 个分块", len(chunks))

	if err := index.WriteChunks(ctx, w.store, keys.Chunks(), chunks); err != nil {
		return err
	}

	if err := w.writeProgress(ctx, task.DocHash, model.PhaseEmbedding, 30, nil); err != nil {
		return err
	}
	if err := w.docRepo.UpdateStatus(task.DocumentID, model.DocStatusEmbedding, ""); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}

	next := task
	next.TotalChunks = len(chunks)
	return w.queue.Enqueue(ctx, StageEmbed, next)
}

// handleEmbed 分批向量化所有分块，写入扁平矩阵；分块足够多时再构建近似搜索索引。
func (w *Workers) handleEmbed(ctx context.Context, task StageTask) error {
	keys := task.Keys()
	chunks, err := index.ReadChunks(ctx, w.store, keys.Chunks())
	if err != nil {
		return err
	}

	batchSize := w.embCfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	totalBatches := (len(chunks) + batchSize - 1) / batchSize
	log.Infof("[Embed] 开始向量化, docHash=%s, 分块数=%d, 批次数=%d", task.DocHash, len(chunks), totalBatches)

	vectors := make([][]float32, 0, len(chunks))
	started := time.Now()
	for b := 0; b < totalBatches; b++ {
		lo := b * batchSize
		hi := lo + batchSize
		if hi > len(chunks) {
			hi = len(chunks)
		}
		texts := make([]string, 0, hi-lo)
		for _, c := range chunks[lo:hi] {
			texts = append(texts, c.Text)
		}

		batchVectors, err := w.embedder.CreateEmbeddings(ctx, texts)
		if err != nil {
			return fmt.Errorf("批次 %d/%d 向量化失败: %w", b+1, totalBatches, err)
		}
		vectors = append(vectors, batchVectors...)

		done := b + 1
		batch := batchProgress{done: done, total: totalBatches, started: started}
		if err := w.writeProgress(ctx, task.DocHash, model.PhaseEmbedding, 30+60*done/totalBatches, &batch); err != nil {
			return err
		}
	}

	dims := w.embedder.Dimensions()
	if dims == 0 && len(vectors) > 0 {
		dims = len(vectors[0])
	}

	encoded, err := index.EncodeEmbeddings(vectors, dims)
	if err != nil {
		return err
	}
	if err := w.store.PutObject(ctx, keys.Embeddings(), bytesReader(encoded), int64(len(encoded)), "application/octet-stream"); err != nil {
		return err
	}

	// 小文档直接用暴力扫描即可，只有分块数达到阈值才值得建图
	hasHnsw := len(chunks) >= w.indexCfg.HnswMinChunks
	if hasHnsw {
		graph := index.BuildHnswGraph(vectors)
		graphData, err := index.ExportHnswGraph(graph)
		if err != nil {
			return err
		}
		if err := w.store.PutObject(ctx, keys.HnswIndex(), bytesReader(graphData), int64(len(graphData)), "application/octet-stream"); err != nil {
			return err
		}
		log.Infof("[Embed] HNSW 索引已构建并持久化, docHash=%s", task.DocHash)
	}

	next := task
	next.TotalChunks = len(chunks)
	next.Dimensions = dims
	next.HasHnswIndex = hasHnsw
	return w.queue.Enqueue(ctx, StageSummary, next)
}

// handleSummary 写入定稿清单，把产物记录与文档推到终态，并释放构建锁。
func (w *Workers) handleSummary(ctx context.Context, task StageTask) error {
	log.Infof("[Summary] 开始写入构建清单, docHash=%s", task.DocHash)

	keys := task.Keys()
	chunks, err := index.ReadChunks(ctx, w.store, keys.Chunks())
	if err != nil {
		return err
	}

	if err := w.writeProgress(ctx, task.DocHash, model.PhaseFinalize, 95, nil); err != nil {
		return err
	}

	totalTokens := 0
	var textBytes int64
	for i := range chunks {
		totalTokens += utf8.RuneCountInString(chunks[i].Text) / 4
		textBytes += int64(len(chunks[i].Text))
	}
	bytesApprox := textBytes + int64(task.TotalChunks*task.Dimensions*4)

	rawSize := int64(0)
	if info, err := w.store.StatObject(ctx, task.RawKey); err == nil {
		rawSize = info.Size
	}

	now := time.Now().UTC()
	manifest := &model.Manifest{
		Version:   model.ManifestVersion,
		Schema:    model.ManifestSchema,
		DocHash:   task.DocHash,
		OrgID:     task.OrgID,
		TenderID:  task.TenderID,
		CreatedAt: now,
		UpdatedAt: now,
		Stats: model.ManifestStats{
			TotalChunks:    task.TotalChunks,
			TotalPages:     task.TotalPages,
			TotalTokens:    totalTokens,
			ChunkSize:      w.indexCfg.ChunkSize,
			ChunkOverlap:   w.indexCfg.ChunkOverlap,
			EmbeddingModel: w.embedder.ModelName(),
			Dimensions:     task.Dimensions,
		},
		Files: []model.ManifestFileEntry{{
			FileID:      task.DocumentID,
			Path:        task.FileName,
			ContentHash: task.DocHash,
			PageCount:   task.TotalPages,
			ByteSize:    rawSize,
			Skipped:     false,
		}},
		HasHnswIndex: task.HasHnswIndex,
	}
	if err := manifest.Seal(); err != nil {
		return err
	}
	if err := index.WriteManifest(ctx, w.store, keys.Manifest(), manifest); err != nil {
		return err
	}

	if err := w.artifactRepo.MarkReady(task.DocHash, keys.Manifest(), task.TotalChunks, task.TotalPages, bytesApprox); err != nil {
		return fmt.Errorf("更新产物记录失败: %w", err)
	}
	if err := w.docRepo.UpdateStatus(task.DocumentID, model.DocStatusReady, ""); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}
	if err := w.writeProgress(ctx, task.DocHash, model.PhaseReady, 100, nil); err != nil {
		return err
	}

	// 终态主动释放构建锁，TTL 只作为崩溃场景的兜底
	if err := w.progress.ClearBuildLock(ctx, task.DocHash); err != nil {
		log.Warnf("[Summary] 释放构建锁失败 (docHash=%s): %v", task.DocHash, err)
	}

	log.Infof("[Summary] 索引构建完成, docHash=%s, 分块=%d, 页数=%d", task.DocHash, task.TotalChunks, task.TotalPages)
	return nil
}

func bytesReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}

type batchProgress struct {
	done    int
	total   int
	started time.Time
}

// writeProgress 写入进度快照，batch 不为空时附带批次进度与 ETA。
func (w *Workers) writeProgress(ctx context.Context, docHash, phase string, percent int, batch *batchProgress) error {
	snapshot := model.IndexProgressSnapshot{
		DocHash: docHash,
		Phase:   phase,
		Percent: percent,
	}
	if batch != nil {
		snapshot.BatchesDone = batch.done
		snapshot.TotalBatches = batch.total
		if batch.done > 0 {
			elapsed := time.Since(batch.started)
			remaining := elapsed / time.Duration(batch.done) * time.Duration(batch.total-batch.done)
			snapshot.EtaSeconds = int(remaining.Seconds())
		}
	}
	if err := w.progress.WriteProgress(ctx, snapshot); err != nil {
		return fmt.Errorf("写入进度快照失败: %w", err)
	}
	return nil
}
