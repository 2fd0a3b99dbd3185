// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/config"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/index"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/model"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/pipeline"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/repository"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/embedding"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/log"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/storage"
	"gorm.io/gorm"
)

// EnsureIndex 的三种返回状态。
const (
	StatusReady    = "READY"
	StatusBuilding = "BUILDING"
	StatusEnqueued = "ENQUEUED"
)

var (
	// ErrDocumentNotFound 表示文档不存在或不属于调用方的租户。
	ErrDocumentNotFound = errors.New("document not found")
	// ErrDocumentUnprocessable 表示文档缺少索引所需的存储坐标。
	ErrDocumentUnprocessable = errors.New("document has no storage coordinates")
)

// EnsureResult 是一次索引请求的结果。
type EnsureResult struct {
	Status   string               `json:"status"`
	Artifact *model.IndexArtifact `json:"artifact,omitempty"`
}

// SearchResult 是查询路径返回给上层的单条命中。
type SearchResult struct {
	DocHash  string  `json:"docHash"`
	FileName string  `json:"fileName"`
	ChunkID  string  `json:"chunkId"`
	Page     int     `json:"page"`
	Text     string  `json:"text"`
	Score    float32 `json:"score"`
}

// IndexService 是索引构建的编排入口和查询路径的门面。
type IndexService interface {
	EnsureIndex(ctx context.Context, tenderID uint, docHash string, forceRebuild bool) (*EnsureResult, error)
	BuildStatus(ctx context.Context, tenderID uint, docHash string) (*EnsureResult, error)
	Progress(ctx context.Context, docHash string) (model.IndexProgressSnapshot, error)
	ReleaseArtifact(docHash string) bool
	Search(ctx context.Context, tenderID uint, docHash, query string, topK int) ([]SearchResult, error)
}

type indexService struct {
	indexCfg     config.IndexConfig
	docRepo      repository.DocumentRepository
	artifactRepo repository.IndexArtifactRepository
	progress     repository.ProgressRepository
	queue        pipeline.Enqueuer
	loader       *index.Loader
	cache        *index.ArtifactCache
	embedder     embedding.Client
}

// NewIndexService 创建一个新的 IndexService 实例。
func NewIndexService(
	indexCfg config.IndexConfig,
	docRepo repository.DocumentRepository,
	artifactRepo repository.IndexArtifactRepository,
	progress repository.ProgressRepository,
	queue pipeline.Enqueuer,
	loader *index.Loader,
	cache *index.ArtifactCache,
	embedder embedding.Client,
) IndexService {
	return &indexService{
		indexCfg:     indexCfg,
		docRepo:      docRepo,
		artifactRepo: artifactRepo,
		progress:     progress,
		queue:        queue,
		loader:       loader,
		cache:        cache,
		embedder:     embedder,
	}
}

// EnsureIndex 是客户端需要某文档索引时的唯一入口。
// 决策顺序：图片短路 → READY 幂等短路 → 置 BUILDING → 抢构建锁 → 写初始进度 → 入队首个阶段。
func (s *indexService) EnsureIndex(ctx context.Context, tenderID uint, docHash string, forceRebuild bool) (*EnsureResult, error) {
	log.Infof("[EnsureIndex] 请求构建索引, tenderID=%d, docHash=%s, force=%v", tenderID, docHash, forceRebuild)

	doc, err := s.docRepo.FindByTenderAndHash(tenderID, docHash)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("查询文档失败: %w", err)
	}

	// 图片等不可索引内容：只存储、不切块不向量化，产物直接落 READY
	if doc.IsImage() {
		artifact, err := s.upsertTrivialReady(doc)
		if err != nil {
			return nil, err
		}
		if err := s.progress.WriteProgress(ctx, model.IndexProgressSnapshot{
			DocHash: docHash,
			Phase:   model.PhaseReady,
			Percent: 100,
			Message: "非文本内容，跳过索引",
		}); err != nil {
			return nil, err
		}
		log.Infof("[EnsureIndex] 图片类文档直接就绪, docHash=%s", docHash)
		return &EnsureResult{Status: StatusReady, Artifact: artifact}, nil
	}

	if doc.StorageKey == "" {
		return nil, ErrDocumentUnprocessable
	}

	artifact, err := s.artifactRepo.FindByDocHash(docHash)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询产物记录失败: %w", err)
	}

	// 幂等短路：已就绪且未要求重建时不产生任何队列流量，也不写进度
	if artifact != nil && artifact.Status == model.ArtifactStatusReady && !forceRebuild {
		return &EnsureResult{Status: StatusReady, Artifact: artifact}, nil
	}

	artifact, err = s.upsertBuilding(doc, artifact, forceRebuild)
	if err != nil {
		return nil, err
	}

	// 构建启动锁是全流程唯一的跨进程互斥点
	if forceRebuild {
		if err := s.progress.ClearBuildLock(ctx, docHash); err != nil {
			return nil, fmt.Errorf("清除旧构建锁失败: %w", err)
		}
		if err := s.queue.ClearJobMarks(ctx, tenderID, docHash); err != nil {
			return nil, fmt.Errorf("清除任务去重标记失败: %w", err)
		}
	}
	acquired, err := s.progress.AcquireBuildLock(ctx, docHash, s.indexCfg.LockTTL())
	if err != nil {
		return nil, fmt.Errorf("获取构建锁失败: %w", err)
	}
	if !acquired {
		// 已有流水线在跑，这不是错误：返回 BUILDING，避免重复构建
		log.Infof("[EnsureIndex] 构建锁被占用，已有流水线在运行, docHash=%s", docHash)
		return &EnsureResult{Status: StatusBuilding, Artifact: artifact}, nil
	}

	if err := s.progress.WriteProgress(ctx, model.IndexProgressSnapshot{
		DocHash: docHash,
		Phase:   model.PhaseQueued,
		Percent: 1,
	}); err != nil {
		return nil, err
	}

	task := pipeline.StageTask{
		OrgID:       doc.OrgID,
		TenderID:    doc.TenderID,
		DocumentID:  doc.ID,
		DocHash:     doc.DocHash,
		FileName:    doc.FileName,
		ContentType: doc.ContentType,
		RawKey:      doc.StorageKey,
	}
	if err := s.queue.Enqueue(ctx, pipeline.StageManifest, task); err != nil {
		return nil, err
	}

	return &EnsureResult{Status: StatusEnqueued, Artifact: artifact}, nil
}

// upsertTrivialReady 为不可索引内容创建或重置一条零分块的 READY 产物记录。
func (s *indexService) upsertTrivialReady(doc *model.Document) (*model.IndexArtifact, error) {
	artifact, err := s.artifactRepo.FindByDocHash(doc.DocHash)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("查询产物记录失败: %w", err)
		}
		artifact = &model.IndexArtifact{
			DocHash:  doc.DocHash,
			OrgID:    doc.OrgID,
			TenderID: doc.TenderID,
			Version:  1,
		}
		artifact.Status = model.ArtifactStatusReady
		if err := s.artifactRepo.Create(artifact); err != nil {
			return nil, fmt.Errorf("创建产物记录失败: %w", err)
		}
		return artifact, nil
	}

	artifact.Status = model.ArtifactStatusReady
	artifact.TotalChunks = 0
	artifact.TotalPages = 0
	artifact.BytesApprox = 0
	if err := s.artifactRepo.Save(artifact); err != nil {
		return nil, fmt.Errorf("重置产物记录失败: %w", err)
	}
	return artifact, nil
}

// upsertBuilding 创建或重置产物记录到 BUILDING，并用文档最新大小重算缓存淘汰权重。
func (s *indexService) upsertBuilding(doc *model.Document, artifact *model.IndexArtifact, forceRebuild bool) (*model.IndexArtifact, error) {
	if artifact == nil {
		artifact = &model.IndexArtifact{
			DocHash:     doc.DocHash,
			OrgID:       doc.OrgID,
			TenderID:    doc.TenderID,
			Version:     1,
			Status:      model.ArtifactStatusBuilding,
			BytesApprox: doc.SizeBytes,
		}
		if err := s.artifactRepo.Create(artifact); err != nil {
			return nil, fmt.Errorf("创建产物记录失败: %w", err)
		}
		return artifact, nil
	}

	if forceRebuild {
		artifact.Version++
	}
	artifact.Status = model.ArtifactStatusBuilding
	artifact.TotalChunks = 0
	artifact.TotalPages = 0
	artifact.BytesApprox = doc.SizeBytes
	if err := s.artifactRepo.Save(artifact); err != nil {
		return nil, fmt.Errorf("重置产物记录失败: %w", err)
	}
	return artifact, nil
}

// BuildStatus 返回产物的当前构建状态，供外层轮询。
func (s *indexService) BuildStatus(ctx context.Context, tenderID uint, docHash string) (*EnsureResult, error) {
	artifact, err := s.artifactRepo.FindByDocHash(docHash)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("查询产物记录失败: %w", err)
	}
	status := StatusBuilding
	if artifact.Status == model.ArtifactStatusReady {
		status = StatusReady
	} else if artifact.Status == model.ArtifactStatusFailed {
		status = model.ArtifactStatusFailed
	}
	return &EnsureResult{Status: status, Artifact: artifact}, nil
}

// Progress 返回文档的最新进度快照，不存在时返回默认的未知状态。
func (s *indexService) Progress(ctx context.Context, docHash string) (model.IndexProgressSnapshot, error) {
	snapshot, ok, err := s.progress.ReadProgress(ctx, docHash)
	if err != nil {
		return model.IndexProgressSnapshot{}, err
	}
	if !ok {
		return model.DefaultProgress(docHash), nil
	}
	return snapshot, nil
}

// ReleaseArtifact 强制失效缓存中的产物（例如重建之后），返回条目是否存在并被逐出。
func (s *indexService) ReleaseArtifact(docHash string) bool {
	return s.cache.Delete(docHash)
}

// Search 是查询路径：向量化查询文本，经缓存加载产物，交给检索器返回排序命中。
func (s *indexService) Search(ctx context.Context, tenderID uint, docHash, query string, topK int) ([]SearchResult, error) {
	doc, err := s.docRepo.FindByTenderAndHash(tenderID, docHash)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("查询文档失败: %w", err)
	}

	artifact, err := s.artifactRepo.FindByDocHash(docHash)
	if err != nil || artifact.Status != model.ArtifactStatusReady {
		return nil, fmt.Errorf("索引尚未就绪 (docHash=%s)", docHash)
	}

	loaded := s.cache.Get(docHash)
	if loaded == nil {
		keys := storage.Keys{OrgID: doc.OrgID, TenderID: doc.TenderID, DocHash: docHash}
		loaded, err = s.loader.Load(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("加载索引产物失败: %w", err)
		}
		if err := s.cache.Set(docHash, loaded, loaded.SizeBytes); err != nil {
			return nil, err
		}
	}

	queryVector, err := s.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询向量化失败: %w", err)
	}

	if topK <= 0 {
		topK = 10
	}
	matches, err := loaded.Searcher.Search(queryVector, topK, nil)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		if m.Index < 0 || m.Index >= len(loaded.Chunks) {
			continue
		}
		chunk := loaded.Chunks[m.Index]
		results = append(results, SearchResult{
			DocHash:  docHash,
			FileName: doc.FileName,
			ChunkID:  chunk.ChunkID,
			Page:     chunk.Page,
			Text:     chunk.Text,
			Score:    m.Score,
		})
	}
	return results, nil
}
