package service

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/config"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/index"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/model"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/pipeline"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// ---- 测试替身 ----

type fakeDocRepo struct {
	docs map[string]*model.Document // docHash → doc
}

func (r *fakeDocRepo) Create(doc *model.Document) error {
	r.docs[doc.DocHash] = doc
	return nil
}

func (r *fakeDocRepo) FindByID(id uint) (*model.Document, error) {
	for _, d := range r.docs {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeDocRepo) FindByTenderAndHash(tenderID uint, docHash string) (*model.Document, error) {
	d, ok := r.docs[docHash]
	if !ok || d.TenderID != tenderID {
		return nil, gorm.ErrRecordNotFound
	}
	return d, nil
}

func (r *fakeDocRepo) UpdateStatus(id uint, status, lastError string) error {
	for _, d := range r.docs {
		if d.ID == id {
			d.Status = status
			d.LastError = lastError
		}
	}
	return nil
}

type fakeArtifactRepo struct {
	artifacts map[string]*model.IndexArtifact
}

func (r *fakeArtifactRepo) FindByDocHash(docHash string) (*model.IndexArtifact, error) {
	a, ok := r.artifacts[docHash]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return a, nil
}

func (r *fakeArtifactRepo) Create(a *model.IndexArtifact) error {
	r.artifacts[a.DocHash] = a
	return nil
}

func (r *fakeArtifactRepo) Save(a *model.IndexArtifact) error {
	r.artifacts[a.DocHash] = a
	return nil
}

func (r *fakeArtifactRepo) MarkReady(docHash, storageKey string, totalChunks, totalPages int, bytesApprox int64) error {
	if a, ok := r.artifacts[docHash]; ok {
		a.Status = model.ArtifactStatusReady
	}
	return nil
}

func (r *fakeArtifactRepo) MarkFailed(docHash string) error {
	if a, ok := r.artifacts[docHash]; ok {
		a.Status = model.ArtifactStatusFailed
	}
	return nil
}

type fakeProgressRepo struct {
	mu        sync.Mutex
	snapshots []model.IndexProgressSnapshot
	lockHeld  bool
	cleared   int
}

func (r *fakeProgressRepo) WriteProgress(_ context.Context, s model.IndexProgressSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
	return nil
}

func (r *fakeProgressRepo) ReadProgress(_ context.Context, docHash string) (model.IndexProgressSnapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.snapshots) - 1; i >= 0; i-- {
		if r.snapshots[i].DocHash == docHash {
			return r.snapshots[i], true, nil
		}
	}
	return model.IndexProgressSnapshot{}, false, nil
}

func (r *fakeProgressRepo) AcquireBuildLock(_ context.Context, _ string, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockHeld {
		return false, nil
	}
	r.lockHeld = true
	return true, nil
}

func (r *fakeProgressRepo) ClearBuildLock(_ context.Context, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockHeld = false
	r.cleared++
	return nil
}

type fakeEnqueuer struct {
	enqueued     []string // stage 列表
	marksCleared int
}

func (q *fakeEnqueuer) Enqueue(_ context.Context, stage string, _ pipeline.StageTask) error {
	q.enqueued = append(q.enqueued, stage)
	return nil
}

func (q *fakeEnqueuer) ClearJobMarks(_ context.Context, _ uint, _ string) error {
	q.marksCleared++
	return nil
}

type fakeEmbedder struct{}

func (e *fakeEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (e *fakeEmbedder) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, 0, 0}
	}
	return vecs, nil
}

func (e *fakeEmbedder) Dimensions() int {
	return 3
}

func (e *fakeEmbedder) ModelName() string {
	return "fake-embedder"
}

// ---- 测试脚手架 ----

type serviceFixture struct {
	svc      IndexService
	docs     *fakeDocRepo
	arts     *fakeArtifactRepo
	progress *fakeProgressRepo
	queue    *fakeEnqueuer
	store    *storage.MemoryStore
	cache    *index.ArtifactCache
}

func newFixture() *serviceFixture {
	store := storage.NewMemoryStore()
	cache := index.NewArtifactCache(4, 0, func(a *index.LoadedArtifact, _ string) { a.Close() })
	docs := &fakeDocRepo{docs: make(map[string]*model.Document)}
	arts := &fakeArtifactRepo{artifacts: make(map[string]*model.IndexArtifact)}
	progress := &fakeProgressRepo{}
	queue := &fakeEnqueuer{}
	svc := NewIndexService(
		config.IndexConfig{ChunkSize: 100, HnswMinChunks: 1000},
		docs, arts, progress, queue,
		index.NewLoader(store), cache, &fakeEmbedder{},
	)
	return &serviceFixture{svc: svc, docs: docs, arts: arts, progress: progress, queue: queue, store: store, cache: cache}
}

func (f *serviceFixture) addDoc(docHash, contentType string) *model.Document {
	doc := &model.Document{
		ID: uint(len(f.docs.docs) + 1), TenderID: 10, OrgID: 5,
		DocHash: docHash, FileName: docHash + ".pdf", ContentType: contentType,
		StorageKey: "org/5/tender/10/docs/" + docHash + "/raw/" + docHash + ".pdf",
		SizeBytes:  4096, Status: model.DocStatusPending,
	}
	f.docs.docs[docHash] = doc
	return doc
}

// seedLoadedArtifact 往对象存储写一份可检索的产物并把数据库记录置 READY。
func (f *serviceFixture) seedLoadedArtifact(t *testing.T, docHash string) {
	t.Helper()
	ctx := context.Background()
	keys := storage.Keys{OrgID: 5, TenderID: 10, DocHash: docHash}

	chunks := []model.ChunkRecord{
		{ChunkID: model.ChunkIDFor(docHash, 0), Page: 1, Text: "投标保证金条款"},
		{ChunkID: model.ChunkIDFor(docHash, 1), Page: 2, Text: "资质审查要求"},
	}
	require.NoError(t, index.WriteChunks(ctx, f.store, keys.Chunks(), chunks))

	encoded, err := index.EncodeEmbeddings([][]float32{{1, 0, 0}, {0, 1, 0}}, 3)
	require.NoError(t, err)
	require.NoError(t, f.store.PutObject(ctx, keys.Embeddings(), readerOf(encoded), int64(len(encoded)), "application/octet-stream"))

	manifest := &model.Manifest{
		Version: model.ManifestVersion, Schema: model.ManifestSchema,
		DocHash: docHash, OrgID: 5, TenderID: 10,
		Stats: model.ManifestStats{TotalChunks: 2, TotalPages: 2, Dimensions: 3},
	}
	require.NoError(t, manifest.Seal())
	require.NoError(t, index.WriteManifest(ctx, f.store, keys.Manifest(), manifest))

	f.arts.artifacts[docHash] = &model.IndexArtifact{
		DocHash: docHash, OrgID: 5, TenderID: 10, Version: 1,
		Status: model.ArtifactStatusReady, TotalChunks: 2, TotalPages: 2,
	}
}

func readerOf(data []byte) io.Reader {
	return bytes.NewReader(data)
}

// ---- 测试 ----

func TestEnsureIndex_DocumentNotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.EnsureIndex(context.Background(), 10, "missing", false)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	// 属于别的招标项目的文档同样视为不存在
	f.addDoc("hash-1", "application/pdf")
	_, err = f.svc.EnsureIndex(context.Background(), 99, "hash-1", false)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestEnsureIndex_UnprocessableWithoutStorageKey(t *testing.T) {
	f := newFixture()
	doc := f.addDoc("hash-1", "application/pdf")
	doc.StorageKey = ""

	_, err := f.svc.EnsureIndex(context.Background(), 10, "hash-1", false)
	assert.ErrorIs(t, err, ErrDocumentUnprocessable)
}

func TestEnsureIndex_ImageShortCircuit(t *testing.T) {
	f := newFixture()
	f.addDoc("img-1", "image/png")

	result, err := f.svc.EnsureIndex(context.Background(), 10, "img-1", false)
	require.NoError(t, err)

	// 图片直接落 READY：零分块产物、终态进度，不进队列
	assert.Equal(t, StatusReady, result.Status)
	require.NotNil(t, result.Artifact)
	assert.Equal(t, model.ArtifactStatusReady, result.Artifact.Status)
	assert.Zero(t, result.Artifact.TotalChunks)
	assert.Empty(t, f.queue.enqueued)

	snap, ok, err := f.progress.ReadProgress(context.Background(), "img-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.PhaseReady, snap.Phase)
	assert.Equal(t, 100, snap.Percent)
}

func TestEnsureIndex_EnqueuesFreshBuild(t *testing.T) {
	f := newFixture()
	doc := f.addDoc("hash-1", "application/pdf")

	result, err := f.svc.EnsureIndex(context.Background(), 10, "hash-1", false)
	require.NoError(t, err)

	assert.Equal(t, StatusEnqueued, result.Status)
	require.NotNil(t, result.Artifact)
	assert.Equal(t, model.ArtifactStatusBuilding, result.Artifact.Status)
	assert.Equal(t, 1, result.Artifact.Version)
	assert.Equal(t, doc.SizeBytes, result.Artifact.BytesApprox)
	assert.Equal(t, []string{pipeline.StageManifest}, f.queue.enqueued)
	assert.True(t, f.progress.lockHeld)

	snap, ok, err := f.progress.ReadProgress(context.Background(), "hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.PhaseQueued, snap.Phase)
	assert.Equal(t, 1, snap.Percent)
}

func TestEnsureIndex_ReadyIsIdempotent(t *testing.T) {
	f := newFixture()
	f.addDoc("hash-1", "application/pdf")
	f.arts.artifacts["hash-1"] = &model.IndexArtifact{
		DocHash: "hash-1", Version: 1, Status: model.ArtifactStatusReady, TotalChunks: 7,
	}

	result, err := f.svc.EnsureIndex(context.Background(), 10, "hash-1", false)
	require.NoError(t, err)

	// 已就绪且未要求重建：原样返回，零队列流量，也不写进度
	assert.Equal(t, StatusReady, result.Status)
	assert.Equal(t, 7, result.Artifact.TotalChunks)
	assert.Empty(t, f.queue.enqueued)
	assert.Empty(t, f.progress.snapshots)
}

func TestEnsureIndex_LockHeldReturnsBuilding(t *testing.T) {
	f := newFixture()
	f.addDoc("hash-1", "application/pdf")
	f.progress.lockHeld = true

	result, err := f.svc.EnsureIndex(context.Background(), 10, "hash-1", false)
	require.NoError(t, err)

	assert.Equal(t, StatusBuilding, result.Status)
	assert.Empty(t, f.queue.enqueued, "抢不到锁时绝不能入队")
}

func TestEnsureIndex_ForceRebuild(t *testing.T) {
	f := newFixture()
	f.addDoc("hash-1", "application/pdf")
	f.arts.artifacts["hash-1"] = &model.IndexArtifact{
		DocHash: "hash-1", Version: 1, Status: model.ArtifactStatusReady, TotalChunks: 7,
	}
	// 模拟一条正在跑（或卡死）的旧流水线
	f.progress.lockHeld = true

	result, err := f.svc.EnsureIndex(context.Background(), 10, "hash-1", true)
	require.NoError(t, err)

	// 强制重建：清旧锁和去重标记、版本号递增、计数归零、重新入队
	assert.Equal(t, StatusEnqueued, result.Status)
	assert.Equal(t, 2, result.Artifact.Version)
	assert.Equal(t, model.ArtifactStatusBuilding, result.Artifact.Status)
	assert.Zero(t, result.Artifact.TotalChunks)
	assert.Equal(t, 1, f.queue.marksCleared)
	assert.Equal(t, 1, f.progress.cleared)
	assert.True(t, f.progress.lockHeld, "清锁之后必须重新持有新锁")
	assert.Equal(t, []string{pipeline.StageManifest}, f.queue.enqueued)
}

func TestBuildStatus(t *testing.T) {
	f := newFixture()
	_, err := f.svc.BuildStatus(context.Background(), 10, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	f.arts.artifacts["hash-1"] = &model.IndexArtifact{DocHash: "hash-1", Status: model.ArtifactStatusReady}
	result, err := f.svc.BuildStatus(context.Background(), 10, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, result.Status)

	f.arts.artifacts["hash-2"] = &model.IndexArtifact{DocHash: "hash-2", Status: model.ArtifactStatusBuilding}
	result, err = f.svc.BuildStatus(context.Background(), 10, "hash-2")
	require.NoError(t, err)
	assert.Equal(t, StatusBuilding, result.Status)

	f.arts.artifacts["hash-3"] = &model.IndexArtifact{DocHash: "hash-3", Status: model.ArtifactStatusFailed}
	result, err = f.svc.BuildStatus(context.Background(), 10, "hash-3")
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactStatusFailed, result.Status)
}

func TestProgress_DefaultsWhenMissing(t *testing.T) {
	f := newFixture()
	snap, err := f.svc.Progress(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseQueued, snap.Phase)
	assert.Equal(t, 0, snap.Percent)
	assert.Equal(t, "unknown", snap.DocHash)
}

func TestSearch_LoadsCachesAndRanks(t *testing.T) {
	f := newFixture()
	f.addDoc("hash-1", "application/pdf")
	f.seedLoadedArtifact(t, "hash-1")

	results, err := f.svc.Search(context.Background(), 10, "hash-1", "保证金", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// 查询向量与第一块同向，必须排在最前
	assert.Equal(t, model.ChunkIDFor("hash-1", 0), results[0].ChunkID)
	assert.Equal(t, 1, results[0].Page)
	assert.Contains(t, results[0].Text, "保证金")
	assert.Greater(t, results[0].Score, results[1].Score)

	// 首次检索后产物驻留缓存；删除底层对象后第二次检索仍然成功
	assert.True(t, f.cache.Has("hash-1"))
	keys := storage.Keys{OrgID: 5, TenderID: 10, DocHash: "hash-1"}
	require.NoError(t, f.store.RemoveObject(context.Background(), keys.Manifest()))
	results, err = f.svc.Search(context.Background(), 10, "hash-1", "保证金", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_NotReady(t *testing.T) {
	f := newFixture()
	f.addDoc("hash-1", "application/pdf")
	f.arts.artifacts["hash-1"] = &model.IndexArtifact{DocHash: "hash-1", Status: model.ArtifactStatusBuilding}

	_, err := f.svc.Search(context.Background(), 10, "hash-1", "q", 5)
	assert.Error(t, err)
}

func TestReleaseArtifact(t *testing.T) {
	f := newFixture()
	f.addDoc("hash-1", "application/pdf")
	f.seedLoadedArtifact(t, "hash-1")

	assert.False(t, f.svc.ReleaseArtifact("hash-1"), "未加载时无可逐出的条目")

	_, err := f.svc.Search(context.Background(), 10, "hash-1", "保证金", 1)
	require.NoError(t, err)

	assert.True(t, f.svc.ReleaseArtifact("hash-1"))
	assert.False(t, f.cache.Has("hash-1"))
	assert.False(t, f.svc.ReleaseArtifact("hash-1"))
}
