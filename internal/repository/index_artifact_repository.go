package repository

import (
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/model"
	"gorm.io/gorm"
)

// IndexArtifactRepository 定义了对 index_artifacts 表的数据操作接口。
// 不变量：每个 docHash 至多一行，由唯一索引保证。
type IndexArtifactRepository interface {
	FindByDocHash(docHash string) (*model.IndexArtifact, error)
	Create(artifact *model.IndexArtifact) error
	Save(artifact *model.IndexArtifact) error
	MarkReady(docHash string, storageKey string, totalChunks, totalPages int, bytesApprox int64) error
	MarkFailed(docHash string) error
}

type indexArtifactRepository struct {
	db *gorm.DB
}

// NewIndexArtifactRepository 创建一个新的 IndexArtifactRepository 实例。
func NewIndexArtifactRepository(db *gorm.DB) IndexArtifactRepository {
	return &indexArtifactRepository{db: db}
}

// FindByDocHash 按内容哈希查找索引产物记录。
func (r *indexArtifactRepository) FindByDocHash(docHash string) (*model.IndexArtifact, error) {
	var artifact model.IndexArtifact
	if err := r.db.Where("doc_hash = ?", docHash).First(&artifact).Error; err != nil {
		return nil, err
	}
	return &artifact, nil
}

// Create 新建一条索引产物记录。
func (r *indexArtifactRepository) Create(artifact *model.IndexArtifact) error {
	return r.db.Create(artifact).Error
}

// Save 整行更新一条索引产物记录。
func (r *indexArtifactRepository) Save(artifact *model.IndexArtifact) error {
	return r.db.Save(artifact).Error
}

// MarkReady 将产物记录置为 READY 并写入终态统计。
func (r *indexArtifactRepository) MarkReady(docHash string, storageKey string, totalChunks, totalPages int, bytesApprox int64) error {
	return r.db.Model(&model.IndexArtifact{}).Where("doc_hash = ?", docHash).
		Updates(map[string]interface{}{
			"status":       model.ArtifactStatusReady,
			"storage_key":  storageKey,
			"total_chunks": totalChunks,
			"total_pages":  totalPages,
			"bytes_approx": bytesApprox,
		}).Error
}

// MarkFailed 将产物记录置为 FAILED。
func (r *indexArtifactRepository) MarkFailed(docHash string) error {
	return r.db.Model(&model.IndexArtifact{}).Where("doc_hash = ?", docHash).
		Update("status", model.ArtifactStatusFailed).Error
}
