// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/model"
	"gorm.io/gorm"
)

// DocumentRepository 定义了对 documents 表的数据操作接口。
// 状态字段只会被流水线 worker 和编排器更新，遵循同一 docHash 内 last-writer-wins。
type DocumentRepository interface {
	Create(doc *model.Document) error
	FindByID(id uint) (*model.Document, error)
	FindByTenderAndHash(tenderID uint, docHash string) (*model.Document, error)
	UpdateStatus(id uint, status string, lastError string) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create 在数据库中创建一条文档记录。
func (r *documentRepository) Create(doc *model.Document) error {
	return r.db.Create(doc).Error
}

// FindByID 根据主键查找文档。
func (r *documentRepository) FindByID(id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.First(&doc, id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByTenderAndHash 根据招标项目与内容哈希查找文档。
func (r *documentRepository) FindByTenderAndHash(tenderID uint, docHash string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("tender_id = ? AND doc_hash = ?", tenderID, docHash).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// UpdateStatus 更新文档状态与最近一次错误信息。
func (r *documentRepository) UpdateStatus(id uint, status string, lastError string) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "last_error": lastError}).Error
}
