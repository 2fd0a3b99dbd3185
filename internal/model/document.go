// Package model 定义了与数据库表对应的 Go 结构体以及存储产物的序列化结构。
package model

import "time"

// Document 的状态流转: pending → extracting → chunking → embedding → ready，任一阶段失败则为 failed。
const (
	DocStatusPending    = "pending"
	DocStatusExtracting = "extracting"
	DocStatusChunking   = "chunking"
	DocStatusEmbedding  = "embedding"
	DocStatusReady      = "ready"
	DocStatusFailed     = "failed"
)

// Document 定义了 documents 表的 ORM 模型。
// 每条记录对应一个从上传中提取出来的文件，状态仅由流水线各阶段的 worker 推进。
type Document struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TenderID    uint      `gorm:"not null;index" json:"tenderId"`
	OrgID       uint      `gorm:"not null" json:"orgId"`
	DocHash     string    `gorm:"type:varchar(64);not null;index" json:"docHash"`
	FileName    string    `gorm:"type:varchar(255);not null" json:"fileName"`
	ContentType string    `gorm:"type:varchar(100)" json:"contentType"`
	StorageKey  string    `gorm:"type:varchar(512)" json:"storageKey"`
	SizeBytes   int64     `gorm:"not null;default:0" json:"sizeBytes"`
	Status      string    `gorm:"type:varchar(20);not null;default:pending" json:"status"`
	LastError   string    `gorm:"type:text" json:"lastError"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// IsImage 判断文档内容是否属于不可索引的图片类型。
// 图片会被存储但永远不会进入切块和向量化流程。
func (d *Document) IsImage() bool {
	const prefix = "image/"
	return len(d.ContentType) >= len(prefix) && d.ContentType[:len(prefix)] == prefix
}
