package model

import "time"

// IndexArtifact 的状态。
const (
	ArtifactStatusBuilding = "BUILDING"
	ArtifactStatusReady    = "READY"
	ArtifactStatusFailed   = "FAILED"
)

// IndexArtifact 对应于数据库中的 index_artifacts 表。
// 每个 docHash 至多一行：内容相同的文档共享同一份索引产物。
type IndexArtifact struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	DocHash     string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"docHash"`
	OrgID       uint      `gorm:"not null" json:"orgId"`
	TenderID    uint      `gorm:"not null" json:"tenderId"`
	Version     int       `gorm:"not null;default:1" json:"version"`
	Status      string    `gorm:"type:varchar(20);not null" json:"status"`
	StorageKey  string    `gorm:"type:varchar(512)" json:"storageKey"`
	TotalChunks int       `gorm:"not null;default:0" json:"totalChunks"`
	TotalPages  int       `gorm:"not null;default:0" json:"totalPages"`
	BytesApprox int64     `gorm:"not null;default:0" json:"bytesApprox"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (IndexArtifact) TableName() string {
	return "index_artifacts"
}
