package model

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"time"
)

// ManifestVersion 是当前清单格式的版本号，格式变更时递增。
const ManifestVersion = 2

// ManifestSchema 是清单的 schema 标签。
const ManifestSchema = "tender-doc-index"

// Manifest 是一次完成的索引构建的序列化描述，写入后不可变。
// 重建会生成一个全新的清单对象整体替换旧的，绝不做部分修改。
type Manifest struct {
	Version      int                 `json:"version"`
	Schema       string              `json:"schema"`
	DocHash      string              `json:"docHash"`
	OrgID        uint                `json:"orgId"`
	TenderID     uint                `json:"tenderId"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
	Stats        ManifestStats       `json:"stats"`
	Files        []ManifestFileEntry `json:"files"`
	HasHnswIndex bool                `json:"hasHnswIndex"`
	Checksum     string              `json:"checksum"`
}

// ManifestStats 汇总了一次构建的统计信息。
type ManifestStats struct {
	TotalChunks    int    `json:"totalChunks"`
	TotalPages     int    `json:"totalPages"`
	TotalTokens    int    `json:"totalTokens"`
	ChunkSize      int    `json:"chunkSize"`
	ChunkOverlap   int    `json:"chunkOverlap"`
	EmbeddingModel string `json:"embeddingModel"`
	Dimensions     int    `json:"dimensions"`
}

// ManifestFileEntry 描述清单中的一个源文件。
type ManifestFileEntry struct {
	FileID      uint   `json:"fileId"`
	Path        string `json:"path"`
	ContentHash string `json:"contentHash"`
	PageCount   int    `json:"pageCount"`
	ByteSize    int64  `json:"byteSize"`
	Skipped     bool   `json:"skipped"`
}

// ComputeChecksum 计算清单的完整性校验和（不含 Checksum 字段本身）。
// md5 在这里只用于完整性校验，不承担安全职责。
func (m *Manifest) ComputeChecksum() (string, error) {
	clone := *m
	clone.Checksum = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("序列化清单以计算校验和失败: %w", err)
	}
	return fmt.Sprintf("%x", md5.Sum(data)), nil
}

// Seal 填入校验和，调用后清单即视为定稿。
func (m *Manifest) Seal() error {
	sum, err := m.ComputeChecksum()
	if err != nil {
		return err
	}
	m.Checksum = sum
	return nil
}

// VerifyChecksum 校验清单的完整性。
func (m *Manifest) VerifyChecksum() (bool, error) {
	sum, err := m.ComputeChecksum()
	if err != nil {
		return false, err
	}
	return sum == m.Checksum, nil
}
