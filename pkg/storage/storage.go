// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
// 对流水线而言它是一个不透明的 get/put 键值存储，键由 Keys 统一派生。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrObjectNotFound 表示请求的对象在存储中不存在。
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectInfo 描述一个已存储对象的元数据。
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// ObjectStore 定义了流水线所需的对象存储能力接口。
type ObjectStore interface {
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	StatObject(ctx context.Context, key string) (ObjectInfo, error)
	RemoveObject(ctx context.Context, key string) error
}

// Keys 根据 org/tender/docHash 派生确定性的存储键布局。
// 布局: org/{orgId}/tender/{tenderId}/docs/{docHash}/{raw|extracted|chunks|summaries}/...
type Keys struct {
	OrgID    uint
	TenderID uint
	DocHash  string
}

// base 返回该文档所有派生产物的公共前缀。
func (k Keys) base() string {
	return fmt.Sprintf("org/%d/tender/%d/docs/%s", k.OrgID, k.TenderID, k.DocHash)
}

// Raw 返回原始上传文件的存储键。
func (k Keys) Raw(fileName string) string {
	return k.base() + "/raw/" + fileName
}

// ExtractedPages 返回抽取后分页文本的存储键（gzip 压缩的 NDJSON）。
func (k Keys) ExtractedPages() string {
	return k.base() + "/extracted/pages.ndjson.gz"
}

// Chunks 返回切块产物的存储键（gzip 压缩的 NDJSON）。
func (k Keys) Chunks() string {
	return k.base() + "/chunks/chunks.ndjson.gz"
}

// Manifest 返回构建清单的存储键（纯 JSON）。
func (k Keys) Manifest() string {
	return k.base() + "/summaries/manifest.json"
}

// Embeddings 返回向量矩阵的存储键。
func (k Keys) Embeddings() string {
	return k.base() + "/summaries/embeddings.f32"
}

// HnswIndex 返回导出的近似搜索索引的存储键。
func (k Keys) HnswIndex() string {
	return k.base() + "/summaries/index.hnsw"
}
