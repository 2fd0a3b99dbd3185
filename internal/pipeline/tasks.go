// Package pipeline 实现了文档索引构建流水线：阶段任务、队列客户端与各阶段 worker。
package pipeline

import (
	"fmt"

	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/storage"
)

// 流水线的五个阶段，每个阶段一个独立的 topic 和 worker。
const (
	StageManifest = "manifest"
	StageExtract  = "extract"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StageSummary  = "summary"
)

// Stages 按执行顺序列出所有阶段。
var Stages = []string{StageManifest, StageExtract, StageChunk, StageEmbed, StageSummary}

// StageTask 是在各阶段之间传递的任务载荷。
// 身份字段逐阶段原样携带；计数字段由上一阶段计算、供下一阶段做规划。
type StageTask struct {
	OrgID        uint   `json:"org_id"`
	TenderID     uint   `json:"tender_id"`
	DocumentID   uint   `json:"document_id"`
	DocHash      string `json:"doc_hash"`
	FileName     string `json:"file_name"`
	ContentType  string `json:"content_type"`
	RawKey       string `json:"raw_key"`
	TotalPages   int    `json:"total_pages,omitempty"`
	TotalChunks  int    `json:"total_chunks,omitempty"`
	Dimensions   int    `json:"dimensions,omitempty"`
	HasHnswIndex bool   `json:"has_hnsw_index,omitempty"`
}

// Keys 返回该任务对应文档的存储键布局。
func (t StageTask) Keys() storage.Keys {
	return storage.Keys{OrgID: t.OrgID, TenderID: t.TenderID, DocHash: t.DocHash}
}

// JobID 根据 (tenderId, docHash, stage) 派生任务身份，同一阶段内的重复提交据此去重。
func JobID(tenderID uint, docHash, stage string) string {
	return fmt.Sprintf("index:job:%d:%s:%s", tenderID, docHash, stage)
}

// attemptsKey 是某阶段任务的失败计数键。
func attemptsKey(stage, docHash string) string {
	return fmt.Sprintf("index:attempts:%s:%s", stage, docHash)
}
