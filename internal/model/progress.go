package model

// 构建进度的阶段标签。
const (
	PhaseQueued    = "queued"
	PhaseManifest  = "manifest"
	PhaseEmbedding = "embedding"
	PhaseFinalize  = "finalize"
	PhaseReady     = "ready"
	PhaseFailed    = "failed"
)

// IndexProgressSnapshot 是单个文档的构建进度快照。
// 每次阶段切换整体覆盖写入，不保留历史，仅作状态缓存。
type IndexProgressSnapshot struct {
	DocHash      string `json:"docHash"`
	Phase        string `json:"phase"`
	Percent      int    `json:"percent"`
	BatchesDone  int    `json:"batchesDone,omitempty"`
	TotalBatches int    `json:"totalBatches,omitempty"`
	EtaSeconds   int    `json:"etaSeconds,omitempty"`
	Message      string `json:"message,omitempty"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// DefaultProgress 返回查询不到快照时的默认状态。
func DefaultProgress(docHash string) IndexProgressSnapshot {
	return IndexProgressSnapshot{
		DocHash: docHash,
		Phase:   PhaseQueued,
		Percent: 0,
	}
}
