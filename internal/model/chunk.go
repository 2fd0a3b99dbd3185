package model

import (
	"crypto/md5"
	"fmt"
)

// ChunkRecord 表示文档抽取文本中的一个有界片段，是向量化和检索的基本单位。
// 每次构建一次性生成且不可变；重建会丢弃并重新生成全量分块。
type ChunkRecord struct {
	ChunkID     string `json:"chunkId"`
	FileID      uint   `json:"fileId"`
	Page        int    `json:"page"`
	Offset      int    `json:"offset"`
	Length      int    `json:"length"`
	ContentHash string `json:"contentHash"`
	Text        string `json:"text,omitempty"`
}

// ChunkIDFor 根据 docHash 和稳定的序号派生确定性的分块标识。
func ChunkIDFor(docHash string, ordinal int) string {
	return fmt.Sprintf("%s:%d", docHash, ordinal)
}

// HashChunkText 计算分块文本的内容哈希，用于去重和调试。
func HashChunkText(text string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(text)))
}
