package index

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/coder/hnsw"
)

// Match 是一次向量检索的单条命中，Index 为分块序号。
type Match struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// Searcher 是向量检索的能力接口。
// 两种实现：基于图的近似索引（快、近似）和暴力线性扫描（精确，用于没有图索引的小文档）。
// 选用哪种由清单的 hasHnswIndex 标志在加载时决定，调用方不感知差异。
type Searcher interface {
	Dims() int
	// Search 返回按得分降序排列的至多 topK 条命中；filter 为 nil 时不过滤。
	Search(query []float32, topK int, filter func(index int) bool) ([]Match, error)
	Close() error
}

// ---- 近似索引实现 ----

type hnswSearcher struct {
	graph *hnsw.Graph[int]
	dims  int
}

// BuildHnswGraph 从逐块向量构建一个以分块序号为键的 HNSW 图。
func BuildHnswGraph(vectors [][]float32) *hnsw.Graph[int] {
	graph := hnsw.NewGraph[int]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25
	for i, vec := range vectors {
		graph.Add(hnsw.MakeNode(i, vec))
	}
	return graph
}

// ExportHnswGraph 将图序列化为字节流，供持久化到对象存储。
func ExportHnswGraph(graph *hnsw.Graph[int]) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := graph.Export(buf); err != nil {
		return nil, fmt.Errorf("导出 HNSW 图失败: %w", err)
	}
	return buf.Bytes(), nil
}

// NewHnswSearcher 从序列化的图字节流恢复一个近似检索器。
func NewHnswSearcher(data []byte, dims int) (Searcher, error) {
	graph := hnsw.NewGraph[int]()
	graph.Distance = hnsw.CosineDistance
	// Import 需要 io.ByteReader
	reader := bufio.NewReader(bytes.NewReader(data))
	if err := graph.Import(reader); err != nil {
		return nil, fmt.Errorf("导入 HNSW 图失败: %w", err)
	}
	return &hnswSearcher{graph: graph, dims: dims}, nil
}

func (s *hnswSearcher) Dims() int {
	return s.dims
}

func (s *hnswSearcher) Search(query []float32, topK int, filter func(int) bool) ([]Match, error) {
	if s.graph == nil {
		return nil, fmt.Errorf("searcher 已关闭")
	}
	if len(query) != s.dims {
		return nil, fmt.Errorf("查询向量维度不匹配: %d != %d", len(query), s.dims)
	}
	if topK <= 0 || s.graph.Len() == 0 {
		return []Match{}, nil
	}

	// 带过滤时多取一些候选，再在结果上过滤
	fetch := topK
	if filter != nil {
		fetch = topK * 4
	}
	if fetch > s.graph.Len() {
		fetch = s.graph.Len()
	}

	nodes := s.graph.Search(query, fetch)
	matches := make([]Match, 0, topK)
	for _, node := range nodes {
		if filter != nil && !filter(node.Key) {
			continue
		}
		distance := s.graph.Distance(query, node.Value)
		matches = append(matches, Match{Index: node.Key, Score: 1 - distance})
		if len(matches) == topK {
			break
		}
	}
	return matches, nil
}

func (s *hnswSearcher) Close() error {
	s.graph = nil
	return nil
}

// ---- 暴力扫描实现 ----

type bruteSearcher struct {
	flat  []float32 // 行优先矩阵
	dims  int
	count int
}

// NewBruteSearcher 在扁平向量矩阵上创建一个精确的线性扫描检索器。
func NewBruteSearcher(flat []float32, count, dims int) (Searcher, error) {
	if dims <= 0 || len(flat) != count*dims {
		return nil, fmt.Errorf("矩阵形状不合法: len=%d, count=%d, dims=%d", len(flat), count, dims)
	}
	return &bruteSearcher{flat: flat, dims: dims, count: count}, nil
}

func (s *bruteSearcher) Dims() int {
	return s.dims
}

func (s *bruteSearcher) Search(query []float32, topK int, filter func(int) bool) ([]Match, error) {
	if s.flat == nil {
		return nil, fmt.Errorf("searcher 已关闭")
	}
	if len(query) != s.dims {
		return nil, fmt.Errorf("查询向量维度不匹配: %d != %d", len(query), s.dims)
	}
	if topK <= 0 {
		return []Match{}, nil
	}

	matches := make([]Match, 0, s.count)
	for i := 0; i < s.count; i++ {
		if filter != nil && !filter(i) {
			continue
		}
		row := s.flat[i*s.dims : (i+1)*s.dims]
		matches = append(matches, Match{Index: i, Score: cosineSimilarity(query, row)})
	}
	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *bruteSearcher) Close() error {
	s.flat = nil
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
