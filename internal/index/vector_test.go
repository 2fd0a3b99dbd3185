package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 三个相互正交的单位向量加一个与查询同向的向量，排名可以精确断言。
func testVectors() [][]float32 {
	return [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{0.9, 0.1, 0},
	}
}

func flatten(vectors [][]float32) []float32 {
	flat := make([]float32, 0, len(vectors)*len(vectors[0]))
	for _, v := range vectors {
		flat = append(flat, v...)
	}
	return flat
}

func TestBruteSearcher_RanksByCosineSimilarity(t *testing.T) {
	vectors := testVectors()
	s, err := NewBruteSearcher(flatten(vectors), len(vectors), 3)
	require.NoError(t, err)
	defer s.Close()

	matches, err := s.Search([]float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, 0, matches[0].Index)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Equal(t, 3, matches[1].Index)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestBruteSearcher_Filter(t *testing.T) {
	vectors := testVectors()
	s, err := NewBruteSearcher(flatten(vectors), len(vectors), 3)
	require.NoError(t, err)
	defer s.Close()

	// 过滤掉最相似的向量后，次优者上位
	matches, err := s.Search([]float32{1, 0, 0}, 10, func(i int) bool { return i != 0 })
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, 3, matches[0].Index)
}

func TestBruteSearcher_Validation(t *testing.T) {
	vectors := testVectors()
	s, err := NewBruteSearcher(flatten(vectors), len(vectors), 3)
	require.NoError(t, err)

	_, err = s.Search([]float32{1, 0}, 5, nil)
	assert.Error(t, err, "维度不匹配必须报错")

	matches, err := s.Search([]float32{1, 0, 0}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, s.Close())
	_, err = s.Search([]float32{1, 0, 0}, 5, nil)
	assert.Error(t, err, "关闭后的检索必须报错")
}

func TestNewBruteSearcher_RejectsBadShape(t *testing.T) {
	_, err := NewBruteSearcher([]float32{1, 2, 3}, 2, 2)
	assert.Error(t, err)
	_, err = NewBruteSearcher(nil, 0, 0)
	assert.Error(t, err)
}

func TestHnswSearcher_ExportImportRoundTrip(t *testing.T) {
	vectors := testVectors()
	graph := BuildHnswGraph(vectors)

	data, err := ExportHnswGraph(graph)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	s, err := NewHnswSearcher(data, 3)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 3, s.Dims())

	matches, err := s.Search([]float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, 0, matches[0].Index)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-5)
}

func TestHnswSearcher_FilterOverFetches(t *testing.T) {
	vectors := testVectors()
	graph := BuildHnswGraph(vectors)
	data, err := ExportHnswGraph(graph)
	require.NoError(t, err)

	s, err := NewHnswSearcher(data, 3)
	require.NoError(t, err)
	defer s.Close()

	matches, err := s.Search([]float32{1, 0, 0}, 1, func(i int) bool { return i != 0 })
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.NotEqual(t, 0, matches[0].Index)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, float32(0), cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
