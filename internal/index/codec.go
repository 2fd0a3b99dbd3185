// Package index 负责索引产物的编解码、进程内缓存与向量检索。
package index

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/model"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/extract"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/storage"
)

// 向量矩阵二进制格式: 4 字节魔数 "EMB1" + uint32 行数 + uint32 维度 + 行优先 float32，全部小端。
var embeddingMagic = []byte("EMB1")

// WritePages 将抽取出的分页文本以 gzip 压缩的 NDJSON 形式写入存储。
func WritePages(ctx context.Context, store storage.ObjectStore, key string, pages []extract.Page) error {
	data, err := encodeNDJSONGz(len(pages), func(i int) interface{} { return pages[i] })
	if err != nil {
		return fmt.Errorf("编码分页文本失败: %w", err)
	}
	return store.PutObject(ctx, key, bytes.NewReader(data), int64(len(data)), "application/gzip")
}

// ReadPages 从存储读取 gzip 压缩的分页文本。
func ReadPages(ctx context.Context, store storage.ObjectStore, key string) ([]extract.Page, error) {
	var pages []extract.Page
	err := decodeNDJSONGz(ctx, store, key, func(line []byte) error {
		var p extract.Page
		if err := json.Unmarshal(line, &p); err != nil {
			return err
		}
		pages = append(pages, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("读取分页文本失败 (key=%s): %w", key, err)
	}
	return pages, nil
}

// WriteChunks 将分块记录以 gzip 压缩的 NDJSON 形式写入存储。
func WriteChunks(ctx context.Context, store storage.ObjectStore, key string, chunks []model.ChunkRecord) error {
	data, err := encodeNDJSONGz(len(chunks), func(i int) interface{} { return chunks[i] })
	if err != nil {
		return fmt.Errorf("编码分块记录失败: %w", err)
	}
	return store.PutObject(ctx, key, bytes.NewReader(data), int64(len(data)), "application/gzip")
}

// ReadChunks 从存储读取 gzip 压缩的分块记录，顺序与写入时一致。
func ReadChunks(ctx context.Context, store storage.ObjectStore, key string) ([]model.ChunkRecord, error) {
	var chunks []model.ChunkRecord
	err := decodeNDJSONGz(ctx, store, key, func(line []byte) error {
		var c model.ChunkRecord
		if err := json.Unmarshal(line, &c); err != nil {
			return err
		}
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("读取分块记录失败 (key=%s): %w", key, err)
	}
	return chunks, nil
}

// WriteManifest 将定稿的清单以纯 JSON 写入存储。
func WriteManifest(ctx context.Context, store storage.ObjectStore, key string, manifest *model.Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化清单失败: %w", err)
	}
	return store.PutObject(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json")
}

// ReadManifest 从存储读取清单。
func ReadManifest(ctx context.Context, store storage.ObjectStore, key string) (*model.Manifest, error) {
	rc, err := store.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var manifest model.Manifest
	if err := json.NewDecoder(rc).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("解析清单失败 (key=%s): %w", key, err)
	}
	return &manifest, nil
}

// EncodeEmbeddings 将逐块向量编码为扁平的行优先矩阵二进制。
func EncodeEmbeddings(vectors [][]float32, dims int) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(embeddingMagic)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(vectors)))
	_ = binary.Write(buf, binary.LittleEndian, uint32(dims))
	for i, vec := range vectors {
		if len(vec) != dims {
			return nil, fmt.Errorf("第 %d 个向量维度不一致: %d != %d", i, len(vec), dims)
		}
		for _, v := range vec {
			_ = binary.Write(buf, binary.LittleEndian, math.Float32bits(v))
		}
	}
	return buf.Bytes(), nil
}

// DecodeEmbeddings 解码向量矩阵二进制，返回扁平矩阵、行数和维度。
func DecodeEmbeddings(data []byte) ([]float32, int, int, error) {
	if len(data) < 12 || !bytes.Equal(data[:4], embeddingMagic) {
		return nil, 0, 0, fmt.Errorf("无效的向量矩阵文件头")
	}
	count := int(binary.LittleEndian.Uint32(data[4:8]))
	dims := int(binary.LittleEndian.Uint32(data[8:12]))
	expected := 12 + count*dims*4
	if len(data) != expected {
		return nil, 0, 0, fmt.Errorf("向量矩阵长度不符: 期望 %d 字节, 实际 %d 字节", expected, len(data))
	}
	flat := make([]float32, count*dims)
	for i := range flat {
		bits := binary.LittleEndian.Uint32(data[12+i*4:])
		flat[i] = math.Float32frombits(bits)
	}
	return flat, count, dims, nil
}

// EncodeFloat16 将扁平 float32 矩阵压缩为 IEEE 754 半精度字节序列。
// 仅作为内存中的紧凑副本，检索计算仍使用 float32。
func EncodeFloat16(flat []float32) []byte {
	out := make([]byte, len(flat)*2)
	for i, v := range flat {
		binary.LittleEndian.PutUint16(out[i*2:], float32ToFloat16(v))
	}
	return out
}

// float32ToFloat16 做逢半进位舍入的单精度到半精度转换。
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xff) - 127 + 15
	mant := bits & 0x7fffff

	if exp >= 0x1f {
		// 溢出或 Inf/NaN
		if bits&0x7fffffff > 0x7f800000 {
			return sign | 0x7e00 // NaN
		}
		return sign | 0x7c00 // Inf
	}
	if exp <= 0 {
		// 次正规或下溢为零
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		if mant>>(shift-1)&1 == 1 {
			half++
		}
		return sign | half
	}
	half := sign | uint16(exp)<<10 | uint16(mant>>13)
	if mant&0x1000 != 0 {
		half++
	}
	return half
}

func encodeNDJSONGz(n int, item func(int) interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	gz := gzip.NewWriter(buf)
	enc := json.NewEncoder(gz)
	for i := 0; i < n; i++ {
		if err := enc.Encode(item(i)); err != nil {
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeNDJSONGz(ctx context.Context, store storage.ObjectStore, key string, each func(line []byte) error) error {
	rc, err := store.GetObject(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	// 单行可能包含整页文本，放宽扫描缓冲上限
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := each(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
