// Package extract 提供了一个与 Apache Tika 服务器交互的文本抽取客户端。
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/config"
)

// Page 表示从文档中抽取出的一页文本。
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Extractor 定义了文本抽取的能力接口，PDF 解析本身由外部服务完成。
type Extractor interface {
	ExtractPages(ctx context.Context, fileReader io.Reader, fileName string) ([]Page, error)
}

// Client 是 Tika 服务器的客户端。
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(cfg config.TikaConfig) *Client {
	return &Client{serverURL: cfg.ServerURL, httpClient: &http.Client{}}
}

// ExtractPages 调用 Tika 提取纯文本，并按换页符切分成页。
// Tika 对 PDF 等分页格式会在页与页之间输出 \f。
func (c *Client) ExtractPages(ctx context.Context, fileReader io.Reader, fileName string) ([]Page, error) {
	contentType := detectMimeType(fileName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+"/tika", fileReader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 Tika 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Tika 返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, fmt.Errorf("读取 Tika 响应失败: %w", err)
	}

	return SplitIntoPages(buf.String()), nil
}

// SplitIntoPages 按换页符切分文本并编号，跳过完全空白的页。
func SplitIntoPages(text string) []Page {
	parts := strings.Split(text, "\f")
	pages := make([]Page, 0, len(parts))
	num := 0
	for _, part := range parts {
		num++
		if strings.TrimSpace(part) == "" {
			continue
		}
		pages = append(pages, Page{Number: num, Text: part})
	}
	return pages
}

// detectMimeType 根据文件扩展名判断 Content-Type
func detectMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

var _ Extractor = (*Client)(nil)
