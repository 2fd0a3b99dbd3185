// Package handler 存放 Gin 的 HTTP 处理器。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/service"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/log"
	"github.com/gin-gonic/gin"
)

// IndexHandler 结构体定义了索引构建相关的处理器。
type IndexHandler struct {
	indexService service.IndexService
}

// NewIndexHandler 创建一个新的 IndexHandler 实例。
func NewIndexHandler(indexService service.IndexService) *IndexHandler {
	return &IndexHandler{
		indexService: indexService,
	}
}

// parseTenderID 解析路径中的 tenderId 参数。
func parseTenderID(c *gin.Context) (uint, bool) {
	tenderID, err := strconv.ParseUint(c.Param("tenderId"), 10, 32)
	if err != nil || tenderID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 tenderId 参数"})
		return 0, false
	}
	return uint(tenderID), true
}

// EnsureIndex 是触发索引构建的 Gin 处理函数。
// POST /api/v1/tenders/:tenderId/documents/:docHash/index?force=true
func (h *IndexHandler) EnsureIndex(c *gin.Context) {
	tenderID, ok := parseTenderID(c)
	if !ok {
		return
	}
	docHash := c.Param("docHash")
	if docHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 docHash 参数"})
		return
	}
	force := c.Query("force") == "true"

	log.Infof("[IndexHandler] 收到索引构建请求, tenderID=%d, docHash=%s, force=%v", tenderID, docHash, force)

	result, err := h.indexService.EnsureIndex(c.Request.Context(), tenderID, docHash, force)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDocumentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
		case errors.Is(err, service.ErrDocumentUnprocessable):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "文档缺少可索引的内容"})
		default:
			log.Errorf("[IndexHandler] 索引构建请求失败, docHash=%s, error: %v", docHash, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "索引构建请求失败"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 200, "data": result, "message": "success"})
}

// BuildStatus 查询产物的构建状态。
// GET /api/v1/tenders/:tenderId/documents/:docHash/index/status
func (h *IndexHandler) BuildStatus(c *gin.Context) {
	tenderID, ok := parseTenderID(c)
	if !ok {
		return
	}
	docHash := c.Param("docHash")

	result, err := h.indexService.BuildStatus(c.Request.Context(), tenderID, docHash)
	if err != nil {
		if errors.Is(err, service.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "索引产物不存在"})
			return
		}
		log.Errorf("[IndexHandler] 查询构建状态失败, docHash=%s, error: %v", docHash, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询构建状态失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 200, "data": result, "message": "success"})
}

// Progress 查询文档的构建进度快照，供前端轮询。
// GET /api/v1/tenders/:tenderId/documents/:docHash/index/progress
func (h *IndexHandler) Progress(c *gin.Context) {
	if _, ok := parseTenderID(c); !ok {
		return
	}
	docHash := c.Param("docHash")

	snapshot, err := h.indexService.Progress(c.Request.Context(), docHash)
	if err != nil {
		log.Errorf("[IndexHandler] 查询进度失败, docHash=%s, error: %v", docHash, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询进度失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 200, "data": snapshot, "message": "success"})
}

// ReleaseCache 将产物逐出内存缓存。
// DELETE /api/v1/index/cache/:docHash
func (h *IndexHandler) ReleaseCache(c *gin.Context) {
	docHash := c.Param("docHash")
	existed := h.indexService.ReleaseArtifact(docHash)
	log.Infof("[IndexHandler] 缓存逐出请求, docHash=%s, existed=%v", docHash, existed)
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{"existed": existed}, "message": "success"})
}
