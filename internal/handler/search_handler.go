package handler

import (
	"errors"
	"net/http"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/service"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/log"
	"github.com/gin-gonic/gin"
)

// SearchHandler 结构体定义了语义检索相关的处理器。
type SearchHandler struct {
	indexService service.IndexService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(indexService service.IndexService) *SearchHandler {
	return &SearchHandler{
		indexService: indexService,
	}
}

// searchRequest 是语义检索接口的请求体。
type searchRequest struct {
	TenderID uint   `json:"tenderId" binding:"required"`
	DocHash  string `json:"docHash" binding:"required"`
	Query    string `json:"query" binding:"required"`
	TopK     int    `json:"topK"`
}

// Search 是处理语义检索请求的 Gin 处理函数。
// POST /api/v1/search
func (h *SearchHandler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("[SearchHandler] 检索请求参数无效: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求参数"})
		return
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}
	log.Infof("[SearchHandler] 收到检索请求, tenderID=%d, docHash=%s, topK=%d", req.TenderID, req.DocHash, req.TopK)

	results, err := h.indexService.Search(c.Request.Context(), req.TenderID, req.DocHash, req.Query, req.TopK)
	if err != nil {
		if errors.Is(err, service.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
			return
		}
		log.Errorf("[SearchHandler] 检索服务返回错误, error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "检索失败"})
		return
	}

	log.Infof("[SearchHandler] 检索成功, docHash=%s, 返回 %d 条结果", req.DocHash, len(results))
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": results, "message": "success"})
}
