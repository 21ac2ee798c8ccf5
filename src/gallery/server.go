package gallery

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"bluranything-server-go/src/configs"
	coreimage "bluranything-server-go/src/core/image"
	"bluranything-server-go/src/core/utils"
	"bluranything-server-go/src/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// DefaultGalleryService 提供历史处理结果的查询与文件下载
type DefaultGalleryService struct {
	logger    *utils.Logger
	config    *configs.Config
	processor *coreimage.ImageProcessor
	db        *gorm.DB
}

func NewDefaultGalleryService(config *configs.Config, logger *utils.Logger, processor *coreimage.ImageProcessor, db *gorm.DB) *DefaultGalleryService {
	return &DefaultGalleryService{
		logger:    logger,
		config:    config,
		processor: processor,
		db:        db,
	}
}

// Start 注册图库相关路由
func (s *DefaultGalleryService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	apiGroup.GET("/gallery", s.handleList)
	apiGroup.GET("/gallery/:request_id", s.handleDetail)

	// 结果图片下载
	engine.GET("/uploads/:filename", s.handleDownload)

	s.logger.Info("Gallery HTTP服务路由注册完成")
	return nil
}

// handleList 返回最近的处理记录，按时间倒序
func (s *DefaultGalleryService) handleList(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "数据库未启用"})
		return
	}

	limit := utils.ParseIntDefault(c.Query("limit"), 50)
	limit = utils.Clamp(limit, 1, 200)

	var records []models.ResultArtifact
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		s.logger.Error(fmt.Sprintf("查询处理记录失败: %v", err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "查询处理记录失败"})
		return
	}

	items := make([]gin.H, 0, len(records))
	for _, record := range records {
		items = append(items, s.recordToItem(record))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total": len(items), "items": items})
}

// handleDetail 按 request_id 查询单条记录
func (s *DefaultGalleryService) handleDetail(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "数据库未启用"})
		return
	}

	requestID := c.Param("request_id")
	var record models.ResultArtifact
	if err := s.db.Where("request_id = ?", requestID).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "记录不存在"})
			return
		}
		s.logger.Error(fmt.Sprintf("查询处理记录失败: %v", err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "查询处理记录失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "item": s.recordToItem(record)})
}

func (s *DefaultGalleryService) recordToItem(record models.ResultArtifact) gin.H {
	item := gin.H{
		"request_id":    record.RequestID,
		"source_name":   record.SourceName,
		"model_variant": record.ModelVariant,
		"strength":      record.Strength,
		"blurred":       record.Blurred,
		"detections":    record.Detections,
		"result_image":  "/uploads/" + filepath.Base(record.ResultPath),
		"created_at":    record.CreatedAt,
	}
	if record.AnnotatedPath != "" {
		item["annotated_image"] = "/uploads/" + filepath.Base(record.AnnotatedPath)
	}
	return item
}

// handleDownload 下载结果图片，禁止路径穿越
func (s *DefaultGalleryService) handleDownload(c *gin.Context) {
	fname := filepath.Base(c.Param("filename"))
	if fname == "." || fname == ".." || strings.ContainsAny(fname, `/\`) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "非法文件名"})
		return
	}

	p := filepath.Join(s.processor.OutputDir(), fname)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "file not found"})
		return
	}

	switch strings.ToLower(filepath.Ext(fname)) {
	case ".jpg", ".jpeg":
		c.Header("Content-Type", "image/jpeg")
	case ".png":
		c.Header("Content-Type", "image/png")
	default:
		c.Header("Content-Type", "application/octet-stream")
		c.Header("Content-Disposition", "attachment; filename="+fname)
	}
	c.File(p)
}
