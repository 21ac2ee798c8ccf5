package image

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"bluranything-server-go/src/configs"
	"bluranything-server-go/src/core/utils"

	"github.com/google/uuid"
)

// ImageProcessor 负责验证上传图片并把结果图片落盘
type ImageProcessor struct {
	config    *configs.Config
	validator *ImageSecurityValidator
	logger    *utils.Logger
	outputDir string
	metrics   *ImageMetrics
}

// NewImageProcessor 创建新的图片处理器
func NewImageProcessor(config *configs.Config, logger *utils.Logger) (*ImageProcessor, error) {
	outputDir := filepath.Join(config.Web.StaticDir, "inferences")
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %v", err)
	}

	validator := NewImageSecurityValidator(&config.Security, logger)

	return &ImageProcessor{
		config:    config,
		validator: validator,
		logger:    logger,
		outputDir: outputDir,
		metrics:   &ImageMetrics{},
	}, nil
}

// OutputDir 结果图片输出目录
func (p *ImageProcessor) OutputDir() string {
	return p.outputDir
}

// Validate 验证上传的图片数据并返回解码信息
func (p *ImageProcessor) Validate(imageData ImageData) (ValidationResult, error) {
	atomic.AddInt64(&p.metrics.TotalProcessed, 1)

	result := p.validator.ValidateImageData(imageData)
	if !result.IsValid {
		atomic.AddInt64(&p.metrics.FailedValidations, 1)
		if result.SecurityRisk != "" {
			atomic.AddInt64(&p.metrics.SecurityIncidents, 1)
			p.logger.Warn("检测到安全威胁", map[string]interface{}{
				"error":         result.Error.Error(),
				"security_risk": result.SecurityRisk,
				"format":        imageData.Format,
			})
		}
		return result, result.Error
	}

	p.logger.Debug("图片验证完成", map[string]interface{}{
		"format":    result.Format,
		"width":     result.Width,
		"height":    result.Height,
		"file_size": result.FileSize,
	})

	return result, nil
}

// NewArtifactName 生成唯一的结果文件名，命名由服务端决定，不采用上传文件名
func (p *ImageProcessor) NewArtifactName(suffix, format string) string {
	name := fmt.Sprintf("%d_%s", time.Now().UnixNano(), uuid.New().String())
	if suffix != "" {
		name += "_" + suffix
	}
	return name + "." + format
}

// SaveArtifact 把编码后的结果图片写入输出目录，返回落盘路径
func (p *ImageProcessor) SaveArtifact(data []byte, filename string) (string, error) {
	path := filepath.Join(p.outputDir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("保存结果图片失败: %v", err)
	}

	atomic.AddInt64(&p.metrics.SavedArtifacts, 1)
	p.logger.Info(fmt.Sprintf("结果图片已保存到: %s", path))
	return path, nil
}

// GetMetrics 获取处理统计信息
func (p *ImageProcessor) GetMetrics() ImageMetrics {
	return ImageMetrics{
		TotalProcessed:    atomic.LoadInt64(&p.metrics.TotalProcessed),
		SavedArtifacts:    atomic.LoadInt64(&p.metrics.SavedArtifacts),
		FailedValidations: atomic.LoadInt64(&p.metrics.FailedValidations),
		SecurityIncidents: atomic.LoadInt64(&p.metrics.SecurityIncidents),
	}
}

// Cleanup 清理输出目录中的过期结果文件
func (p *ImageProcessor) Cleanup(maxAge time.Duration) error {
	entries, err := os.ReadDir(p.outputDir)
	if err != nil {
		return fmt.Errorf("读取输出目录失败: %v", err)
	}

	now := time.Now()
	cleanedCount := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(p.outputDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) > maxAge {
			if err := os.Remove(filePath); err != nil {
				p.logger.Warn("删除过期结果文件失败", map[string]interface{}{
					"path":  filePath,
					"error": err.Error(),
				})
			} else {
				cleanedCount++
			}
		}
	}

	if cleanedCount > 0 {
		p.logger.Info("清理过期结果文件完成", map[string]interface{}{
			"cleaned_count": cleanedCount,
		})
	}

	return nil
}
