package image

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"bluranything-server-go/src/configs"
	"bluranything-server-go/src/core/types"
	"bluranything-server-go/src/core/utils"

	_ "image/gif"  // 注册GIF解码器
	_ "image/jpeg" // 注册JPEG解码器
	_ "image/png"  // 注册PNG解码器

	_ "golang.org/x/image/bmp"  // 注册BMP解码器
	_ "golang.org/x/image/webp" // 注册WEBP解码器
)

// ImageSecurityValidator 图片安全验证器
type ImageSecurityValidator struct {
	config *configs.SecurityConfig
	logger *utils.Logger
}

// NewImageSecurityValidator 创建新的图片安全验证器
func NewImageSecurityValidator(config *configs.SecurityConfig, logger *utils.Logger) *ImageSecurityValidator {
	return &ImageSecurityValidator{
		config: config,
		logger: logger,
	}
}

// 图片格式魔数签名
var imageSignatures = map[string][]byte{
	"jpeg": {0xFF, 0xD8}, // JPEG文件只需要前两个字节
	"jpg":  {0xFF, 0xD8},
	"png":  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	"gif":  {0x47, 0x49, 0x46, 0x38},
	"webp": {0x52, 0x49, 0x46, 0x46}, // RIFF，需要进一步检查WEBP标识
	"bmp":  {0x42, 0x4D},
}

// DetectFormat 依据文件头推断图片格式，未知时返回空字符串
func DetectFormat(data []byte) string {
	for _, format := range []string{"png", "gif", "webp", "bmp", "jpeg"} {
		if matchSignature(data, format) {
			return format
		}
	}
	return ""
}

func matchSignature(data []byte, format string) bool {
	signature, exists := imageSignatures[format]
	if !exists || len(data) < len(signature) {
		return false
	}
	if !bytes.HasPrefix(data, signature) {
		return false
	}
	// WEBP需要额外验证RIFF后的标识
	if format == "webp" {
		return len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP"))
	}
	return true
}

// ValidateImageData 验证上传的图片数据
func (v *ImageSecurityValidator) ValidateImageData(imageData ImageData) ValidationResult {
	if len(imageData.Data) == 0 {
		return ValidationResult{
			IsValid: false,
			Error:   fmt.Errorf("%w: 图片数据为空", types.ErrInvalidImage),
		}
	}

	declaredFormat := imageData.Format
	if declaredFormat == "" {
		declaredFormat = DetectFormat(imageData.Data)
	}

	return v.deepValidateImage(imageData.Data, declaredFormat)
}

// deepValidateImage 深度验证图片
func (v *ImageSecurityValidator) deepValidateImage(data []byte, declaredFormat string) ValidationResult {
	result := ValidationResult{IsValid: false}

	// 1. 基础大小检查
	if int64(len(data)) > v.config.MaxFileSize {
		result.Error = fmt.Errorf("%w: 文件大小超限: %d bytes，最大允许: %d bytes",
			types.ErrInvalidImage, len(data), v.config.MaxFileSize)
		result.SecurityRisk = "文件过大，可能是DoS攻击"
		v.logger.Warn("检测到超大文件", map[string]interface{}{
			"size":     len(data),
			"max_size": v.config.MaxFileSize,
			"format":   declaredFormat,
		})
		return result
	}

	// 2. 格式支持检查
	if declaredFormat != "" && !v.isFormatAllowed(declaredFormat) {
		result.Error = fmt.Errorf("%w: 不支持的格式: %s", types.ErrInvalidImage, declaredFormat)
		result.SecurityRisk = "使用了不被允许的格式"
		return result
	}

	// 3. 恶意内容检测
	if v.config.EnableDeepScan && v.scanForMaliciousContent(data) {
		result.Error = fmt.Errorf("%w: 检测到潜在恶意内容", types.ErrInvalidImage)
		result.SecurityRisk = "可能包含恶意载荷"
		v.logger.Warn("检测到可疑内容", map[string]interface{}{
			"format": declaredFormat,
			"size":   len(data),
		})
		return result
	}

	// 4. 解码验证（最可靠的验证方式）
	decodeResult := v.validateImageDecoding(data, declaredFormat)
	if !decodeResult.IsValid && declaredFormat != "" && !matchSignature(data, strings.ToLower(declaredFormat)) {
		v.logger.Warn("文件头与声明格式不匹配", map[string]interface{}{
			"declared_format": declaredFormat,
			"actual_header":   fmt.Sprintf("%x", data[:min(len(data), 16)]),
		})
	}

	return decodeResult
}

// isFormatAllowed 检查格式是否被允许
func (v *ImageSecurityValidator) isFormatAllowed(format string) bool {
	formatLower := strings.ToLower(format)
	for _, allowedFormat := range v.config.AllowedFormats {
		if strings.ToLower(allowedFormat) == formatLower {
			return true
		}
	}
	return false
}

// scanForMaliciousContent 扫描恶意内容
// 能正常解码为图片的数据只做最基本的检查
func (v *ImageSecurityValidator) scanForMaliciousContent(data []byte) bool {
	executableSignatures := [][]byte{
		{0x4D, 0x5A},             // PE文件头 (MZ)
		{0x7F, 0x45, 0x4C, 0x46}, // ELF文件头
		{0xCA, 0xFE, 0xBA, 0xBE}, // Mach-O文件头
	}
	signatureNames := []string{"PE", "ELF", "Mach-O"}

	for i, signature := range executableSignatures {
		if bytes.HasPrefix(data, signature) {
			v.logger.Warn("文件开头检测到可执行文件签名", map[string]interface{}{
				"signature_type": signatureNames[i],
				"signature_hex":  fmt.Sprintf("%x", signature),
			})
			return true
		}
	}

	reader := bytes.NewReader(data)
	if _, _, err := image.DecodeConfig(reader); err == nil {
		// 可解码的图片跳过压缩文件检查
		return v.checkSVGScripts(data)
	}

	compressionSignatures := [][]byte{
		{0x50, 0x4B, 0x03, 0x04}, // ZIP文件头
		{0x1F, 0x8B, 0x08},       // GZIP文件头
	}
	compressionNames := []string{"ZIP", "GZIP"}

	for i, signature := range compressionSignatures {
		if bytes.HasPrefix(data, signature) {
			v.logger.Warn("文件开头检测到压缩文件签名", map[string]interface{}{
				"signature_type": compressionNames[i],
				"signature_hex":  fmt.Sprintf("%x", signature),
			})
			return true
		}
	}

	return v.checkSVGScripts(data)
}

// checkSVGScripts 检查SVG内嵌脚本
func (v *ImageSecurityValidator) checkSVGScripts(data []byte) bool {
	dataStrLower := strings.ToLower(string(data))
	if !strings.Contains(dataStrLower, "<svg") {
		return false
	}

	suspiciousStrings := []string{
		"<script",
		"javascript:",
		"vbscript:",
		"onload=",
		"onerror=",
		"eval(",
		"document.cookie",
		"window.location",
		"<iframe",
		"<object",
		"<embed",
	}

	for _, suspicious := range suspiciousStrings {
		if strings.Contains(dataStrLower, suspicious) {
			v.logger.Warn("在SVG中检测到可疑脚本内容", map[string]interface{}{
				"suspicious_content": suspicious,
			})
			return true
		}
	}

	return false
}

// validateImageDecoding 验证图片解码并检查尺寸限制
func (v *ImageSecurityValidator) validateImageDecoding(data []byte, format string) ValidationResult {
	result := ValidationResult{Format: format}
	reader := bytes.NewReader(data)

	config, actualFormat, err := image.DecodeConfig(reader)
	if err != nil {
		result.Error = fmt.Errorf("%w: 图片解码失败: %v", types.ErrInvalidImage, err)
		result.SecurityRisk = "可能包含恶意载荷或损坏的图片数据"
		return result
	}

	if actualFormat != "" {
		result.Format = actualFormat
	}

	if config.Width > v.config.MaxWidth || config.Height > v.config.MaxHeight {
		result.Error = fmt.Errorf("%w: 图片尺寸超限: %dx%d，最大允许: %dx%d",
			types.ErrInvalidImage, config.Width, config.Height, v.config.MaxWidth, v.config.MaxHeight)
		result.SecurityRisk = "图片过大，可能消耗过多资源"
		return result
	}

	totalPixels := int64(config.Width) * int64(config.Height)
	if totalPixels > v.config.MaxPixels {
		result.Error = fmt.Errorf("%w: 像素总数超限: %d，最大允许: %d",
			types.ErrInvalidImage, totalPixels, v.config.MaxPixels)
		result.SecurityRisk = "像素过多，可能导致内存耗尽"
		return result
	}

	result.IsValid = true
	result.Width = config.Width
	result.Height = config.Height
	result.FileSize = int64(len(data))

	v.logger.Debug("图片验证成功", map[string]interface{}{
		"format": result.Format,
		"width":  result.Width,
		"height": result.Height,
		"size":   result.FileSize,
	})

	return result
}
