package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"bluranything-server-go/src/configs"
	"bluranything-server-go/src/core/auth"
	"bluranything-server-go/src/core/blur"
	coreimage "bluranything-server-go/src/core/image"
	"bluranything-server-go/src/core/pool"
	"bluranything-server-go/src/core/types"
	"bluranything-server-go/src/core/utils"
	"bluranything-server-go/src/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gocv.io/x/gocv"
	"gorm.io/gorm"
)

const (
	// 最大文件大小为5MB
	MAX_FILE_SIZE = 5 * 1024 * 1024
)

var boxColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}

type DefaultVisionService struct {
	logger    *utils.Logger
	config    *configs.Config
	pools     *pool.Manager
	processor *coreimage.ImageProcessor
	blurrer   *blur.Engine
	db        *gorm.DB
	authToken *auth.AuthToken
}

// NewDefaultVisionService 构造函数
func NewDefaultVisionService(config *configs.Config, logger *utils.Logger, pools *pool.Manager, db *gorm.DB) (*DefaultVisionService, error) {
	processor, err := coreimage.NewImageProcessor(config, logger)
	if err != nil {
		return nil, fmt.Errorf("创建图片处理器失败: %v", err)
	}

	service := &DefaultVisionService{
		logger:    logger,
		config:    config,
		pools:     pools,
		processor: processor,
		blurrer:   blur.NewEngine(logger),
		db:        db,
	}

	if config.Server.Auth.Enabled {
		if len(config.Server.Auth.Tokens) == 0 {
			return nil, fmt.Errorf("启用认证但未配置token")
		}
		service.authToken = auth.NewAuthToken(config.Server.Auth.Tokens[0].Token)
	}

	return service, nil
}

// Processor 返回图片处理器（供清理任务使用）
func (s *DefaultVisionService) Processor() *coreimage.ImageProcessor {
	return s.processor
}

// Start 实现 VisionService 接口，注册所有检测相关路由
func (s *DefaultVisionService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	apiGroup.GET("/detect", s.handleGet)
	apiGroup.POST("/detect", s.handlePost)
	apiGroup.OPTIONS("/detect", s.handleOptions)

	s.logger.Info("Vision HTTP服务路由注册完成")
	return nil
}

// handleOptions 处理OPTIONS请求（CORS）
func (s *DefaultVisionService) handleOptions(c *gin.Context) {
	s.addCORSHeaders(c)
	c.Status(http.StatusOK)
}

// handleGet 处理GET请求（状态检查）
func (s *DefaultVisionService) handleGet(c *gin.Context) {
	s.addCORSHeaders(c)

	metrics := s.processor.GetMetrics()
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"variants":           []string{configs.VariantFast, configs.VariantAccurate},
		"total_processed":    metrics.TotalProcessed,
		"saved_artifacts":    metrics.SavedArtifacts,
		"failed_validations": metrics.FailedValidations,
	})
}

// handlePost 处理POST请求（检测+可选模糊）
func (s *DefaultVisionService) handlePost(c *gin.Context) {
	s.addCORSHeaders(c)

	if s.authToken != nil {
		authResult, err := s.verifyAuth(c)
		if err != nil || !authResult.IsValid {
			s.respondError(c, http.StatusUnauthorized, "无效的认证token或token已过期")
			s.logger.Warn(fmt.Sprintf("Vision认证失败: %v", err))
			return
		}
	}

	req, err := s.parseMultipartRequest(c)
	if err != nil {
		s.respondError(c, http.StatusBadRequest, err.Error())
		s.logger.Warn(fmt.Sprintf("Vision请求解析失败: %v", err))
		return
	}

	s.logger.Debug("收到检测请求", map[string]interface{}{
		"client_id":  req.ClientID,
		"filename":   req.Filename,
		"variant":    req.Variant,
		"labels":     req.BlurLabels,
		"strength":   req.Strength,
		"image_size": len(req.Image),
	})

	response, err := s.processDetectRequest(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrInvalidImage) {
			status = http.StatusBadRequest
		}
		s.respondError(c, status, err.Error())
		s.logger.Warn(fmt.Sprintf("Vision请求处理失败: %v", err))
		return
	}

	s.logger.Info(fmt.Sprintf("检测请求处理完成: request_id=%s, 检测数=%d, blurred=%t",
		response.RequestID, len(response.Detections), response.Blurred))
	c.JSON(http.StatusOK, response)
}

// verifyAuth 验证认证token
func (s *DefaultVisionService) verifyAuth(c *gin.Context) (*AuthVerifyResult, error) {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, fmt.Errorf("缺少Bearer token")
	}

	token := authHeader[7:]
	isValid, clientID, err := s.authToken.VerifyToken(token)
	if err != nil || !isValid {
		return nil, fmt.Errorf("token校验失败: %w", err)
	}

	return &AuthVerifyResult{
		IsValid:  true,
		ClientID: clientID,
	}, nil
}

// parseMultipartRequest 解析multipart表单请求
func (s *DefaultVisionService) parseMultipartRequest(c *gin.Context) (*DetectRequest, error) {
	if err := c.Request.ParseMultipartForm(MAX_FILE_SIZE); err != nil {
		return nil, fmt.Errorf("%w: 解析multipart表单失败: %v", types.ErrInvalidImage, err)
	}

	variant := c.Request.FormValue("model")
	if variant == "" {
		variant = configs.VariantAccurate
	}
	if !configs.ValidVariant(variant) {
		return nil, fmt.Errorf("不支持的模型档位: %s，可选: %s, %s",
			variant, configs.VariantFast, configs.VariantAccurate)
	}

	strength := utils.ParseIntDefault(c.Request.FormValue("strength"), s.config.Blur.DefaultStrength)
	strength = s.config.Blur.ClampStrength(strength)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("%w: 缺少图片文件: %v", types.ErrInvalidImage, err)
	}
	defer file.Close()

	if header.Size > MAX_FILE_SIZE {
		return nil, fmt.Errorf("%w: 图片大小超过限制，最大允许%dMB", types.ErrInvalidImage, MAX_FILE_SIZE/1024/1024)
	}

	imageData, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取图片数据失败: %v", types.ErrInvalidImage, err)
	}
	if len(imageData) == 0 {
		return nil, fmt.Errorf("%w: 图片数据为空", types.ErrInvalidImage)
	}

	format := coreimage.DetectFormat(imageData)
	if format == "" {
		return nil, fmt.Errorf("%w: 不支持的文件格式，请上传有效的图片文件（支持JPEG、PNG、BMP、WEBP格式）", types.ErrInvalidImage)
	}

	return &DetectRequest{
		Image:      imageData,
		Filename:   filepath.Base(header.Filename),
		Format:     format,
		Variant:    variant,
		BlurLabels: utils.SplitLabels(c.Request.FormValue("labels")),
		Strength:   strength,
		ClientID:   c.GetHeader("Client-Id"),
	}, nil
}

// processDetectRequest 执行 检测 -> 过滤 -> 模糊 -> 落盘 的完整管道
func (s *DefaultVisionService) processDetectRequest(ctx context.Context, req *DetectRequest) (*DetectResponse, error) {
	// 安全验证
	if _, err := s.processor.Validate(coreimage.ImageData{
		Data:   req.Image,
		Format: req.Format,
		Name:   req.Filename,
	}); err != nil {
		return nil, err
	}

	// 解码
	mat, err := gocv.IMDecode(req.Image, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: 图片解码失败: %v", types.ErrInvalidImage, err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("%w: 解码后图片为空", types.ErrInvalidImage)
	}

	// 检测
	provider, err := s.pools.Acquire(req.Variant)
	if err != nil {
		return nil, err
	}
	defer s.pools.Release(provider)

	detections, err := provider.Detect(ctx, mat)
	if err != nil {
		return nil, err
	}
	// 对外输出的坐标必须落在图内
	detections = types.ClipAll(detections, mat.Cols(), mat.Rows())

	requestID := uuid.New().String()
	response := &DetectResponse{
		Success:    true,
		RequestID:  requestID,
		Detections: detections,
	}

	// 过滤与模糊
	// 不模糊时输出与输入逐字节一致，并保留源格式
	resultBytes := req.Image
	resultFormat := req.Format
	if len(req.BlurLabels) > 0 {
		selected := types.FilterByLabels(detections, req.BlurLabels)
		if len(selected) == 0 {
			// 决策：选中为空不是错误，返回原图并附带警告
			response.Message = fmt.Sprintf("标签 %s 没有命中任何检测结果，返回原图", strings.Join(req.BlurLabels, ","))
			s.logger.Warn(response.Message)
		} else {
			blurred, err := s.blurrer.ApplyToDetections(mat, selected, req.Strength)
			if err != nil {
				return nil, err
			}
			defer blurred.Close()

			resultBytes, err = encodeMat(blurred, req.Format)
			if err != nil {
				return nil, err
			}
			resultFormat = artifactFormat(req.Format)
			response.Blurred = true
		}
	}

	// 结果图片落盘
	resultName := s.processor.NewArtifactName("result", resultFormat)
	if _, err := s.processor.SaveArtifact(resultBytes, resultName); err != nil {
		return nil, err
	}
	response.ResultImage = "/uploads/" + resultName

	// 画框预览图
	annotatedName, err := s.saveAnnotated(mat, detections, req.Format)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("生成画框预览图失败: %v", err))
	} else {
		response.AnnotatedImage = "/uploads/" + annotatedName
	}

	// 记录入库
	if err := s.saveRecord(req, response, resultName); err != nil {
		s.logger.Warn(fmt.Sprintf("保存结果记录失败: %v", err))
	}

	return response, nil
}

// saveAnnotated 在副本上画出所有检测框并落盘
func (s *DefaultVisionService) saveAnnotated(mat gocv.Mat, detections []types.Detection, format string) (string, error) {
	annotated := mat.Clone()
	defer annotated.Close()

	for _, det := range detections {
		gocv.Rectangle(&annotated, det.Box.Rect(), boxColor, 2)
		label := fmt.Sprintf("%s %.2f", det.Label, det.Confidence)
		origin := det.Box.Rect().Min.Add(image.Pt(0, -6))
		gocv.PutText(&annotated, label, origin, gocv.FontHersheySimplex, 0.5, boxColor, 1)
	}

	data, err := encodeMat(annotated, format)
	if err != nil {
		return "", err
	}

	name := s.processor.NewArtifactName("annotated", artifactFormat(format))
	if _, err := s.processor.SaveArtifact(data, name); err != nil {
		return "", err
	}
	return name, nil
}

// saveRecord 把处理结果写入数据库
func (s *DefaultVisionService) saveRecord(req *DetectRequest, response *DetectResponse, resultName string) error {
	if s.db == nil {
		return nil
	}

	detectionsJSON, err := json.Marshal(response.Detections)
	if err != nil {
		return fmt.Errorf("序列化检测结果失败: %w", err)
	}

	annotatedPath := ""
	if response.AnnotatedImage != "" {
		annotatedPath = filepath.Join(s.processor.OutputDir(), strings.TrimPrefix(response.AnnotatedImage, "/uploads/"))
	}

	record := models.ResultArtifact{
		RequestID:     response.RequestID,
		SourceName:    req.Filename,
		ResultPath:    filepath.Join(s.processor.OutputDir(), resultName),
		AnnotatedPath: annotatedPath,
		ModelVariant:  req.Variant,
		Strength:      req.Strength,
		Detections:    detectionsJSON,
		Blurred:       response.Blurred,
	}
	return s.db.Create(&record).Error
}

// addCORSHeaders 添加CORS头
func (s *DefaultVisionService) addCORSHeaders(c *gin.Context) {
	c.Header("Access-Control-Allow-Headers", "client-id, content-type, authorization")
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
}

// respondError 返回错误响应
func (s *DefaultVisionService) respondError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, DetectResponse{
		Success: false,
		Message: message,
	})
}

// encodeMat 按源格式编码结果图片，非jpeg一律走png
func encodeMat(mat gocv.Mat, format string) ([]byte, error) {
	ext := gocv.PNGFileExt
	if format == "jpeg" || format == "jpg" {
		ext = gocv.JPEGFileExt
	}
	buf, err := gocv.IMEncode(ext, mat)
	if err != nil {
		return nil, fmt.Errorf("编码结果图片失败: %w", err)
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}

// artifactFormat 结果文件的扩展名
func artifactFormat(format string) string {
	if format == "jpeg" || format == "jpg" {
		return "jpg"
	}
	return "png"
}
