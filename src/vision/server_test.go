package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"bluranything-server-go/src/configs"
	"bluranything-server-go/src/core/pool"
	"bluranything-server-go/src/core/providers/detector"
	"bluranything-server-go/src/core/types"
	"bluranything-server-go/src/core/utils"

	"github.com/gin-gonic/gin"
	"gocv.io/x/gocv"
)

// stubProvider 固定返回一个 person 检测框
type stubProvider struct {
	variant string
}

func (s *stubProvider) Initialize() error { return nil }
func (s *stubProvider) Cleanup() error    { return nil }
func (s *stubProvider) Variant() string   { return s.variant }
func (s *stubProvider) Detect(ctx context.Context, img gocv.Mat) ([]types.Detection, error) {
	return []types.Detection{
		{
			Label:      "person",
			Confidence: 0.9,
			Box:        types.Box{XMin: 10, YMin: 10, XMax: 50, YMax: 50},
		},
	}, nil
}

func init() {
	detector.Register("stub", func(config *detector.Config, logger *utils.Logger) (detector.Provider, error) {
		return &stubProvider{variant: config.Variant}, nil
	})
}

func newTestConfig(t *testing.T) *configs.Config {
	t.Helper()
	config := &configs.Config{}
	config.Log.LogDir = t.TempDir()
	config.Log.LogFile = "test.log"
	config.Log.LogLevel = "error"
	config.Web.StaticDir = t.TempDir()
	config.Blur.DefaultStrength = 5
	config.Blur.MaxStrength = 50
	config.Security.MaxFileSize = 5 * 1024 * 1024
	config.Security.MaxWidth = 4096
	config.Security.MaxHeight = 4096
	config.Security.MaxPixels = 4096 * 4096
	config.Security.AllowedFormats = []string{"jpeg", "jpg", "png", "bmp", "webp"}
	config.SelectedModule = map[string]string{"Detector": "StubDetector"}
	config.Detector = map[string]configs.DetectorConfig{
		"StubDetector": {Type: "stub", PoolSize: 1},
	}
	return config
}

func newTestService(t *testing.T) (*DefaultVisionService, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	config := newTestConfig(t)
	logger, err := utils.NewLogger(config)
	if err != nil {
		t.Fatalf("创建日志器失败: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	pools, err := pool.NewManager(config, logger)
	if err != nil {
		t.Fatalf("创建检测器资源池失败: %v", err)
	}
	t.Cleanup(pools.Close)

	service, err := NewDefaultVisionService(config, logger, pools, nil)
	if err != nil {
		t.Fatalf("创建Vision服务失败: %v", err)
	}

	engine := gin.New()
	apiGroup := engine.Group("/api")
	if err := service.Start(context.Background(), engine, apiGroup); err != nil {
		t.Fatalf("注册路由失败: %v", err)
	}
	return service, engine
}

// testPNG 生成100x100的棋盘PNG
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			} else {
				img.Set(x, y, color.RGBA{A: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("编码PNG失败: %v", err)
	}
	return buf.Bytes()
}

func postImage(t *testing.T, engine *gin.Engine, imageData []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if imageData != nil {
		part, err := writer.CreateFormFile("file", "test.png")
		if err != nil {
			t.Fatalf("创建文件字段失败: %v", err)
		}
		part.Write(imageData)
	}
	for key, value := range fields {
		writer.WriteField(key, value)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestDetectWithoutBlurReturnsOriginalBytes(t *testing.T) {
	service, engine := newTestService(t)
	imageData := testPNG(t)

	w := postImage(t, engine, imageData, map[string]string{"model": "fast"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp DetectResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if !resp.Success {
		t.Errorf("success = false: %s", resp.Message)
	}
	if len(resp.Detections) != 1 || resp.Detections[0].Label != "person" {
		t.Errorf("检测结果不符: %+v", resp.Detections)
	}
	if resp.Blurred {
		t.Error("未请求模糊时 blurred 应为 false")
	}

	// 空过滤器：落盘结果与上传逐字节一致
	resultPath := filepath.Join(service.Processor().OutputDir(), filepath.Base(resp.ResultImage))
	saved, err := os.ReadFile(resultPath)
	if err != nil {
		t.Fatalf("读取结果文件失败: %v", err)
	}
	if !bytes.Equal(saved, imageData) {
		t.Error("空过滤器时结果文件应与上传图片逐字节一致")
	}
}

func TestDetectWithBlur(t *testing.T) {
	service, engine := newTestService(t)
	imageData := testPNG(t)

	w := postImage(t, engine, imageData, map[string]string{
		"model":    "fast",
		"labels":   "person",
		"strength": "5",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp DetectResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if !resp.Blurred {
		t.Error("命中标签时 blurred 应为 true")
	}
	// 检测列表不受模糊影响
	if len(resp.Detections) != 1 {
		t.Errorf("检测数 = %d, want 1", len(resp.Detections))
	}

	resultPath := filepath.Join(service.Processor().OutputDir(), filepath.Base(resp.ResultImage))
	saved, err := os.ReadFile(resultPath)
	if err != nil {
		t.Fatalf("读取结果文件失败: %v", err)
	}
	if bytes.Equal(saved, imageData) {
		t.Error("模糊后的结果不应与原图一致")
	}
}

func TestDetectNoMatchingLabelsReturnsOriginal(t *testing.T) {
	_, engine := newTestService(t)

	w := postImage(t, engine, testPNG(t), map[string]string{
		"model":  "fast",
		"labels": "cat",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp DetectResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if !resp.Success {
		t.Error("没有命中标签不应视为请求失败")
	}
	if resp.Blurred {
		t.Error("没有命中标签时不应执行模糊")
	}
	if resp.Message == "" {
		t.Error("没有命中标签时应返回警告信息")
	}
}

func TestDetectRejectsInvalidUpload(t *testing.T) {
	_, engine := newTestService(t)

	tests := []struct {
		name      string
		imageData []byte
		fields    map[string]string
	}{
		{
			name:      "缺少文件",
			imageData: nil,
			fields:    map[string]string{"model": "fast"},
		},
		{
			name:      "非图片数据",
			imageData: []byte("this is not an image"),
			fields:    map[string]string{"model": "fast"},
		},
		{
			name:      "非法模型档位",
			imageData: nil,
			fields:    map[string]string{"model": "gigantic"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postImage(t, engine, tt.imageData, tt.fields)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestDetectStatusEndpoint(t *testing.T) {
	_, engine := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/api/detect", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status字段 = %v, want ok", body["status"])
	}
}

func TestDetectAuthRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)

	config := newTestConfig(t)
	config.Server.Auth.Enabled = true
	config.Server.Auth.Tokens = []configs.TokenConfig{{Token: "test-secret"}}

	logger, err := utils.NewLogger(config)
	if err != nil {
		t.Fatalf("创建日志器失败: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	pools, err := pool.NewManager(config, logger)
	if err != nil {
		t.Fatalf("创建检测器资源池失败: %v", err)
	}
	t.Cleanup(pools.Close)

	service, err := NewDefaultVisionService(config, logger, pools, nil)
	if err != nil {
		t.Fatalf("创建Vision服务失败: %v", err)
	}

	engine := gin.New()
	if err := service.Start(context.Background(), engine, engine.Group("/api")); err != nil {
		t.Fatalf("注册路由失败: %v", err)
	}

	// 无token被拒绝
	w := postImage(t, engine, testPNG(t), map[string]string{"model": "fast"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("无token status = %d, want 401", w.Code)
	}

	// 合法token放行
	tokenString, err := service.authToken.GenerateToken("client-001")
	if err != nil {
		t.Fatalf("签发token失败: %v", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, _ := writer.CreateFormFile("file", "test.png")
	part.Write(testPNG(t))
	writer.WriteField("model", "fast")
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tokenString)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("合法token status = %d, body = %s", w.Code, w.Body.String())
	}
}
