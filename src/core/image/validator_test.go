package image

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"bluranything-server-go/src/configs"
	"bluranything-server-go/src/core/types"
	"bluranything-server-go/src/core/utils"
)

func newTestValidator(t *testing.T, security configs.SecurityConfig) *ImageSecurityValidator {
	t.Helper()

	config := &configs.Config{}
	config.Log.LogDir = t.TempDir()
	config.Log.LogFile = "test.log"
	config.Log.LogLevel = "error"

	logger, err := utils.NewLogger(config)
	if err != nil {
		t.Fatalf("创建日志器失败: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	return NewImageSecurityValidator(&security, logger)
}

func defaultSecurity() configs.SecurityConfig {
	return configs.SecurityConfig{
		MaxFileSize:    5 * 1024 * 1024,
		MaxWidth:       4096,
		MaxHeight:      4096,
		MaxPixels:      4096 * 4096,
		AllowedFormats: []string{"jpeg", "jpg", "png", "bmp", "webp"},
		EnableDeepScan: true,
	}
}

// encodePNG 生成指定尺寸的纯色PNG
func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("编码PNG失败: %v", err)
	}
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"PNG签名", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}, "png"},
		{"JPEG签名", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "jpeg"},
		{"BMP签名", []byte{0x42, 0x4D, 0x00, 0x00}, "bmp"},
		{"GIF签名", []byte("GIF89a"), "gif"},
		{"WEBP完整签名", append([]byte("RIFF\x00\x00\x00\x00"), []byte("WEBP")...), "webp"},
		{"RIFF但不是WEBP", append([]byte("RIFF\x00\x00\x00\x00"), []byte("WAVE")...), ""},
		{"纯文本", []byte("hello world"), ""},
		{"空数据", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFormat(tt.data); got != tt.want {
				t.Errorf("DetectFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateImageDataAcceptsValidPNG(t *testing.T) {
	validator := newTestValidator(t, defaultSecurity())

	data := encodePNG(t, 64, 48)
	result := validator.ValidateImageData(ImageData{Data: data, Format: "png", Name: "test.png"})

	if !result.IsValid {
		t.Fatalf("有效PNG被拒绝: %v", result.Error)
	}
	if result.Width != 64 || result.Height != 48 {
		t.Errorf("尺寸 = %dx%d, want 64x48", result.Width, result.Height)
	}
	if result.Format != "png" {
		t.Errorf("格式 = %q, want png", result.Format)
	}
}

func TestValidateImageDataRejections(t *testing.T) {
	tests := []struct {
		name     string
		security configs.SecurityConfig
		data     func(t *testing.T) []byte
		format   string
	}{
		{
			name:     "空数据",
			security: defaultSecurity(),
			data:     func(t *testing.T) []byte { return nil },
		},
		{
			name: "文件过大",
			security: func() configs.SecurityConfig {
				s := defaultSecurity()
				s.MaxFileSize = 16
				return s
			}(),
			data: func(t *testing.T) []byte { return encodePNG(t, 32, 32) },
		},
		{
			name:     "不允许的格式",
			security: defaultSecurity(),
			data:     func(t *testing.T) []byte { return []byte("GIF89a....") },
			format:   "gif",
		},
		{
			name:     "伪装成图片的可执行文件",
			security: defaultSecurity(),
			data:     func(t *testing.T) []byte { return []byte{0x4D, 0x5A, 0x90, 0x00} },
			format:   "png",
		},
		{
			name:     "无法解码的数据",
			security: defaultSecurity(),
			data:     func(t *testing.T) []byte { return []byte("definitely not an image") },
			format:   "png",
		},
		{
			name: "尺寸超限",
			security: func() configs.SecurityConfig {
				s := defaultSecurity()
				s.MaxWidth = 10
				s.MaxHeight = 10
				return s
			}(),
			data: func(t *testing.T) []byte { return encodePNG(t, 32, 32) },
		},
		{
			name: "像素总数超限",
			security: func() configs.SecurityConfig {
				s := defaultSecurity()
				s.MaxPixels = 100
				return s
			}(),
			data: func(t *testing.T) []byte { return encodePNG(t, 32, 32) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator := newTestValidator(t, tt.security)
			result := validator.ValidateImageData(ImageData{Data: tt.data(t), Format: tt.format})

			if result.IsValid {
				t.Fatal("应当被拒绝但通过了验证")
			}
			if !errors.Is(result.Error, types.ErrInvalidImage) {
				t.Errorf("错误类型不符: %v", result.Error)
			}
		})
	}
}

func TestValidateImageDataSVGScripts(t *testing.T) {
	validator := newTestValidator(t, defaultSecurity())

	payload := []byte(`<svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script></svg>`)
	result := validator.ValidateImageData(ImageData{Data: payload})

	if result.IsValid {
		t.Fatal("含脚本的SVG应当被拒绝")
	}
	if result.SecurityRisk == "" {
		t.Error("应标记安全风险")
	}
}
