package configs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// 模型档位：fast 优先速度，accurate 优先精度
const (
	VariantFast     = "fast"
	VariantAccurate = "accurate"
)

// TokenConfig Token配置
type TokenConfig struct {
	Token string `yaml:"token"`
}

// Config 主配置结构
type Config struct {
	Server struct {
		IP   string `yaml:"ip"`
		Port int    `yaml:"port"`
		Auth struct {
			Enabled bool          `yaml:"enabled"`
			Tokens  []TokenConfig `yaml:"tokens"`
		} `yaml:"auth"`
	} `yaml:"server"`

	Log struct {
		LogFormat string `yaml:"log_format"`
		LogLevel  string `yaml:"log_level"`
		LogDir    string `yaml:"log_dir"`
		LogFile   string `yaml:"log_file"`
	} `yaml:"log"`

	Web struct {
		Enabled   bool   `yaml:"enabled"`
		StaticDir string `yaml:"static_dir"` // 结果图片的输出目录
	} `yaml:"web"`

	SelectedModule map[string]string `yaml:"selected_module"`

	Detector map[string]DetectorConfig `yaml:"Detector"`

	Blur BlurConfig `yaml:"blur"`

	Security SecurityConfig `yaml:"security"`
}

// DetectorConfig 检测器配置结构
type DetectorConfig struct {
	Type        string                 `yaml:"type"`         // 检测器类型：dnn, vlllm
	ModelPaths  map[string]string      `yaml:"model_paths"`  // 档位 -> 权重文件路径
	ConfigPaths map[string]string      `yaml:"config_paths"` // 档位 -> 网络描述文件路径（dnn可选）
	InputSize   int                    `yaml:"input_size"`   // 网络输入边长（像素）
	Confidence  float64                `yaml:"confidence"`   // 置信度阈值
	ModelName   string                 `yaml:"model_name"`   // vlllm使用的模型名称
	BaseURL     string                 `yaml:"url"`          // vlllm的API地址
	APIKey      string                 `yaml:"api_key"`      // vlllm的API密钥
	PoolSize    int                    `yaml:"pool_size"`    // 每个档位预创建的实例数
	Extra       map[string]interface{} `yaml:",inline"`      // 额外配置
}

// BlurConfig 模糊引擎配置结构
type BlurConfig struct {
	DefaultStrength int `yaml:"default_strength"` // 默认模糊强度
	MaxStrength     int `yaml:"max_strength"`     // 允许的最大强度
}

// SecurityConfig 图片安全配置结构
type SecurityConfig struct {
	MaxFileSize    int64    `yaml:"max_file_size"`    // 最大文件大小（字节）
	MaxPixels      int64    `yaml:"max_pixels"`       // 最大像素数量
	MaxWidth       int      `yaml:"max_width"`        // 最大宽度
	MaxHeight      int      `yaml:"max_height"`       // 最大高度
	AllowedFormats []string `yaml:"allowed_formats"`  // 允许的图片格式
	EnableDeepScan bool     `yaml:"enable_deep_scan"` // 启用深度安全扫描
}

// ValidVariant 检查模型档位是否受支持
func ValidVariant(variant string) bool {
	return variant == VariantFast || variant == VariantAccurate
}

// ClampStrength 将请求的强度限制到配置允许的范围内
func (c *BlurConfig) ClampStrength(strength int) int {
	if strength < 0 {
		return 0
	}
	if c.MaxStrength > 0 && strength > c.MaxStrength {
		return c.MaxStrength
	}
	return strength
}

// LoadConfig 从文件加载配置
func LoadConfig() (*Config, string, error) {
	path := ".config.yaml"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, path, err
	}

	config.applyDefaults()
	return config, path, nil
}

// applyDefaults 填充缺省配置
func (c *Config) applyDefaults() {
	if c.Web.StaticDir == "" {
		c.Web.StaticDir = "static"
	}
	if c.Blur.DefaultStrength == 0 {
		c.Blur.DefaultStrength = 5
	}
	if c.Blur.MaxStrength == 0 {
		c.Blur.MaxStrength = 50
	}
	if c.Security.MaxFileSize == 0 {
		c.Security.MaxFileSize = 5 * 1024 * 1024
	}
	if c.Security.MaxWidth == 0 {
		c.Security.MaxWidth = 8192
	}
	if c.Security.MaxHeight == 0 {
		c.Security.MaxHeight = 8192
	}
	if c.Security.MaxPixels == 0 {
		c.Security.MaxPixels = int64(c.Security.MaxWidth) * int64(c.Security.MaxHeight)
	}
	if len(c.Security.AllowedFormats) == 0 {
		c.Security.AllowedFormats = []string{"jpeg", "jpg", "png", "bmp", "webp"}
	}
}

// SelectedDetector 返回 selected_module 指定的检测器配置
func (c *Config) SelectedDetector() (string, *DetectorConfig, error) {
	name := c.SelectedModule["Detector"]
	if name == "" {
		return "", nil, fmt.Errorf("selected_module 中未配置 Detector")
	}
	cfg, ok := c.Detector[name]
	if !ok {
		return "", nil, fmt.Errorf("未找到名为 %s 的 Detector 配置", name)
	}
	return name, &cfg, nil
}
