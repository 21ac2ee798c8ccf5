package detector

import (
	"fmt"

	"bluranything-server-go/src/core/providers"
	"bluranything-server-go/src/core/utils"
)

// Config 检测器配置结构
type Config struct {
	Variant    string  // 模型档位：fast/accurate
	ModelPath  string  // 权重文件路径（dnn）
	ConfigPath string  // 网络描述文件路径（dnn可选）
	InputSize  int     // 网络输入边长
	Confidence float64 // 置信度阈值
	ModelName  string  // 模型名称（vlllm）
	BaseURL    string  // API地址（vlllm）
	APIKey     string  // API密钥（vlllm）
}

// Provider 检测器提供者接口
type Provider interface {
	providers.DetectorProvider
}

// Factory 检测器工厂函数
type Factory func(config *Config, logger *utils.Logger) (Provider, error)

var factories = make(map[string]Factory)

// Register 注册检测器工厂
func Register(name string, factory Factory) {
	factories[name] = factory
}

// Create 根据类型创建检测器实例
func Create(name string, config *Config, logger *utils.Logger) (Provider, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("未注册的检测器类型: %s", name)
	}
	return factory(config, logger)
}
