package pool

import (
	"fmt"
	"sync"

	"bluranything-server-go/src/configs"
	"bluranything-server-go/src/core/providers/detector"
	"bluranything-server-go/src/core/utils"
)

// DetectorFactory 按档位创建检测器实例的工厂
type DetectorFactory struct {
	providerType string
	config       *detector.Config
	logger       *utils.Logger
}

func (f *DetectorFactory) Create() (detector.Provider, error) {
	provider, err := detector.Create(f.providerType, f.config, f.logger)
	if err != nil {
		return nil, err
	}
	if err := provider.Initialize(); err != nil {
		provider.Cleanup()
		return nil, err
	}
	return provider, nil
}

func (f *DetectorFactory) Destroy(provider detector.Provider) error {
	return provider.Cleanup()
}

// Manager 管理所有档位的检测器资源池
type Manager struct {
	pools  map[string]*DetectorPool
	logger *utils.Logger
	mu     sync.RWMutex
}

// NewManager 根据配置为每个已配置的档位建立资源池
// 所有档位的权重在这里加载，缺失的权重在启动期即失败
func NewManager(config *configs.Config, logger *utils.Logger) (*Manager, error) {
	providerType, detectorCfg, err := config.SelectedDetector()
	if err != nil {
		return nil, err
	}

	poolSize := detectorCfg.PoolSize
	if poolSize < 1 {
		poolSize = 1
	}

	m := &Manager{
		pools:  make(map[string]*DetectorPool),
		logger: logger,
	}

	for _, variant := range []string{configs.VariantFast, configs.VariantAccurate} {
		factory := &DetectorFactory{
			providerType: detectorCfg.Type,
			config: &detector.Config{
				Variant:    variant,
				ModelPath:  detectorCfg.ModelPaths[variant],
				ConfigPath: detectorCfg.ConfigPaths[variant],
				InputSize:  detectorCfg.InputSize,
				Confidence: detectorCfg.Confidence,
				ModelName:  detectorCfg.ModelName,
				BaseURL:    detectorCfg.BaseURL,
				APIKey:     detectorCfg.APIKey,
			},
			logger: logger,
		}

		p, err := NewDetectorPool(factory, poolSize, poolSize*2, logger)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("初始化档位 %s 的检测器资源池失败: %w", variant, err)
		}
		m.pools[variant] = p
	}

	logger.Info(fmt.Sprintf("检测器资源池初始化完成: provider=%s(%s), 档位数=%d, 每档位实例数=%d",
		providerType, detectorCfg.Type, len(m.pools), poolSize))
	return m, nil
}

// Acquire 借出指定档位的检测器实例
func (m *Manager) Acquire(variant string) (detector.Provider, error) {
	m.mu.RLock()
	p, ok := m.pools[variant]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("不支持的模型档位: %s", variant)
	}
	return p.Get()
}

// Release 归还检测器实例
func (m *Manager) Release(provider detector.Provider) {
	if provider == nil {
		return
	}
	m.mu.RLock()
	p, ok := m.pools[provider.Variant()]
	m.mu.RUnlock()
	if !ok {
		provider.Cleanup()
		return
	}
	p.Put(provider)
}

// Close 关闭所有资源池
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for variant, p := range m.pools {
		p.Close()
		delete(m.pools, variant)
	}
}
