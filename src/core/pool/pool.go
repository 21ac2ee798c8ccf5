package pool

import (
	"fmt"
	"sync"

	"bluranything-server-go/src/core/providers/detector"
	"bluranything-server-go/src/core/utils"
)

/*
* 检测器资源池。OpenCV的推理网络不是并发安全的，
* 每个模型档位预创建若干实例，请求时借出、用完归还，
* 池空时临时创建新实例，归还溢出时直接销毁。
 */

// ResourceFactory 资源工厂接口
type ResourceFactory interface {
	Create() (detector.Provider, error)
	Destroy(provider detector.Provider) error
}

// DetectorPool 单个档位的检测器资源池
type DetectorPool struct {
	factory ResourceFactory
	pool    chan detector.Provider
	maxSize int
	logger  *utils.Logger
	mu      sync.Mutex
	closed  bool
}

// NewDetectorPool 创建资源池并预创建 minSize 个实例
// 预创建阶段的失败直接上抛，权重缺失在启动期暴露
func NewDetectorPool(factory ResourceFactory, minSize, maxSize int, logger *utils.Logger) (*DetectorPool, error) {
	if minSize < 1 {
		minSize = 1
	}
	if maxSize < minSize {
		maxSize = minSize
	}

	p := &DetectorPool{
		factory: factory,
		pool:    make(chan detector.Provider, maxSize),
		maxSize: maxSize,
		logger:  logger,
	}

	for i := 0; i < minSize; i++ {
		provider, err := factory.Create()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("预创建检测器实例失败: %w", err)
		}
		p.pool <- provider
	}

	return p, nil
}

// Get 借出一个检测器实例，池空时临时创建
func (p *DetectorPool) Get() (detector.Provider, error) {
	select {
	case provider := <-p.pool:
		return provider, nil
	default:
		return p.factory.Create()
	}
}

// Put 归还检测器实例，池满时销毁
func (p *DetectorPool) Put(provider detector.Provider) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		if err := p.factory.Destroy(provider); err != nil {
			p.logger.Warn(fmt.Sprintf("销毁检测器实例失败: %v", err))
		}
		return
	}

	select {
	case p.pool <- provider:
	default:
		if err := p.factory.Destroy(provider); err != nil {
			p.logger.Warn(fmt.Sprintf("销毁检测器实例失败: %v", err))
		}
	}
}

// Close 关闭资源池并销毁所有空闲实例
func (p *DetectorPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case provider := <-p.pool:
			if err := p.factory.Destroy(provider); err != nil {
				p.logger.Warn(fmt.Sprintf("销毁检测器实例失败: %v", err))
			}
		default:
			return
		}
	}
}
