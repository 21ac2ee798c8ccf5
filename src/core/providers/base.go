package providers

import (
	"context"

	"bluranything-server-go/src/core/types"

	"gocv.io/x/gocv"
)

// Provider 所有提供者的基础接口
type Provider interface {
	Initialize() error
	Cleanup() error
}

// DetectorProvider 目标检测提供者接口
type DetectorProvider interface {
	Provider

	// Detect 对解码后的图片执行目标检测
	// 返回的检测框已裁剪到图片范围内，顺序由底层模型决定
	Detect(ctx context.Context, img gocv.Mat) ([]types.Detection, error)

	// Variant 当前实例对应的模型档位
	Variant() string
}
