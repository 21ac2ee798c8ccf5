package blur

import (
	"fmt"
	"image"

	"bluranything-server-go/src/core/types"
	"bluranything-server-go/src/core/utils"

	"gocv.io/x/gocv"
)

// Engine 对检测框区域做高斯模糊
type Engine struct {
	logger *utils.Logger
}

// NewEngine 创建模糊引擎
func NewEngine(logger *utils.Logger) *Engine {
	return &Engine{logger: logger}
}

// KernelSize 强度到高斯核边长的映射，OpenCV要求核边长为正奇数
func KernelSize(strength int) int {
	if strength <= 0 {
		return 1
	}
	return strength*2 + 1
}

// Apply 在源图的副本上模糊每个检测框区域，返回副本和被跳过的框下标
// 源图保持不变。各区域相互独立，遍历顺序固定，同样的输入产生同样的输出。
// 裁剪后面积为零的框跳过并记录告警，不中断整个请求。
func (e *Engine) Apply(src gocv.Mat, boxes []types.Box, strength int) (gocv.Mat, []int, error) {
	if src.Empty() {
		return gocv.NewMat(), nil, fmt.Errorf("%w: 空图片无法模糊", types.ErrInvalidImage)
	}

	dst := src.Clone()

	// 强度为0时等价于恒等变换
	if strength <= 0 || len(boxes) == 0 {
		return dst, nil, nil
	}

	width := src.Cols()
	height := src.Rows()
	ksize := KernelSize(strength)
	var skipped []int

	for i, box := range boxes {
		clipped := box.Clip(width, height)
		if clipped.Area() == 0 {
			e.logger.Warn(fmt.Sprintf("跳过退化检测框 #%d: %v", i, types.ErrInvalidBox), map[string]interface{}{
				"box":    box,
				"width":  width,
				"height": height,
			})
			skipped = append(skipped, i)
			continue
		}

		// Region返回的Mat与dst共享底层数据，原地模糊即写回副本
		region := dst.Region(clipped.Rect())
		gocv.GaussianBlur(region, &region, image.Pt(ksize, ksize), 0, 0, gocv.BorderDefault)
		region.Close()
	}

	return dst, skipped, nil
}

// ApplyToDetections 取检测结果中的框执行模糊
// 一个检测结果都没有命中时返回 ErrEmptySelection，由调用方决定策略
func (e *Engine) ApplyToDetections(src gocv.Mat, detections []types.Detection, strength int) (gocv.Mat, error) {
	if len(detections) == 0 {
		return gocv.NewMat(), types.ErrEmptySelection
	}

	boxes := make([]types.Box, len(detections))
	for i, det := range detections {
		boxes[i] = det.Box
	}

	dst, skipped, err := e.Apply(src, boxes, strength)
	if err != nil {
		return dst, err
	}
	if len(skipped) == len(boxes) {
		e.logger.Warn("所有检测框均退化，输出与输入一致")
	}
	return dst, nil
}
