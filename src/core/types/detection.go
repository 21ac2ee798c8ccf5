package types

import (
	"errors"
	"image"
	"strings"
)

// 管道错误分类，处理链路各阶段用 %w 包装后上抛
var (
	// ErrInvalidImage 输入无法解码或超出安全限制
	ErrInvalidImage = errors.New("无效的图片输入")
	// ErrModelLoad 模型权重缺失或加载失败
	ErrModelLoad = errors.New("模型加载失败")
	// ErrInvalidBox 裁剪后面积退化为零的检测框
	ErrInvalidBox = errors.New("无效的检测框")
	// ErrEmptySelection 标签过滤后没有命中任何检测结果
	ErrEmptySelection = errors.New("没有命中任何检测结果")
)

// Box 像素坐标下的检测框，区间为 [XMin, XMax) x [YMin, YMax)
type Box struct {
	XMin int `json:"x_min"`
	YMin int `json:"y_min"`
	XMax int `json:"x_max"`
	YMax int `json:"y_max"`
}

// Detection 单个检测结果
type Detection struct {
	Label      string  `json:"object"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Clip 将检测框裁剪到 width x height 的图片范围内
func (b Box) Clip(width, height int) Box {
	clipped := b
	if clipped.XMin < 0 {
		clipped.XMin = 0
	}
	if clipped.YMin < 0 {
		clipped.YMin = 0
	}
	if clipped.XMax > width {
		clipped.XMax = width
	}
	if clipped.YMax > height {
		clipped.YMax = height
	}
	return clipped
}

// Area 检测框面积，退化框返回0
func (b Box) Area() int {
	w := b.XMax - b.XMin
	h := b.YMax - b.YMin
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Rect 转换为标准库矩形
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.XMin, b.YMin, b.XMax, b.YMax)
}

// Inside 检查框是否完全位于 width x height 范围内
func (b Box) Inside(width, height int) bool {
	return b.XMin >= 0 && b.YMin >= 0 && b.XMax <= width && b.YMax <= height
}

// FilterByLabels 按标签集合过滤检测结果，标签比较不区分大小写
// labels 为空时返回 nil（不选中任何结果）
func FilterByLabels(detections []Detection, labels []string) []Detection {
	if len(labels) == 0 {
		return nil
	}
	want := make(map[string]bool, len(labels))
	for _, label := range labels {
		want[strings.ToLower(label)] = true
	}

	var selected []Detection
	for _, det := range detections {
		if want[strings.ToLower(det.Label)] {
			selected = append(selected, det)
		}
	}
	return selected
}

// ClipAll 对所有检测框做边界裁剪，保证对外输出的坐标都落在图内
func ClipAll(detections []Detection, width, height int) []Detection {
	clipped := make([]Detection, len(detections))
	for i, det := range detections {
		det.Box = det.Box.Clip(width, height)
		clipped[i] = det
	}
	return clipped
}
