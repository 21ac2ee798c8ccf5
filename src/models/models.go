package models

import (
	"time"

	"gorm.io/datatypes"
)

// 系统全局配置（只保存一条记录）
type SystemConfig struct {
	ID               uint `gorm:"primaryKey"`
	SelectedDetector string
	DefaultStrength  int
	Prompt           string `gorm:"type:text"`
}

// 一次处理请求落盘的结果
type ResultArtifact struct {
	ID            uint   `gorm:"primaryKey"`
	RequestID     string `gorm:"uniqueIndex;not null"` // 服务端生成的请求标识
	SourceName    string // 上传时的原始文件名
	ResultPath    string // 输出图片（可能被模糊处理）路径
	AnnotatedPath string // 画框预览图路径
	ModelVariant  string // fast/accurate
	Strength      int
	Detections    datatypes.JSON // 检测结果列表，存储为 JSON 数组
	Blurred       bool           // 是否实际执行了模糊
	CreatedAt     time.Time
}
