package image

// ImageData 上传的图片数据
type ImageData struct {
	Data   []byte // 原始图片字节
	Format string // 图片格式：jpeg, png, webp, bmp
	Name   string // 上传时的文件名
}

// ValidationResult 图片验证结果
type ValidationResult struct {
	IsValid      bool   // 是否有效
	Format       string // 实际格式
	Width        int    // 图片宽度
	Height       int    // 图片高度
	FileSize     int64  // 文件大小
	Error        error  // 错误信息
	SecurityRisk string // 安全风险描述
}

// ImageMetrics 图片处理统计信息
type ImageMetrics struct {
	TotalProcessed    int64 // 总处理数量
	SavedArtifacts    int64 // 落盘的结果图片数量
	FailedValidations int64 // 验证失败次数
	SecurityIncidents int64 // 安全事件次数
}
