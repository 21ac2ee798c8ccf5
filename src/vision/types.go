package vision

import (
	"bluranything-server-go/src/core/types"
)

// DetectRequest 检测/模糊请求结构（从multipart表单解析）
type DetectRequest struct {
	Image      []byte   // 图片数据（从文件字段获取）
	Filename   string   // 上传时的文件名
	Format     string   // 依据文件头推断的图片格式
	Variant    string   // 模型档位：fast/accurate
	BlurLabels []string // 需要模糊的标签列表，空表示只检测不模糊
	Strength   int      // 模糊强度
	ClientID   string   // 客户端ID（从请求头获取）
}

// DetectResponse 标准响应结构
type DetectResponse struct {
	Success        bool              `json:"success"`
	RequestID      string            `json:"request_id,omitempty"`
	Detections     []types.Detection `json:"detections"`
	ResultImage    string            `json:"result_image_reference,omitempty"`
	AnnotatedImage string            `json:"annotated_image_reference,omitempty"`
	Blurred        bool              `json:"blurred"`
	Message        string            `json:"message,omitempty"`
}

// AuthVerifyResult 认证验证结果
type AuthVerifyResult struct {
	IsValid  bool
	ClientID string
}
