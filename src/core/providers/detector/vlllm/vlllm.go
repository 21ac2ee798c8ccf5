package vlllm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"bluranything-server-go/src/core/providers/detector"
	"bluranything-server-go/src/core/types"
	"bluranything-server-go/src/core/utils"

	"github.com/sashabaranov/go-openai"
	"gocv.io/x/gocv"
)

func init() {
	detector.Register("vlllm", NewProvider)
}

const detectionPrompt = `Detect all objects in the image. Respond with ONLY a JSON array, no markdown, where each element has this exact shape:
{"object": "<label>", "confidence": <0..1>, "x_min": <int>, "y_min": <int>, "x_max": <int>, "y_max": <int>}
Coordinates are pixels in the original image. Respond with [] if nothing is detected.`

// Provider 通过OpenAI兼容的视觉模型做目标检测
// 用于没有本地OpenCV模型权重的部署
type Provider struct {
	config *detector.Config
	logger *utils.Logger
	client *openai.Client
}

// rawDetection 视觉模型返回的扁平检测结构（与Python版响应格式一致）
type rawDetection struct {
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	XMin       float64 `json:"x_min"`
	YMin       float64 `json:"y_min"`
	XMax       float64 `json:"x_max"`
	YMax       float64 `json:"y_max"`
}

// NewProvider 创建VLLLM检测器
func NewProvider(config *detector.Config, logger *utils.Logger) (detector.Provider, error) {
	if config.ModelName == "" {
		return nil, fmt.Errorf("%w: vlllm检测器未配置model_name", types.ErrModelLoad)
	}
	return &Provider{
		config: config,
		logger: logger,
	}, nil
}

// Initialize 初始化API客户端
func (p *Provider) Initialize() error {
	if p.config.APIKey == "" {
		return fmt.Errorf("%w: vlllm检测器缺少api_key", types.ErrModelLoad)
	}

	clientConfig := openai.DefaultConfig(p.config.APIKey)
	if p.config.BaseURL != "" {
		clientConfig.BaseURL = p.config.BaseURL
	}
	p.client = openai.NewClientWithConfig(clientConfig)

	p.logger.Debug("VLLLM检测器初始化成功", map[string]interface{}{
		"model_name": p.config.ModelName,
		"base_url":   p.config.BaseURL,
	})
	return nil
}

// Cleanup 清理资源
func (p *Provider) Cleanup() error {
	return nil
}

// Variant 当前实例对应的模型档位
func (p *Provider) Variant() string {
	return p.config.Variant
}

// Detect 把图片送给视觉模型并解析返回的检测框
func (p *Provider) Detect(ctx context.Context, img gocv.Mat) ([]types.Detection, error) {
	if img.Empty() {
		return nil, fmt.Errorf("%w: 空图片无法检测", types.ErrInvalidImage)
	}
	if p.client == nil {
		return nil, fmt.Errorf("%w: vlllm客户端尚未初始化", types.ErrModelLoad)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("%w: 图片编码失败: %v", types.ErrInvalidImage, err)
	}
	defer buf.Close()

	base64Image := base64.StdEncoding.EncodeToString(buf.GetBytes())

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.config.ModelName,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: detectionPrompt,
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: fmt.Sprintf("data:image/jpeg;base64,%s", base64Image),
						},
					},
				},
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("VLLLM API调用失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("VLLLM返回为空")
	}

	detections, err := p.parseResponse(resp.Choices[0].Message.Content, img.Cols(), img.Rows())
	if err != nil {
		return nil, err
	}

	p.logger.Debug(fmt.Sprintf("VLLLM检测完成，共 %d 个结果", len(detections)))
	return detections, nil
}

// parseResponse 解析模型回复中的JSON检测数组
func (p *Provider) parseResponse(content string, imgWidth, imgHeight int) ([]types.Detection, error) {
	content = strings.TrimSpace(content)
	// 模型偶尔会包一层markdown代码块
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var raw []rawDetection
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("解析VLLLM检测结果失败: %w", err)
	}

	var detections []types.Detection
	for _, r := range raw {
		box := types.Box{
			XMin: int(r.XMin),
			YMin: int(r.YMin),
			XMax: int(r.XMax),
			YMax: int(r.YMax),
		}.Clip(imgWidth, imgHeight)

		if box.Area() == 0 {
			continue
		}

		detections = append(detections, types.Detection{
			Label:      strings.ToLower(r.Object),
			Confidence: r.Confidence,
			Box:        box,
		})
	}

	return detections, nil
}
