package dnn

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"bluranything-server-go/src/core/providers/detector"
	"bluranything-server-go/src/core/types"
	"bluranything-server-go/src/core/utils"

	"gocv.io/x/gocv"
)

func init() {
	detector.Register("dnn", NewProvider)
}

// Provider 本地OpenCV DNN检测器
// 单个网络实例的推理不是并发安全的，由mutex保护
type Provider struct {
	config *detector.Config
	logger *utils.Logger

	mu  sync.Mutex
	net gocv.Net
}

// NewProvider 创建DNN检测器
func NewProvider(config *detector.Config, logger *utils.Logger) (detector.Provider, error) {
	if config.InputSize <= 0 {
		config.InputSize = 300
	}
	if config.Confidence <= 0 {
		config.Confidence = 0.5
	}
	return &Provider{
		config: config,
		logger: logger,
	}, nil
}

// Initialize 加载模型权重，权重在进程启动时加载一次，之后只读
func (p *Provider) Initialize() error {
	if p.config.ModelPath == "" {
		return fmt.Errorf("%w: 档位 %s 未配置权重文件", types.ErrModelLoad, p.config.Variant)
	}
	if _, err := os.Stat(p.config.ModelPath); err != nil {
		return fmt.Errorf("%w: 权重文件不可用: %s", types.ErrModelLoad, p.config.ModelPath)
	}

	p.net = gocv.ReadNet(p.config.ModelPath, p.config.ConfigPath)
	if p.net.Empty() {
		return fmt.Errorf("%w: 读取网络失败: %s", types.ErrModelLoad, p.config.ModelPath)
	}

	p.logger.Info(fmt.Sprintf("DNN检测器加载完成，档位: %s, 权重: %s", p.config.Variant, p.config.ModelPath))
	return nil
}

// Cleanup 释放网络资源
func (p *Provider) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.net.Empty() {
		return p.net.Close()
	}
	return nil
}

// Variant 当前实例对应的模型档位
func (p *Provider) Variant() string {
	return p.config.Variant
}

// Detect 对图片执行目标检测
func (p *Provider) Detect(ctx context.Context, img gocv.Mat) ([]types.Detection, error) {
	if img.Empty() {
		return nil, fmt.Errorf("%w: 空图片无法检测", types.ErrInvalidImage)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.net.Empty() {
		return nil, fmt.Errorf("%w: 网络尚未初始化", types.ErrModelLoad)
	}

	inputSize := image.Pt(p.config.InputSize, p.config.InputSize)
	blob := gocv.BlobFromImage(img, 1.0/127.5, inputSize, gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	p.net.SetInput(blob, "")
	output := p.net.Forward("")
	defer output.Close()

	detections := p.parseOutput(output, img.Cols(), img.Rows())

	p.logger.Debug(fmt.Sprintf("DNN检测完成，共 %d 个结果", len(detections)))
	return detections, nil
}

// parseOutput 解析SSD输出，每个检测结果占7个浮点数：
// [batch, classID, confidence, left, top, right, bottom]，坐标归一化到0-1
func (p *Provider) parseOutput(output gocv.Mat, imgWidth, imgHeight int) []types.Detection {
	var detections []types.Detection

	rows := output.Total() / 7
	for i := 0; i < rows; i++ {
		confidence := float64(output.GetFloatAt(0, i*7+2))
		if confidence < p.config.Confidence {
			continue
		}

		classID := int(output.GetFloatAt(0, i*7+1))
		label, exists := cocoLabels[classID]
		if !exists {
			continue
		}

		left := float64(output.GetFloatAt(0, i*7+3))
		top := float64(output.GetFloatAt(0, i*7+4))
		right := float64(output.GetFloatAt(0, i*7+5))
		bottom := float64(output.GetFloatAt(0, i*7+6))

		box := types.Box{
			XMin: int(left * float64(imgWidth)),
			YMin: int(top * float64(imgHeight)),
			XMax: int(right * float64(imgWidth)),
			YMax: int(bottom * float64(imgHeight)),
		}.Clip(imgWidth, imgHeight)

		if box.Area() == 0 {
			continue
		}

		detections = append(detections, types.Detection{
			Label:      label,
			Confidence: confidence,
			Box:        box,
		})
	}

	return detections
}

// COCO类别映射（SSD系列模型的ID带空洞）
var cocoLabels = map[int]string{
	1:  "person",
	2:  "bicycle",
	3:  "car",
	4:  "motorcycle",
	5:  "airplane",
	6:  "bus",
	7:  "train",
	8:  "truck",
	9:  "boat",
	10: "traffic light",
	11: "fire hydrant",
	13: "stop sign",
	14: "parking meter",
	15: "bench",
	16: "bird",
	17: "cat",
	18: "dog",
	19: "horse",
	20: "sheep",
	21: "cow",
	22: "elephant",
	23: "bear",
	24: "zebra",
	25: "giraffe",
	27: "backpack",
	28: "umbrella",
	31: "handbag",
	32: "tie",
	33: "suitcase",
	34: "frisbee",
	35: "skis",
	36: "snowboard",
	37: "sports ball",
	38: "kite",
	39: "baseball bat",
	40: "baseball glove",
	41: "skateboard",
	42: "surfboard",
	43: "tennis racket",
	44: "bottle",
	46: "wine glass",
	47: "cup",
	48: "fork",
	49: "knife",
	50: "spoon",
	51: "bowl",
	52: "banana",
	53: "apple",
	54: "sandwich",
	55: "orange",
	56: "broccoli",
	57: "carrot",
	58: "hot dog",
	59: "pizza",
	60: "donut",
	61: "cake",
	62: "chair",
	63: "couch",
	64: "potted plant",
	65: "bed",
	67: "dining table",
	70: "toilet",
	72: "tv",
	73: "laptop",
	74: "mouse",
	75: "remote",
	76: "keyboard",
	77: "cell phone",
	78: "microwave",
	79: "oven",
	80: "toaster",
	81: "sink",
	82: "refrigerator",
	84: "book",
	85: "clock",
	86: "vase",
	87: "scissors",
	88: "teddy bear",
	89: "hair drier",
	90: "toothbrush",
}
