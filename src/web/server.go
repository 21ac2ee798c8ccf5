package web

import (
	"context"
	"html/template"
	"net/http"

	"bluranything-server-go/src/configs"
	"bluranything-server-go/src/core/utils"

	"github.com/gin-gonic/gin"
)

// DefaultWebService 提供上传页面，方便浏览器直接测试
type DefaultWebService struct {
	logger *utils.Logger
	config *configs.Config
	page   *template.Template
}

// NewDefaultWebService 构造函数
func NewDefaultWebService(config *configs.Config, logger *utils.Logger) (*DefaultWebService, error) {
	page, err := template.New("index").Parse(indexPage)
	if err != nil {
		return nil, err
	}

	return &DefaultWebService{
		logger: logger,
		config: config,
		page:   page,
	}, nil
}

// Start 实现 WebService 接口，注册页面路由
func (s *DefaultWebService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	engine.GET("/", s.handleIndex)

	s.logger.Info("Web HTTP服务路由注册完成")
	return nil
}

func (s *DefaultWebService) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	err := s.page.Execute(c.Writer, gin.H{
		"Variants":        []string{configs.VariantFast, configs.VariantAccurate},
		"DefaultStrength": s.config.Blur.DefaultStrength,
		"MaxStrength":     s.config.Blur.MaxStrength,
	})
	if err != nil {
		s.logger.Error("渲染上传页面失败: " + err.Error())
	}
}

const indexPage = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<title>Blur Anything</title>
<style>
body { font-family: sans-serif; max-width: 720px; margin: 40px auto; padding: 0 16px; }
fieldset { border: 1px solid #ccc; margin-bottom: 16px; padding: 12px; }
img { max-width: 100%; margin-top: 12px; }
pre { background: #f5f5f5; padding: 8px; overflow: auto; }
</style>
</head>
<body>
<h1>Blur Anything</h1>
<form id="detect-form">
  <fieldset>
    <legend>图片</legend>
    <input type="file" name="file" accept="image/*" required>
  </fieldset>
  <fieldset>
    <legend>参数</legend>
    <label>模型档位
      <select name="model">
        {{range .Variants}}<option value="{{.}}">{{.}}</option>{{end}}
      </select>
    </label>
    <label>模糊标签（逗号分隔，留空只检测）
      <input type="text" name="labels" placeholder="person,car">
    </label>
    <label>模糊强度
      <input type="number" name="strength" value="{{.DefaultStrength}}" min="0" max="{{.MaxStrength}}">
    </label>
  </fieldset>
  <button type="submit">提交</button>
</form>
<div id="out"></div>
<script>
document.getElementById('detect-form').addEventListener('submit', async function (e) {
  e.preventDefault();
  const out = document.getElementById('out');
  out.textContent = '处理中...';
  const resp = await fetch('/api/detect', { method: 'POST', body: new FormData(this) });
  const data = await resp.json();
  let html = '<pre>' + JSON.stringify(data.detections, null, 2) + '</pre>';
  if (data.message) { html = '<p>' + data.message + '</p>' + html; }
  if (data.result_image_reference) {
    html += '<h3>结果</h3><img src="' + data.result_image_reference + '">';
  }
  if (data.annotated_image_reference) {
    html += '<h3>检测框</h3><img src="' + data.annotated_image_reference + '">';
  }
  out.innerHTML = html;
});
</script>
</body>
</html>
`
