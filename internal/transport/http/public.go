package httptransport

import (
	"github.com/gin-gonic/gin"

	"github.com/devils-shadow/quail/internal/config"
)

// 构建信息，发布时通过 -ldflags -X 注入。
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

// PublicHandler 公开API处理器（无需认证）
type PublicHandler struct {
	cfg *config.Config
}

// NewPublicHandler 创建公开API处理器
func NewPublicHandler(cfg *config.Config) *PublicHandler {
	return &PublicHandler{cfg: cfg}
}

// Version godoc
// @Summary 获取服务版本信息
// @Description 返回服务名、构建版本与部署域（公开接口，无需认证）
// @Tags Public
// @Produce json
// @Success 200 {object} Response{data=object{name=string,version=string,commit=string,domain=string}}
// @Router /api/version [get]
func (h *PublicHandler) Version(c *gin.Context) {
	Success(c, gin.H{
		"name":    "quail",
		"version": buildVersion,
		"commit":  buildCommit,
		"domain":  h.cfg.SMTP.Domain,
	})
}
