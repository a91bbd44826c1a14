package httptransport

import (
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/auth"
	"github.com/devils-shadow/quail/internal/config"
	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/health"
	"github.com/devils-shadow/quail/internal/middleware"
	"github.com/devils-shadow/quail/internal/monitoring"
	"github.com/devils-shadow/quail/internal/service"
	"github.com/devils-shadow/quail/internal/storage"
	"github.com/devils-shadow/quail/internal/websocket"
)

// actorAdmin 审计条目的操作者。单一共享管理能力，没有按人的账号。
const actorAdmin = "admin"

// Handler 聚合消息侧 HTTP 处理逻辑。
type Handler struct {
	messages *service.MessageService
	log      *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config          *config.Config
	MessageService  *service.MessageService
	PolicyService   *service.PolicyService
	RuleService     *service.RuleService
	SettingsService *service.SettingsService
	AdminService    *service.AdminService
	UnlockService   *auth.UnlockService
	Sessions        *auth.SessionManager
	Hub             *websocket.Hub            // 为 nil 时不注册 /ws
	Health          *health.HealthChecker     // 为 nil 时只保留基础 /health
	Metrics         *monitoring.Metrics       // 为 nil 时不注册 /metrics 与请求指标
	Logger          *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	// 使用自定义中间件替代默认中间件
	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
		router.Use(mm.PanicRecovery())
		router.Use(mm.HTTPMetrics())
	} else {
		router.Use(middleware.RecoveryHandler(logger))
	}
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())

	// 管理面只收小段 JSON，邮件本体永远从 SMTP 进来
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match"},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Disposition",
			"ETag",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 创建处理器
	handler := &Handler{
		messages: deps.MessageService,
		log:      logger,
	}

	authHandler := NewAuthHandler(deps.UnlockService, logger)
	adminHandler := NewAdminHandler(deps.PolicyService, deps.RuleService, deps.SettingsService, deps.AdminService, logger)
	publicHandler := NewPublicHandler(deps.Config)

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}

	// Prometheus 指标
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// WebSocket 实时流：令牌与来源校验在升级前由处理器自行完成
	if deps.Hub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.Hub))
	}

	api := router.Group("/api")
	{
		// ========== Public Routes（无需认证） ==========
		api.GET("/version", publicHandler.Version)
		api.POST("/auth/unlock", authHandler.Unlock)

		// ========== Admin Session Routes（需要解锁） ==========
		guarded := api.Group("")
		guarded.Use(middleware.AdminSession(deps.Sessions, logger))
		{
			// 消息
			guarded.GET("/messages", handler.listMessages)
			guarded.GET("/messages/:id", handler.getMessage)
			guarded.GET("/messages/:id/raw", handler.getRawMessage)
			guarded.GET("/messages/:id/attachments/:attachmentId", handler.downloadAttachment)
			guarded.POST("/messages/:id/restore", handler.restoreMessage)
			guarded.DELETE("/messages/:id", handler.deleteMessage)
			guarded.POST("/quarantine/clear", handler.clearQuarantine)

			// 域策略与规则
			guarded.GET("/policies", adminHandler.ListPolicies)
			guarded.GET("/policies/:domain", adminHandler.GetPolicy)
			guarded.PUT("/policies/:domain", adminHandler.UpsertPolicy)
			guarded.DELETE("/policies/:domain", adminHandler.DeletePolicy)
			guarded.GET("/policies/:domain/rules", adminHandler.ListRules)
			guarded.POST("/policies/:domain/rules", adminHandler.CreateRule)
			guarded.PUT("/rules/:id", adminHandler.UpdateRule)
			guarded.DELETE("/rules/:id", adminHandler.DeleteRule)
			guarded.POST("/rules/test", adminHandler.TestRule)

			// 设置
			guarded.GET("/settings", adminHandler.GetSettings)
			guarded.PUT("/settings", adminHandler.UpdateSettings)

			// 概览 / 审计 / 清扫
			guarded.GET("/stats", adminHandler.GetStats)
			guarded.GET("/audit", adminHandler.ListAudit)
			guarded.POST("/admin/sweep", adminHandler.RunSweep)
		}
	}

	return router
}

type listMessagesQuery struct {
	Status string `form:"status"`
	Filter string `form:"filter"`
	Domain string `form:"domain"`
	Cursor string `form:"before_cursor"`
	Limit  int    `form:"limit"`
}

type listMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	NextCursor string           `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

// listMessages godoc
// @Summary 获取消息列表
// @Description 轮询端点：新者在前的消息视图，带游标分页；ETag 命中时返回304。
// @Description 与 WebSocket 快照读同一条查询路径，相同过滤条件返回相同数据。
// @Tags Messages
// @Produce json
// @Param status query string false "状态过滤（INBOX/QUARANTINE/DROPPED），默认 INBOX+QUARANTINE"
// @Param filter query string false "收件人本地部分精确过滤"
// @Param domain query string false "收件域过滤"
// @Param before_cursor query string false "返回严格早于该消息ID的页"
// @Param limit query int false "每页数量（默认50，最大200）"
// @Success 200 {object} Response{data=listMessagesResponse}
// @Success 304 "视图未变化"
// @Failure 400 {object} Response
// @Router /api/messages [get]
func (h *Handler) listMessages(c *gin.Context) {
	var q listMessagesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		BadRequest(c, MsgInvalidQuery)
		return
	}

	query := storage.MessageQuery{
		Filter:       q.Filter,
		Domain:       q.Domain,
		BeforeCursor: q.Cursor,
		Limit:        q.Limit,
	}
	if q.Status != "" {
		status := domain.Status(strings.ToUpper(q.Status))
		if !status.Valid() {
			BadRequest(c, MsgInvalidStatus)
			return
		}
		query.Statuses = []domain.Status{status}
	}

	messages, err := h.messages.List(query)
	if err != nil {
		h.log.Error("list messages failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	nextCursor := ""
	if len(messages) > 0 {
		nextCursor = messages[len(messages)-1].ID
	}
	limit := query.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	} else if limit > storage.MaxListLimit {
		limit = storage.MaxListLimit
	}

	// 与集线器快照同一套标签算法，两条通道的视图可以互相验证
	etag := websocket.ComputeETag(messages, nextCursor)
	c.Header("ETag", etag)
	if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		return
	}

	Success(c, listMessagesResponse{
		Messages:   messages,
		NextCursor: nextCursor,
		HasMore:    len(messages) == limit,
	})
}

// getMessage godoc
// @Summary 获取消息详情
// @Description 元数据加解析后的正文；正文工件缺失时退化为仅元数据
// @Tags Messages
// @Produce json
// @Param id path string true "消息ID"
// @Success 200 {object} Response{data=service.MessageDetail}
// @Failure 404 {object} Response
// @Router /api/messages/{id} [get]
func (h *Handler) getMessage(c *gin.Context) {
	detail, err := h.messages.Get(c.Param("id"))
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("get message failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, detail)
}

// getRawMessage godoc
// @Summary 下载原始邮件
// @Description 以 .eml 文件返回接收时的原始字节
// @Tags Messages
// @Produce message/rfc822
// @Param id path string true "消息ID"
// @Success 200 {file} binary
// @Failure 404 {object} Response
// @Router /api/messages/{id}/raw [get]
func (h *Handler) getRawMessage(c *gin.Context) {
	id := c.Param("id")

	raw, err := h.messages.GetRaw(id)
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("get raw message failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": id + ".eml",
	}))
	c.Data(http.StatusOK, "message/rfc822", raw)
}

// downloadAttachment godoc
// @Summary 下载附件
// @Description 下载邮件的附件文件
// @Tags Messages
// @Produce application/octet-stream
// @Param id path string true "消息ID"
// @Param attachmentId path string true "附件ID"
// @Success 200 {file} binary
// @Failure 404 {object} Response
// @Router /api/messages/{id}/attachments/{attachmentId} [get]
func (h *Handler) downloadAttachment(c *gin.Context) {
	attachment, err := h.messages.GetAttachment(c.Param("id"), c.Param("attachmentId"))
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("get attachment failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	// 附件下载不使用统一响应格式，直接返回二进制流
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": attachment.Filename,
	}))
	c.Header("Content-Length", fmt.Sprintf("%d", attachment.Size))
	c.Data(http.StatusOK, attachment.ContentType, attachment.Content)
}

// restoreMessage godoc
// @Summary 恢复隔离消息
// @Description 将隔离区中的消息恢复到收件箱并记录审计
// @Tags Messages
// @Produce json
// @Param id path string true "消息ID"
// @Success 200 {object} Response{data=domain.Message}
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Router /api/messages/{id}/restore [post]
func (h *Handler) restoreMessage(c *gin.Context) {
	message, err := h.messages.Restore(c.Param("id"), actorAdmin)
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("restore message failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, message)
}

// deleteMessage godoc
// @Summary 删除消息
// @Description 删除消息的工件与元数据并记录审计
// @Tags Messages
// @Param id path string true "消息ID"
// @Success 204
// @Failure 404 {object} Response
// @Router /api/messages/{id} [delete]
func (h *Handler) deleteMessage(c *gin.Context) {
	if err := h.messages.Delete(c.Param("id"), actorAdmin); err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("delete message failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	NoContent(c)
}

// clearQuarantine godoc
// @Summary 清空隔离区
// @Description 批量删除所有隔离中的消息，返回删除数量
// @Tags Messages
// @Produce json
// @Success 200 {object} Response{data=object{cleared=int}}
// @Router /api/quarantine/clear [post]
func (h *Handler) clearQuarantine(c *gin.Context) {
	cleared, err := h.messages.ClearQuarantine(c.Request.Context(), actorAdmin)
	if err != nil {
		h.log.Error("clear quarantine failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, gin.H{"cleared": cleared})
}
