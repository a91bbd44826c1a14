package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/service"
)

// AdminHandler 管理面处理器：策略、规则、设置、统计、审计与手动清扫。
type AdminHandler struct {
	policies *service.PolicyService
	rules    *service.RuleService
	settings *service.SettingsService
	admin    *service.AdminService
	log      *zap.Logger
}

// NewAdminHandler 创建管理面处理器
func NewAdminHandler(
	policies *service.PolicyService,
	rules *service.RuleService,
	settings *service.SettingsService,
	admin *service.AdminService,
	log *zap.Logger,
) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{
		policies: policies,
		rules:    rules,
		settings: settings,
		admin:    admin,
		log:      log,
	}
}

// ========== Policy Handlers ==========

// ListPolicies godoc
// @Summary 获取域策略列表
// @Description 返回所有显式配置的域策略；未列出的域按隐式 OPEN/INBOX 处理
// @Tags Policies
// @Produce json
// @Success 200 {object} Response{data=object{items=[]domain.DomainPolicy,count=int}}
// @Router /api/policies [get]
func (h *AdminHandler) ListPolicies(c *gin.Context) {
	policies, err := h.policies.List()
	if err != nil {
		h.log.Error("list policies failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, gin.H{
		"items": policies,
		"count": len(policies),
	})
}

// GetPolicy godoc
// @Summary 获取域策略详情
// @Description 查看指定域的显式策略；该域未显式配置时返回404
// @Tags Policies
// @Produce json
// @Param domain path string true "域名"
// @Success 200 {object} Response{data=domain.DomainPolicy}
// @Failure 404 {object} Response
// @Router /api/policies/{domain} [get]
func (h *AdminHandler) GetPolicy(c *gin.Context) {
	policy, err := h.policies.Get(c.Param("domain"))
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("get policy failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, policy)
}

type upsertPolicyRequest struct {
	Mode                    string `json:"mode" binding:"required"`
	DefaultAction           string `json:"defaultAction" binding:"required"`
	QuarantineRetentionDays *int   `json:"quarantineRetentionDays"`
}

// UpsertPolicy godoc
// @Summary 创建或更新域策略
// @Description 写入指定域的模式与默认动作，已存在时覆盖更新
// @Tags Policies
// @Accept json
// @Produce json
// @Param domain path string true "域名"
// @Param request body upsertPolicyRequest true "策略参数"
// @Success 200 {object} Response{data=domain.DomainPolicy}
// @Failure 400 {object} Response
// @Router /api/policies/{domain} [put]
func (h *AdminHandler) UpsertPolicy(c *gin.Context) {
	var req upsertPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	policy, err := h.policies.Upsert(service.UpsertPolicyInput{
		Domain:                  c.Param("domain"),
		Mode:                    domain.PolicyMode(req.Mode),
		DefaultAction:           domain.Status(req.DefaultAction),
		QuarantineRetentionDays: req.QuarantineRetentionDays,
		Actor:                   actorAdmin,
	})
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("upsert policy failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, policy)
}

// DeletePolicy godoc
// @Summary 删除域策略
// @Description 删除显式策略后该域回落为隐式 OPEN/INBOX
// @Tags Policies
// @Param domain path string true "域名"
// @Success 204
// @Failure 404 {object} Response
// @Router /api/policies/{domain} [delete]
func (h *AdminHandler) DeletePolicy(c *gin.Context) {
	if err := h.policies.Delete(c.Param("domain"), actorAdmin); err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("delete policy failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	NoContent(c)
}

// ========== Rule Handlers ==========

// ListRules godoc
// @Summary 获取域下的地址规则
// @Description 按 (priority, id) 升序返回指定域的全部规则
// @Tags Rules
// @Produce json
// @Param domain path string true "域名"
// @Success 200 {object} Response{data=object{items=[]domain.AddressRule,count=int}}
// @Router /api/policies/{domain}/rules [get]
func (h *AdminHandler) ListRules(c *gin.Context) {
	rules, err := h.rules.ListByDomain(c.Param("domain"))
	if err != nil {
		h.log.Error("list rules failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, gin.H{
		"items": rules,
		"count": len(rules),
	})
}

type createRuleRequest struct {
	Type     string `json:"type" binding:"required"`
	Field    string `json:"field" binding:"required"`
	Pattern  string `json:"pattern" binding:"required"`
	Priority *int   `json:"priority"`
	Action   string `json:"action"`
	Enabled  *bool  `json:"enabled"`
	Note     string `json:"note"`
}

// CreateRule godoc
// @Summary 创建地址规则
// @Description 新建规则前会编译校验模式，无法编译的模式被拒绝
// @Tags Rules
// @Accept json
// @Produce json
// @Param domain path string true "域名"
// @Param request body createRuleRequest true "规则参数"
// @Success 201 {object} Response{data=domain.AddressRule}
// @Failure 400 {object} Response
// @Failure 422 {object} Response
// @Router /api/policies/{domain}/rules [post]
func (h *AdminHandler) CreateRule(c *gin.Context) {
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	rule, err := h.rules.Create(service.CreateRuleInput{
		Domain:   c.Param("domain"),
		Type:     domain.RuleType(req.Type),
		Field:    domain.MatchField(req.Field),
		Pattern:  req.Pattern,
		Priority: req.Priority,
		Action:   domain.Status(req.Action),
		Enabled:  req.Enabled,
		Note:     req.Note,
		Actor:    actorAdmin,
	})
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("create rule failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Created(c, rule)
}

type updateRuleRequest struct {
	Type     *string `json:"type"`
	Field    *string `json:"field"`
	Pattern  *string `json:"pattern"`
	Priority *int    `json:"priority"`
	Action   *string `json:"action"`
	Enabled  *bool   `json:"enabled"`
	Note     *string `json:"note"`
}

// UpdateRule godoc
// @Summary 更新地址规则
// @Description 部分更新：仅请求中出现的字段会被修改；改动模式时重新编译校验
// @Tags Rules
// @Accept json
// @Produce json
// @Param id path int true "规则ID"
// @Param request body updateRuleRequest true "规则参数"
// @Success 200 {object} Response{data=domain.AddressRule}
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Failure 422 {object} Response
// @Router /api/rules/{id} [put]
func (h *AdminHandler) UpdateRule(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		BadRequest(c, MsgInvalidRuleID)
		return
	}

	var req updateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	input := service.UpdateRuleInput{
		ID:       uint(id),
		Pattern:  req.Pattern,
		Priority: req.Priority,
		Enabled:  req.Enabled,
		Note:     req.Note,
		Actor:    actorAdmin,
	}
	if req.Type != nil {
		t := domain.RuleType(*req.Type)
		input.Type = &t
	}
	if req.Field != nil {
		f := domain.MatchField(*req.Field)
		input.Field = &f
	}
	if req.Action != nil {
		a := domain.Status(*req.Action)
		input.Action = &a
	}

	rule, err := h.rules.Update(input)
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("update rule failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, rule)
}

// DeleteRule godoc
// @Summary 删除地址规则
// @Tags Rules
// @Param id path int true "规则ID"
// @Success 204
// @Failure 404 {object} Response
// @Router /api/rules/{id} [delete]
func (h *AdminHandler) DeleteRule(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		BadRequest(c, MsgInvalidRuleID)
		return
	}

	if err := h.rules.Delete(uint(id), actorAdmin); err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("delete rule failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	NoContent(c)
}

type testRuleRequest struct {
	Pattern string `json:"pattern" binding:"required"`
	Field   string `json:"field"`
	Sample  string `json:"sample" binding:"required"`
}

// TestRule godoc
// @Summary 试运行规则模式
// @Description 沙盒内编译模式并对样本值匹配，不落任何数据
// @Tags Rules
// @Accept json
// @Produce json
// @Param request body testRuleRequest true "模式与样本"
// @Success 200 {object} Response{data=object{matched=bool}}
// @Failure 422 {object} Response
// @Router /api/rules/test [post]
func (h *AdminHandler) TestRule(c *gin.Context) {
	var req testRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	matched, err := h.rules.Test(service.TestRuleInput{
		Pattern: req.Pattern,
		Field:   domain.MatchField(req.Field),
		Sample:  req.Sample,
	})
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("test rule failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, gin.H{"matched": matched})
}

// ========== Settings Handlers ==========

// GetSettings godoc
// @Summary 获取运行期设置
// @Description 返回全部可调设置；口令散列等受保护项不在其中
// @Tags Settings
// @Produce json
// @Success 200 {object} Response{data=object{items=[]domain.Setting,count=int}}
// @Router /api/settings [get]
func (h *AdminHandler) GetSettings(c *gin.Context) {
	settings, err := h.settings.List()
	if err != nil {
		h.log.Error("list settings failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, gin.H{
		"items": settings,
		"count": len(settings),
	})
}

// UpdateSettings godoc
// @Summary 更新运行期设置
// @Description 先整体校验再写入：任意一项校验失败时整个请求不生效
// @Tags Settings
// @Accept json
// @Produce json
// @Param request body object true "键值对"
// @Success 200 {object} Response{data=object{items=[]domain.Setting,count=int}}
// @Failure 400 {object} Response
// @Failure 403 {object} Response
// @Router /api/settings [put]
func (h *AdminHandler) UpdateSettings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if len(req) == 0 {
		BadRequest(c, MsgRequestBodyEmpty)
		return
	}

	settings, err := h.settings.Update(req, actorAdmin)
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("update settings failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, gin.H{
		"items": settings,
		"count": len(settings),
	})
}

// ========== Stats / Audit / Sweep Handlers ==========

// GetStats godoc
// @Summary 获取系统概览
// @Description 各状态消息计数、收件域排行、订阅者数量与存储健康状况
// @Tags Admin
// @Produce json
// @Success 200 {object} Response{data=service.Overview}
// @Router /api/stats [get]
func (h *AdminHandler) GetStats(c *gin.Context) {
	overview, err := h.admin.CollectOverview()
	if err != nil {
		h.log.Error("collect overview failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, overview)
}

// ListAudit godoc
// @Summary 获取审计日志
// @Description 新者在前的管理操作痕迹，支持 limit/offset 分页
// @Tags Admin
// @Produce json
// @Param limit query int false "每页数量（默认50，最大200）"
// @Param offset query int false "偏移量"
// @Success 200 {object} Response{data=object{items=[]domain.AuditEntry,total=int}}
// @Router /api/audit [get]
func (h *AdminHandler) ListAudit(c *gin.Context) {
	limit, err := parseIntQuery(c, "limit", 0)
	if err != nil {
		BadRequest(c, MsgInvalidQuery)
		return
	}
	offset, err := parseIntQuery(c, "offset", 0)
	if err != nil {
		BadRequest(c, MsgInvalidQuery)
		return
	}

	entries, total, err := h.admin.ListAudit(limit, offset)
	if err != nil {
		h.log.Error("list audit failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, gin.H{
		"items": entries,
		"total": total,
	})
}

// RunSweep godoc
// @Summary 手动触发一轮清扫
// @Description 立即执行保留期清扫并返回统计；与定时任务互斥执行
// @Tags Admin
// @Produce json
// @Success 200 {object} Response{data=retention.Stats}
// @Failure 503 {object} Response
// @Router /api/admin/sweep [post]
func (h *AdminHandler) RunSweep(c *gin.Context) {
	stats, err := h.admin.RunSweep(c.Request.Context(), actorAdmin)
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("manual sweep failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, stats)
}

// parseIntQuery 解析整型查询参数，缺省时返回 def。
func parseIntQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
