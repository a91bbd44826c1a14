package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devils-shadow/quail/internal/auth"
	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/service"
	"github.com/devils-shadow/quail/internal/storage"
)

// errorMapping 业务错误到 HTTP 响应的映射。
type errorMapping struct {
	err    error
	status int
	msg    string
}

// 按声明顺序匹配，先具体后宽泛。部分业务错误是包装过的，必须用 errors.Is。
var errorMappings = []errorMapping{
	// 资源不存在
	{storage.ErrMessageNotFound, http.StatusNotFound, "消息不存在"},
	{storage.ErrAttachmentNotFound, http.StatusNotFound, "附件不存在"},
	{storage.ErrPolicyNotFound, http.StatusNotFound, "域策略不存在"},
	{storage.ErrRuleNotFound, http.StatusNotFound, "规则不存在"},
	{service.ErrContentUnavailable, http.StatusNotFound, "原始邮件内容不可用"},

	// 请求参数不合法
	{service.ErrInvalidPolicyMode, http.StatusBadRequest, "无效的策略模式"},
	{service.ErrInvalidDefaultAction, http.StatusBadRequest, "无效的默认动作"},
	{service.ErrInvalidRetentionDays, http.StatusBadRequest, "隔离保留天数必须为正整数"},
	{service.ErrInvalidRuleType, http.StatusBadRequest, "无效的规则类型"},
	{service.ErrInvalidMatchField, http.StatusBadRequest, "无效的匹配字段"},
	{service.ErrInvalidRuleAction, http.StatusBadRequest, "无效的规则动作"},
	{service.ErrUnknownSettingKey, http.StatusBadRequest, "未知的设置键"},
	{service.ErrInvalidSettingValue, http.StatusBadRequest, "设置值不合法"},
	{domain.ErrInvalidDomain, http.StatusBadRequest, "域名格式无效"},
	{domain.ErrInvalidAddress, http.StatusBadRequest, "地址格式无效"},

	// 模式在管理边界编译失败
	{service.ErrInvalidPattern, http.StatusUnprocessableEntity, "规则模式无法编译"},

	// 状态或权限冲突
	{service.ErrNotQuarantined, http.StatusConflict, "仅隔离区中的消息可以恢复"},
	{service.ErrProtectedSetting, http.StatusForbidden, "该设置不允许通过此接口修改"},

	// 解锁
	{auth.ErrInvalidPIN, http.StatusUnauthorized, "口令错误"},
	{auth.ErrTooManyAttempts, http.StatusTooManyRequests, "尝试过于频繁，请稍后再试"},
	{auth.ErrPINNotConfigured, http.StatusServiceUnavailable, "管理口令尚未配置"},

	// 组件未启用
	{service.ErrSweeperUnavailable, http.StatusServiceUnavailable, "清扫器未启用"},
}

// respondKnownError 把已知业务错误翻译成统一响应，命中返回 true。
// 未命中时由调用方记录日志并回落到 500。
func respondKnownError(c *gin.Context, err error) bool {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			Error(c, m.status, m.msg)
			return true
		}
	}
	return false
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidQuery     = "查询参数格式错误"
	MsgRequestBodyEmpty = "请求体不能为空"
	MsgInvalidRuleID    = "规则ID格式无效"
	MsgInvalidStatus    = "无效的消息状态"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)
