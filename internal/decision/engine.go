package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/storage"
)

// 策略路径的决策原因文本。
const (
	ReasonDomainPaused  = "domain paused"
	ReasonRestricted    = "restricted domain, no allow rule matched"
	ReasonPolicyDefault = "policy default"
)

// Input 是一次分类决策的全部输入。
// RecipientDomain 必须非空且已小写，由接收侧在规范化时保证。
type Input struct {
	RecipientLocal  string
	RecipientDomain string
	Sender          string
	SenderDomain    string
	Subject         string
	AttachmentTypes []string
}

// Decision 是引擎的输出：最终状态加可审计的决策元数据。
type Decision struct {
	Status domain.Status
	Meta   domain.DecisionMeta
}

// PolicyReader 提供按域读取策略的能力。
type PolicyReader interface {
	GetPolicy(domainName string) (*domain.DomainPolicy, error)
}

// RuleReader 提供按域读取启用规则的能力，返回已按 (priority, id) 升序排序。
type RuleReader interface {
	ListEnabledRules(domainName string) ([]domain.AddressRule, error)
}

// SettingsReader 提供读取运行期配置的能力。
type SettingsReader interface {
	GetSetting(key string) (*domain.Setting, error)
}

// Engine 对单封入站邮件执行确定性分类。
//
// 评估是纯函数式的单次扫描：除策略/规则/配置读取外不做任何 I/O，
// 相同输入在相同规则集下永远得到相同决策。
type Engine struct {
	policies PolicyReader
	rules    RuleReader
	settings SettingsReader
	cache    *PatternCache
	logger   *zap.Logger
}

// NewEngine 创建决策引擎。
func NewEngine(policies PolicyReader, rules RuleReader, settings SettingsReader, cache *PatternCache, logger *zap.Logger) *Engine {
	if cache == nil {
		cache = NewPatternCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		policies: policies,
		rules:    rules,
		settings: settings,
		cache:    cache,
		logger:   logger,
	}
}

// Cache 返回引擎持有的模式缓存，规则写路径用它做条目失效。
func (e *Engine) Cache() *PatternCache {
	return e.cache
}

// Evaluate 对一封邮件执行分类决策。
//
// 算法（首个命中生效）：
//  1. 取收件域策略，缺失时按 OPEN/INBOX 隐式策略处理
//  2. PAUSED 域一律 DROPPED，不再扫描规则
//  3. 按 (priority, id) 升序扫描启用规则，正则命中即采用该规则配置的动作
//  4. 无命中且 RESTRICTED → QUARANTINE；无命中且 OPEN → 策略默认动作
//  5. 结果为 INBOX 且含不允许的附件类型时改判 QUARANTINE
//
// 无效的正则模式跳过并记录告警，不会让整次评估失败。
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if in.RecipientDomain == "" {
		return Decision{}, errors.New("recipient domain is required")
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	policy, err := e.policyOrDefault(in.RecipientDomain)
	if err != nil {
		return Decision{}, fmt.Errorf("load domain policy: %w", err)
	}

	meta := domain.DecisionMeta{
		Mode:          policy.Mode,
		DefaultAction: policy.DefaultAction,
		DecidedAt:     time.Now().UTC(),
	}

	// PAUSED 域永不进入收件列表，规则也不参与
	if policy.Mode == domain.PolicyPaused {
		meta.Reason = ReasonDomainPaused
		return Decision{Status: domain.StatusDropped, Meta: meta}, nil
	}

	rules, err := e.rules.ListEnabledRules(in.RecipientDomain)
	if err != nil {
		return Decision{}, fmt.Errorf("load address rules: %w", err)
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.Field.Valid() {
			e.logger.Warn("skipping rule with unknown match field",
				zap.Uint("rule_id", rule.ID),
				zap.String("field", string(rule.Field)))
			continue
		}
		compiled, err := e.cache.Get(rule.ID, rule.Pattern)
		if err != nil {
			e.logger.Warn("skipping rule with invalid pattern",
				zap.Uint("rule_id", rule.ID),
				zap.String("pattern", rule.Pattern),
				zap.Error(err))
			continue
		}
		value := fieldValue(rule.Field, in)
		if !compiled.MatchString(value) {
			continue
		}

		ruleID := rule.ID
		meta.RuleID = &ruleID
		meta.RuleType = rule.Type
		meta.MatchField = rule.Field
		meta.MatchedValue = value
		meta.Pattern = rule.Pattern
		meta.Reason = fmt.Sprintf("rule %d %s matched %s", rule.ID, rule.Type, rule.Field)

		// 命中规则即采用其配置的动作，ALLOW/BLOCK 类别不覆盖动作
		return e.withAttachmentCheck(Decision{Status: rule.Action, Meta: meta}, in.AttachmentTypes)
	}

	if policy.Mode == domain.PolicyRestricted {
		meta.Reason = ReasonRestricted
		return Decision{Status: domain.StatusQuarantine, Meta: meta}, nil
	}

	meta.Reason = ReasonPolicyDefault
	return e.withAttachmentCheck(Decision{Status: policy.DefaultAction, Meta: meta}, in.AttachmentTypes)
}

// policyOrDefault 读取域策略，缺失时返回隐式 OPEN/INBOX 策略。
func (e *Engine) policyOrDefault(domainName string) (domain.DomainPolicy, error) {
	policy, err := e.policies.GetPolicy(domainName)
	if err != nil {
		if errors.Is(err, storage.ErrPolicyNotFound) {
			return domain.DefaultDomainPolicy(domainName), nil
		}
		return domain.DomainPolicy{}, err
	}
	return *policy, nil
}

// withAttachmentCheck 在 INBOX 决策上叠加附件类型检查。
// 含不允许类型的邮件改判 QUARANTINE，其余决策原样放行。
func (e *Engine) withAttachmentCheck(d Decision, attachmentTypes []string) (Decision, error) {
	if d.Status != domain.StatusInbox || len(attachmentTypes) == 0 {
		return d, nil
	}

	allowed := e.allowedAttachmentTypes()
	for _, raw := range attachmentTypes {
		contentType := normalizeContentType(raw)
		if contentType == "" {
			continue
		}
		if _, ok := allowed[contentType]; !ok {
			d.Status = domain.StatusQuarantine
			d.Meta.Reason = fmt.Sprintf("disallowed attachment type: %s", contentType)
			return d, nil
		}
	}
	return d, nil
}

// allowedAttachmentTypes 解析允许的附件类型集合，配置缺失或为空时回退默认值。
func (e *Engine) allowedAttachmentTypes() map[string]struct{} {
	value := ""
	setting, err := e.settings.GetSetting(domain.SettingAllowedAttachmentTypes)
	if err != nil {
		if !errors.Is(err, storage.ErrSettingNotFound) {
			e.logger.Warn("loading allowed attachment types failed, using defaults", zap.Error(err))
		}
	} else {
		value = setting.Value
	}
	if strings.TrimSpace(value) == "" {
		value = domain.DefaultSettings()[domain.SettingAllowedAttachmentTypes]
	}

	allowed := make(map[string]struct{})
	for _, item := range strings.Split(value, ",") {
		if t := normalizeContentType(item); t != "" {
			allowed[t] = struct{}{}
		}
	}
	return allowed
}

// fieldValue 取出规则匹配字段对应的邮件字段值。
func fieldValue(field domain.MatchField, in Input) string {
	switch field {
	case domain.FieldRecipientLocal:
		return in.RecipientLocal
	case domain.FieldSenderAddress:
		return in.Sender
	case domain.FieldSenderDomain:
		return in.SenderDomain
	case domain.FieldSubject:
		return in.Subject
	}
	return ""
}

// normalizeContentType 去掉参数部分并小写化 MIME 类型。
func normalizeContentType(contentType string) string {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
