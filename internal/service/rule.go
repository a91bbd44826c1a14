package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/decision"
	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/storage"
)

var (
	// ErrInvalidRuleType 未知的规则类别
	ErrInvalidRuleType = errors.New("invalid rule type")
	// ErrInvalidMatchField 未知的匹配字段
	ErrInvalidMatchField = errors.New("invalid match field")
	// ErrInvalidRuleAction 未知的规则动作
	ErrInvalidRuleAction = errors.New("invalid rule action")
	// ErrInvalidPattern 模式文本无法编译
	ErrInvalidPattern = errors.New("invalid pattern")
)

// 创建规则时未显式给出优先级使用的默认值。
const defaultRulePriority = 100

// RuleService 管理地址规则。
//
// 管理边界承担模式编译检查：编译不过的模式根本进不了规则表，
// 引擎端的跳过逻辑只兜历史遗留的坏行。规则编辑/删除后同步失效
// 模式缓存条目，下一次评估按新文本重新编译。
type RuleService struct {
	store storage.Store
	cache *decision.PatternCache
	log   *zap.Logger
}

// NewRuleService 创建规则服务。cache 传引擎持有的那份。
func NewRuleService(store storage.Store, cache *decision.PatternCache, log *zap.Logger) *RuleService {
	if cache == nil {
		cache = decision.NewPatternCache()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RuleService{store: store, cache: cache, log: log}
}

// ListByDomain 返回指定域名下的全部规则（含停用），按 (priority, id) 升序。
func (s *RuleService) ListByDomain(domainName string) ([]domain.AddressRule, error) {
	name := strings.ToLower(strings.TrimSpace(domainName))
	if err := domain.ValidateDomainName(name); err != nil {
		return nil, err
	}
	return s.store.ListRules(name)
}

// Get 返回单条规则。
func (s *RuleService) Get(id uint) (*domain.AddressRule, error) {
	return s.store.GetRule(id)
}

// CreateRuleInput 定义创建规则的输入。
type CreateRuleInput struct {
	Domain   string
	Type     domain.RuleType
	Field    domain.MatchField
	Pattern  string
	Priority *int          // nil 使用默认优先级
	Action   domain.Status // 空串时按类别取默认动作（ALLOW→INBOX，BLOCK→QUARANTINE）
	Enabled  *bool         // nil 默认启用
	Note     string
	Actor    string
}

// Create 新建一条规则。
func (s *RuleService) Create(input CreateRuleInput) (*domain.AddressRule, error) {
	name := strings.ToLower(strings.TrimSpace(input.Domain))
	if err := domain.ValidateDomainName(name); err != nil {
		return nil, err
	}
	if !input.Type.Valid() {
		return nil, ErrInvalidRuleType
	}
	if !input.Field.Valid() {
		return nil, ErrInvalidMatchField
	}
	if _, err := decision.Compile(input.Pattern); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	action := input.Action
	if action == "" {
		action = input.Type.DefaultAction()
	}
	if !action.Valid() {
		return nil, ErrInvalidRuleAction
	}

	priority := defaultRulePriority
	if input.Priority != nil {
		priority = *input.Priority
	}
	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}

	rule := &domain.AddressRule{
		Domain:   name,
		Type:     input.Type,
		Field:    input.Field,
		Pattern:  input.Pattern,
		Priority: priority,
		Action:   action,
		Enabled:  enabled,
		Note:     input.Note,
	}
	if err := s.store.SaveRule(rule); err != nil {
		return nil, fmt.Errorf("save rule: %w", err)
	}

	writeAudit(s.store, s.log, input.Actor, domain.AuditRuleCreate, map[string]interface{}{
		"id":      rule.ID,
		"domain":  name,
		"type":    rule.Type,
		"field":   rule.Field,
		"pattern": rule.Pattern,
	})

	s.log.Info("address rule created",
		zap.Uint("rule_id", rule.ID),
		zap.String("domain", name),
		zap.String("pattern", rule.Pattern))
	return rule, nil
}

// UpdateRuleInput 定义更新规则的输入，nil 字段保持原值。
type UpdateRuleInput struct {
	ID       uint
	Type     *domain.RuleType
	Field    *domain.MatchField
	Pattern  *string
	Priority *int
	Action   *domain.Status
	Enabled  *bool
	Note     *string
	Actor    string
}

// Update 修改既有规则并失效其模式缓存条目。
func (s *RuleService) Update(input UpdateRuleInput) (*domain.AddressRule, error) {
	rule, err := s.store.GetRule(input.ID)
	if err != nil {
		return nil, err
	}

	if input.Type != nil {
		if !input.Type.Valid() {
			return nil, ErrInvalidRuleType
		}
		rule.Type = *input.Type
	}
	if input.Field != nil {
		if !input.Field.Valid() {
			return nil, ErrInvalidMatchField
		}
		rule.Field = *input.Field
	}
	if input.Pattern != nil {
		if _, err := decision.Compile(*input.Pattern); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		rule.Pattern = *input.Pattern
	}
	if input.Priority != nil {
		rule.Priority = *input.Priority
	}
	if input.Action != nil {
		if !input.Action.Valid() {
			return nil, ErrInvalidRuleAction
		}
		rule.Action = *input.Action
	}
	if input.Enabled != nil {
		rule.Enabled = *input.Enabled
	}
	if input.Note != nil {
		rule.Note = *input.Note
	}
	rule.UpdatedAt = time.Now().UTC()

	if err := s.store.SaveRule(rule); err != nil {
		return nil, fmt.Errorf("save rule: %w", err)
	}
	s.cache.Invalidate(rule.ID)

	writeAudit(s.store, s.log, input.Actor, domain.AuditRuleUpdate, map[string]interface{}{
		"id":      rule.ID,
		"domain":  rule.Domain,
		"pattern": rule.Pattern,
		"enabled": rule.Enabled,
	})

	s.log.Info("address rule updated", zap.Uint("rule_id", rule.ID))
	return rule, nil
}

// Delete 删除规则并失效其模式缓存条目。
func (s *RuleService) Delete(id uint, actor string) error {
	rule, err := s.store.GetRule(id)
	if err != nil {
		return err
	}

	if err := s.store.DeleteRule(id); err != nil {
		return err
	}
	s.cache.Invalidate(id)

	writeAudit(s.store, s.log, actor, domain.AuditRuleDelete, map[string]interface{}{
		"id":      id,
		"domain":  rule.Domain,
		"pattern": rule.Pattern,
	})

	s.log.Info("address rule deleted", zap.Uint("rule_id", id))
	return nil
}

// TestRuleInput 定义规则试算的输入。
type TestRuleInput struct {
	Pattern string
	Field   domain.MatchField // 仅作界面回显校验，匹配只看样本值
	Sample  string
}

// Test 在不落库的前提下试算模式对样本值的匹配结果。
func (s *RuleService) Test(input TestRuleInput) (bool, error) {
	if input.Field != "" && !input.Field.Valid() {
		return false, ErrInvalidMatchField
	}
	compiled, err := decision.Compile(input.Pattern)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return compiled.MatchString(input.Sample), nil
}
