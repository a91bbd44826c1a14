package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/storage"
)

var (
	// ErrInvalidPolicyMode 未知的策略模式
	ErrInvalidPolicyMode = errors.New("invalid policy mode")
	// ErrInvalidDefaultAction 未知的默认动作
	ErrInvalidDefaultAction = errors.New("invalid default action")
	// ErrInvalidRetentionDays 保留天数不能为负
	ErrInvalidRetentionDays = errors.New("retention days must not be negative")
)

// PolicyService 管理收件域策略。
//
// 域策略按域名唯一；接收路径在首封邮件时隐式建行（OPEN/INBOX），
// 这里只承接管理员的显式修改。
type PolicyService struct {
	store storage.Store
	log   *zap.Logger
}

// NewPolicyService 创建域策略服务。
func NewPolicyService(store storage.Store, log *zap.Logger) *PolicyService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PolicyService{store: store, log: log}
}

// List 返回全部已落库的域策略。
// 未出现在列表里的域按隐式 OPEN/INBOX 处理。
func (s *PolicyService) List() ([]domain.DomainPolicy, error) {
	return s.store.ListPolicies()
}

// Get 返回指定域的策略。
func (s *PolicyService) Get(domainName string) (*domain.DomainPolicy, error) {
	name := strings.ToLower(strings.TrimSpace(domainName))
	if err := domain.ValidateDomainName(name); err != nil {
		return nil, err
	}
	return s.store.GetPolicy(name)
}

// UpsertPolicyInput 定义策略写入的输入。
type UpsertPolicyInput struct {
	Domain                  string
	Mode                    domain.PolicyMode
	DefaultAction           domain.Status
	QuarantineRetentionDays *int // nil 表示使用全局隔离保留期
	Actor                   string
}

// Upsert 新建或更新域策略。
func (s *PolicyService) Upsert(input UpsertPolicyInput) (*domain.DomainPolicy, error) {
	name := strings.ToLower(strings.TrimSpace(input.Domain))
	if err := domain.ValidateDomainName(name); err != nil {
		return nil, err
	}
	if !input.Mode.Valid() {
		return nil, ErrInvalidPolicyMode
	}
	if !input.DefaultAction.Valid() {
		return nil, ErrInvalidDefaultAction
	}
	if input.QuarantineRetentionDays != nil && *input.QuarantineRetentionDays < 0 {
		return nil, ErrInvalidRetentionDays
	}

	policy, err := s.upsert(name, input)
	if err != nil {
		return nil, err
	}

	writeAudit(s.store, s.log, input.Actor, domain.AuditPolicyUpsert, map[string]interface{}{
		"domain":        name,
		"mode":          input.Mode,
		"defaultAction": input.DefaultAction,
	})

	s.log.Info("domain policy upserted",
		zap.String("domain", name),
		zap.String("mode", string(input.Mode)),
		zap.String("default_action", string(input.DefaultAction)))
	return policy, nil
}

// upsert 执行策略写入。与接收路径的隐式建行并发时以唯一键裁决，
// 输家改走更新路径重试一次。
func (s *PolicyService) upsert(name string, input UpsertPolicyInput) (*domain.DomainPolicy, error) {
	for attempt := 0; ; attempt++ {
		existing, err := s.store.GetPolicy(name)
		switch {
		case err == nil:
			existing.Mode = input.Mode
			existing.DefaultAction = input.DefaultAction
			existing.QuarantineRetentionDays = input.QuarantineRetentionDays
			existing.UpdatedAt = time.Now().UTC()
			if err := s.store.SavePolicy(existing); err != nil {
				return nil, fmt.Errorf("update domain policy: %w", err)
			}
			return existing, nil

		case errors.Is(err, storage.ErrPolicyNotFound):
			fresh := &domain.DomainPolicy{
				Domain:                  name,
				Mode:                    input.Mode,
				DefaultAction:           input.DefaultAction,
				QuarantineRetentionDays: input.QuarantineRetentionDays,
			}
			if err := s.store.SavePolicy(fresh); err != nil {
				if errors.Is(err, storage.ErrPolicyExists) && attempt == 0 {
					continue
				}
				return nil, fmt.Errorf("create domain policy: %w", err)
			}
			return fresh, nil

		default:
			return nil, err
		}
	}
}

// Delete 移除域策略行，该域回到隐式 OPEN/INBOX。
// 只删策略行，域下的规则不受影响。
func (s *PolicyService) Delete(domainName, actor string) error {
	name := strings.ToLower(strings.TrimSpace(domainName))
	if err := domain.ValidateDomainName(name); err != nil {
		return err
	}

	if err := s.store.DeletePolicy(name); err != nil {
		return err
	}

	writeAudit(s.store, s.log, actor, domain.AuditPolicyDelete, map[string]string{
		"domain": name,
	})

	s.log.Info("domain policy deleted", zap.String("domain", name))
	return nil
}
