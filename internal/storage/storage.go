package storage

import (
	"errors"
	"time"

	"github.com/devils-shadow/quail/internal/domain"
)

var (
	// ErrMessageNotFound 消息未找到错误
	ErrMessageNotFound = errors.New("message not found")
	// ErrAttachmentNotFound 附件未找到错误
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrPolicyNotFound 域策略未找到错误
	ErrPolicyNotFound = errors.New("domain policy not found")
	// ErrPolicyExists 域策略已存在错误
	ErrPolicyExists = errors.New("domain policy already exists")
	// ErrRuleNotFound 地址规则未找到错误
	ErrRuleNotFound = errors.New("address rule not found")
	// ErrSettingNotFound 设置项未找到错误
	ErrSettingNotFound = errors.New("setting not found")
)

// 列表查询的单页条数约束，各实现统一遵守。
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// MessageQuery 描述一次消息列表查询。
//
// 推送快照、增量补发和拉取回退共用同一个查询路径，
// 保证两种读取方式看到完全一致的结果。
type MessageQuery struct {
	Statuses     []domain.Status // 为空表示 INBOX + QUARANTINE
	Filter       string          // 收件人本地部分精确匹配，空串表示全部
	Domain       string          // 收件域精确匹配，空串表示全部
	BeforeCursor string          // 只返回严格早于该消息 ID 的消息
	Limit        int             // 单页上限，<=0 使用存储默认值
}

// ExpiryQuery 描述一次过期消息扫描。
//
// Cutoff 为排除边界：只命中 received_at 严格早于 Cutoff 的消息，
// 年龄恰好等于保留窗口的消息不会被选中。
type ExpiryQuery struct {
	Statuses       []domain.Status
	Domain         string   // 只扫描该收件域，空串表示不限
	ExcludeDomains []string // 跳过这些收件域（有独立保留期的域走单独扫描）
	Cutoff         time.Time
	Limit          int
}

// DomainCount 表示单个收件域的消息累计量，用于统计视图。
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// MessageRepository 定义消息数据存取操作。
type MessageRepository interface {
	SaveMessage(message *domain.Message) error
	GetMessage(id string) (*domain.Message, error)
	ListMessages(query MessageQuery) ([]domain.Message, error)
	UpdateMessageStatus(id string, status domain.Status, reason string) error
	DeleteMessages(ids []string) (int, error)
	ListExpiredMessages(query ExpiryQuery) ([]domain.Message, error)
	CountMessagesByStatus() (map[domain.Status]int64, error)
	TopRecipientDomains(limit int) ([]DomainCount, error)
	GetAttachment(messageID, attachmentID string) (*domain.Attachment, error)
}

// PolicyRepository 定义域策略数据存取操作。
type PolicyRepository interface {
	SavePolicy(policy *domain.DomainPolicy) error
	GetPolicy(domainName string) (*domain.DomainPolicy, error)
	ListPolicies() ([]domain.DomainPolicy, error)
	DeletePolicy(domainName string) error
	ListQuarantineOverrides() ([]domain.DomainPolicy, error) // 只返回设置了独立隔离保留期的策略
}

// RuleRepository 定义地址规则数据存取操作。
//
// 列表始终按 priority 升序、id 升序返回，判定引擎依赖这个顺序。
type RuleRepository interface {
	SaveRule(rule *domain.AddressRule) error
	GetRule(id uint) (*domain.AddressRule, error)
	ListRules(domainName string) ([]domain.AddressRule, error)
	ListEnabledRules(domainName string) ([]domain.AddressRule, error)
	DeleteRule(id uint) error
}

// SettingRepository 定义运行期设置数据存取操作。
type SettingRepository interface {
	GetSetting(key string) (*domain.Setting, error)
	SaveSetting(setting *domain.Setting) error
	ListSettings() ([]domain.Setting, error)
}

// AuditRepository 定义审计痕迹数据存取操作。
type AuditRepository interface {
	SaveAuditEntry(entry *domain.AuditEntry) error
	ListAuditEntries(limit, offset int) ([]domain.AuditEntry, int, error)
	DeleteAuditEntriesBefore(cutoff time.Time, limit int) (int, error)
}

// EventRepository 定义事件痕迹数据存取操作。
type EventRepository interface {
	SaveEventRecord(record *domain.EventRecord) error
	DeleteEventRecordsBefore(cutoff time.Time, limit int) (int, error)
}

// RateLimitRepository 定义限流操作。
type RateLimitRepository interface {
	IncrementRateLimit(key string, window time.Duration) (int64, error)
	GetRateLimit(key string) (int64, error)
}

// Store 定义完整的存储接口。
type Store interface {
	MessageRepository
	PolicyRepository
	RuleRepository
	SettingRepository
	AuditRepository
	EventRepository
	RateLimitRepository

	// 工具方法
	Close() error
	Health() error
}
