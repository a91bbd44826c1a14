package domain

import "time"

// Status 表示邮件的生命周期状态。
type Status string

const (
	// StatusInbox 正常投递到收件列表
	StatusInbox Status = "INBOX"
	// StatusQuarantine 隔离，待管理员处理
	StatusQuarantine Status = "QUARANTINE"
	// StatusDropped 丢弃，仅保留决策记录
	StatusDropped Status = "DROPPED"
)

// Valid 报告状态是否为已知取值。
func (s Status) Valid() bool {
	switch s {
	case StatusInbox, StatusQuarantine, StatusDropped:
		return true
	}
	return false
}

// Message 表示落入收件槽的一封入站邮件。
//
// 记录在接收时创建一次；状态只会由决策引擎（创建时）或管理员的
// 恢复/删除操作改变，除此之外不可变。删除由保留期清扫或管理员触发。
type Message struct {
	ID               string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Recipient        string       `json:"recipient" gorm:"type:varchar(255);not null"`            // 信封收件人（完整地址）
	RecipientLocal   string       `json:"recipientLocal" gorm:"type:varchar(64);index"`           // 收件人本地部分
	RecipientDomain  string       `json:"recipientDomain" gorm:"type:varchar(253);index"`         // 收件人域名（小写）
	Sender           string       `json:"sender" gorm:"type:varchar(255)"`                        // 发件人地址
	SenderDomain     string       `json:"senderDomain" gorm:"type:varchar(253)"`                  // 发件人域名（小写）
	Subject          string       `json:"subject" gorm:"type:varchar(500)"`                       // 解码后的主题
	MessageID        string       `json:"messageId" gorm:"type:varchar(255)"`                     // Message-ID 头
	Size             int64        `json:"size"`                                                   // 原始邮件大小（字节）
	Status           Status       `json:"status" gorm:"type:varchar(16);index;not null"`          // 生命周期状态
	QuarantineReason string       `json:"quarantineReason,omitempty" gorm:"type:varchar(500)"`    // 隔离原因（人类可读）
	Decision         DecisionMeta `json:"decision" gorm:"serializer:json;type:text"`              // 决策元数据，永不为空
	RawPath          string       `json:"-" gorm:"type:varchar(500)"`                             // 原始 .eml 的相对路径
	HasAttachments   bool         `json:"hasAttachments" gorm:"default:false"`
	ReceivedAt       time.Time    `json:"receivedAt" gorm:"index;not null"`
	// 内容字段（不存数据库，从文件系统加载）
	Raw         string        `json:"raw,omitempty" gorm:"-"`
	Attachments []*Attachment `json:"attachments,omitempty" gorm:"-"`
}

// Visible 报告消息是否出现在查看者的共享列表视图中。
// DROPPED 的记录仅供管理员按状态显式查询。
func (m *Message) Visible() bool {
	return m.Status == StatusInbox || m.Status == StatusQuarantine
}

// DecisionMeta 记录一次分类决策的完整解释。
//
// 命中规则时填充规则四元组；走策略路径时填充 Mode/DefaultAction。
// Reason 对任何已分类的消息都不允许为空。
type DecisionMeta struct {
	RuleID        *uint      `json:"ruleId,omitempty"`        // 命中的规则ID（策略路径为空）
	RuleType      RuleType   `json:"ruleType,omitempty"`      // ALLOW / BLOCK
	MatchField    MatchField `json:"matchField,omitempty"`    // 匹配的字段
	MatchedValue  string     `json:"matchedValue,omitempty"`  // 被匹配到的字段值
	Pattern       string     `json:"pattern,omitempty"`       // 命中时的模式文本
	Reason        string     `json:"reason"`                  // 决策原因
	Mode          PolicyMode `json:"mode,omitempty"`          // 决策时的策略模式
	DefaultAction Status     `json:"defaultAction,omitempty"` // 决策时的策略默认动作
	DecidedAt     time.Time  `json:"decidedAt"`               // 决策时间
}

// IsZero 报告决策元数据是否未填充。
func (m DecisionMeta) IsZero() bool {
	return m.Reason == ""
}
