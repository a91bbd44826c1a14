package domain

import "time"

// RuleType 表示规则的类别。类别只决定管理界面上的默认动作，
// 评估时一律以规则自身配置的动作为准。
type RuleType string

const (
	RuleAllow RuleType = "ALLOW"
	RuleBlock RuleType = "BLOCK"
)

// Valid 报告规则类别是否为已知取值。
func (t RuleType) Valid() bool {
	return t == RuleAllow || t == RuleBlock
}

// MatchField 表示规则作用的消息字段。
type MatchField string

const (
	FieldRecipientLocal MatchField = "RECIPIENT_LOCALPART"
	FieldSenderAddress  MatchField = "SENDER_ADDRESS"
	FieldSenderDomain   MatchField = "SENDER_DOMAIN"
	FieldSubject        MatchField = "SUBJECT"
)

// Valid 报告匹配字段是否为已知取值。
func (f MatchField) Valid() bool {
	switch f {
	case FieldRecipientLocal, FieldSenderAddress, FieldSenderDomain, FieldSubject:
		return true
	}
	return false
}

// AddressRule 表示一个域下的地址/内容规则。
//
// 规则读多写少：模式文本存库，编译结果由模式缓存独立持有。
// 同一域内按 (priority 升序, id 升序) 构成严格全序，首个命中即生效。
type AddressRule struct {
	ID        uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	Domain    string     `json:"domain" gorm:"type:varchar(253);index:idx_rules_domain;not null"` // 所属收件域
	Type      RuleType   `json:"type" gorm:"type:varchar(8);not null"`                            // ALLOW / BLOCK
	Field     MatchField `json:"field" gorm:"type:varchar(32);not null"`                          // 匹配字段
	Pattern   string     `json:"pattern" gorm:"type:varchar(500);not null"`                       // 正则模式文本
	Priority  int        `json:"priority" gorm:"not null;default:100"`                            // 越小越先评估
	Action    Status     `json:"action" gorm:"type:varchar(16);not null"`                         // 命中后的动作
	Enabled   bool       `json:"enabled" gorm:"not null;default:true"`                            // 停用的规则不参与评估
	Note      string     `json:"note" gorm:"type:varchar(255)"`                                   // 管理员备注
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// DefaultAction 返回规则类别对应的默认动作，供创建时未显式指定动作使用。
func (t RuleType) DefaultAction() Status {
	if t == RuleBlock {
		return StatusQuarantine
	}
	return StatusInbox
}
