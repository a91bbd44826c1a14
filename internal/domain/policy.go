package domain

import "time"

// PolicyMode 表示域策略的开放程度。
type PolicyMode string

const (
	// PolicyOpen 开放：无规则命中时走默认动作
	PolicyOpen PolicyMode = "OPEN"
	// PolicyRestricted 受限：必须有 ALLOW 规则命中，否则隔离
	PolicyRestricted PolicyMode = "RESTRICTED"
	// PolicyPaused 暂停：一律丢弃，规则不参与
	PolicyPaused PolicyMode = "PAUSED"
)

// Valid 报告模式是否为已知取值。
func (m PolicyMode) Valid() bool {
	switch m {
	case PolicyOpen, PolicyRestricted, PolicyPaused:
		return true
	}
	return false
}

// DomainPolicy 表示一个收件域的分层策略，每个域恰好一行。
//
// 首次收到未知域的邮件时按 OPEN/INBOX 隐式建行；之后仅由管理员修改，
// 永不自动删除。
type DomainPolicy struct {
	ID                      uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	Domain                  string     `json:"domain" gorm:"type:varchar(253);uniqueIndex;not null"` // 收件域（小写，唯一键）
	Mode                    PolicyMode `json:"mode" gorm:"type:varchar(16);not null"`                // 开放模式
	DefaultAction           Status     `json:"defaultAction" gorm:"type:varchar(16);not null"`       // 无规则命中时的默认动作
	QuarantineRetentionDays *int       `json:"quarantineRetentionDays,omitempty"`                    // 隔离保留天数覆盖（空=用全局值）
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// DefaultDomainPolicy 返回未知域的隐式策略值（OPEN/INBOX）。
// 返回值类型而非指针：调用方拿到的永远是可用的策略快照。
func DefaultDomainPolicy(domain string) DomainPolicy {
	return DomainPolicy{
		Domain:        domain,
		Mode:          PolicyOpen,
		DefaultAction: StatusInbox,
	}
}
