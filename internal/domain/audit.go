package domain

import "time"

// AuditEntry 表示一条管理操作审计记录。
//
// 每次管理员变更（策略、规则、配置、恢复、删除、解锁）写一行，
// 超过保留期由清扫任务批量清理。
type AuditEntry struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Actor     string    `json:"actor" gorm:"type:varchar(64)"`         // 操作者（admin / system）
	Action    string    `json:"action" gorm:"type:varchar(64);index"`  // 动作标识，如 rule.create
	Detail    string    `json:"detail" gorm:"type:varchar(2000)"`      // 细节（JSON文本）
	CreatedAt time.Time `json:"createdAt" gorm:"index"`
}

// 审计动作标识。
const (
	AuditUnlock         = "admin.unlock"
	AuditPolicyUpsert   = "policy.upsert"
	AuditPolicyDelete   = "policy.delete"
	AuditRuleCreate     = "rule.create"
	AuditRuleUpdate     = "rule.update"
	AuditRuleDelete     = "rule.delete"
	AuditSettingUpdate  = "setting.update"
	AuditMessageRestore = "message.restore"
	AuditMessageDelete  = "message.delete"
	AuditQuarantineWipe = "quarantine.clear"
	AuditManualSweep    = "retention.sweep"
)
