package domain

import "time"

// Setting 表示一项运行期可调的键值配置。
type Setting struct {
	Key       string    `json:"key" gorm:"primaryKey;type:varchar(64)"`
	Value     string    `json:"value" gorm:"type:varchar(1000)"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// 已知的配置键。
const (
	// SettingInboxRetentionDays 收件消息的保留天数
	SettingInboxRetentionDays = "inbox_retention_days"
	// SettingQuarantineRetentionDays 隔离/丢弃消息的保留天数（可被域策略覆盖）
	SettingQuarantineRetentionDays = "quarantine_retention_days"
	// SettingAllowedAttachmentTypes 允许的附件MIME类型（逗号分隔）
	SettingAllowedAttachmentTypes = "allowed_attachment_types"
	// SettingAllowHTML 是否在查看器中渲染HTML正文
	SettingAllowHTML = "allow_html"
	// SettingAdminPINHash 管理口令的bcrypt哈希；为空时管理接口不可解锁
	SettingAdminPINHash = "admin_pin_hash"
)

// DefaultSettings 返回全部配置键的种子默认值。
// cmd/migrate 与存储初始化用它补齐缺失的键，已有值不会被覆盖。
func DefaultSettings() map[string]string {
	return map[string]string{
		SettingInboxRetentionDays:      "30",
		SettingQuarantineRetentionDays: "7",
		SettingAllowedAttachmentTypes:  "text/plain,text/html,image/png,image/jpeg,image/gif,application/pdf",
		SettingAllowHTML:               "true",
		SettingAdminPINHash:            "",
	}
}

// KnownSettingKey 报告键是否为本系统定义的配置键。
func KnownSettingKey(key string) bool {
	_, ok := DefaultSettings()[key]
	return ok
}
