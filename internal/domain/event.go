package domain

import "time"

// EventRecord 表示一条短期的管道事件痕迹。
//
// 由事件总线的记录订阅者异步写入，仅用于排障回溯；
// 保留期很短（默认1天），由清扫任务清理。
type EventRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Kind      string    `json:"kind" gorm:"type:varchar(32);index"`   // 事件类型
	MessageID string    `json:"messageId" gorm:"type:varchar(36)"`    // 相关消息ID（批量删除时为空）
	Payload   string    `json:"payload" gorm:"type:varchar(2000)"`    // 事件内容（JSON文本）
	CreatedAt time.Time `json:"createdAt" gorm:"index"`
}
