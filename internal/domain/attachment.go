package domain

// Attachment 表示从邮件中提取出的附件。
type Attachment struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(36)"`            // 附件唯一标识
	MessageID   string `json:"messageId" gorm:"type:varchar(36);index;not null"` // 所属邮件ID
	Filename    string `json:"filename" gorm:"type:varchar(255)"`                // 原始文件名
	ContentType string `json:"contentType" gorm:"type:varchar(100)"`             // MIME类型（小写）
	Size        int64  `json:"size"`                                             // 大小（字节）
	StoredPath  string `json:"-" gorm:"type:varchar(500)"`                       // 载荷存储的相对路径
	Content     []byte `json:"-" gorm:"-"`                                       // 载荷内容（不存数据库）
}
