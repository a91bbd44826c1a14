package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devils-shadow/quail/internal/domain"
)

// Store 文件系统工件存储。
//
// 数据库只保存消息元数据，原始 .eml 与附件载荷存放在这里：
//
//	<base>/raw/<分片>/<消息ID>.eml
//	<base>/attachments/<分片>/<消息ID>/<附件前缀>_<安全文件名>
//
// 分片取消息ID前两个字符，避免单目录条目过多。
type Store struct {
	basePath      string
	platformUtils *PlatformUtils
}

// Stats 工件存储的占用统计。
type Stats struct {
	TotalBytes      int64  `json:"totalBytes"`
	RawCount        int    `json:"rawCount"`
	AttachmentCount int    `json:"attachmentCount"`
	BasePath        string `json:"basePath"`
}

// NewStore 创建文件系统工件存储。
func NewStore(basePath string) (*Store, error) {
	platformUtils := NewPlatformUtils()

	if err := platformUtils.ValidatePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	normalizedPath := platformUtils.NormalizePath(basePath)

	for _, sub := range []string{"raw", "attachments"} {
		if err := os.MkdirAll(filepath.Join(normalizedPath, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create artifact directory: %w", err)
		}
	}

	return &Store{
		basePath:      normalizedPath,
		platformUtils: platformUtils,
	}, nil
}

// BasePath 返回规范化后的存储根目录。
func (s *Store) BasePath() string {
	return s.basePath
}

// ========== 原始邮件 ==========

// SaveRaw 保存原始邮件内容，返回相对存储路径。
func (s *Store) SaveRaw(messageID string, raw []byte) (string, error) {
	rawFile := s.rawPath(messageID)
	if err := os.MkdirAll(filepath.Dir(rawFile), 0755); err != nil {
		return "", fmt.Errorf("failed to create raw directory: %w", err)
	}
	if err := os.WriteFile(rawFile, raw, 0644); err != nil {
		return "", fmt.Errorf("failed to write raw message: %w", err)
	}
	return s.relPath(rawFile), nil
}

// GetRaw 读取原始邮件内容。
func (s *Store) GetRaw(messageID string) ([]byte, error) {
	content, err := os.ReadFile(s.rawPath(messageID))
	if err != nil {
		return nil, fmt.Errorf("failed to read raw message: %w", err)
	}
	return content, nil
}

// ========== 附件载荷 ==========

// SaveAttachment 保存附件载荷，返回相对存储路径。
// 文件名带附件ID前缀并经过清理，同名附件不会互相覆盖。
func (s *Store) SaveAttachment(att *domain.Attachment) (string, error) {
	attachDir := s.attachmentDir(att.MessageID)
	if err := os.MkdirAll(attachDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create attachment directory: %w", err)
	}

	attachFile := filepath.Join(attachDir, s.safeFilename(att.ID, att.Filename))
	if err := os.WriteFile(attachFile, att.Content, 0644); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return s.relPath(attachFile), nil
}

// GetAttachmentContent 按数据库中记录的相对路径读取附件载荷。
func (s *Store) GetAttachmentContent(storedPath string) ([]byte, error) {
	if err := s.platformUtils.ValidatePath(storedPath); err != nil {
		return nil, fmt.Errorf("invalid attachment path: %w", err)
	}
	content, err := os.ReadFile(filepath.Join(s.basePath, storedPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return content, nil
}

// ========== 删除 ==========

// Delete 删除一条消息的全部工件（原始邮件 + 附件目录）。
// 文件不存在视为删除成功，重复删除是无操作。
func (s *Store) Delete(messageID string) error {
	if err := os.Remove(s.rawPath(messageID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete raw message: %w", err)
	}
	if err := os.RemoveAll(s.attachmentDir(messageID)); err != nil {
		return fmt.Errorf("failed to delete attachments: %w", err)
	}
	return nil
}

// ========== 统计 ==========

// GetStats 遍历存储目录并统计占用情况。
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{BasePath: s.basePath}

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // 跳过读不了的条目，继续遍历
		}
		if info.IsDir() {
			return nil
		}
		stats.TotalBytes += info.Size()
		if filepath.Ext(path) == ".eml" {
			stats.RawCount++
		} else if strings.Contains(path, string(filepath.Separator)+"attachments"+string(filepath.Separator)) {
			stats.AttachmentCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ========== 辅助方法 ==========

// rawPath 返回原始邮件的绝对存储路径。
func (s *Store) rawPath(messageID string) string {
	return filepath.Join(s.basePath, "raw", shard(messageID), messageID+".eml")
}

// attachmentDir 返回消息附件目录的绝对路径。
func (s *Store) attachmentDir(messageID string) string {
	return filepath.Join(s.basePath, "attachments", shard(messageID), messageID)
}

// relPath 把绝对路径转成相对 basePath 的存储路径，转换失败时退回绝对路径。
func (s *Store) relPath(absPath string) string {
	rel, err := filepath.Rel(s.basePath, absPath)
	if err != nil {
		return absPath
	}
	return rel
}

// safeFilename 生成带附件ID前缀的安全文件名。
func (s *Store) safeFilename(attachmentID, originalFilename string) string {
	prefix := attachmentID
	if len(attachmentID) > 8 {
		prefix = attachmentID[:8]
	}
	return fmt.Sprintf("%s_%s", prefix, s.platformUtils.SanitizeFilename(originalFilename))
}

// shard 取消息ID前两个字符作为目录分片。
func shard(messageID string) string {
	if len(messageID) < 2 {
		return "00"
	}
	return messageID[:2]
}
