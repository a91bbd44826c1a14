package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

// PlatformUtils 平台兼容性工具。
// 附件文件名来自不可信的邮件内容，写盘前必须经过这里清理。
type PlatformUtils struct{}

// NewPlatformUtils 创建平台工具实例。
func NewPlatformUtils() *PlatformUtils {
	return &PlatformUtils{}
}

// SanitizeFilename 清理文件名，确保跨平台兼容。
func (p *PlatformUtils) SanitizeFilename(filename string) string {
	// 1. 移除路径部分
	filename = filepath.Base(filename)

	// 2. 替换平台不允许的字符
	for _, char := range p.getInvalidChars() {
		filename = strings.ReplaceAll(filename, char, "_")
	}

	// 3. 移除控制字符
	filename = p.removeControlChars(filename)

	// 4. 限制长度（保留扩展名）
	filename = p.limitLength(filename, 200)

	// 5. 移除前后空格和点
	filename = strings.Trim(filename, " .")

	if filename == "" {
		filename = "attachment"
	}
	return filename
}

// getInvalidChars 获取当前平台不允许的字符。
// 控制字符（含 NUL）由 removeControlChars 统一移除，这里不列。
func (p *PlatformUtils) getInvalidChars() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"<", ">", ":", "\"", "|", "?", "*", "\\", "/"}
	case "darwin", "linux":
		return []string{"/"}
	default:
		return []string{"<", ">", ":", "\"", "|", "?", "*", "\\", "/"}
	}
}

// removeControlChars 移除控制字符。
func (p *PlatformUtils) removeControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// limitLength 限制文件名长度，尽量保留扩展名。
func (p *PlatformUtils) limitLength(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	ext := filepath.Ext(s)
	nameWithoutExt := strings.TrimSuffix(s, ext)

	availableLen := maxLen - len(ext)
	if availableLen <= 0 {
		return ext
	}
	return nameWithoutExt[:availableLen] + ext
}

// ValidatePath 验证路径是否安全。
func (p *PlatformUtils) ValidatePath(path string) error {
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: %s", path)
	}
	return nil
}

// IsCaseSensitive 报告当前文件系统是否大小写敏感。
func (p *PlatformUtils) IsCaseSensitive() bool {
	return runtime.GOOS != "windows"
}

// NormalizePath 标准化路径为清理后的绝对路径。
func (p *PlatformUtils) NormalizePath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	cleanPath := filepath.Clean(absPath)
	if !p.IsCaseSensitive() {
		cleanPath = strings.ToLower(cleanPath)
	}
	return cleanPath
}

// IsValidFilename 检查文件名可否直接落盘。
func (p *PlatformUtils) IsValidFilename(filename string) bool {
	if strings.Trim(filename, " .") == "" {
		return false
	}
	for _, char := range p.getInvalidChars() {
		if strings.Contains(filename, char) {
			return false
		}
	}
	return len(filename) <= 255
}
