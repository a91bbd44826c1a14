package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/storage"
)

var (
	// ErrUnknownSettingKey 非本系统定义的配置键
	ErrUnknownSettingKey = errors.New("unknown setting key")
	// ErrProtectedSetting 不允许通过设置接口修改的键（口令哈希走 set-pin）
	ErrProtectedSetting = errors.New("setting is protected")
	// ErrInvalidSettingValue 配置值没有通过校验
	ErrInvalidSettingValue = errors.New("invalid setting value")
)

// SettingsService 管理运行期可调的键值配置。
//
// 只接受预定义的键，值在写入前按键的语义校验；
// 混合存储的写路径自带缓存失效，决策端读到的总是新值。
type SettingsService struct {
	store storage.Store
	log   *zap.Logger
}

// NewSettingsService 创建设置服务。
func NewSettingsService(store storage.Store, log *zap.Logger) *SettingsService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SettingsService{store: store, log: log}
}

// List 返回全部运行期设置。口令哈希不出现在任何读取接口里。
func (s *SettingsService) List() ([]domain.Setting, error) {
	settings, err := s.store.ListSettings()
	if err != nil {
		return nil, err
	}

	visible := settings[:0]
	for _, setting := range settings {
		if setting.Key == domain.SettingAdminPINHash {
			continue
		}
		visible = append(visible, setting)
	}
	return visible, nil
}

// Update 批量更新设置。任何一个键或值非法时整批拒绝，落库前不产生部分写。
func (s *SettingsService) Update(values map[string]string, actor string) ([]domain.Setting, error) {
	if len(values) == 0 {
		return s.List()
	}

	normalized := make(map[string]string, len(values))
	for key, value := range values {
		if !domain.KnownSettingKey(key) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSettingKey, key)
		}
		if key == domain.SettingAdminPINHash {
			return nil, ErrProtectedSetting
		}
		clean, err := normalizeSettingValue(key, value)
		if err != nil {
			return nil, err
		}
		normalized[key] = clean
	}

	now := time.Now().UTC()
	changed := make([]string, 0, len(normalized))
	for key, value := range normalized {
		if err := s.store.SaveSetting(&domain.Setting{Key: key, Value: value, UpdatedAt: now}); err != nil {
			return nil, fmt.Errorf("save setting %s: %w", key, err)
		}
		changed = append(changed, key)
	}

	writeAudit(s.store, s.log, actor, domain.AuditSettingUpdate, map[string]interface{}{
		"keys": changed,
	})

	s.log.Info("settings updated", zap.Strings("keys", changed))
	return s.List()
}

// normalizeSettingValue 按键的语义校验并规范化配置值。
func normalizeSettingValue(key, value string) (string, error) {
	value = strings.TrimSpace(value)

	switch key {
	case domain.SettingInboxRetentionDays, domain.SettingQuarantineRetentionDays:
		days, err := strconv.Atoi(value)
		if err != nil || days < 0 {
			return "", fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidSettingValue, key)
		}
		return strconv.Itoa(days), nil

	case domain.SettingAllowHTML:
		allowed, err := strconv.ParseBool(value)
		if err != nil {
			return "", fmt.Errorf("%w: %s must be a boolean", ErrInvalidSettingValue, key)
		}
		return strconv.FormatBool(allowed), nil

	case domain.SettingAllowedAttachmentTypes:
		items := strings.Split(value, ",")
		types := make([]string, 0, len(items))
		for _, item := range items {
			t := strings.ToLower(strings.TrimSpace(item))
			if t == "" {
				continue
			}
			// 只接受 type/subtype 形式的完整 MIME 类型
			if slash := strings.IndexByte(t, '/'); slash <= 0 || slash == len(t)-1 {
				return "", fmt.Errorf("%w: %q is not a MIME type", ErrInvalidSettingValue, t)
			}
			types = append(types, t)
		}
		if len(types) == 0 {
			return "", fmt.Errorf("%w: %s must list at least one MIME type", ErrInvalidSettingValue, key)
		}
		return strings.Join(types, ","), nil
	}

	return value, nil
}
