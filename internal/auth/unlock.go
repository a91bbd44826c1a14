package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/devils-shadow/quail/internal/config"
	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/monitoring"
	"github.com/devils-shadow/quail/internal/storage"
)

var (
	// ErrPINNotConfigured 管理口令未配置，解锁不可用
	ErrPINNotConfigured = errors.New("admin PIN not configured")
	// ErrInvalidPIN 口令错误
	ErrInvalidPIN = errors.New("invalid PIN")
	// ErrTooManyAttempts 解锁尝试超限
	ErrTooManyAttempts = errors.New("too many unlock attempts")
)

// UnlockResult 解锁成功后的会话信息。
type UnlockResult struct {
	Token     string `json:"token"`
	TokenType string `json:"tokenType"`
	ExpiresIn int64  `json:"expiresIn"` // 秒
}

// UnlockService 用管理口令换取会话令牌。
//
// 口令哈希存放在 settings 表（admin_pin_hash），限流计数走存储层，
// 多副本部署时计数仍然全局一致。
type UnlockService struct {
	store    storage.Store
	sessions *SessionManager
	cfg      config.AdminConfig
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewUnlockService 创建解锁服务。
func NewUnlockService(store storage.Store, sessions *SessionManager, cfg config.AdminConfig, metrics *monitoring.Metrics, log *zap.Logger) *UnlockService {
	if log == nil {
		log = zap.NewNop()
	}
	return &UnlockService{
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		metrics:  metrics,
		log:      log,
	}
}

// Unlock 校验口令并签发会话令牌。
//
// 成功与失败都占用尝试额度：窗口内超过 MaxAttempts 次后一律拒绝，
// 不再触碰口令哈希，避免被在线穷举。
func (s *UnlockService) Unlock(clientIP, pin string) (*UnlockResult, error) {
	key := "unlock:" + clientIP
	count, err := s.store.IncrementRateLimit(key, s.cfg.AttemptWindow)
	if err != nil {
		// 限流计数故障时放行校验：可用性优先于精确限流
		s.log.Warn("unlock rate limit unavailable", zap.Error(err))
	} else if count > int64(s.cfg.MaxAttempts) {
		s.recordAttempt("rate_limited")
		s.log.Warn("unlock attempt rate limited",
			zap.String("ip", clientIP),
			zap.Int64("attempts", count))
		return nil, ErrTooManyAttempts
	}

	hash, err := s.pinHash()
	if err != nil {
		s.recordAttempt("not_configured")
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		s.recordAttempt("invalid_pin")
		s.log.Warn("unlock attempt with invalid PIN", zap.String("ip", clientIP))
		return nil, ErrInvalidPIN
	}

	token, expiresIn, err := s.sessions.IssueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	s.audit(clientIP)
	s.recordAttempt("success")
	s.log.Info("admin session unlocked", zap.String("ip", clientIP))

	return &UnlockResult{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: expiresIn,
	}, nil
}

// pinHash 读取口令哈希，缺失或为空视为未配置。
func (s *UnlockService) pinHash() (string, error) {
	setting, err := s.store.GetSetting(domain.SettingAdminPINHash)
	if err != nil {
		if errors.Is(err, storage.ErrSettingNotFound) {
			return "", ErrPINNotConfigured
		}
		return "", fmt.Errorf("failed to load PIN hash: %w", err)
	}
	if setting.Value == "" {
		return "", ErrPINNotConfigured
	}
	return setting.Value, nil
}

// audit 记录一次成功解锁。
func (s *UnlockService) audit(clientIP string) {
	detail, _ := json.Marshal(map[string]string{"ip": clientIP})
	entry := &domain.AuditEntry{
		Actor:     "admin",
		Action:    domain.AuditUnlock,
		Detail:    string(detail),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveAuditEntry(entry); err != nil {
		s.log.Error("failed to write unlock audit entry", zap.Error(err))
	}
}

func (s *UnlockService) recordAttempt(result string) {
	if s.metrics != nil {
		s.metrics.RecordUnlockAttempt(result)
	}
}

// HashPIN 生成口令的 bcrypt 哈希，供 cmd/set-pin 与测试使用。
func HashPIN(pin string) (string, error) {
	if err := domain.ValidatePIN(pin); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
