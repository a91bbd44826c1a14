package hybrid

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/config"
	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/storage"
	"github.com/devils-shadow/quail/internal/storage/redis"
	sqlstore "github.com/devils-shadow/quail/internal/storage/sql"
)

// Store 生产环境存储：SQL 持久化 + Redis 热读缓存。
//
// 决策热路径（域策略、启用规则、设置）走 cache-aside 读缓存，
// 写路径同步失效对应的键；其余操作直通 SQL 存储。
// 限流计数放 Redis（原子递增且自带过期）。
type Store struct {
	sql   *sqlstore.Store
	cache *redis.Cache
	rdb   *redis.Client
	log   *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建混合存储实例。
func NewStore(dbCfg *config.DatabaseConfig, redisCfg *config.RedisConfig, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	sqlStore, err := sqlstore.NewStore(dbCfg.Type, dbCfg.DSN, dbCfg.MaxOpenConns, dbCfg.MaxIdleConns, dbCfg.ConnMaxLifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	rdb, err := redis.New(redisCfg, log)
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	return &Store{
		sql:   sqlStore,
		cache: redis.NewCache(rdb),
		rdb:   rdb,
		log:   log,
	}, nil
}

// Close 关闭全部底层连接。
func (s *Store) Close() error {
	redisErr := s.rdb.Close()
	sqlErr := s.sql.Close()
	if sqlErr != nil {
		return sqlErr
	}
	return redisErr
}

// Health 检查底层存储健康状态，数据库为准、缓存故障只降级。
func (s *Store) Health() error {
	return s.sql.Health()
}

// ========== 消息操作（直通 SQL） ==========

// SaveMessage 保存消息及其附件元数据。
func (s *Store) SaveMessage(message *domain.Message) error {
	return s.sql.SaveMessage(message)
}

// GetMessage 获取单条消息。
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	return s.sql.GetMessage(id)
}

// ListMessages 按查询条件返回消息列表。
// 列表随时在变且订阅端有自己的快照机制，不走缓存。
func (s *Store) ListMessages(query storage.MessageQuery) ([]domain.Message, error) {
	return s.sql.ListMessages(query)
}

// UpdateMessageStatus 修改消息状态。
func (s *Store) UpdateMessageStatus(id string, status domain.Status, reason string) error {
	return s.sql.UpdateMessageStatus(id, status, reason)
}

// DeleteMessages 批量删除消息。
func (s *Store) DeleteMessages(ids []string) (int, error) {
	return s.sql.DeleteMessages(ids)
}

// ListExpiredMessages 返回到期消息。
func (s *Store) ListExpiredMessages(query storage.ExpiryQuery) ([]domain.Message, error) {
	return s.sql.ListExpiredMessages(query)
}

// CountMessagesByStatus 按状态统计消息数量。
func (s *Store) CountMessagesByStatus() (map[domain.Status]int64, error) {
	return s.sql.CountMessagesByStatus()
}

// TopRecipientDomains 按消息量降序返回收件域计数。
func (s *Store) TopRecipientDomains(limit int) ([]storage.DomainCount, error) {
	return s.sql.TopRecipientDomains(limit)
}

// GetAttachment 获取附件元数据。
func (s *Store) GetAttachment(messageID, attachmentID string) (*domain.Attachment, error) {
	return s.sql.GetAttachment(messageID, attachmentID)
}

// ========== 域策略操作（热读缓存） ==========

// SavePolicy 保存域策略并失效缓存。
func (s *Store) SavePolicy(policy *domain.DomainPolicy) error {
	if err := s.sql.SavePolicy(policy); err != nil {
		return err
	}
	s.invalidatePolicy(policy.Domain)
	return nil
}

// GetPolicy 按域名获取策略，cache-aside。
func (s *Store) GetPolicy(domainName string) (*domain.DomainPolicy, error) {
	if policy, err := s.cache.GetCachedPolicy(domainName); err == nil {
		return policy, nil
	}

	policy, err := s.sql.GetPolicy(domainName)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CachePolicy(policy, redis.PolicyTTL); err != nil {
		s.log.Warn("failed to cache domain policy", zap.String("domain", domainName), zap.Error(err))
	}
	return policy, nil
}

// ListPolicies 返回全部域策略。
func (s *Store) ListPolicies() ([]domain.DomainPolicy, error) {
	return s.sql.ListPolicies()
}

// DeletePolicy 删除域策略并失效缓存。
func (s *Store) DeletePolicy(domainName string) error {
	if err := s.sql.DeletePolicy(domainName); err != nil {
		return err
	}
	s.invalidatePolicy(domainName)
	return nil
}

// ListQuarantineOverrides 返回设置了独立隔离保留期的策略。
func (s *Store) ListQuarantineOverrides() ([]domain.DomainPolicy, error) {
	return s.sql.ListQuarantineOverrides()
}

// ========== 地址规则操作（热读缓存） ==========

// SaveRule 保存规则并失效所属域的规则缓存。
func (s *Store) SaveRule(rule *domain.AddressRule) error {
	if err := s.sql.SaveRule(rule); err != nil {
		return err
	}
	s.invalidateRules(rule.Domain)
	return nil
}

// GetRule 获取单条规则。
func (s *Store) GetRule(id uint) (*domain.AddressRule, error) {
	return s.sql.GetRule(id)
}

// ListRules 返回规则列表（管理页面用，不缓存）。
func (s *Store) ListRules(domainName string) ([]domain.AddressRule, error) {
	return s.sql.ListRules(domainName)
}

// ListEnabledRules 返回域下启用规则，cache-aside。
func (s *Store) ListEnabledRules(domainName string) ([]domain.AddressRule, error) {
	if rules, err := s.cache.GetCachedEnabledRules(domainName); err == nil {
		return rules, nil
	}

	rules, err := s.sql.ListEnabledRules(domainName)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheEnabledRules(domainName, rules, redis.RulesTTL); err != nil {
		s.log.Warn("failed to cache enabled rules", zap.String("domain", domainName), zap.Error(err))
	}
	return rules, nil
}

// DeleteRule 删除规则并失效所属域的规则缓存。
func (s *Store) DeleteRule(id uint) error {
	rule, err := s.sql.GetRule(id)
	if err != nil {
		return err
	}
	if err := s.sql.DeleteRule(id); err != nil {
		return err
	}
	s.invalidateRules(rule.Domain)
	return nil
}

// ========== 设置操作（热读缓存） ==========

// GetSetting 获取设置，cache-aside。
func (s *Store) GetSetting(key string) (*domain.Setting, error) {
	if setting, err := s.cache.GetCachedSetting(key); err == nil {
		return setting, nil
	}

	setting, err := s.sql.GetSetting(key)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheSetting(setting, redis.SettingTTL); err != nil {
		s.log.Warn("failed to cache setting", zap.String("key", key), zap.Error(err))
	}
	return setting, nil
}

// SaveSetting 写入设置并失效缓存。
func (s *Store) SaveSetting(setting *domain.Setting) error {
	if err := s.sql.SaveSetting(setting); err != nil {
		return err
	}
	if err := s.cache.InvalidateSetting(setting.Key); err != nil {
		s.log.Warn("failed to invalidate setting cache", zap.String("key", setting.Key), zap.Error(err))
	}
	return nil
}

// ListSettings 返回全部设置。
func (s *Store) ListSettings() ([]domain.Setting, error) {
	return s.sql.ListSettings()
}

// ========== 审计与事件痕迹（直通 SQL） ==========

// SaveAuditEntry 追加审计记录。
func (s *Store) SaveAuditEntry(entry *domain.AuditEntry) error {
	return s.sql.SaveAuditEntry(entry)
}

// ListAuditEntries 返回审计记录和总数。
func (s *Store) ListAuditEntries(limit, offset int) ([]domain.AuditEntry, int, error) {
	return s.sql.ListAuditEntries(limit, offset)
}

// DeleteAuditEntriesBefore 批量清理旧审计记录。
func (s *Store) DeleteAuditEntriesBefore(cutoff time.Time, limit int) (int, error) {
	return s.sql.DeleteAuditEntriesBefore(cutoff, limit)
}

// SaveEventRecord 追加事件痕迹。
func (s *Store) SaveEventRecord(record *domain.EventRecord) error {
	return s.sql.SaveEventRecord(record)
}

// DeleteEventRecordsBefore 批量清理旧事件痕迹。
func (s *Store) DeleteEventRecordsBefore(cutoff time.Time, limit int) (int, error) {
	return s.sql.DeleteEventRecordsBefore(cutoff, limit)
}

// ========== 限流操作（走 Redis） ==========

// IncrementRateLimit 递增限流计数。
func (s *Store) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	return s.cache.IncrementRateLimit(key, window)
}

// GetRateLimit 返回当前窗口内的计数。
func (s *Store) GetRateLimit(key string) (int64, error) {
	return s.cache.GetRateLimit(key)
}

// ========== 缓存失效 ==========

func (s *Store) invalidatePolicy(domainName string) {
	if err := s.cache.InvalidatePolicy(domainName); err != nil {
		s.log.Warn("failed to invalidate policy cache", zap.String("domain", domainName), zap.Error(err))
	}
}

func (s *Store) invalidateRules(domainName string) {
	if err := s.cache.InvalidateRules(domainName); err != nil {
		s.log.Warn("failed to invalidate rules cache", zap.String("domain", domainName), zap.Error(err))
	}
}
