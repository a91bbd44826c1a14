package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"    // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib"    // PostgreSQL driver (pgx)
	_ "github.com/mattn/go-sqlite3"       // SQLite driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/storage"
)

// Store SQL 数据库存储实现（支持 PostgreSQL、MySQL 5.7+ 和 SQLite）。
//
// 连接由 database/sql 打开并配置连接池，GORM 挂在既有连接之上，
// 负责迁移和常规 CRUD；个别批量语句走原生 SQL。
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "postgres" / "mysql" / "sqlite"
}

// rateLimitEntry 限流计数行（redis 不可用时的降级实现）。
type rateLimitEntry struct {
	Key       string    `gorm:"primaryKey;type:varchar(128);column:key"`
	Count     int64     `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index"`
}

// TableName 指定限流表名。
func (rateLimitEntry) TableName() string {
	return "rate_limits"
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建 SQL 数据库存储。
func NewStore(
	dbType string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	driverName, err := sqlDriverName(dbType)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	}

	gormDB, err := gorm.Open(dialectorFor(dbType, db), gormConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: dbType,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// sqlDriverName 把配置里的数据库类型映射到注册的驱动名。
func sqlDriverName(dbType string) (string, error) {
	switch dbType {
	case "postgres":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	case "sqlite":
		return "sqlite3", nil
	}
	return "", fmt.Errorf("unsupported database type: %s (supported: postgres, mysql, sqlite)", dbType)
}

// dialectorFor 返回挂在既有连接上的 GORM dialector。
func dialectorFor(dbType string, db *sql.DB) gorm.Dialector {
	switch dbType {
	case "mysql":
		return mysql.New(mysql.Config{Conn: db})
	case "sqlite":
		return sqlite.Dialector{Conn: db}
	default:
		return postgres.New(postgres.Config{Conn: db})
	}
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态。
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// migrate 执行表结构迁移并补齐缺失的默认设置。
func (s *Store) migrate() error {
	if err := s.gormDB.AutoMigrate(
		&domain.Message{},
		&domain.Attachment{},
		&domain.DomainPolicy{},
		&domain.AddressRule{},
		&domain.Setting{},
		&domain.AuditEntry{},
		&domain.EventRecord{},
		&rateLimitEntry{},
	); err != nil {
		return err
	}
	return s.seedSettings()
}

// seedSettings 写入缺失的默认设置，已有值不覆盖。
func (s *Store) seedSettings() error {
	for key, value := range domain.DefaultSettings() {
		setting := domain.Setting{Key: key, Value: value}
		if err := s.gormDB.Clauses(clause.OnConflict{DoNothing: true}).Create(&setting).Error; err != nil {
			return err
		}
	}
	return nil
}

// placeholder 根据数据库类型返回第 n 个占位符。
func (s *Store) placeholder(n int) string {
	if s.driverName == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// ========== 消息操作 ==========

// SaveMessage 保存消息及其附件元数据。
func (s *Store) SaveMessage(message *domain.Message) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		for _, att := range message.Attachments {
			att.MessageID = message.ID
			if err := tx.Create(att).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMessage 获取单条消息（含附件元数据，不含载荷）。
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	var message domain.Message
	if err := s.gormDB.Where("id = ?", id).First(&message).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}

	var attachments []*domain.Attachment
	if err := s.gormDB.Where("message_id = ?", id).Order("id ASC").Find(&attachments).Error; err != nil {
		return nil, err
	}
	message.Attachments = attachments
	return &message, nil
}

// ListMessages 按查询条件返回消息列表，新者在前。
func (s *Store) ListMessages(query storage.MessageQuery) ([]domain.Message, error) {
	statuses := query.Statuses
	if len(statuses) == 0 {
		statuses = []domain.Status{domain.StatusInbox, domain.StatusQuarantine}
	}

	tx := s.gormDB.Where("status IN ?", statuses)
	if query.Filter != "" {
		tx = tx.Where("recipient_local = ?", query.Filter)
	}
	if query.Domain != "" {
		tx = tx.Where("recipient_domain = ?", strings.ToLower(query.Domain))
	}
	if query.BeforeCursor != "" {
		tx = tx.Where("id < ?", query.BeforeCursor)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if limit > storage.MaxListLimit {
		limit = storage.MaxListLimit
	}

	var messages []domain.Message
	err := tx.Order("id DESC").Limit(limit).Find(&messages).Error
	return messages, err
}

// UpdateMessageStatus 修改消息状态和隔离原因。
func (s *Store) UpdateMessageStatus(id string, status domain.Status, reason string) error {
	result := s.gormDB.Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":            status,
			"quarantine_reason": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// DeleteMessages 批量删除消息行及附件元数据，返回实际删除的消息数。
// 不存在的 ID 被跳过，重复删除是无操作。
func (s *Store) DeleteMessages(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id IN ?", ids).Delete(&domain.Attachment{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&domain.Message{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	return int(deleted), err
}

// ListExpiredMessages 返回严格早于截止时间的消息，旧者在前。
func (s *Store) ListExpiredMessages(query storage.ExpiryQuery) ([]domain.Message, error) {
	if len(query.Statuses) == 0 {
		return nil, nil
	}

	tx := s.gormDB.Where("status IN ?", query.Statuses).
		Where("received_at < ?", query.Cutoff)
	if query.Domain != "" {
		tx = tx.Where("recipient_domain = ?", strings.ToLower(query.Domain))
	}
	if len(query.ExcludeDomains) > 0 {
		tx = tx.Where("recipient_domain NOT IN ?", query.ExcludeDomains)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	var messages []domain.Message
	err := tx.Order("received_at ASC").Limit(limit).Find(&messages).Error
	return messages, err
}

// CountMessagesByStatus 按状态统计消息数量。
func (s *Store) CountMessagesByStatus() (map[domain.Status]int64, error) {
	var rows []struct {
		Status domain.Status
		Total  int64
	}
	err := s.gormDB.Model(&domain.Message{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.Status]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// TopRecipientDomains 按消息量降序返回收件域计数。
func (s *Store) TopRecipientDomains(limit int) ([]storage.DomainCount, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	var rows []storage.DomainCount
	err := s.gormDB.Model(&domain.Message{}).
		Select("recipient_domain AS domain, COUNT(*) AS count").
		Group("recipient_domain").
		Order("count DESC, recipient_domain ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetAttachment 获取附件元数据。
func (s *Store) GetAttachment(messageID, attachmentID string) (*domain.Attachment, error) {
	var attachment domain.Attachment
	err := s.gormDB.Where("id = ? AND message_id = ?", attachmentID, messageID).First(&attachment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAttachmentNotFound
		}
		return nil, err
	}
	return &attachment, nil
}

// ========== 域策略操作 ==========

// SavePolicy 保存域策略。ID 为零时新建（域名冲突返回 ErrPolicyExists），
// 否则更新既有行。
func (s *Store) SavePolicy(policy *domain.DomainPolicy) error {
	policy.Domain = strings.ToLower(policy.Domain)

	if policy.ID == 0 {
		if err := s.gormDB.Create(policy).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return storage.ErrPolicyExists
			}
			return err
		}
		return nil
	}

	var existing domain.DomainPolicy
	if err := s.gormDB.Where("id = ?", policy.ID).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrPolicyNotFound
		}
		return err
	}
	policy.CreatedAt = existing.CreatedAt
	return s.gormDB.Save(policy).Error
}

// GetPolicy 按域名获取策略。
func (s *Store) GetPolicy(domainName string) (*domain.DomainPolicy, error) {
	var policy domain.DomainPolicy
	err := s.gormDB.Where("domain = ?", strings.ToLower(domainName)).First(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrPolicyNotFound
		}
		return nil, err
	}
	return &policy, nil
}

// ListPolicies 返回全部域策略，按域名排序。
func (s *Store) ListPolicies() ([]domain.DomainPolicy, error) {
	var policies []domain.DomainPolicy
	err := s.gormDB.Order("domain ASC").Find(&policies).Error
	return policies, err
}

// DeletePolicy 删除域策略。
func (s *Store) DeletePolicy(domainName string) error {
	result := s.gormDB.Where("domain = ?", strings.ToLower(domainName)).Delete(&domain.DomainPolicy{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrPolicyNotFound
	}
	return nil
}

// ListQuarantineOverrides 返回设置了独立隔离保留期的策略。
func (s *Store) ListQuarantineOverrides() ([]domain.DomainPolicy, error) {
	var policies []domain.DomainPolicy
	err := s.gormDB.Where("quarantine_retention_days IS NOT NULL").Order("domain ASC").Find(&policies).Error
	return policies, err
}

// ========== 地址规则操作 ==========

// SaveRule 保存地址规则。ID 为零时新建，否则整行更新。
func (s *Store) SaveRule(rule *domain.AddressRule) error {
	rule.Domain = strings.ToLower(rule.Domain)

	if rule.ID == 0 {
		return s.gormDB.Create(rule).Error
	}

	var existing domain.AddressRule
	if err := s.gormDB.Where("id = ?", rule.ID).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrRuleNotFound
		}
		return err
	}
	rule.CreatedAt = existing.CreatedAt
	// Save 全字段更新，Enabled=false 也会正确落库
	return s.gormDB.Save(rule).Error
}

// GetRule 获取单条规则。
func (s *Store) GetRule(id uint) (*domain.AddressRule, error) {
	var rule domain.AddressRule
	err := s.gormDB.Where("id = ?", id).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// ListRules 返回规则列表（domainName 为空时返回全部），按评估顺序排序。
func (s *Store) ListRules(domainName string) ([]domain.AddressRule, error) {
	tx := s.gormDB.Order("priority ASC, id ASC")
	if domainName != "" {
		tx = tx.Where("domain = ?", strings.ToLower(domainName))
	}
	var rules []domain.AddressRule
	err := tx.Find(&rules).Error
	return rules, err
}

// ListEnabledRules 返回域下全部启用规则，按评估顺序排序。
func (s *Store) ListEnabledRules(domainName string) ([]domain.AddressRule, error) {
	var rules []domain.AddressRule
	err := s.gormDB.Where("domain = ? AND enabled = ?", strings.ToLower(domainName), true).
		Order("priority ASC, id ASC").
		Find(&rules).Error
	return rules, err
}

// DeleteRule 删除规则。
func (s *Store) DeleteRule(id uint) error {
	result := s.gormDB.Where("id = ?", id).Delete(&domain.AddressRule{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrRuleNotFound
	}
	return nil
}

// ========== 设置操作 ==========

// GetSetting 获取单项设置。
func (s *Store) GetSetting(key string) (*domain.Setting, error) {
	var setting domain.Setting
	err := s.gormDB.Where("key = ?", key).First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrSettingNotFound
		}
		return nil, err
	}
	return &setting, nil
}

// SaveSetting 写入设置（插入或整行覆盖）。
func (s *Store) SaveSetting(setting *domain.Setting) error {
	setting.UpdatedAt = time.Now().UTC()
	return s.gormDB.Clauses(clause.OnConflict{UpdateAll: true}).Create(setting).Error
}

// ListSettings 返回全部设置，按键排序。
func (s *Store) ListSettings() ([]domain.Setting, error) {
	var settings []domain.Setting
	err := s.gormDB.Order("key ASC").Find(&settings).Error
	return settings, err
}

// ========== 审计操作 ==========

// SaveAuditEntry 追加一条审计记录。
func (s *Store) SaveAuditEntry(entry *domain.AuditEntry) error {
	return s.gormDB.Create(entry).Error
}

// ListAuditEntries 返回审计记录（新者在前）和总数。
func (s *Store) ListAuditEntries(limit, offset int) ([]domain.AuditEntry, int, error) {
	var total int64
	if err := s.gormDB.Model(&domain.AuditEntry{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var entries []domain.AuditEntry
	err := s.gormDB.Order("id DESC").Limit(limit).Offset(offset).Find(&entries).Error
	return entries, int(total), err
}

// DeleteAuditEntriesBefore 批量删除早于截止时间的审计记录。
func (s *Store) DeleteAuditEntriesBefore(cutoff time.Time, limit int) (int, error) {
	return s.deleteOldRows("audit_entries", cutoff, limit)
}

// ========== 事件痕迹操作 ==========

// SaveEventRecord 追加一条事件痕迹。
func (s *Store) SaveEventRecord(record *domain.EventRecord) error {
	return s.gormDB.Create(record).Error
}

// DeleteEventRecordsBefore 批量删除早于截止时间的事件痕迹。
func (s *Store) DeleteEventRecordsBefore(cutoff time.Time, limit int) (int, error) {
	return s.deleteOldRows("event_records", cutoff, limit)
}

// deleteOldRows 按创建时间批量删除旧行。
// MySQL 不支持对同表子查询直接 LIMIT，统一套一层派生表。
func (s *Store) deleteOldRows(table string, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE id IN (SELECT id FROM (SELECT id FROM %s WHERE created_at < %s ORDER BY id ASC LIMIT %s) AS expired)",
		table, table, s.placeholder(1), s.placeholder(2),
	)
	result := s.gormDB.Exec(query, cutoff, limit)
	return int(result.RowsAffected), result.Error
}

// ========== 限流操作 ==========

// IncrementRateLimit 递增限流计数，窗口过期后重新计数。
func (s *Store) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	var count int64
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var entry rateLimitEntry
		err := tx.Where("key = ?", key).First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && now.After(entry.ExpiresAt)) {
			entry = rateLimitEntry{Key: key, Count: 1, ExpiresAt: now.Add(window)}
			count = 1
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error
		}
		if err != nil {
			return err
		}

		entry.Count++
		count = entry.Count
		return tx.Save(&entry).Error
	})
	return count, err
}

// GetRateLimit 返回当前窗口内的计数，窗口已过期时为零。
func (s *Store) GetRateLimit(key string) (int64, error) {
	var entry rateLimitEntry
	err := s.gormDB.Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if time.Now().UTC().After(entry.ExpiresAt) {
		return 0, nil
	}
	return entry.Count, nil
}
