package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/storage"
)

// Store 使用内存保存全部生命周期数据，主要用于开发验证与测试。
//
// 消息 ID 为 UUIDv7，按生成时间有序，因此 ID 序即到达序，
// 列表与游标均以 ID 降序为准。
type Store struct {
	mu sync.RWMutex

	messages    map[string]*domain.Message
	attachments map[string][]*domain.Attachment // messageID -> 附件列表

	policies     map[string]*domain.DomainPolicy // domain -> 策略
	nextPolicyID uint

	rules      map[uint]*domain.AddressRule
	nextRuleID uint

	settings map[string]*domain.Setting

	audits      []*domain.AuditEntry
	nextAuditID uint

	events      []*domain.EventRecord
	nextEventID uint

	rateLimits      map[string]*rateLimitEntry
	lastRateCleanup time.Time
}

// rateLimitEntry 表示一个限流计数窗口。
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建内存存储，并用默认配置值补齐 settings。
func NewStore() *Store {
	s := &Store{
		messages:        make(map[string]*domain.Message),
		attachments:     make(map[string][]*domain.Attachment),
		policies:        make(map[string]*domain.DomainPolicy),
		rules:           make(map[uint]*domain.AddressRule),
		settings:        make(map[string]*domain.Setting),
		rateLimits:      make(map[string]*rateLimitEntry),
		lastRateCleanup: time.Now(),
	}

	now := time.Now().UTC()
	for key, value := range domain.DefaultSettings() {
		s.settings[key] = &domain.Setting{Key: key, Value: value, UpdatedAt: now}
	}

	return s
}

// ========== Message 操作 ==========

// SaveMessage 保存消息及其附件元数据。
func (s *Store) SaveMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *message
	stored.Raw = ""
	stored.Attachments = nil
	s.messages[message.ID] = &stored

	if len(message.Attachments) > 0 {
		list := make([]*domain.Attachment, 0, len(message.Attachments))
		for _, att := range message.Attachments {
			copied := *att
			copied.Content = nil
			list = append(list, &copied)
		}
		s.attachments[message.ID] = list
	}

	return nil
}

// GetMessage 按 ID 获取消息，附带附件元数据。
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}

	message := *stored
	for _, att := range s.attachments[id] {
		copied := *att
		message.Attachments = append(message.Attachments, &copied)
	}
	return &message, nil
}

// ListMessages 按查询条件返回消息，ID 降序（新者在前）。
func (s *Store) ListMessages(query storage.MessageQuery) ([]domain.Message, error) {
	allowed := statusSet(query.Statuses)

	s.mu.RLock()
	matched := make([]domain.Message, 0)
	for _, m := range s.messages {
		if !allowed[m.Status] {
			continue
		}
		if query.Filter != "" && m.RecipientLocal != query.Filter {
			continue
		}
		if query.Domain != "" && m.RecipientDomain != query.Domain {
			continue
		}
		if query.BeforeCursor != "" && m.ID >= query.BeforeCursor {
			continue
		}
		matched = append(matched, *m)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	limit := clampLimit(query.Limit)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// UpdateMessageStatus 更新消息的状态与隔离原因。
func (s *Store) UpdateMessageStatus(id string, status domain.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.messages[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	stored.Status = status
	stored.QuarantineReason = reason
	return nil
}

// DeleteMessages 删除消息行及附件元数据，返回实际删除的行数。
// 不存在的 ID 直接跳过，保证重复删除幂等。
func (s *Store) DeleteMessages(ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if _, ok := s.messages[id]; !ok {
			continue
		}
		delete(s.messages, id)
		delete(s.attachments, id)
		deleted++
	}
	return deleted, nil
}

// ListExpiredMessages 返回 received_at 严格早于 Cutoff 的消息，旧者在前。
func (s *Store) ListExpiredMessages(query storage.ExpiryQuery) ([]domain.Message, error) {
	var allowed map[domain.Status]bool
	if len(query.Statuses) > 0 {
		allowed = make(map[domain.Status]bool, len(query.Statuses))
		for _, st := range query.Statuses {
			allowed[st] = true
		}
	}

	excluded := make(map[string]bool, len(query.ExcludeDomains))
	for _, d := range query.ExcludeDomains {
		excluded[d] = true
	}

	s.mu.RLock()
	matched := make([]domain.Message, 0)
	for _, m := range s.messages {
		if allowed != nil && !allowed[m.Status] {
			continue
		}
		if query.Domain != "" && m.RecipientDomain != query.Domain {
			continue
		}
		if excluded[m.RecipientDomain] {
			continue
		}
		if !m.ReceivedAt.Before(query.Cutoff) {
			continue
		}
		matched = append(matched, *m)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	limit := query.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// CountMessagesByStatus 统计各状态的消息数量，三个状态都会出现在结果里。
func (s *Store) CountMessagesByStatus() (map[domain.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[domain.Status]int64{
		domain.StatusInbox:      0,
		domain.StatusQuarantine: 0,
		domain.StatusDropped:    0,
	}
	for _, m := range s.messages {
		counts[m.Status]++
	}
	return counts, nil
}

// TopRecipientDomains 按消息量降序返回收件域计数，量相同时按域名升序。
func (s *Store) TopRecipientDomains(limit int) ([]storage.DomainCount, error) {
	s.mu.RLock()
	counts := make(map[string]int64)
	for _, m := range s.messages {
		counts[m.RecipientDomain]++
	}
	s.mu.RUnlock()

	ranked := make([]storage.DomainCount, 0, len(counts))
	for name, count := range counts {
		ranked = append(ranked, storage.DomainCount{Domain: name, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Domain < ranked[j].Domain
	})

	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// GetAttachment 获取指定消息下的附件元数据。
func (s *Store) GetAttachment(messageID, attachmentID string) (*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.messages[messageID]; !ok {
		return nil, storage.ErrMessageNotFound
	}
	for _, att := range s.attachments[messageID] {
		if att.ID == attachmentID {
			copied := *att
			return &copied, nil
		}
	}
	return nil, storage.ErrAttachmentNotFound
}

// ========== DomainPolicy 操作 ==========

// SavePolicy 插入或更新域策略。
//
// ID 为零时按新建处理，域已存在则返回 ErrPolicyExists，
// 调用方据此回读并发创建出的行。
func (s *Store) SavePolicy(policy *domain.DomainPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(policy.Domain)
	now := time.Now().UTC()

	existing, ok := s.policies[key]
	if policy.ID == 0 {
		if ok {
			return storage.ErrPolicyExists
		}
		s.nextPolicyID++
		policy.ID = s.nextPolicyID
		policy.CreatedAt = now
		policy.UpdatedAt = now
		stored := *policy
		s.policies[key] = &stored
		return nil
	}

	if !ok {
		return storage.ErrPolicyNotFound
	}
	policy.CreatedAt = existing.CreatedAt
	policy.UpdatedAt = now
	stored := *policy
	s.policies[key] = &stored
	return nil
}

// GetPolicy 按域名获取策略。
func (s *Store) GetPolicy(domainName string) (*domain.DomainPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.policies[strings.ToLower(domainName)]
	if !ok {
		return nil, storage.ErrPolicyNotFound
	}
	copied := *stored
	return &copied, nil
}

// ListPolicies 返回全部域策略，按域名升序。
func (s *Store) ListPolicies() ([]domain.DomainPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]domain.DomainPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		list = append(list, *p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Domain < list[j].Domain })
	return list, nil
}

// DeletePolicy 删除域策略。
func (s *Store) DeletePolicy(domainName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(domainName)
	if _, ok := s.policies[key]; !ok {
		return storage.ErrPolicyNotFound
	}
	delete(s.policies, key)
	return nil
}

// ListQuarantineOverrides 返回设置了独立隔离保留期的策略。
func (s *Store) ListQuarantineOverrides() ([]domain.DomainPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]domain.DomainPolicy, 0)
	for _, p := range s.policies {
		if p.QuarantineRetentionDays != nil {
			list = append(list, *p)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Domain < list[j].Domain })
	return list, nil
}

// ========== AddressRule 操作 ==========

// SaveRule 插入或更新地址规则。
func (s *Store) SaveRule(rule *domain.AddressRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rule.ID == 0 {
		s.nextRuleID++
		rule.ID = s.nextRuleID
		rule.CreatedAt = now
		rule.UpdatedAt = now
		stored := *rule
		s.rules[rule.ID] = &stored
		return nil
	}

	existing, ok := s.rules[rule.ID]
	if !ok {
		return storage.ErrRuleNotFound
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = now
	stored := *rule
	s.rules[rule.ID] = &stored
	return nil
}

// GetRule 按 ID 获取规则。
func (s *Store) GetRule(id uint) (*domain.AddressRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.rules[id]
	if !ok {
		return nil, storage.ErrRuleNotFound
	}
	copied := *stored
	return &copied, nil
}

// ListRules 返回某域下的全部规则；domainName 为空时返回所有域的规则。
// 顺序固定为 (priority 升序, id 升序)。
func (s *Store) ListRules(domainName string) ([]domain.AddressRule, error) {
	key := strings.ToLower(domainName)

	s.mu.RLock()
	list := make([]domain.AddressRule, 0)
	for _, r := range s.rules {
		if key != "" && r.Domain != key {
			continue
		}
		list = append(list, *r)
	}
	s.mu.RUnlock()

	sortRules(list)
	return list, nil
}

// ListEnabledRules 返回某域下启用的规则，(priority 升序, id 升序)。
func (s *Store) ListEnabledRules(domainName string) ([]domain.AddressRule, error) {
	key := strings.ToLower(domainName)

	s.mu.RLock()
	list := make([]domain.AddressRule, 0)
	for _, r := range s.rules {
		if r.Domain != key || !r.Enabled {
			continue
		}
		list = append(list, *r)
	}
	s.mu.RUnlock()

	sortRules(list)
	return list, nil
}

// DeleteRule 删除规则。
func (s *Store) DeleteRule(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return storage.ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}

// ========== Setting 操作 ==========

// GetSetting 按键获取配置项。
func (s *Store) GetSetting(key string) (*domain.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.settings[key]
	if !ok {
		return nil, storage.ErrSettingNotFound
	}
	copied := *stored
	return &copied, nil
}

// SaveSetting 插入或更新配置项。
func (s *Store) SaveSetting(setting *domain.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	setting.UpdatedAt = time.Now().UTC()
	stored := *setting
	s.settings[setting.Key] = &stored
	return nil
}

// ListSettings 返回全部配置项，按键升序。
func (s *Store) ListSettings() ([]domain.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]domain.Setting, 0, len(s.settings))
	for _, v := range s.settings {
		list = append(list, *v)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list, nil
}

// ========== AuditEntry 操作 ==========

// SaveAuditEntry 追加一条审计记录。
func (s *Store) SaveAuditEntry(entry *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAuditID++
	entry.ID = s.nextAuditID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	stored := *entry
	s.audits = append(s.audits, &stored)
	return nil
}

// ListAuditEntries 分页返回审计记录（新者在前）和总条数。
func (s *Store) ListAuditEntries(limit, offset int) ([]domain.AuditEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.audits)
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	list := make([]domain.AuditEntry, 0, limit)
	// 切片按插入序保存，倒序遍历即新者在前。
	for i := total - 1 - offset; i >= 0 && len(list) < limit; i-- {
		list = append(list, *s.audits[i])
	}
	return list, total, nil
}

// DeleteAuditEntriesBefore 删除早于 cutoff 的审计记录，单次最多 limit 条。
func (s *Store) DeleteAuditEntriesBefore(cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	kept := s.audits[:0]
	deleted := 0
	for _, entry := range s.audits {
		if deleted < limit && entry.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, entry)
	}
	s.audits = kept
	return deleted, nil
}

// ========== EventRecord 操作 ==========

// SaveEventRecord 追加一条事件痕迹。
func (s *Store) SaveEventRecord(record *domain.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	record.ID = s.nextEventID
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	stored := *record
	s.events = append(s.events, &stored)
	return nil
}

// DeleteEventRecordsBefore 删除早于 cutoff 的事件痕迹，单次最多 limit 条。
func (s *Store) DeleteEventRecordsBefore(cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	kept := s.events[:0]
	deleted := 0
	for _, record := range s.events {
		if deleted < limit && record.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, record)
	}
	s.events = kept
	return deleted, nil
}

// ========== RateLimit 操作 ==========

// IncrementRateLimit 递增限流计数；窗口过期后重新从 1 开始计数。
func (s *Store) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	// 顺带清理过期窗口，避免 map 无限增长。
	if now.Sub(s.lastRateCleanup) > 5*time.Minute {
		for k, entry := range s.rateLimits {
			if now.After(entry.ExpiresAt) {
				delete(s.rateLimits, k)
			}
		}
		s.lastRateCleanup = now
	}

	entry, ok := s.rateLimits[key]
	if !ok || now.After(entry.ExpiresAt) {
		s.rateLimits[key] = &rateLimitEntry{Count: 1, ExpiresAt: now.Add(window)}
		return 1, nil
	}
	entry.Count++
	return entry.Count, nil
}

// GetRateLimit 查询限流计数，窗口不存在或已过期返回 0。
func (s *Store) GetRateLimit(key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.rateLimits[key]
	if !ok || time.Now().After(entry.ExpiresAt) {
		return 0, nil
	}
	return entry.Count, nil
}

// ========== 生命周期 ==========

// Close 实现 storage.Store，内存存储无需释放资源。
func (s *Store) Close() error { return nil }

// Health 实现 storage.Store，内存存储恒为健康。
func (s *Store) Health() error { return nil }

// statusSet 把状态列表转成查找集合，空列表套用共享视图默认值。
func statusSet(statuses []domain.Status) map[domain.Status]bool {
	if len(statuses) == 0 {
		statuses = []domain.Status{domain.StatusInbox, domain.StatusQuarantine}
	}
	set := make(map[domain.Status]bool, len(statuses))
	for _, st := range statuses {
		set[st] = true
	}
	return set
}

// sortRules 按 (priority 升序, id 升序) 排序，这是规则评估的唯一顺序。
func sortRules(list []domain.AddressRule) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].ID < list[j].ID
	})
}

// clampLimit 把分页值夹在 (0, MaxListLimit] 区间内。
func clampLimit(limit int) int {
	if limit <= 0 {
		return storage.DefaultListLimit
	}
	if limit > storage.MaxListLimit {
		return storage.MaxListLimit
	}
	return limit
}
