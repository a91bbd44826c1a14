package sql

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/storage"
)

// newTestStore 建立一个内存 SQLite 存储。
// 内存库随连接存亡，连接池必须固定为单连接。
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("sqlite", ":memory:", 1, 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func newMessage(seq int, status domain.Status, receivedAt time.Time) *domain.Message {
	return &domain.Message{
		ID:              fmt.Sprintf("0190%04d-0000-7000-8000-000000000000", seq),
		Recipient:       fmt.Sprintf("user%d@example.org", seq),
		RecipientLocal:  fmt.Sprintf("user%d", seq),
		RecipientDomain: "example.org",
		Sender:          "sender@remote.test",
		SenderDomain:    "remote.test",
		Subject:         fmt.Sprintf("message %d", seq),
		Size:            128,
		Status:          status,
		Decision:        domain.DecisionMeta{Reason: "policy default", DecidedAt: receivedAt},
		ReceivedAt:      receivedAt,
	}
}

func TestSQLStore_MessageLifecycle(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	message := newMessage(1, domain.StatusInbox, now)
	message.Attachments = []*domain.Attachment{
		{ID: "att-1", Filename: "report.pdf", ContentType: "application/pdf", Size: 512, StoredPath: "attachments/01/x/att-1_report.pdf"},
	}
	require.NoError(t, store.SaveMessage(message))

	got, err := store.GetMessage(message.ID)
	require.NoError(t, err)
	assert.Equal(t, message.Subject, got.Subject)
	assert.Equal(t, "policy default", got.Decision.Reason)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "report.pdf", got.Attachments[0].Filename)

	att, err := store.GetAttachment(message.ID, "att-1")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", att.ContentType)

	_, err = store.GetAttachment(message.ID, "missing")
	assert.ErrorIs(t, err, storage.ErrAttachmentNotFound)

	require.NoError(t, store.UpdateMessageStatus(message.ID, domain.StatusQuarantine, "manual hold"))
	got, err = store.GetMessage(message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQuarantine, got.Status)
	assert.Equal(t, "manual hold", got.QuarantineReason)

	assert.ErrorIs(t, store.UpdateMessageStatus("missing", domain.StatusInbox, ""), storage.ErrMessageNotFound)

	deleted, err := store.DeleteMessages([]string{message.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	// 重复删除是无操作
	deleted, err = store.DeleteMessages([]string{message.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	_, err = store.GetMessage(message.ID)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func TestSQLStore_ListMessages(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.SaveMessage(newMessage(i, domain.StatusInbox, now.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, store.SaveMessage(newMessage(6, domain.StatusDropped, now)))

	// 默认视图只含 INBOX+QUARANTINE，新者在前
	list, err := store.ListMessages(storage.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		assert.Greater(t, list[i-1].ID, list[i].ID)
	}

	// 游标分页：严格早于游标
	page, err := store.ListMessages(storage.MessageQuery{BeforeCursor: list[1].ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, list[2].ID, page[0].ID)
	assert.Equal(t, list[3].ID, page[1].ID)

	// 按收件人本地部分过滤
	filtered, err := store.ListMessages(storage.MessageQuery{Filter: "user3"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "user3", filtered[0].RecipientLocal)

	// 显式查询 DROPPED
	droppedList, err := store.ListMessages(storage.MessageQuery{Statuses: []domain.Status{domain.StatusDropped}})
	require.NoError(t, err)
	require.Len(t, droppedList, 1)

	counts, err := store.CountMessagesByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts[domain.StatusInbox])
	assert.Equal(t, int64(1), counts[domain.StatusDropped])
}

func TestSQLStore_ListExpiredMessages(t *testing.T) {
	store := newTestStore(t)
	cutoff := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.SaveMessage(newMessage(1, domain.StatusInbox, cutoff.Add(-time.Hour))))
	require.NoError(t, store.SaveMessage(newMessage(2, domain.StatusInbox, cutoff))) // 恰好等于边界，必须保留
	require.NoError(t, store.SaveMessage(newMessage(3, domain.StatusInbox, cutoff.Add(time.Hour))))

	expired, err := store.ListExpiredMessages(storage.ExpiryQuery{
		Statuses: []domain.Status{domain.StatusInbox},
		Cutoff:   cutoff,
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "01900001-0000-7000-8000-000000000000", expired[0].ID)

	// 排除域后不再命中
	expired, err = store.ListExpiredMessages(storage.ExpiryQuery{
		Statuses:       []domain.Status{domain.StatusInbox},
		ExcludeDomains: []string{"example.org"},
		Cutoff:         cutoff,
		Limit:          10,
	})
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestSQLStore_PolicyOperations(t *testing.T) {
	store := newTestStore(t)

	policy := &domain.DomainPolicy{
		Domain:        "Example.ORG",
		Mode:          domain.PolicyRestricted,
		DefaultAction: domain.StatusInbox,
	}
	require.NoError(t, store.SavePolicy(policy))
	require.NotZero(t, policy.ID)

	// 域名小写归一，重复创建报已存在
	dup := &domain.DomainPolicy{Domain: "example.org", Mode: domain.PolicyOpen, DefaultAction: domain.StatusInbox}
	assert.ErrorIs(t, store.SavePolicy(dup), storage.ErrPolicyExists)

	got, err := store.GetPolicy("EXAMPLE.org")
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyRestricted, got.Mode)

	days := 3
	got.QuarantineRetentionDays = &days
	got.Mode = domain.PolicyOpen
	require.NoError(t, store.SavePolicy(got))

	overrides, err := store.ListQuarantineOverrides()
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, 3, *overrides[0].QuarantineRetentionDays)

	policies, err := store.ListPolicies()
	require.NoError(t, err)
	assert.Len(t, policies, 1)

	require.NoError(t, store.DeletePolicy("example.org"))
	assert.ErrorIs(t, store.DeletePolicy("example.org"), storage.ErrPolicyNotFound)
	_, err = store.GetPolicy("example.org")
	assert.ErrorIs(t, err, storage.ErrPolicyNotFound)
}

func TestSQLStore_RuleOperations(t *testing.T) {
	store := newTestStore(t)

	second := &domain.AddressRule{
		Domain: "example.org", Type: domain.RuleBlock, Field: domain.FieldSubject,
		Pattern: "spam", Priority: 10, Action: domain.StatusQuarantine, Enabled: true,
	}
	require.NoError(t, store.SaveRule(second))
	first := &domain.AddressRule{
		Domain: "example.org", Type: domain.RuleAllow, Field: domain.FieldRecipientLocal,
		Pattern: "^qa-", Priority: 1, Action: domain.StatusInbox, Enabled: true,
	}
	require.NoError(t, store.SaveRule(first))

	// 评估顺序：priority 升序、id 升序
	rules, err := store.ListRules("example.org")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, first.ID, rules[0].ID)
	assert.Equal(t, second.ID, rules[1].ID)

	// 停用规则不出现在启用列表中
	second.Enabled = false
	require.NoError(t, store.SaveRule(second))
	enabled, err := store.ListEnabledRules("example.org")
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, first.ID, enabled[0].ID)

	got, err := store.GetRule(second.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, store.DeleteRule(first.ID))
	assert.ErrorIs(t, store.DeleteRule(first.ID), storage.ErrRuleNotFound)

	missing := &domain.AddressRule{ID: 9999, Domain: "example.org", Type: domain.RuleBlock, Field: domain.FieldSubject, Pattern: "x", Action: domain.StatusDropped}
	assert.ErrorIs(t, store.SaveRule(missing), storage.ErrRuleNotFound)
}

func TestSQLStore_Settings(t *testing.T) {
	store := newTestStore(t)

	// 迁移时已种入默认设置
	setting, err := store.GetSetting(domain.SettingInboxRetentionDays)
	require.NoError(t, err)
	assert.Equal(t, "30", setting.Value)

	require.NoError(t, store.SaveSetting(&domain.Setting{Key: domain.SettingInboxRetentionDays, Value: "14"}))
	setting, err = store.GetSetting(domain.SettingInboxRetentionDays)
	require.NoError(t, err)
	assert.Equal(t, "14", setting.Value)

	settings, err := store.ListSettings()
	require.NoError(t, err)
	assert.Len(t, settings, len(domain.DefaultSettings()))

	_, err = store.GetSetting("unknown_key")
	assert.ErrorIs(t, err, storage.ErrSettingNotFound)
}

func TestSQLStore_AuditAndEvents(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		entry := &domain.AuditEntry{Actor: "admin", Action: domain.AuditRuleCreate, Detail: "{}"}
		require.NoError(t, store.SaveAuditEntry(entry))
	}

	entries, total, err := store.ListAuditEntries(2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, entries, 2)
	assert.Greater(t, entries[0].ID, entries[1].ID)

	// 旧记录分批清理
	store.gormDB.Model(&domain.AuditEntry{}).Where("1 = 1").Update("created_at", now.Add(-48*time.Hour))
	purged, err := store.DeleteAuditEntriesBefore(now.Add(-24*time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, purged)
	purged, err = store.DeleteAuditEntriesBefore(now.Add(-24*time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	require.NoError(t, store.SaveEventRecord(&domain.EventRecord{Kind: "message_stored", MessageID: "m1", Payload: "{}"}))
	store.gormDB.Model(&domain.EventRecord{}).Where("1 = 1").Update("created_at", now.Add(-48*time.Hour))
	purged, err = store.DeleteEventRecordsBefore(now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestSQLStore_RateLimit(t *testing.T) {
	store := newTestStore(t)

	count, err := store.IncrementRateLimit("unlock:127.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = store.IncrementRateLimit("unlock:127.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	current, err := store.GetRateLimit("unlock:127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), current)

	// 过期窗口重新计数
	store.gormDB.Model(&rateLimitEntry{}).Where("key = ?", "unlock:127.0.0.1").
		Update("expires_at", time.Now().UTC().Add(-time.Second))
	current, err = store.GetRateLimit("unlock:127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), current)

	count, err = store.IncrementRateLimit("unlock:127.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSQLStore_UnsupportedDriver(t *testing.T) {
	_, err := NewStore("oracle", "dsn", 1, 1, time.Minute)
	assert.Error(t, err)
}
