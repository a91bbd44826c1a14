package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/storage"
)

// newMessage 构造一条按序号可排序的测试消息。
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

func TestMemoryStore_MessageOperations(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()

	message := newMessage(1, domain.StatusInbox, now)
	message.Attachments = []*domain.Attachment{
		{ID: "att-1", MessageID: message.ID, Filename: "report.pdf", ContentType: "application/pdf", Size: 512, StoredPath: "att/att-1_report.pdf"},
	}
	require.NoError(t, store.SaveMessage(message))

	got, err := store.GetMessage(message.ID)
	require.NoError(t, err)
	assert.Equal(t, message.Subject, got.Subject)
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

	deleted, err := store.DeleteMessages([]string{message.ID, "unknown-id"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	// 重复删除是无操作。
	deleted, err = store.DeleteMessages([]string{message.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	_, err = store.GetMessage(message.ID)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func TestMemoryStore_ListMessagesOrderingAndCursor(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.SaveMessage(newMessage(i, domain.StatusInbox, now.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, store.SaveMessage(newMessage(6, domain.StatusDropped, now)))

	// 默认视图只含 INBOX+QUARANTINE，且新者在前。
	list, err := store.ListMessages(storage.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		assert.Greater(t, list[i-1].ID, list[i].ID)
	}

	// 游标分页：严格早于游标。
	page, err := store.ListMessages(storage.MessageQuery{BeforeCursor: list[1].ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, list[2].ID, page[0].ID)
	assert.Equal(t, list[3].ID, page[1].ID)

	// 按本地部分过滤。
	filtered, err := store.ListMessages(storage.MessageQuery{Filter: "user3"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "user3", filtered[0].RecipientLocal)

	// 显式请求 DROPPED。
	droppedList, err := store.ListMessages(storage.MessageQuery{Statuses: []domain.Status{domain.StatusDropped}})
	require.NoError(t, err)
	require.Len(t, droppedList, 1)

	counts, err := store.CountMessagesByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts[domain.StatusInbox])
	assert.Equal(t, int64(1), counts[domain.StatusDropped])
}

func TestMemoryStore_ListExpiredMessages(t *testing.T) {
	store := NewStore()
	cutoff := time.Now().UTC()

	old := newMessage(1, domain.StatusInbox, cutoff.Add(-time.Hour))
	boundary := newMessage(2, domain.StatusInbox, cutoff) // 恰好等于边界，必须保留
	fresh := newMessage(3, domain.StatusInbox, cutoff.Add(time.Hour))
	other := newMessage(4, domain.StatusQuarantine, cutoff.Add(-time.Hour))
	require.NoError(t, store.SaveMessage(old))
	require.NoError(t, store.SaveMessage(boundary))
	require.NoError(t, store.SaveMessage(fresh))
	require.NoError(t, store.SaveMessage(other))

	expired, err := store.ListExpiredMessages(storage.ExpiryQuery{
		Statuses: []domain.Status{domain.StatusInbox},
		Cutoff:   cutoff,
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)

	// 排除域后不再命中。
	expired, err = store.ListExpiredMessages(storage.ExpiryQuery{
		Statuses:       []domain.Status{domain.StatusInbox},
		ExcludeDomains: []string{"example.org"},
		Cutoff:         cutoff,
		Limit:          10,
	})
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestMemoryStore_PolicyOperations(t *testing.T) {
	store := NewStore()

	policy := &domain.DomainPolicy{Domain: "example.org", Mode: domain.PolicyOpen, DefaultAction: domain.StatusInbox}
	require.NoError(t, store.SavePolicy(policy))
	assert.NotZero(t, policy.ID)

	// 同域重复创建返回冲突。
	dup := &domain.DomainPolicy{Domain: "example.org", Mode: domain.PolicyOpen, DefaultAction: domain.StatusInbox}
	assert.ErrorIs(t, store.SavePolicy(dup), storage.ErrPolicyExists)

	got, err := store.GetPolicy("EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, policy.ID, got.ID)

	days := 3
	got.Mode = domain.PolicyRestricted
	got.QuarantineRetentionDays = &days
	require.NoError(t, store.SavePolicy(got))

	overrides, err := store.ListQuarantineOverrides()
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, 3, *overrides[0].QuarantineRetentionDays)

	require.NoError(t, store.DeletePolicy("example.org"))
	_, err = store.GetPolicy("example.org")
	assert.ErrorIs(t, err, storage.ErrPolicyNotFound)
}

func TestMemoryStore_RuleOrdering(t *testing.T) {
	store := NewStore()

	mk := func(priority int, enabled bool) *domain.AddressRule {
		return &domain.AddressRule{
			Domain:   "example.org",
			Type:     domain.RuleAllow,
			Field:    domain.FieldRecipientLocal,
			Pattern:  "^user",
			Priority: priority,
			Action:   domain.StatusInbox,
			Enabled:  enabled,
		}
	}

	r1 := mk(20, true)
	r2 := mk(10, true)
	r3 := mk(10, true)
	r4 := mk(5, false)
	for _, r := range []*domain.AddressRule{r1, r2, r3, r4} {
		require.NoError(t, store.SaveRule(r))
	}

	enabled, err := store.ListEnabledRules("example.org")
	require.NoError(t, err)
	require.Len(t, enabled, 3)
	// (priority 升序, id 升序)：r2 在 r3 前，r1 最后。
	assert.Equal(t, r2.ID, enabled[0].ID)
	assert.Equal(t, r3.ID, enabled[1].ID)
	assert.Equal(t, r1.ID, enabled[2].ID)

	all, err := store.ListRules("example.org")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, store.DeleteRule(r1.ID))
	_, err = store.GetRule(r1.ID)
	assert.ErrorIs(t, err, storage.ErrRuleNotFound)
}

func TestMemoryStore_SettingsSeededWithDefaults(t *testing.T) {
	store := NewStore()

	setting, err := store.GetSetting(domain.SettingInboxRetentionDays)
	require.NoError(t, err)
	assert.Equal(t, "30", setting.Value)

	setting.Value = "14"
	require.NoError(t, store.SaveSetting(setting))

	got, err := store.GetSetting(domain.SettingInboxRetentionDays)
	require.NoError(t, err)
	assert.Equal(t, "14", got.Value)

	list, err := store.ListSettings()
	require.NoError(t, err)
	assert.Len(t, list, len(domain.DefaultSettings()))
}

func TestMemoryStore_AuditAndEventPurge(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.SaveAuditEntry(&domain.AuditEntry{
			Actor:     "admin",
			Action:    domain.AuditRuleCreate,
			CreatedAt: now.Add(-time.Duration(i) * time.Hour),
		}))
	}

	list, total, err := store.ListAuditEntries(2, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, list, 2)

	deleted, err := store.DeleteAuditEntriesBefore(now.Add(-90*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	require.NoError(t, store.SaveEventRecord(&domain.EventRecord{Kind: "message_stored", MessageID: "m-1", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, store.SaveEventRecord(&domain.EventRecord{Kind: "message_stored", MessageID: "m-2", CreatedAt: now}))

	purged, err := store.DeleteEventRecordsBefore(now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestMemoryStore_RateLimitWindow(t *testing.T) {
	store := NewStore()

	count, err := store.IncrementRateLimit("unlock:10.0.0.1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = store.IncrementRateLimit("unlock:10.0.0.1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	time.Sleep(60 * time.Millisecond)

	// 窗口过期后重新计数。
	count, err = store.IncrementRateLimit("unlock:10.0.0.1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	current, err := store.GetRateLimit("unlock:10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
}
