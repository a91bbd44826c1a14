package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/events"
	"github.com/devils-shadow/quail/internal/storage"
	"github.com/devils-shadow/quail/internal/storage/memory"
)

// buildMessage 构造一条指定状态的消息，ID 按序号保持字典序。
func buildMessage(seq int, status domain.Status) *domain.Message {
	now := time.Now().UTC()
	message := &domain.Message{
		ID:              fmt.Sprintf("0190%04d-0000-7000-8000-000000000000", seq),
		Recipient:       fmt.Sprintf("user%d@example.org", seq),
		RecipientLocal:  fmt.Sprintf("user%d", seq),
		RecipientDomain: "example.org",
		Sender:          "sender@remote.test",
		SenderDomain:    "remote.test",
		Subject:         fmt.Sprintf("message %d", seq),
		Size:            128,
		Status:          status,
		Decision:        domain.DecisionMeta{Reason: "policy default", DecidedAt: now},
		ReceivedAt:      now,
	}
	if status == domain.StatusQuarantine {
		message.QuarantineReason = "restricted domain, no allow rule matched"
		message.Decision.Reason = message.QuarantineReason
	}
	return message
}

// seedMessage 向存储直接写入一条消息行。
func seedMessage(t *testing.T, store storage.Store, seq int, status domain.Status) *domain.Message {
	t.Helper()
	message := buildMessage(seq, status)
	require.NoError(t, store.SaveMessage(message))
	return message
}

// seedRawMessage 写入消息行并把原始邮件落到工件存储。
func seedRawMessage(t *testing.T, store storage.Store, artifacts ArtifactStore, seq int, status domain.Status, raw []byte) *domain.Message {
	t.Helper()
	message := buildMessage(seq, status)
	path, err := artifacts.SaveRaw(message.ID, raw)
	require.NoError(t, err)
	message.RawPath = path
	require.NoError(t, store.SaveMessage(message))
	return message
}

// lastAudit 返回最新一条指定动作的审计记录。
func lastAudit(t *testing.T, store storage.Store, action string) *domain.AuditEntry {
	t.Helper()
	entries, _, err := store.ListAuditEntries(storage.MaxListLimit, 0)
	require.NoError(t, err)
	for i := range entries {
		if entries[i].Action == action {
			return &entries[i]
		}
	}
	t.Fatalf("no audit entry with action %s", action)
	return nil
}

// drainDeleted 收集通道里全部 messages_deleted 事件携带的 ID。
func drainDeleted(ch <-chan events.Event) []string {
	var ids []string
	for {
		select {
		case event := <-ch:
			if event.Kind == events.MessagesDeleted {
				ids = append(ids, event.IDs...)
			}
		default:
			return ids
		}
	}
}

func htmlEmail() []byte {
	return []byte(strings.Join([]string{
		"From: peer@sender.test",
		"Subject: alternative body",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="alt"`,
		"",
		"--alt",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain variant",
		"--alt",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html variant</p>",
		"--alt--",
		"",
	}, "\r\n"))
}

func TestMessageService_ListFilters(t *testing.T) {
	store := memory.NewStore()
	svc := NewMessageService(store, nil, nil, nil)

	seedMessage(t, store, 1, domain.StatusInbox)
	seedMessage(t, store, 2, domain.StatusQuarantine)
	seedMessage(t, store, 3, domain.StatusDropped)

	t.Run("默认视图只含收件与隔离", func(t *testing.T) {
		list, err := svc.List(storage.MessageQuery{})
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("按状态过滤", func(t *testing.T) {
		list, err := svc.List(storage.MessageQuery{Statuses: []domain.Status{domain.StatusDropped}})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, domain.StatusDropped, list[0].Status)
	})

	t.Run("按收件人过滤", func(t *testing.T) {
		list, err := svc.List(storage.MessageQuery{Filter: "user1"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "user1", list[0].RecipientLocal)
	})
}

func TestMessageService_GetDetail(t *testing.T) {
	t.Run("存有原文时解析双正文", func(t *testing.T) {
		store := memory.NewStore()
		artifacts := newArtifactDir(t)
		svc := NewMessageService(store, artifacts, nil, nil)
		message := seedRawMessage(t, store, artifacts, 1, domain.StatusInbox, htmlEmail())

		detail, err := svc.Get(message.ID)
		require.NoError(t, err)
		assert.Equal(t, message.Recipient, detail.Recipient)
		assert.Contains(t, detail.Text, "plain variant")
		assert.Contains(t, detail.HTML, "html variant")
	})

	t.Run("关闭allow_html时隐藏HTML正文", func(t *testing.T) {
		store := memory.NewStore()
		artifacts := newArtifactDir(t)
		svc := NewMessageService(store, artifacts, nil, nil)
		message := seedRawMessage(t, store, artifacts, 1, domain.StatusInbox, htmlEmail())
		require.NoError(t, store.SaveSetting(&domain.Setting{Key: domain.SettingAllowHTML, Value: "false"}))

		detail, err := svc.Get(message.ID)
		require.NoError(t, err)
		assert.Contains(t, detail.Text, "plain variant")
		assert.Empty(t, detail.HTML)
	})

	t.Run("配置值损坏时视同关闭", func(t *testing.T) {
		store := memory.NewStore()
		artifacts := newArtifactDir(t)
		svc := NewMessageService(store, artifacts, nil, nil)
		message := seedRawMessage(t, store, artifacts, 1, domain.StatusInbox, htmlEmail())
		require.NoError(t, store.SaveSetting(&domain.Setting{Key: domain.SettingAllowHTML, Value: "sometimes"}))

		detail, err := svc.Get(message.ID)
		require.NoError(t, err)
		assert.Empty(t, detail.HTML)
	})

	t.Run("无工件时只有元数据", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewMessageService(store, newArtifactDir(t), nil, nil)
		message := seedMessage(t, store, 1, domain.StatusInbox)

		detail, err := svc.Get(message.ID)
		require.NoError(t, err)
		assert.Empty(t, detail.Text)
		assert.Empty(t, detail.HTML)
	})

	t.Run("工件读取失败不挡元数据视图", func(t *testing.T) {
		store := memory.NewStore()
		artifacts := newStubArtifacts()
		artifacts.failGetRaw = true
		svc := NewMessageService(store, artifacts, nil, nil)

		message := buildMessage(1, domain.StatusInbox)
		message.RawPath = "raw/01/gone.eml"
		require.NoError(t, store.SaveMessage(message))

		detail, err := svc.Get(message.ID)
		require.NoError(t, err)
		assert.Equal(t, message.Recipient, detail.Recipient)
		assert.Empty(t, detail.Text)
	})

	t.Run("未知消息", func(t *testing.T) {
		svc := NewMessageService(memory.NewStore(), nil, nil, nil)
		_, err := svc.Get("missing")
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})
}

func TestMessageService_GetRaw(t *testing.T) {
	t.Run("返回原始邮件内容", func(t *testing.T) {
		store := memory.NewStore()
		artifacts := newArtifactDir(t)
		svc := NewMessageService(store, artifacts, nil, nil)
		raw := htmlEmail()
		message := seedRawMessage(t, store, artifacts, 1, domain.StatusInbox, raw)

		got, err := svc.GetRaw(message.ID)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	})

	t.Run("原文未落盘", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewMessageService(store, newArtifactDir(t), nil, nil)
		message := seedMessage(t, store, 1, domain.StatusDropped)

		_, err := svc.GetRaw(message.ID)
		assert.ErrorIs(t, err, ErrContentUnavailable)
	})

	t.Run("未知消息", func(t *testing.T) {
		svc := NewMessageService(memory.NewStore(), nil, nil, nil)
		_, err := svc.GetRaw("missing")
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})
}

func TestMessageService_GetAttachment(t *testing.T) {
	t.Run("加载附件载荷", func(t *testing.T) {
		store := memory.NewStore()
		artifacts := newArtifactDir(t)
		svc := NewMessageService(store, artifacts, nil, nil)

		payload := []byte("%PDF-1.4 attachment payload")
		message := buildMessage(1, domain.StatusInbox)
		att := &domain.Attachment{
			ID:          "a0000001-0000-4000-8000-000000000000",
			MessageID:   message.ID,
			Filename:    "report.pdf",
			ContentType: "application/pdf",
			Size:        int64(len(payload)),
			Content:     payload,
		}
		path, err := artifacts.SaveAttachment(att)
		require.NoError(t, err)
		att.StoredPath = path
		att.Content = nil
		message.Attachments = []*domain.Attachment{att}
		require.NoError(t, store.SaveMessage(message))

		got, err := svc.GetAttachment(message.ID, att.ID)
		require.NoError(t, err)
		assert.Equal(t, payload, got.Content)
		assert.Equal(t, "report.pdf", got.Filename)
	})

	t.Run("载荷未落盘", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewMessageService(store, newArtifactDir(t), nil, nil)

		message := buildMessage(1, domain.StatusInbox)
		message.Attachments = []*domain.Attachment{{
			ID:          "a0000001-0000-4000-8000-000000000000",
			MessageID:   message.ID,
			Filename:    "ghost.pdf",
			ContentType: "application/pdf",
		}}
		require.NoError(t, store.SaveMessage(message))

		_, err := svc.GetAttachment(message.ID, message.Attachments[0].ID)
		assert.ErrorIs(t, err, ErrContentUnavailable)
	})

	t.Run("附件不存在", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewMessageService(store, nil, nil, nil)
		message := seedMessage(t, store, 1, domain.StatusInbox)

		_, err := svc.GetAttachment(message.ID, "missing")
		assert.ErrorIs(t, err, storage.ErrAttachmentNotFound)
	})
}

func TestMessageService_Restore(t *testing.T) {
	t.Run("隔离消息恢复进收件列表", func(t *testing.T) {
		store := memory.NewStore()
		bus := events.NewBus(nil)
		ch := bus.Subscribe("test", 16)
		svc := NewMessageService(store, nil, bus, nil)
		message := seedMessage(t, store, 1, domain.StatusQuarantine)

		restored, err := svc.Restore(message.ID, "admin")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInbox, restored.Status)
		assert.Empty(t, restored.QuarantineReason)
		// 决策元数据不可变，恢复不改写历史
		assert.Equal(t, message.Decision.Reason, restored.Decision.Reason)

		stored, err := store.GetMessage(message.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInbox, stored.Status)
		assert.Empty(t, stored.QuarantineReason)

		event := nextEvent(t, ch)
		assert.Equal(t, events.MessageUpdated, event.Kind)
		assert.Equal(t, message.ID, event.Message.ID)
		assert.Equal(t, domain.StatusInbox, event.Message.Status)

		entry := lastAudit(t, store, domain.AuditMessageRestore)
		assert.Equal(t, "admin", entry.Actor)
		assert.Contains(t, entry.Detail, message.ID)
	})

	t.Run("非隔离状态拒绝恢复", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewMessageService(store, nil, nil, nil)
		message := seedMessage(t, store, 1, domain.StatusInbox)

		_, err := svc.Restore(message.ID, "admin")
		assert.ErrorIs(t, err, ErrNotQuarantined)
	})

	t.Run("未知消息", func(t *testing.T) {
		svc := NewMessageService(memory.NewStore(), nil, nil, nil)
		_, err := svc.Restore("missing", "admin")
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})
}

func TestMessageService_Delete(t *testing.T) {
	t.Run("行与工件一并删除", func(t *testing.T) {
		store := memory.NewStore()
		artifacts := newArtifactDir(t)
		bus := events.NewBus(nil)
		ch := bus.Subscribe("test", 16)
		svc := NewMessageService(store, artifacts, bus, nil)
		message := seedRawMessage(t, store, artifacts, 1, domain.StatusInbox, htmlEmail())

		require.NoError(t, svc.Delete(message.ID, "admin"))

		_, err := store.GetMessage(message.ID)
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)

		stats, err := artifacts.GetStats()
		require.NoError(t, err)
		assert.Zero(t, stats.RawCount)

		assert.Equal(t, []string{message.ID}, drainDeleted(ch))

		entry := lastAudit(t, store, domain.AuditMessageDelete)
		assert.Equal(t, "admin", entry.Actor)
		assert.Contains(t, entry.Detail, message.ID)
	})

	t.Run("工件删除失败时保留行", func(t *testing.T) {
		store := memory.NewStore()
		artifacts := newStubArtifacts()
		artifacts.failDelete = true
		bus := events.NewBus(nil)
		ch := bus.Subscribe("test", 16)
		svc := NewMessageService(store, artifacts, bus, nil)
		message := seedMessage(t, store, 1, domain.StatusInbox)

		err := svc.Delete(message.ID, "admin")
		require.Error(t, err)

		// 行还在，下次重试仍能找到；也没有发布删除事件
		_, err = store.GetMessage(message.ID)
		assert.NoError(t, err)
		assert.Empty(t, drainDeleted(ch))
	})

	t.Run("未知消息", func(t *testing.T) {
		svc := NewMessageService(memory.NewStore(), nil, nil, nil)
		err := svc.Delete("missing", "admin")
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})
}

func TestMessageService_ClearQuarantine(t *testing.T) {
	t.Run("只清隔离区", func(t *testing.T) {
		store := memory.NewStore()
		bus := events.NewBus(nil)
		ch := bus.Subscribe("test", 16)
		svc := NewMessageService(store, nil, bus, nil)

		quarantined := make([]string, 0, 3)
		for i := 1; i <= 3; i++ {
			quarantined = append(quarantined, seedMessage(t, store, i, domain.StatusQuarantine).ID)
		}
		seedMessage(t, store, 4, domain.StatusInbox)
		seedMessage(t, store, 5, domain.StatusInbox)

		cleared, err := svc.ClearQuarantine(context.Background(), "admin")
		require.NoError(t, err)
		assert.Equal(t, 3, cleared)

		remaining, err := store.ListMessages(storage.MessageQuery{Statuses: []domain.Status{domain.StatusQuarantine}})
		require.NoError(t, err)
		assert.Empty(t, remaining)
		inbox, err := store.ListMessages(storage.MessageQuery{Statuses: []domain.Status{domain.StatusInbox}})
		require.NoError(t, err)
		assert.Len(t, inbox, 2)

		assert.ElementsMatch(t, quarantined, drainDeleted(ch))

		entry := lastAudit(t, store, domain.AuditQuarantineWipe)
		assert.Contains(t, entry.Detail, `"cleared":3`)
	})

	t.Run("单条工件失败跳过不阻塞", func(t *testing.T) {
		store := memory.NewStore()
		artifacts := newStubArtifacts()
		svc := NewMessageService(store, artifacts, nil, nil)

		stuck := seedMessage(t, store, 1, domain.StatusQuarantine)
		seedMessage(t, store, 2, domain.StatusQuarantine)
		seedMessage(t, store, 3, domain.StatusQuarantine)
		artifacts.failDeleteIDs[stuck.ID] = true

		cleared, err := svc.ClearQuarantine(context.Background(), "admin")
		require.NoError(t, err)
		assert.Equal(t, 2, cleared)

		// 卡住的那条保留，等工件故障恢复后再清
		_, err = store.GetMessage(stuck.ID)
		assert.NoError(t, err)
	})

	t.Run("超过单批上限时分批清空", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewMessageService(store, nil, nil, nil)

		total := storage.MaxListLimit + 5
		for i := 1; i <= total; i++ {
			seedMessage(t, store, i, domain.StatusQuarantine)
		}

		cleared, err := svc.ClearQuarantine(context.Background(), "admin")
		require.NoError(t, err)
		assert.Equal(t, total, cleared)

		remaining, err := store.ListMessages(storage.MessageQuery{Statuses: []domain.Status{domain.StatusQuarantine}})
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("上下文取消时中途返回", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewMessageService(store, nil, nil, nil)
		seedMessage(t, store, 1, domain.StatusQuarantine)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := svc.ClearQuarantine(ctx, "admin")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
