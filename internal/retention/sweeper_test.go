package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/config"
	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/events"
	"github.com/devils-shadow/quail/internal/pool"
	"github.com/devils-shadow/quail/internal/storage"
	"github.com/devils-shadow/quail/internal/storage/memory"
)

// fakeArtifacts 记录被删除的工件，可按 ID 注入失败。
type fakeArtifacts struct {
	mu      sync.Mutex
	deleted []string
	failIDs map[string]bool
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{failIDs: make(map[string]bool)}
}

func (f *fakeArtifacts) Delete(messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failIDs[messageID] {
		return errors.New("disk failure")
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeArtifacts) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// testMessage 构造一条指定域、状态和年龄的测试消息。
func testMessage(seq int, status domain.Status, recipientDomain string, age time.Duration) *domain.Message {
	received := time.Now().UTC().Add(-age)
	return &domain.Message{
		ID:              fmt.Sprintf("0190%04d-0000-7000-8000-000000000000", seq),
		Recipient:       fmt.Sprintf("user%d@%s", seq, recipientDomain),
		RecipientLocal:  fmt.Sprintf("user%d", seq),
		RecipientDomain: recipientDomain,
		Sender:          "sender@remote.test",
		SenderDomain:    "remote.test",
		Subject:         fmt.Sprintf("message %d", seq),
		Size:            128,
		Status:          status,
		Decision:        domain.DecisionMeta{Reason: "policy default", DecidedAt: received},
		ReceivedAt:      received,
	}
}

func newTestSweeper(store storage.Store, artifacts ArtifactStore, bus *events.Bus) *Sweeper {
	cfg := config.RetentionConfig{
		BatchSize:          10,
		AuditRetentionDays: 30,
		EventRetentionDays: 1,
	}
	return NewSweeper(store, artifacts, bus, nil, cfg, nil, zap.NewNop())
}

// drainDeletedIDs 收集总线上已发布的删除事件里的全部 ID。
func drainDeletedIDs(ch <-chan events.Event) []string {
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

const day = 24 * time.Hour

func TestSweeper_DeletesExpiredMessages(t *testing.T) {
	store := memory.NewStore()
	artifacts := newFakeArtifacts()
	bus := events.NewBus(nil)
	ch := bus.Subscribe("test", 16)

	expiredInbox := testMessage(1, domain.StatusInbox, "example.org", 40*day)
	freshInbox := testMessage(2, domain.StatusInbox, "example.org", time.Hour)
	expiredQuarantine := testMessage(3, domain.StatusQuarantine, "example.org", 8*day)
	expiredDropped := testMessage(4, domain.StatusDropped, "example.org", 8*day)
	freshQuarantine := testMessage(5, domain.StatusQuarantine, "example.org", 2*day)

	for _, msg := range []*domain.Message{expiredInbox, freshInbox, expiredQuarantine, expiredDropped, freshQuarantine} {
		require.NoError(t, store.SaveMessage(msg))
	}

	sweeper := newTestSweeper(store, artifacts, bus)
	stats, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Examined)
	assert.Equal(t, 3, stats.Deleted)
	assert.Zero(t, stats.ArtifactFailures)

	// 过期的三条消失，窗口内的保留
	for _, id := range []string{expiredInbox.ID, expiredQuarantine.ID, expiredDropped.ID} {
		_, err := store.GetMessage(id)
		assert.ErrorIs(t, err, storage.ErrMessageNotFound, "message %s should be deleted", id)
	}
	for _, id := range []string{freshInbox.ID, freshQuarantine.ID} {
		_, err := store.GetMessage(id)
		assert.NoError(t, err, "message %s should be retained", id)
	}

	// 工件在行之前被删除
	assert.ElementsMatch(t,
		[]string{expiredInbox.ID, expiredQuarantine.ID, expiredDropped.ID},
		artifacts.deletedIDs())

	// 被删 ID 通过事件总线公告
	assert.ElementsMatch(t,
		[]string{expiredInbox.ID, expiredQuarantine.ID, expiredDropped.ID},
		drainDeletedIDs(ch))
}

func TestSweeper_RetentionWindowEdge(t *testing.T) {
	store := memory.NewStore()

	// 边界为排除语义：仍在窗口内的一侧保留，刚越过的一侧删除。
	// 留一分钟余量，避免 RunOnce 内部取当前时间造成抖动。
	justInside := testMessage(1, domain.StatusQuarantine, "example.org", 7*day-time.Minute)
	justOutside := testMessage(2, domain.StatusQuarantine, "example.org", 7*day+time.Minute)
	require.NoError(t, store.SaveMessage(justInside))
	require.NoError(t, store.SaveMessage(justOutside))

	sweeper := newTestSweeper(store, newFakeArtifacts(), nil)
	stats, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Deleted)

	_, err = store.GetMessage(justInside.ID)
	assert.NoError(t, err)
	_, err = store.GetMessage(justOutside.ID)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func TestSweeper_DomainQuarantineOverride(t *testing.T) {
	store := memory.NewStore()

	three := 3
	require.NoError(t, store.SavePolicy(&domain.DomainPolicy{
		Domain:                  "example.org",
		Mode:                    domain.PolicyOpen,
		DefaultAction:           domain.StatusInbox,
		QuarantineRetentionDays: &three,
	}))

	// 覆盖域上 4 天前隔离的消息：独立窗口 3 天，已过期
	overridden := testMessage(1, domain.StatusQuarantine, "example.org", 4*day)
	// 其他域同龄的隔离消息：全局窗口 7 天，未过期
	global := testMessage(2, domain.StatusQuarantine, "other.test", 4*day)
	// 覆盖域上同龄的收件消息：走收件窗口 30 天，不受隔离覆盖影响
	inbox := testMessage(3, domain.StatusInbox, "example.org", 4*day)

	for _, msg := range []*domain.Message{overridden, global, inbox} {
		require.NoError(t, store.SaveMessage(msg))
	}

	sweeper := newTestSweeper(store, newFakeArtifacts(), nil)
	stats, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Deleted)

	_, err = store.GetMessage(overridden.ID)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	_, err = store.GetMessage(global.ID)
	assert.NoError(t, err)
	_, err = store.GetMessage(inbox.ID)
	assert.NoError(t, err)
}

func TestSweeper_ArtifactFailureSkipsRow(t *testing.T) {
	store := memory.NewStore()
	artifacts := newFakeArtifacts()
	bus := events.NewBus(nil)
	ch := bus.Subscribe("test", 16)

	healthy := testMessage(1, domain.StatusInbox, "example.org", 40*day)
	stuck := testMessage(2, domain.StatusInbox, "example.org", 40*day)
	require.NoError(t, store.SaveMessage(healthy))
	require.NoError(t, store.SaveMessage(stuck))

	artifacts.failIDs[stuck.ID] = true

	sweeper := newTestSweeper(store, artifacts, bus)
	stats, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Examined)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 1, stats.ArtifactFailures)

	// 工件没删掉的行必须保留，等下一轮重试
	_, err = store.GetMessage(stuck.ID)
	assert.NoError(t, err)
	_, err = store.GetMessage(healthy.ID)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)

	assert.Equal(t, []string{healthy.ID}, drainDeletedIDs(ch))

	// 故障恢复后，下一轮把遗留行清掉
	artifacts.failIDs = map[string]bool{}
	stats, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	_, err = store.GetMessage(stuck.ID)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func TestSweeper_FailedBatchDoesNotStarveNewerRows(t *testing.T) {
	store := memory.NewStore()
	artifacts := newFakeArtifacts()

	// 最旧的两条工件删除持续失败，恰好占满一个批次；
	// 更新但同样过期的两条必须在同一轮里被清掉
	stuckOld := testMessage(1, domain.StatusInbox, "example.org", 44*day)
	stuckOlder := testMessage(2, domain.StatusInbox, "example.org", 43*day)
	deletable1 := testMessage(3, domain.StatusInbox, "example.org", 42*day)
	deletable2 := testMessage(4, domain.StatusInbox, "example.org", 41*day)

	for _, msg := range []*domain.Message{stuckOld, stuckOlder, deletable1, deletable2} {
		require.NoError(t, store.SaveMessage(msg))
	}
	artifacts.failIDs[stuckOld.ID] = true
	artifacts.failIDs[stuckOlder.ID] = true

	cfg := config.RetentionConfig{BatchSize: 2, AuditRetentionDays: 30, EventRetentionDays: 1}
	sweeper := NewSweeper(store, artifacts, nil, nil, cfg, nil, zap.NewNop())

	stats, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Examined)
	assert.Equal(t, 2, stats.Deleted)
	assert.Equal(t, 2, stats.ArtifactFailures)

	for _, id := range []string{deletable1.ID, deletable2.ID} {
		_, err := store.GetMessage(id)
		assert.ErrorIs(t, err, storage.ErrMessageNotFound, "message %s should be deleted", id)
	}
	for _, id := range []string{stuckOld.ID, stuckOlder.ID} {
		_, err := store.GetMessage(id)
		assert.NoError(t, err, "message %s should be retained for retry", id)
	}
}

func TestSweeper_RunOnceIdempotent(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SaveMessage(testMessage(1, domain.StatusInbox, "example.org", 40*day)))

	sweeper := newTestSweeper(store, newFakeArtifacts(), nil)

	stats, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	stats, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Examined)
	assert.Zero(t, stats.Deleted)
}

func TestSweeper_BatchesLargerThanLimit(t *testing.T) {
	store := memory.NewStore()
	bus := events.NewBus(nil)
	ch := bus.Subscribe("test", 16)

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.SaveMessage(testMessage(i, domain.StatusInbox, "example.org", 40*day)))
	}

	cfg := config.RetentionConfig{BatchSize: 2, AuditRetentionDays: 30, EventRetentionDays: 1}
	sweeper := NewSweeper(store, newFakeArtifacts(), bus, nil, cfg, nil, zap.NewNop())

	stats, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Deleted)
	assert.Len(t, drainDeletedIDs(ch), 5)

	remaining, err := store.ListMessages(storage.MessageQuery{})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestSweeper_ParallelArtifactDeletion(t *testing.T) {
	store := memory.NewStore()
	artifacts := newFakeArtifacts()

	for i := 1; i <= 6; i++ {
		require.NoError(t, store.SaveMessage(testMessage(i, domain.StatusInbox, "example.org", 40*day)))
	}

	workers := pool.NewWorkerPool(4, 16, nil)
	workers.Start(context.Background())
	defer workers.Stop()

	cfg := config.RetentionConfig{BatchSize: 10}
	sweeper := NewSweeper(store, artifacts, nil, workers, cfg, nil, zap.NewNop())

	stats, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, stats.Deleted)
	assert.Len(t, artifacts.deletedIDs(), 6)
}

func TestSweeper_PurgesAuditAndEventTrails(t *testing.T) {
	store := memory.NewStore()
	now := time.Now().UTC()

	// 40 天前的两条审计 + 一条新审计
	for i := 0; i < 2; i++ {
		require.NoError(t, store.SaveAuditEntry(&domain.AuditEntry{
			Action:    domain.AuditUnlock,
			CreatedAt: now.Add(-40 * day),
		}))
	}
	require.NoError(t, store.SaveAuditEntry(&domain.AuditEntry{
		Action:    domain.AuditUnlock,
		CreatedAt: now.Add(-time.Hour),
	}))

	// 2 天前的一条事件痕迹 + 一条新痕迹
	require.NoError(t, store.SaveEventRecord(&domain.EventRecord{
		Kind:      string(events.MessageStored),
		CreatedAt: now.Add(-2 * day),
	}))
	require.NoError(t, store.SaveEventRecord(&domain.EventRecord{
		Kind:      string(events.MessageStored),
		CreatedAt: now.Add(-time.Minute),
	}))

	sweeper := newTestSweeper(store, newFakeArtifacts(), nil)
	stats, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.AuditPurged)
	assert.Equal(t, 1, stats.EventsPurged)

	_, total, err := store.ListAuditEntries(10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSweeper_InvalidSettingFallsBack(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SaveSetting(&domain.Setting{
		Key:   domain.SettingInboxRetentionDays,
		Value: "not-a-number",
	}))

	// 非法配置回退到 30 天：35 天前的过期，5 天前的保留
	expired := testMessage(1, domain.StatusInbox, "example.org", 35*day)
	fresh := testMessage(2, domain.StatusInbox, "example.org", 5*day)
	require.NoError(t, store.SaveMessage(expired))
	require.NoError(t, store.SaveMessage(fresh))

	sweeper := newTestSweeper(store, newFakeArtifacts(), nil)
	stats, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Deleted)
	_, err = store.GetMessage(fresh.ID)
	assert.NoError(t, err)
}

func TestScheduler_Lifecycle(t *testing.T) {
	store := memory.NewStore()
	sweeper := newTestSweeper(store, newFakeArtifacts(), nil)

	t.Run("无效表达式在启动时报错", func(t *testing.T) {
		scheduler := NewScheduler(sweeper, "not a cron", zap.NewNop())
		err := scheduler.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid sweep schedule")
		assert.False(t, scheduler.IsRunning())
	})

	t.Run("空表达式禁用调度", func(t *testing.T) {
		scheduler := NewScheduler(sweeper, "", zap.NewNop())
		require.NoError(t, scheduler.Start(context.Background()))
		assert.False(t, scheduler.IsRunning())
		assert.Nil(t, scheduler.NextRun())
	})

	t.Run("正常启动与停止", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		scheduler := NewScheduler(sweeper, "0 4 * * *", zap.NewNop())
		require.NoError(t, scheduler.Start(ctx))
		assert.True(t, scheduler.IsRunning())

		next := scheduler.NextRun()
		require.NotNil(t, next)
		assert.True(t, next.After(time.Now()))

		scheduler.Stop()
		assert.False(t, scheduler.IsRunning())
	})
}
