// Package retention 实现保留期清扫：按运行期配置的保留窗口
// 删除过期消息的工件与元数据行，并清理审计与事件痕迹。
package retention

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/config"
	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/events"
	"github.com/devils-shadow/quail/internal/monitoring"
	"github.com/devils-shadow/quail/internal/pool"
	"github.com/devils-shadow/quail/internal/storage"
)

// 保留窗口的兜底天数，settings 表缺键或值非法时生效。
const (
	defaultInboxDays      = 30
	defaultQuarantineDays = 7
	defaultBatchSize      = 200
)

// ArtifactStore 定义清扫器需要的工件删除操作。
// 删除必须幂等：工件不存在视为删除成功。
type ArtifactStore interface {
	Delete(messageID string) error
}

// Stats 汇总一轮清扫的结果。
type Stats struct {
	Examined         int `json:"examined"`         // 进入清扫流程的候选行数
	Deleted          int `json:"deleted"`          // 实际删除的消息行数
	ArtifactFailures int `json:"artifactFailures"` // 工件删除失败（行保留，下轮重试）
	AuditPurged      int `json:"auditPurged"`      // 清理的审计记录数
	EventsPurged     int `json:"eventsPurged"`     // 清理的事件痕迹数
}

// Sweeper 保留期清扫器。
//
// 删除顺序固定为先工件后行：行是工件存在性的唯一索引，
// 先删行会让残留工件永远失去被找到的机会。工件删除失败的行
// 本轮跳过，等下一轮重试，单项失败不会中断整批。
type Sweeper struct {
	store     storage.Store
	artifacts ArtifactStore
	bus       *events.Bus
	pool      *pool.WorkerPool
	cfg       config.RetentionConfig
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewSweeper 创建清扫器。
//
// artifacts 为 nil 时表示纯内存部署（无磁盘工件），直接删行；
// pool 为 nil 时工件串行删除；metrics 为 nil 时不上报指标。
// 传入的 pool 必须已经 Start。
func NewSweeper(
	store storage.Store,
	artifacts ArtifactStore,
	bus *events.Bus,
	workerPool *pool.WorkerPool,
	cfg config.RetentionConfig,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:     store,
		artifacts: artifacts,
		bus:       bus,
		pool:      workerPool,
		cfg:       cfg,
		metrics:   metrics,
		log:       log,
	}
}

// RunOnce 执行一轮完整清扫，返回统计结果。
//
// 同一轮内重复执行是安全的：删除按 ID 幂等，已删除的行不会再被
// 扫描命中。存储层读失败会中止本轮并返回错误，调用方（调度器或
// 管理接口）负责记录。
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	start := time.Now()
	now := start.UTC()

	var stats Stats

	inboxDays := s.settingDays(domain.SettingInboxRetentionDays, defaultInboxDays)
	quarantineDays := s.settingDays(domain.SettingQuarantineRetentionDays, defaultQuarantineDays)

	overrides, err := s.store.ListQuarantineOverrides()
	if err != nil {
		s.recordFailure()
		return stats, fmt.Errorf("list quarantine overrides: %w", err)
	}

	excluded := make([]string, 0, len(overrides))
	for _, policy := range overrides {
		excluded = append(excluded, policy.Domain)
	}

	// 收件消息走全局收件窗口
	if err := s.sweepMessages(ctx, &stats, storage.ExpiryQuery{
		Statuses: []domain.Status{domain.StatusInbox},
		Cutoff:   cutoff(now, inboxDays),
	}); err != nil {
		return stats, err
	}

	// 隔离/丢弃消息：无独立保留期的域走全局隔离窗口
	if err := s.sweepMessages(ctx, &stats, storage.ExpiryQuery{
		Statuses:       []domain.Status{domain.StatusQuarantine, domain.StatusDropped},
		ExcludeDomains: excluded,
		Cutoff:         cutoff(now, quarantineDays),
	}); err != nil {
		return stats, err
	}

	// 设置了独立隔离保留期的域逐一扫描
	for _, policy := range overrides {
		days := quarantineDays
		if policy.QuarantineRetentionDays != nil {
			days = *policy.QuarantineRetentionDays
		}
		if err := s.sweepMessages(ctx, &stats, storage.ExpiryQuery{
			Statuses: []domain.Status{domain.StatusQuarantine, domain.StatusDropped},
			Domain:   policy.Domain,
			Cutoff:   cutoff(now, days),
		}); err != nil {
			return stats, err
		}
	}

	// 审计与事件痕迹同样分批清理
	stats.AuditPurged, err = s.purgeTrail(ctx, s.cfg.AuditRetentionDays, s.store.DeleteAuditEntriesBefore)
	if err != nil {
		s.recordFailure()
		return stats, fmt.Errorf("purge audit entries: %w", err)
	}

	stats.EventsPurged, err = s.purgeTrail(ctx, s.cfg.EventRetentionDays, s.store.DeleteEventRecordsBefore)
	if err != nil {
		s.recordFailure()
		return stats, fmt.Errorf("purge event records: %w", err)
	}

	duration := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordSweeperDeleted("message", stats.Deleted)
		s.metrics.RecordSweeperDeleted("audit", stats.AuditPurged)
		s.metrics.RecordSweeperDeleted("event", stats.EventsPurged)
		s.metrics.ObserveSweepDuration(duration)
	}

	s.log.Info("retention sweep completed",
		zap.Int("examined", stats.Examined),
		zap.Int("deleted", stats.Deleted),
		zap.Int("artifact_failures", stats.ArtifactFailures),
		zap.Int("audit_purged", stats.AuditPurged),
		zap.Int("events_purged", stats.EventsPurged),
		zap.Duration("duration", duration))

	return stats, nil
}

// sweepMessages 按查询条件分批删除过期消息。
func (s *Sweeper) sweepMessages(ctx context.Context, stats *Stats, query storage.ExpiryQuery) error {
	// 工件删除失败的行本轮跳过。列表没有游标，旧者在前，失败行会
	// 占住每次重新列出的头部：窗口按跳过数量扩大，保证每轮仍有
	// 一整批新候选进入，失败堆积不会饿死后面的过期行。
	skipped := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		query.Limit = s.batchSize() + len(skipped)
		batch, err := s.store.ListExpiredMessages(query)
		if err != nil {
			s.recordFailure()
			return fmt.Errorf("list expired messages: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		candidates := batch[:0:0]
		for _, msg := range batch {
			if !skipped[msg.ID] {
				candidates = append(candidates, msg)
			}
		}
		// 全批都在跳过名单里：len(batch) <= len(skipped) < query.Limit，
		// 说明名单之外已无过期行
		if len(candidates) == 0 {
			return nil
		}
		stats.Examined += len(candidates)

		clean, failed := s.deleteArtifacts(candidates)
		for _, id := range failed {
			skipped[id] = true
			stats.ArtifactFailures++
			s.recordFailure()
		}

		if len(clean) > 0 {
			deleted, err := s.store.DeleteMessages(clean)
			if err != nil {
				// 行删除失败同样只影响本批，标记后继续
				s.log.Error("failed to delete expired message rows",
					zap.Int("count", len(clean)), zap.Error(err))
				s.recordFailure()
				for _, id := range clean {
					skipped[id] = true
				}
			} else {
				stats.Deleted += deleted
				if s.bus != nil {
					s.bus.Publish(events.Event{Kind: events.MessagesDeleted, IDs: clean})
				}
			}
		}

		if len(batch) < query.Limit {
			return nil
		}
	}
}

// deleteArtifacts 删除一批消息的工件，返回工件已清理干净的 ID
// 与删除失败的 ID。有协程池时并行执行。
func (s *Sweeper) deleteArtifacts(batch []domain.Message) (clean []string, failed []string) {
	if s.artifacts == nil {
		clean = make([]string, 0, len(batch))
		for _, msg := range batch {
			clean = append(clean, msg.ID)
		}
		return clean, nil
	}

	errs := make([]error, len(batch))

	if s.pool != nil {
		var wg sync.WaitGroup
		for i := range batch {
			i := i
			id := batch[i].ID
			wg.Add(1)
			s.pool.Submit(func() {
				defer wg.Done()
				errs[i] = s.artifacts.Delete(id)
			})
		}
		wg.Wait()
	} else {
		for i := range batch {
			errs[i] = s.artifacts.Delete(batch[i].ID)
		}
	}

	clean = make([]string, 0, len(batch))
	for i, msg := range batch {
		if errs[i] != nil {
			s.log.Warn("failed to delete message artifacts",
				zap.String("message_id", msg.ID), zap.Error(errs[i]))
			failed = append(failed, msg.ID)
			continue
		}
		clean = append(clean, msg.ID)
	}
	return clean, failed
}

// purgeTrail 分批清理时间早于保留窗口的痕迹记录。
// days <= 0 表示该类痕迹不清理。
func (s *Sweeper) purgeTrail(ctx context.Context, days int, remove func(time.Time, int) (int, error)) (int, error) {
	if days <= 0 {
		return 0, nil
	}

	cut := cutoff(time.Now().UTC(), days)
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := remove(cut, s.batchSize())
		if err != nil {
			return total, err
		}
		total += n
		if n < s.batchSize() {
			return total, nil
		}
	}
}

// settingDays 从 settings 表读取保留天数，缺键或非法值回退到兜底值。
func (s *Sweeper) settingDays(key string, fallback int) int {
	setting, err := s.store.GetSetting(key)
	if err != nil {
		if !errors.Is(err, storage.ErrSettingNotFound) {
			s.log.Warn("failed to load retention setting",
				zap.String("key", key), zap.Error(err))
		}
		return fallback
	}

	days, err := strconv.Atoi(strings.TrimSpace(setting.Value))
	if err != nil || days < 0 {
		s.log.Warn("invalid retention setting, using default",
			zap.String("key", key),
			zap.String("value", setting.Value),
			zap.Int("default", fallback))
		return fallback
	}
	return days
}

func (s *Sweeper) batchSize() int {
	if s.cfg.BatchSize <= 0 {
		return defaultBatchSize
	}
	return s.cfg.BatchSize
}

func (s *Sweeper) recordFailure() {
	if s.metrics != nil {
		s.metrics.RecordSweeperFailure()
	}
}

// cutoff 返回排除边界：恰好等于保留窗口的消息不会被选中，
// 因为存储层按 received_at 严格早于边界过滤。
func cutoff(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}
