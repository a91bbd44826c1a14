package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler 按 cron 表达式周期性触发清扫。
//
// 表达式为标准五段格式，默认每天凌晨四点。表达式在启动时校验，
// 配置错误在进程启动阶段就暴露而不是等到第一次触发。
type Scheduler struct {
	sweeper  *Sweeper
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	log      *zap.Logger
	running  bool
}

// NewScheduler 创建清扫调度器。
func NewScheduler(sweeper *Sweeper, schedule string, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		sweeper:  sweeper,
		schedule: schedule,
		cron:     cron.New(),
		log:      log,
	}
}

// Start 校验表达式并启动调度。
//
// 表达式为空表示禁用周期清扫（手动触发仍然可用）。
// ctx 取消时调度器自动停止。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.log.Info("sweep schedule not configured, skipping scheduler")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.runSweep(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.log.Info("retention scheduler started",
		zap.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// runSweep 执行一轮清扫并记录结果。
func (s *Scheduler) runSweep(ctx context.Context) {
	s.log.Info("starting scheduled retention sweep")

	stats, err := s.sweeper.RunOnce(ctx)
	if err != nil {
		s.log.Error("scheduled retention sweep failed",
			zap.Int("deleted_before_failure", stats.Deleted),
			zap.Error(err))
		return
	}

	if stats.Deleted > 0 || stats.AuditPurged > 0 || stats.EventsPurged > 0 {
		s.log.Info("scheduled retention sweep completed",
			zap.Int("deleted", stats.Deleted),
			zap.Int("audit_purged", stats.AuditPurged),
			zap.Int("events_purged", stats.EventsPurged))
	} else {
		s.log.Debug("scheduled retention sweep completed, nothing eligible")
	}
}

// Stop 停止调度并等待进行中的清扫结束。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil && s.running {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.running = false
		s.log.Info("retention scheduler stopped")
	}
}

// IsRunning 报告调度器是否在运行。
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// NextRun 返回下一次计划清扫的时间，未调度时返回 nil。
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}

	next := entries[0].Next
	return &next
}
