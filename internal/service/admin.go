package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/retention"
	"github.com/devils-shadow/quail/internal/storage"
	"github.com/devils-shadow/quail/internal/storage/filesystem"
)

// ErrSweeperUnavailable 手动清扫在未配置清扫器的进程里不可用
var ErrSweeperUnavailable = errors.New("sweeper not configured")

// 统计视图里收件域排行的条数。
const topDomainLimit = 10

// SubscriberSource 提供当前订阅者数量，由分发中心实现。
type SubscriberSource interface {
	Subscribers() int
}

// ArtifactStatsSource 提供工件存储的占用统计。
type ArtifactStatsSource interface {
	GetStats() (*filesystem.Stats, error)
}

// AdminService 聚合管理端的观测与运维操作：统计视图、审计查询、手动清扫。
type AdminService struct {
	store       storage.Store
	artifacts   ArtifactStatsSource
	subscribers SubscriberSource
	sweeper     *retention.Sweeper
	log         *zap.Logger
}

// NewAdminService 创建管理服务。artifacts、subscribers、sweeper 均可为 nil。
func NewAdminService(
	store storage.Store,
	artifacts ArtifactStatsSource,
	subscribers SubscriberSource,
	sweeper *retention.Sweeper,
	log *zap.Logger,
) *AdminService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminService{
		store:       store,
		artifacts:   artifacts,
		subscribers: subscribers,
		sweeper:     sweeper,
		log:         log,
	}
}

// Overview 汇总系统当前状态，供 /api/stats 返回。
type Overview struct {
	Counts       map[domain.Status]int64 `json:"counts"`
	TopDomains   []storage.DomainCount   `json:"topDomains"`
	Subscribers  int                     `json:"subscribers"`
	StoreHealthy bool                    `json:"storeHealthy"`
	StoreError   string                  `json:"storeError,omitempty"`
	Artifacts    *filesystem.Stats       `json:"artifacts,omitempty"`
	GeneratedAt  time.Time               `json:"generatedAt"`
}

// CollectOverview 收集统计视图：按状态的消息量、收件域排行、
// 订阅者数量、存储健康与工件占用。
func (s *AdminService) CollectOverview() (*Overview, error) {
	counts, err := s.store.CountMessagesByStatus()
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	top, err := s.store.TopRecipientDomains(topDomainLimit)
	if err != nil {
		return nil, fmt.Errorf("rank recipient domains: %w", err)
	}

	overview := &Overview{
		Counts:       counts,
		TopDomains:   top,
		StoreHealthy: true,
		GeneratedAt:  time.Now().UTC(),
	}

	if err := s.store.Health(); err != nil {
		overview.StoreHealthy = false
		overview.StoreError = err.Error()
	}
	if s.subscribers != nil {
		overview.Subscribers = s.subscribers.Subscribers()
	}
	if s.artifacts != nil {
		stats, err := s.artifacts.GetStats()
		if err != nil {
			s.log.Warn("failed to collect artifact stats", zap.Error(err))
		} else {
			overview.Artifacts = stats
		}
	}
	return overview, nil
}

// ListAudit 分页返回审计记录（新者在前）和总条数。
func (s *AdminService) ListAudit(limit, offset int) ([]domain.AuditEntry, int, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if limit > storage.MaxListLimit {
		limit = storage.MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListAuditEntries(limit, offset)
}

// RunSweep 手动执行一轮保留期清扫并落审计。
func (s *AdminService) RunSweep(ctx context.Context, actor string) (retention.Stats, error) {
	if s.sweeper == nil {
		return retention.Stats{}, ErrSweeperUnavailable
	}

	stats, err := s.sweeper.RunOnce(ctx)
	if err != nil {
		return stats, err
	}

	writeAudit(s.store, s.log, actor, domain.AuditManualSweep, stats)
	s.log.Info("manual sweep completed",
		zap.Int("examined", stats.Examined),
		zap.Int("deleted", stats.Deleted))
	return stats, nil
}
