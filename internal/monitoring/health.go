package monitoring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/storage"
)

// HealthStatus 健康状态
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck 健康检查
type HealthCheck struct {
	Name        string        `json:"name"`
	Status      HealthStatus  `json:"status"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	LastChecked time.Time     `json:"last_checked"`
}

// HealthReport 健康报告
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Checks    []HealthCheck `json:"checks"`
	Version   string        `json:"version"`
}

// ArtifactDir 提供工件根目录，用于可写性探测。
type ArtifactDir interface {
	BasePath() string
}

// HealthChecker 健康检查器
type HealthChecker struct {
	store     storage.Store
	artifacts ArtifactDir
	logger    *zap.Logger
	startTime time.Time
	version   string
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, artifacts ArtifactDir, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		store:     store,
		artifacts: artifacts,
		logger:    logger,
		startTime: time.Now(),
		version:   version,
	}
}

// CheckHealth 执行健康检查
func (hc *HealthChecker) CheckHealth() *HealthReport {
	report := &HealthReport{
		Timestamp: time.Now(),
		Uptime:    time.Since(hc.startTime),
		Version:   hc.version,
		Checks:    make([]HealthCheck, 0),
	}

	checks := []func() HealthCheck{
		hc.checkStore,
		hc.checkCache,
		hc.checkArtifacts,
		hc.checkMemory,
		hc.checkGoroutines,
	}

	overallStatus := HealthStatusHealthy

	for _, check := range checks {
		healthCheck := check()
		report.Checks = append(report.Checks, healthCheck)

		switch healthCheck.Status {
		case HealthStatusUnhealthy:
			overallStatus = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overallStatus != HealthStatusUnhealthy {
				overallStatus = HealthStatusDegraded
			}
		}
	}

	report.Status = overallStatus
	return report
}

// checkStore 检查元数据存储连接
func (hc *HealthChecker) checkStore() HealthCheck {
	start := time.Now()

	check := HealthCheck{
		Name:        "store",
		LastChecked: start,
	}

	if err := hc.store.Health(); err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = fmt.Sprintf("store connection failed: %v", err)
	} else {
		check.Status = HealthStatusHealthy
		check.Message = "store connection is healthy"
	}

	check.Duration = time.Since(start)
	return check
}

// checkCache 检查限流/缓存读路径
//
// 缓存故障只降级不致命：判定与接收仍以存储为准。
func (hc *HealthChecker) checkCache() HealthCheck {
	start := time.Now()

	check := HealthCheck{
		Name:        "cache",
		LastChecked: start,
	}

	if _, err := hc.store.GetRateLimit("health_check"); err != nil {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("cache read failed: %v", err)
	} else {
		check.Status = HealthStatusHealthy
		check.Message = "cache read path is healthy"
	}

	check.Duration = time.Since(start)
	return check
}

// checkArtifacts 检查工件目录可写性
func (hc *HealthChecker) checkArtifacts() HealthCheck {
	start := time.Now()

	check := HealthCheck{
		Name:        "artifacts",
		LastChecked: start,
	}

	if hc.artifacts == nil {
		check.Status = HealthStatusDegraded
		check.Message = "artifact store not configured"
		check.Duration = time.Since(start)
		return check
	}

	probe := filepath.Join(hc.artifacts.BasePath(), ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = fmt.Sprintf("artifact dir not writable: %v", err)
	} else {
		_ = os.Remove(probe)
		check.Status = HealthStatusHealthy
		check.Message = "artifact dir is writable"
	}

	check.Duration = time.Since(start)
	return check
}

// checkMemory 检查内存使用
func (hc *HealthChecker) checkMemory() HealthCheck {
	start := time.Now()

	check := HealthCheck{
		Name:        "memory",
		LastChecked: start,
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryUsageMB := float64(m.Alloc) / 1024 / 1024
	memoryLimitMB := 1024.0

	if memoryUsageMB > memoryLimitMB {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("high memory usage: %.2f MB", memoryUsageMB)
	} else {
		check.Status = HealthStatusHealthy
		check.Message = fmt.Sprintf("memory usage: %.2f MB", memoryUsageMB)
	}

	check.Duration = time.Since(start)
	return check
}

// checkGoroutines 检查协程数量
func (hc *HealthChecker) checkGoroutines() HealthCheck {
	start := time.Now()

	check := HealthCheck{
		Name:        "goroutines",
		LastChecked: start,
	}

	numGoroutines := runtime.NumGoroutine()
	if numGoroutines > 1000 {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("high goroutine count: %d", numGoroutines)
	} else {
		check.Status = HealthStatusHealthy
		check.Message = fmt.Sprintf("goroutines: %d", numGoroutines)
	}

	check.Duration = time.Since(start)
	return check
}

// IsHealthy 检查系统是否健康
func (hc *HealthChecker) IsHealthy() bool {
	report := hc.CheckHealth()
	return report.Status == HealthStatusHealthy
}

// GetUptime 获取系统运行时间
func (hc *HealthChecker) GetUptime() time.Duration {
	return time.Since(hc.startTime)
}

// StartPeriodicHealthCheck 启动定期健康检查
func (hc *HealthChecker) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := hc.CheckHealth()

			if report.Status == HealthStatusUnhealthy {
				hc.logger.Error("system health check failed",
					zap.String("status", string(report.Status)),
					zap.Duration("uptime", report.Uptime),
				)
			} else if report.Status == HealthStatusDegraded {
				hc.logger.Warn("system health check degraded",
					zap.String("status", string(report.Status)),
					zap.Duration("uptime", report.Uptime),
				)
			} else {
				hc.logger.Debug("system health check passed",
					zap.String("status", string(report.Status)),
					zap.Duration("uptime", report.Uptime),
				)
			}
		}
	}
}
