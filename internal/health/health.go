package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/storage"
)

// HealthChecker 健康检查器
//
// 存活探针只看进程自身（协程数），就绪探针才触达存储与工件目录，
// 避免依赖抖动导致进程被编排器反复重启。
type HealthChecker struct {
	health        healthcheck.Handler
	store         storage.Store
	artifactsPath string
	logger        *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, artifactsPath string, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health:        healthcheck.NewHandler(),
		store:         store,
		artifactsPath: artifactsPath,
		logger:        logger,
	}

	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	// 存活：协程数失控说明分发或接收路径泄漏
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(1000))

	// 就绪：元数据存储可达
	hc.health.AddReadinessCheck("store", func() error {
		return hc.store.Health()
	})

	// 就绪：工件目录可写
	if hc.artifactsPath != "" {
		hc.health.AddReadinessCheck("artifacts", ArtifactDirCheck(hc.artifactsPath))
	}
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活探针端点
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针端点
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行健康检查
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.store.Health(); err != nil {
		results["store"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["store"] = "OK"
	}

	if hc.artifactsPath != "" {
		if err := ArtifactDirCheck(hc.artifactsPath)(); err != nil {
			results["artifacts"] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results["artifacts"] = "OK"
		}
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}

// DatabaseHealthCheck 数据库健康检查
func DatabaseHealthCheck(db *sql.DB) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return db.PingContext(ctx)
	}
}

// ArtifactDirCheck 工件目录可写性检查
func ArtifactDirCheck(basePath string) healthcheck.Check {
	return func() error {
		probe := filepath.Join(basePath, ".healthcheck")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return fmt.Errorf("artifact dir not writable: %w", err)
		}
		return os.Remove(probe)
	}
}
