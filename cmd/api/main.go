package main

// @title Quail API
// @version 1.0.0
// @description 私有收件池的管理与查看 API 文档
// @BasePath /
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description 使用格式：Bearer {token}

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/auth"
	"github.com/devils-shadow/quail/internal/config"
	"github.com/devils-shadow/quail/internal/decision"
	"github.com/devils-shadow/quail/internal/events"
	"github.com/devils-shadow/quail/internal/health"
	"github.com/devils-shadow/quail/internal/logger"
	"github.com/devils-shadow/quail/internal/monitoring"
	"github.com/devils-shadow/quail/internal/pool"
	"github.com/devils-shadow/quail/internal/retention"
	"github.com/devils-shadow/quail/internal/service"
	"github.com/devils-shadow/quail/internal/storage/filesystem"
	"github.com/devils-shadow/quail/internal/storage/memory"
	httptransport "github.com/devils-shadow/quail/internal/transport/http"
	"github.com/devils-shadow/quail/internal/websocket"
)

// main 是仅含 HTTP 管理面的程序入口（内存存储，不含 SMTP，用于前端联调）。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     cfg.Log.MaxSize,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAge:      cfg.Log.MaxAge,
		Compress:    cfg.Log.Compress,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()
	log.Info("starting quail API server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层（开发模式固定使用内存存储）
	store := memory.NewStore()
	log.Info("using memory storage (development mode)")

	// 初始化文件系统存储（用于原始邮件和附件内容）
	fsStorePath := cfg.Storage.Path
	if fsStorePath == "" {
		fsStorePath = "./data/mail-storage" // 默认路径
	}
	fsStore, err := filesystem.NewStore(fsStorePath)
	if err != nil {
		log.Warn("failed to initialize filesystem storage, continuing without it", zap.Error(err))
		fsStore = nil
	}

	// 接口变量显式判空，避免把 nil 指针装进非 nil 接口
	var artifacts service.ArtifactStore
	var artifactStats service.ArtifactStatsSource
	var sweepArtifacts retention.ArtifactStore
	artifactsPath := ""
	if fsStore != nil {
		artifacts = fsStore
		artifactStats = fsStore
		sweepArtifacts = fsStore
		artifactsPath = fsStorePath
	}

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, artifactsPath, log)

	bus := events.NewBus(log)
	bus.OnDrop(metrics.RecordEventDropped)

	workerPool := pool.NewWorkerPool(2, 64, log)
	workerPool.OnPanic(metrics.RecordPanic)

	cache := decision.NewPatternCache()

	// 手动清扫端点在开发模式下也可用
	sweeper := retention.NewSweeper(store, sweepArtifacts, bus, workerPool, cfg.Retention, metrics, log)

	// 初始化服务层
	messageService := service.NewMessageService(store, artifacts, bus, log)
	policyService := service.NewPolicyService(store, log)
	ruleService := service.NewRuleService(store, cache, log)
	settingsService := service.NewSettingsService(store, log)
	recorder := service.NewRecorder(store, bus, workerPool, log)

	sessions := auth.NewSessionManager(cfg.Admin.JWTSecret, cfg.Admin.Issuer, cfg.Admin.SessionTTL)
	unlockService := auth.NewUnlockService(store, sessions, cfg.Admin, metrics, log)

	// 创建 WebSocket 分发中心
	hub := websocket.NewHub(store, bus, sessions, cfg.Hub, cfg.CORS.AllowedOrigins, metrics, log)

	adminService := service.NewAdminService(store, artifactStats, hub, sweeper, log)

	// 创建 HTTP 路由
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:          cfg,
		MessageService:  messageService,
		PolicyService:   policyService,
		RuleService:     ruleService,
		SettingsService: settingsService,
		AdminService:    adminService,
		UnlockService:   unlockService,
		Sessions:        sessions,
		Hub:             hub,
		Health:          healthChecker,
		Metrics:         metrics,
		Logger:          log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerPool.Start(ctx)

	// 启动 WebSocket 分发中心
	go func() {
		log.Info("starting WebSocket hub")
		hub.Run(ctx)
	}()

	// 启动事件落盘
	go func() {
		recorder.Run(ctx)
	}()

	// 启动 HTTP 服务器
	go func() {
		log.Info("API server listening", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server stopped cleanly")
	}

	workerPool.Stop()
	bus.Close()
}
