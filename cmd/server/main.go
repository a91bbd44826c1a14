package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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
	"github.com/devils-shadow/quail/internal/smtp"
	"github.com/devils-shadow/quail/internal/storage"
	"github.com/devils-shadow/quail/internal/storage/filesystem"
	"github.com/devils-shadow/quail/internal/storage/hybrid"
	"github.com/devils-shadow/quail/internal/storage/memory"
	httptransport "github.com/devils-shadow/quail/internal/transport/http"
	"github.com/devils-shadow/quail/internal/websocket"
)

// main 启动同时包含 SMTP 接收与 HTTP 管理面的综合服务。
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
	log.Info("starting quail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	var store storage.Store

	// 根据配置选择存储类型
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		// 使用数据库存储
		store, err = initializeDatabaseStorage(cfg, log)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		// 使用内存存储（开发环境）
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}

	// 初始化文件系统存储（用于原始邮件和附件内容）
	fsStorePath := cfg.Storage.Path
	if fsStorePath == "" {
		fsStorePath = "./data/mail-storage" // 默认路径
	}
	fsStore, err := filesystem.NewStore(fsStorePath)
	if err != nil {
		log.Warn("failed to initialize filesystem storage, continuing without it", zap.Error(err))
		fsStore = nil
	} else {
		log.Info("filesystem storage initialized", zap.String("path", fsStorePath))
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

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	// 初始化健康检查
	healthChecker := health.NewHealthChecker(store, artifactsPath, log)

	// 初始化事件总线（投递决定与消息变更都从这里广播）
	bus := events.NewBus(log)
	bus.OnDrop(metrics.RecordEventDropped)

	// 初始化告警系统
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512.0)) // 512MB
	alertManager.AddRule(monitoring.StoreHealthRule(store))
	alertManager.AddRule(monitoring.EventsDroppedRule(bus.Dropped))

	log.Info("monitoring system initialized")

	// 初始化后台工作池（审计落盘、事件记录、清扫的工件删除）
	workerPool := pool.NewWorkerPool(4, 256, log)
	workerPool.OnPanic(metrics.RecordPanic)

	// 初始化判定引擎（策略、规则、设置都从存储读取）
	cache := decision.NewPatternCache()
	engine := decision.NewEngine(store, store, store, cache, log)

	// 初始化保留期清扫
	sweeper := retention.NewSweeper(store, sweepArtifacts, bus, workerPool, cfg.Retention, metrics, log)
	scheduler := retention.NewScheduler(sweeper, cfg.Retention.SweepSchedule, log)

	// 初始化服务层
	ingestService := service.NewIngestService(store, artifacts, engine, bus, metrics, log)
	messageService := service.NewMessageService(store, artifacts, bus, log)
	policyService := service.NewPolicyService(store, log)
	ruleService := service.NewRuleService(store, cache, log)
	settingsService := service.NewSettingsService(store, log)
	recorder := service.NewRecorder(store, bus, workerPool, log)

	// 初始化解锁认证
	sessions := auth.NewSessionManager(cfg.Admin.JWTSecret, cfg.Admin.Issuer, cfg.Admin.SessionTTL)
	unlockService := auth.NewUnlockService(store, sessions, cfg.Admin, metrics, log)

	log.Info("session configuration",
		zap.String("issuer", cfg.Admin.Issuer),
		zap.Duration("session_ttl", cfg.Admin.SessionTTL),
	)

	// 创建 WebSocket 分发中心
	hub := websocket.NewHub(store, bus, sessions, cfg.Hub, cfg.CORS.AllowedOrigins, metrics, log)

	// 管理服务需要分发中心提供订阅者计数
	adminService := service.NewAdminService(store, artifactStats, hub, sweeper, log)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
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

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 创建 SMTP 服务器（纯接收，不提供认证与发送）
	limiter := smtp.NewConnectionLimiter(cfg.SMTP.MaxConnsPerIP, cfg.SMTP.AcceptRate, cfg.SMTP.AcceptBurst)
	smtpBackend := smtp.NewBackend(ingestService, limiter, cfg.SMTP, metrics, log)
	smtpServer := gosmtp.NewServer(smtpBackend)
	smtpServer.Addr = cfg.SMTP.BindAddr
	smtpServer.Domain = cfg.SMTP.Domain
	smtpServer.ReadTimeout = 10 * time.Second
	smtpServer.WriteTimeout = 10 * time.Second
	smtpServer.MaxMessageBytes = cfg.SMTP.MaxMessageBytes
	smtpServer.MaxRecipients = cfg.SMTP.MaxRecipients

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// 工作池在所有后台任务之前就绪
	workerPool.Start(groupCtx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket 分发中心 goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		hub.Run(groupCtx)
		return nil
	})

	// 审计与事件落盘 goroutine
	group.Go(func() error {
		log.Info("starting event recorder")
		recorder.Run(groupCtx)
		return nil
	})

	// 保留期清扫调度 goroutine
	group.Go(func() error {
		if err := scheduler.Start(groupCtx); err != nil {
			log.Error("retention scheduler error", zap.Error(err))
			return err
		}
		if cfg.Retention.SweepOnStart {
			log.Info("running startup retention sweep")
			stats, err := sweeper.RunOnce(groupCtx)
			if err != nil {
				// 启动清扫失败不拖垮进程，下一次调度还会再试
				log.Error("startup retention sweep failed", zap.Error(err))
			} else {
				log.Info("startup retention sweep completed",
					zap.Int("examined", stats.Examined),
					zap.Int("deleted", stats.Deleted),
				)
			}
		}
		return nil
	})

	// 定时回收闲置的 SMTP 限流条目 goroutine
	group.Go(func() error {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Prune(30 * time.Minute); n > 0 {
					log.Debug("pruned idle SMTP limiter entries", zap.Int("count", n))
				}
			}
		}
	})

	// 监控服务 goroutine
	group.Go(func() error {
		log.Info("starting monitoring services")
		alertManager.StartMonitoring(groupCtx, 1*time.Minute)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 关闭 HTTP 服务器
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 关闭 SMTP 服务器
		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	// 所有消费者都已退出，才能安全收尾
	workerPool.Stop()
	bus.Close()
	if err := store.Close(); err != nil {
		log.Warn("store close warning", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeDatabaseStorage 初始化数据库存储
func initializeDatabaseStorage(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	log.Info("initializing database storage",
		zap.String("database_type", cfg.Database.Type),
		zap.String("redis_address", cfg.Redis.Address),
	)

	// 使用混合存储（SQL + Redis）
	store, err := hybrid.NewStore(&cfg.Database, &cfg.Redis, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create hybrid store: %w", err)
	}

	log.Info("database storage initialized successfully",
		zap.String("database_type", cfg.Database.Type),
	)

	return store, nil
}
