// Package app 提供合规规则服务的应用入口
//
// ========================================
// compliance-rules 服务对接总览
// ========================================
//
// ## 服务信息
// - 服务名: compliance-rules
// - HTTP 端口: 8080 (API + metrics + health)
// - 数据库: compliance (PostgreSQL)
//
// ## 依赖服务
// - PostgreSQL: 义务条款、编译规则、重叠建议、审计日志、死信、人工复核
// - Redis: 规则快照读模型、定时任务锁、激活水位
// - Kafka: 消息总线 (未启用时使用进程内总线)
//
// ## Kafka 主题
// - 消费: regulatory.updates (共享消费者组), compliance.rules (每副本独立消费者组)
// - 生产: regulatory.updates, compliance.rules, compliance.audit, <topic>.dlq
// - 以上为默认主题名，可通过 kafka.topics 配置
//
// ## 上游对接
// 1. 法规采集方 POST /api/v1/obligations 写入义务条款版本
//   - 生效的版本立即发布 ObligationChanged
//   - 未来生效的版本由 obligation-activation 任务在到期后发布
//
// ## 下游对接
// 1. 规则消费方读取 GET /api/v1/rules 或 Redis compliance:rules:jurisdiction:<code>
// 2. 审计系统消费 compliance.audit 或查询 GET /api/v1/audit
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/cache"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/compiler"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/config"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/event"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/handler"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/jurisdiction"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/metrics"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/overlap"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/repository"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/ruleset"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/scheduler"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/service"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/circuitbreaker"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/kafka"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/lock"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// App 合规规则服务应用
type App struct {
	cfg *config.Config

	// 基础设施
	db          *gorm.DB
	redisClient redis.UniversalClient
	httpServer  *http.Server

	// 消息总线
	sender    kafka.MessageSender
	publisher *event.Publisher
	producer  *kafka.Producer
	bus       *event.MemoryBus
	consumers []*kafka.Consumer
	breaker   *circuitbreaker.CircuitBreaker

	// 仓储层
	obligationRepo *repository.ObligationRepository
	ruleRepo       *repository.RuleRepository
	advisoryRepo   *repository.AdvisoryRepository
	reviewRepo     *repository.ReviewRepository
	deadLetterRepo *repository.DeadLetterRepository

	// 服务层
	manager       *ruleset.Manager
	pipeline      *service.Pipeline
	obligationSvc service.ObligationService
	evaluationSvc service.EvaluationService
	auditSvc      service.AuditService
	jurisdictions *jurisdiction.Handler

	// 缓存与定时任务
	snapshotCache  *cache.SnapshotCache
	snapshotWriter *cache.SnapshotWriter
	scheduler      *scheduler.Scheduler

	health *handler.HealthHandler

	// 上下文
	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建应用实例
func New(cfg *config.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run 启动应用
func (a *App) Run() error {
	// 1. 初始化数据库
	if err := a.initDB(); err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}

	// 2. 初始化 Redis
	if err := a.initRedis(); err != nil {
		return fmt.Errorf("failed to init redis: %w", err)
	}

	// 3. 初始化消息总线
	if err := a.initBus(); err != nil {
		return fmt.Errorf("failed to init bus: %w", err)
	}

	// 4. 初始化服务层
	if err := a.initServices(); err != nil {
		return fmt.Errorf("failed to init services: %w", err)
	}

	// 5. 从数据库加载规则集快照
	if err := a.warmupSnapshot(); err != nil {
		return fmt.Errorf("failed to warm up snapshot: %w", err)
	}

	// 6. 启动消费者
	if err := a.startConsumers(); err != nil {
		return fmt.Errorf("failed to start consumers: %w", err)
	}

	// 7. 启动定时任务
	if err := a.startScheduler(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// 8. 启动 HTTP 服务
	a.startHTTPServer()

	a.health.SetReady(true)
	logger.Info("compliance service started",
		zap.String("service", a.cfg.Service.Name),
		zap.String("instance", a.cfg.Service.InstanceID),
		zap.Bool("kafka", a.cfg.Kafka.Enabled))
	return nil
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("shutting down compliance service...")

	// 关闭顺序：摘流量 -> HTTP -> 定时任务 -> 消费者 -> 快照 -> 生产者 -> 数据库 -> 缓存
	if a.health != nil {
		a.health.SetReady(false)
	}

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	for _, c := range a.consumers {
		if err := c.Close(); err != nil {
			logger.Warn("close kafka consumer failed", zap.Error(err))
		}
	}
	a.cancel()

	// manager 先停，快照写入器再停，最后一个快照会被写入缓存
	if a.manager != nil {
		a.manager.Stop()
	}
	if a.snapshotWriter != nil {
		a.snapshotWriter.Stop()
	}

	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			logger.Warn("close kafka producer failed", zap.Error(err))
		}
	}

	if a.db != nil {
		if sqlDB, _ := a.db.DB(); sqlDB != nil {
			_ = sqlDB.Close()
		}
	}

	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}

	logger.Info("compliance service stopped")
	return nil
}

// initDB 初始化数据库
func (a *App) initDB() error {
	pg := &a.cfg.Postgres
	db, err := gorm.Open(postgres.Open(pg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(pg.MaxConnections)
	sqlDB.SetMaxIdleConns(pg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(pg.ConnMaxLifetimeMinutes) * time.Minute)
	a.db = db

	if pg.AutoMigrate {
		if err := AutoMigrate(a.db, a.cfg.Service.Name); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("database migrated")
	}
	return nil
}

// initRedis 初始化 Redis
func (a *App) initRedis() error {
	a.redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.redisClient.Ping(ctx).Err()
}

// initBus 初始化消息总线，未启用 Kafka 时使用进程内总线
func (a *App) initBus() error {
	if a.cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(a.cfg.ProducerConfig())
		if err != nil {
			return err
		}
		a.producer = producer
		a.sender = producer
	} else {
		logger.Info("kafka disabled, using in-process bus")
		a.bus = event.NewMemoryBus()
		a.sender = a.bus
	}

	a.breaker = circuitbreaker.New("bus-publisher", &a.cfg.Kafka.Breaker)
	a.breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		logger.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})
	a.publisher = event.NewPublisher(a.sender, a.breaker).WithTopics(a.cfg.Kafka.Topics)
	return nil
}

// initServices 初始化服务层
func (a *App) initServices() error {
	hierarchy, err := jurisdiction.NewHierarchy(a.cfg.Jurisdiction.Parents)
	if err != nil {
		return err
	}
	strategy, err := jurisdiction.ParseStrategy(a.cfg.Jurisdiction.DefaultStrategy)
	if err != nil {
		return err
	}

	// 创建仓储层
	a.obligationRepo = repository.NewObligationRepository(a.db)
	a.ruleRepo = repository.NewRuleRepository(a.db)
	a.advisoryRepo = repository.NewAdvisoryRepository(a.db)
	a.reviewRepo = repository.NewReviewRepository(a.db)
	a.deadLetterRepo = repository.NewDeadLetterRepository(a.db)
	auditRepo := repository.NewAuditRepository(a.db)

	a.manager = ruleset.NewManager(a.obligationRepo)
	a.manager.OnSwap(func(snap *ruleset.Snapshot) {
		metrics.UpdateSnapshot(snap.Seq(), snap.Size())
	})
	if a.cfg.Cache.Enabled {
		a.snapshotCache = cache.NewSnapshotCacheWithTTL(a.redisClient, a.cfg.Cache.TTL)
		a.snapshotWriter = cache.NewSnapshotWriter(a.snapshotCache, a.cfg.Cache.WriteTimeout)
		a.manager.OnSwap(a.snapshotWriter.OnSwap)
		a.snapshotWriter.Start()
	}
	a.manager.Start()

	// 创建服务层
	processedBy := a.cfg.Service.Name + "/" + a.cfg.Service.InstanceID
	a.auditSvc = service.NewAuditService(auditRepo, a.publisher, processedBy, a.cfg.Audit.ClockSkew)
	a.obligationSvc = service.NewObligationService(a.obligationRepo, hierarchy, a.publisher)
	a.pipeline = service.NewPipeline(service.PipelineDeps{
		Store:       repository.NewRepository(a.db),
		Obligations: a.obligationRepo,
		Rules:       a.ruleRepo,
		Advisories:  a.advisoryRepo,
		Reviews:     a.reviewRepo,
		Compiler:    compiler.New(a.obligationRepo),
		Resolver:    overlap.NewResolver(a.cfg.Overlap.Threshold, a.cfg.Overlap.Operator),
		Manager:     a.manager,
		Audit:       a.auditSvc,
		Publisher:   a.publisher,
	})
	a.jurisdictions = jurisdiction.NewHandler(hierarchy, strategy)
	a.evaluationSvc = service.NewEvaluationService(a.jurisdictions, a.manager, a.auditSvc, a.cfg.Jurisdiction.Fallback)

	logger.Info("services initialized",
		zap.Strings("jurisdictions", hierarchy.Codes()),
		zap.String("default_strategy", string(strategy)))
	return nil
}

// warmupSnapshot 从规则表重建规则集快照
func (a *App) warmupSnapshot() error {
	ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancel()

	if err := a.pipeline.Reload(ctx); err != nil {
		return err
	}
	snap := a.manager.CurrentSnapshot()
	logger.Info("rule snapshot loaded",
		zap.Uint64("seq", snap.Seq()),
		zap.Int("rules", snap.Size()))
	return nil
}

// newProcessor 创建消息处理器：重试退避、死信写入数据库与死信主题
func (a *App) newProcessor(cfg kafka.ProcessorConfig) (*kafka.Processor, error) {
	router := event.NewRouter()
	a.pipeline.Routes(router)

	sink := kafka.MultiDeadLetterSink{
		event.NewStoreSink(a.deadLetterRepo),
		kafka.NewTopicDeadLetterSink(a.sender),
	}
	p, err := kafka.NewProcessor(router.Handle, cfg, sink)
	if err != nil {
		return nil, err
	}
	p.SetHooks(metrics.ProcessorHooks())
	return p, nil
}

// startConsumers 启动消费者
// 义务变更主题由共享消费者组编译，规则集变更主题每个副本都要消费以更新本地快照
func (a *App) startConsumers() error {
	if !a.cfg.Kafka.Enabled {
		cc := a.cfg.ConsumerConfig(a.cfg.Kafka.GroupID)
		for _, topic := range a.cfg.Kafka.Topics.Consumed() {
			p, err := a.newProcessor(kafka.ProcessorConfigFrom(cc))
			if err != nil {
				return err
			}
			a.bus.Subscribe(topic, p)
		}
		go a.bus.Run(a.ctx)
		return nil
	}

	groups := []*kafka.ConsumerConfig{
		a.cfg.ConsumerConfig(a.cfg.Kafka.GroupID, a.cfg.Kafka.Topics.RegulatoryUpdates),
		a.cfg.ConsumerConfig(a.cfg.BroadcastGroupID(), a.cfg.Kafka.Topics.RuleUpdates),
	}
	for _, cc := range groups {
		p, err := a.newProcessor(kafka.ProcessorConfigFrom(cc))
		if err != nil {
			return err
		}
		consumer, err := kafka.NewConsumer(cc, p)
		if err != nil {
			return err
		}
		if err := consumer.Start(a.ctx); err != nil {
			_ = consumer.Close()
			return err
		}
		a.consumers = append(a.consumers, consumer)
	}
	return nil
}

// startScheduler 启动定时任务
func (a *App) startScheduler() error {
	sc := &a.cfg.Scheduler
	if !sc.Enabled {
		logger.Info("scheduler disabled")
		return nil
	}

	a.scheduler = scheduler.NewScheduler(&scheduler.SchedulerConfig{
		MaxConcurrentJobs: sc.MaxConcurrentJobs,
		Locker:            lock.NewRedisLocker(a.redisClient, sc.LockPrefix, sc.LockTTL),
	})

	activation := scheduler.NewActivationJob(a.obligationSvc, a.redisClient, sc.Activation.Timeout, sc.ActivationLookback)
	if err := a.scheduler.RegisterJob(activation, scheduler.JobConfig{
		Cron:    sc.Activation.Cron,
		Enabled: sc.Activation.Enabled,
	}); err != nil {
		return err
	}

	reconcile := scheduler.NewReconcileJob(a.pipeline, sc.Reconcile.Timeout)
	if err := a.scheduler.RegisterJob(reconcile, scheduler.JobConfig{
		Cron:    sc.Reconcile.Cron,
		Enabled: sc.Reconcile.Enabled,
	}); err != nil {
		return err
	}

	a.scheduler.Start()
	return nil
}

// busPinger 总线健康检查：熔断器打开视为不可用
func (a *App) busPinger() handler.PingFunc {
	return func(ctx context.Context) error {
		if a.breaker.State() == circuitbreaker.StateOpen {
			return circuitbreaker.ErrCircuitOpen
		}
		return nil
	}
}

// buildRouter 构建 HTTP 路由
func (a *App) buildRouter() http.Handler {
	deps := &handler.HealthDeps{
		Database: handler.PingFunc(func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}),
		Redis: handler.PingFunc(func(ctx context.Context) error {
			return a.redisClient.Ping(ctx).Err()
		}),
		Bus: a.busPinger(),
	}
	a.health = handler.NewHealthHandler(deps)

	// 未启用时保持 nil 接口，处理器据此返回 503
	var snapshots handler.SnapshotReader
	if a.snapshotCache != nil {
		snapshots = a.snapshotCache
	}
	var jobs handler.JobRunner
	if a.scheduler != nil {
		jobs = a.scheduler
	}

	return handler.NewRouter(&handler.Handlers{
		Health:     a.health,
		Rules:      handler.NewRuleHandler(a.manager, a.evaluationSvc, snapshots, a.jurisdictions.DefaultStrategy()),
		Obligation: handler.NewObligationHandler(a.obligationSvc),
		Evaluation: handler.NewEvaluationHandler(a.evaluationSvc),
		Audit:      handler.NewAuditHandler(a.auditSvc),
		Advisory:   handler.NewAdvisoryHandler(a.advisoryRepo, a.pipeline),
		Ops:        handler.NewOpsHandler(a.reviewRepo, a.deadLetterRepo, jobs),
	})
}

// startHTTPServer 启动 HTTP 服务
func (a *App) startHTTPServer() {
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           a.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting http server", zap.String("addr", a.httpServer.Addr))
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
}

// GetConfig 获取配置
func (a *App) GetConfig() *config.Config {
	return a.cfg
}
