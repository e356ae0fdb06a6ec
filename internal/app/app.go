// Package app 提供审计服务的应用生命周期管理
//
// ========================================
// btc-predictions audit service 对接说明
// ========================================
//
// ## 服务职责
// 1. 预测承诺 (Commit): 新 bet 开仓前把 commit hash 写上链
// 2. 结果承诺 (Resolve): bet 平仓后把 resolve hash 写上链
// 3. 链上索引 (Indexer): 监听合约事件，确认镜像记录
// 4. 补录 (Backfill): 定时扫描未确认的写入并重试
//
// ## Kafka 对接 (参见 internal/kafka/consumer.go 和 producer.go)
// - 消费: predictions, outcomes
// - 生产: audit-confirmed
//
// ## HTTP API
// - POST /commit-prediction, POST /resolve-prediction (X-API-Key)
// - GET /audit/:bet_id, GET /audit
// - GET /health/live, /health/ready, /metrics
//
// ## 智能合约
// - BTCBotAudit on Polygon PoS (chain_id 137)
// - contract_address 为空时退化为进程内 ledger (本地开发模式)
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mattiacalastri/btc-predictions/internal/blockchain"
	"github.com/mattiacalastri/btc-predictions/internal/cache"
	"github.com/mattiacalastri/btc-predictions/internal/config"
	"github.com/mattiacalastri/btc-predictions/internal/contract"
	"github.com/mattiacalastri/btc-predictions/internal/handler"
	"github.com/mattiacalastri/btc-predictions/internal/kafka"
	"github.com/mattiacalastri/btc-predictions/internal/ledger"
	"github.com/mattiacalastri/btc-predictions/internal/metrics"
	"github.com/mattiacalastri/btc-predictions/internal/repository"
	"github.com/mattiacalastri/btc-predictions/internal/service"
	"github.com/mattiacalastri/btc-predictions/pkg/alert"
	"github.com/mattiacalastri/btc-predictions/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis *redis.Client

	// 区块链
	blockchainClient *blockchain.Client
	nonceManager     *blockchain.NonceManager
	auditContract    *contract.AuditContract
	ledger           ledger.Ledger

	// 仓储与缓存
	auditRepo      repository.AuditRepository
	checkpointRepo repository.CheckpointRepository
	statusCache    cache.StatusCache

	// 服务
	auditSvc    *service.AuditService
	indexerSvc  *service.IndexerService
	backfillSvc *service.BackfillService

	// Kafka
	kafkaConsumer *kafka.Consumer
	kafkaProducer *kafka.Producer

	// HTTP
	httpServer    *http.Server
	healthHandler *handler.HealthHandler

	// 告警
	alerter alert.Alerter

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()
	app.initAlerter()
	app.initServices()

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initHTTP()

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	var dialector gorm.Dialector
	if a.cfg.Postgres.Host == "" {
		// Local/dev mode: file-backed SQLite.
		path := a.cfg.Postgres.SQLitePath
		if path == "" {
			path = "btc_audit.db"
		}
		dialector = sqlite.Open(path)
		logger.Info("using sqlite database", zap.String("path", path))
	} else {
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			a.cfg.Postgres.Host,
			a.cfg.Postgres.Port,
			a.cfg.Postgres.User,
			a.cfg.Postgres.Password,
			a.cfg.Postgres.Database,
		)
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected")

	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	// Redis
	redisAddr := "localhost:6379"
	if len(a.cfg.Redis.Addresses) > 0 {
		redisAddr = a.cfg.Redis.Addresses[0]
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", redisAddr))

	return nil
}

// initBlockchain 初始化区块链客户端和 ledger
func (a *App) initBlockchain() error {
	if a.cfg.Blockchain.ContractAddress == "" {
		// No deployed contract: run against the in-process ledger so the
		// rest of the pipeline stays exercisable in local dev.
		owner := common.HexToAddress("0x0000000000000000000000000000000000000001")
		a.ledger = ledger.NewMemory(owner)
		logger.Warn("no contract address configured, using in-process ledger")
		return nil
	}

	rpcURLs := append([]string{a.cfg.Blockchain.RPCURL}, a.cfg.Blockchain.BackupRPCURLs...)

	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:         a.cfg.Blockchain.ChainID,
		PrivateKey:      a.cfg.Blockchain.PrivateKey,
		RPCURLs:         rpcURLs,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.blockchainClient = client

	a.nonceManager = blockchain.NewNonceManager(client, a.redis, &blockchain.NonceManagerConfig{
		Wallet:       client.Address(),
		ChainID:      a.cfg.Blockchain.ChainID,
		LockTimeout:  30 * time.Second,
		SyncInterval: 5 * time.Minute,
		MaxPending:   100,
	})

	contractAddr := common.HexToAddress(a.cfg.Blockchain.ContractAddress)
	auditContract, err := contract.NewAuditContract(contractAddr, client)
	if err != nil {
		return fmt.Errorf("failed to bind audit contract: %w", err)
	}
	a.auditContract = auditContract

	a.ledger = ledger.NewChain(auditContract, client, a.nonceManager, &ledger.ChainConfig{
		GasLimit:       a.cfg.Blockchain.GasLimit,
		GasPriceGwei:   a.cfg.Blockchain.GasPriceGwei,
		ReceiptTimeout: time.Duration(a.cfg.Audit.ReceiptTimeoutSec) * time.Second,
		ReceiptPoll:    time.Duration(a.cfg.Audit.ReceiptPollMs) * time.Millisecond,
	})

	logger.Info("blockchain initialized",
		zap.Int64("chain_id", a.cfg.Blockchain.ChainID),
		zap.String("contract", contractAddr.Hex()),
		zap.String("wallet", client.Address().Hex()))

	return nil
}

// initRepositories 初始化仓储和缓存
func (a *App) initRepositories() {
	a.auditRepo = repository.NewAuditRepository(a.db)
	a.checkpointRepo = repository.NewCheckpointRepository(a.db)
	a.statusCache = cache.NewStatusCache(a.redis, 24*time.Hour)

	logger.Info("repositories initialized")
}

// initAlerter 初始化告警
func (a *App) initAlerter() {
	a.alerter = alert.NewAlerter(&alert.Config{
		Enabled:        a.cfg.Alert.Enabled,
		Environment:    a.cfg.Service.Env,
		ServiceName:    a.cfg.Service.Name,
		WebhookURL:     a.cfg.Alert.WebhookURL,
		WebhookType:    a.cfg.Alert.WebhookType,
		TelegramChatID: a.cfg.Alert.TelegramChatID,

		RateLimitPerMinute: a.cfg.Alert.RatePerMinute,
	})
}

// initServices 初始化服务
func (a *App) initServices() {
	a.auditSvc = service.NewAuditService(
		a.auditRepo,
		a.ledger,
		a.statusCache,
		a.alerter,
		&service.AuditServiceConfig{
			MaxRetries:   a.cfg.Audit.MaxRetries,
			RetryBackoff: time.Duration(a.cfg.Audit.RetryBackoffMs) * time.Millisecond,
		},
	)

	a.backfillSvc = service.NewBackfillService(
		a.auditRepo,
		a.ledger,
		a.alerter,
		&service.BackfillServiceConfig{
			Interval:  time.Duration(a.cfg.Audit.BackfillIntervalMin) * time.Minute,
			MaxPerRun: a.cfg.Audit.BackfillMaxPerRun,
		},
	)

	// The indexer needs a real chain to tail.
	if a.blockchainClient != nil && a.auditContract != nil {
		a.indexerSvc = service.NewIndexerService(
			a.blockchainClient,
			a.auditContract,
			a.checkpointRepo,
			a.auditRepo,
			a.statusCache,
			&service.IndexerServiceConfig{
				ChainID:      a.cfg.Blockchain.ChainID,
				PollInterval: 5 * time.Second,
			},
		)
	}

	logger.Info("services initialized")
}

// initKafka 初始化 Kafka
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		logger.Info("kafka disabled")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer

	a.auditSvc.SetOnAuditConfirmed(producer.SendAuditConfirmation)
	if a.indexerSvc != nil {
		a.indexerSvc.SetOnEventIndexed(producer.SendAuditConfirmation)
	}

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:      a.cfg.Kafka.Brokers,
		GroupID:      a.cfg.Kafka.GroupID,
		ClientID:     a.cfg.Kafka.ClientID,
		AuditService: a.auditSvc,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initHTTP 初始化 HTTP 服务
func (a *App) initHTTP() {
	if a.cfg.Service.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), handler.Trace())

	a.healthHandler = handler.NewHealthHandler(&handler.HealthDeps{
		Postgres: pingFunc(func() error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Ping()
		}),
		Redis: pingFunc(func() error {
			return a.redis.Ping(context.Background()).Err()
		}),
		RPC: a.rpcPinger(),
	})
	a.healthHandler.RegisterRoutes(router)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/", handler.APIKeyAuth(a.cfg.Service.APIKey))
	handler.NewAuditHandler(a.auditSvc).RegisterRoutes(api)

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: router,
	}

	logger.Info("http server initialized", zap.Int("port", a.cfg.Service.HTTPPort))
}

// pingFunc adapts a closure to the health check interface.
type pingFunc func() error

func (f pingFunc) Ping() error { return f() }

func (a *App) rpcPinger() interface{ Ping() error } {
	if a.blockchainClient == nil {
		return nil
	}
	client := a.blockchainClient
	return pingFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.HealthCheck(ctx)
	})
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}

	if a.indexerSvc != nil {
		if err := a.indexerSvc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start indexer: %w", err)
		}
	}

	if err := a.backfillSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start backfill: %w", err)
	}

	go a.runBackgroundTasks(ctx)

	go func() {
		logger.Info("http server listening", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	a.healthHandler.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// runBackgroundTasks 运行后台任务
func (a *App) runBackgroundTasks(ctx context.Context) {
	// RPC endpoint health gauge
	healthTicker := time.NewTicker(30 * time.Second)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-healthTicker.C:
			if a.blockchainClient != nil {
				metrics.RPCHealthyEndpoints.Set(float64(len(a.blockchainClient.GetHealthyEndpoints())))
			}
		}
	}
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	if a.healthHandler != nil {
		a.healthHandler.SetReady(false)
	}

	if a.kafkaConsumer != nil {
		a.kafkaConsumer.Stop()
	}

	if a.indexerSvc != nil {
		a.indexerSvc.Stop()
	}

	if a.backfillSvc != nil {
		a.backfillSvc.Stop()
	}

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
	}

	if a.kafkaProducer != nil {
		a.kafkaProducer.Close()
	}

	if closer, ok := a.alerter.(interface{ Close() }); ok {
		closer.Close()
	}

	if a.blockchainClient != nil {
		a.blockchainClient.Close()
	}

	if a.redis != nil {
		a.redis.Close()
	}

	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
