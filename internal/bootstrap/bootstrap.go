// Package bootstrap 按配置组装各进程共用的依赖 (数据库、Redis、交易所客户端、业务服务)
package bootstrap

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"subaccount-core/internal/exchange/binance"
	"subaccount-core/internal/ledger"
	"subaccount-core/internal/service"
	"subaccount-core/internal/service/mq"
	"subaccount-core/internal/service/wallet"
	"subaccount-core/pkg/cache"
	"subaccount-core/pkg/config"
	"subaccount-core/pkg/crypto_util"
	"subaccount-core/pkg/database"
	"subaccount-core/pkg/logger"
	"subaccount-core/pkg/utils/lock"
)

// Core 基础设施
type Core struct {
	Config   config.Config
	DB       *gorm.DB
	Redis    *redis.Client
	Store    ledger.Store
	Exchange *binance.Client
	Vault    *service.Vault
	Locker   lock.DistributedLock
}

// NewCore 连接数据库与 Redis, 派生凭证加密密钥
func NewCore(cfg config.Config) (*Core, error) {
	key, err := crypto_util.DeriveKey(cfg.Security.CredentialPassphrase, cfg.Security.CredentialSalt)
	if err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}
	cipher, err := crypto_util.NewStringCipher(key)
	if err != nil {
		return nil, err
	}

	db, err := database.ConnectPostgres(cfg.DB.PostgresDSN(), cfg.App.Env != "production")
	if err != nil {
		return nil, err
	}
	rdb, err := database.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		database.Close(db)
		return nil, err
	}

	ex := binance.NewClient(binance.Config{
		BaseURL:     cfg.Exchange.BaseURL,
		StreamURL:   cfg.Exchange.StreamURL,
		APIKey:      cfg.Exchange.APIKey,
		APISecret:   cfg.Exchange.APISecret,
		RecvWindow:  cfg.Exchange.RecvWindow,
		Timeout:     cfg.Exchange.Timeout,
		ReadRetries: cfg.Exchange.ReadRetries,
	})

	return &Core{
		Config:   cfg,
		DB:       db,
		Redis:    rdb,
		Store:    ledger.NewGormStore(db),
		Exchange: ex,
		Vault:    service.NewVault(cipher),
		Locker:   lock.NewRedisLock(rdb),
	}, nil
}

// Close 关闭数据库与 Redis 连接
func (c *Core) Close() {
	database.Close(c.DB)
	if err := c.Redis.Close(); err != nil {
		logger.Warn("关闭 Redis 失败", zap.Error(err))
	}
}

// Producer 根据 redis.mq_type 选择消息队列实现
func (c *Core) Producer() mq.Producer {
	if c.Config.Redis.MQType == "kafka" {
		logger.Info("使用 Kafka 作为消息队列...")
		return mq.NewKafkaProducer(c.Config.Kafka.Brokers)
	}
	logger.Info("使用 Redis Streams 作为消息队列...")
	return mq.NewRedisProducer(c.Redis, 100000)
}

// Consumer 与 Producer 使用同一种消息队列
func (c *Core) Consumer(group, name string) mq.Consumer {
	if c.Config.Redis.MQType == "kafka" {
		return mq.NewKafkaConsumer(c.Config.Kafka.Brokers, group)
	}
	return mq.NewRedisConsumer(c.Redis, group, name)
}

// Services 业务服务
type Services struct {
	Allocator *service.Allocator
	Sync      *service.BalanceSynchronizer
	Withdraw  *service.WithdrawService
	History   *service.HistoryReconciler
	Reconcile *service.ReconcileService
	Wallet    *wallet.Service
}

// Services 组装业务服务, scheduler 为 nil 时分配子账户不会启动数据流
func (c *Core) Services(scheduler service.StreamScheduler) *Services {
	allocator := service.NewAllocator(c.Store, c.Exchange, c.Vault, c.Locker, scheduler)
	sync := service.NewBalanceSynchronizer(c.Store, c.Exchange, c.Vault, allocator)
	withdraw := service.NewWithdrawService(c.Store, c.Exchange, allocator, sync, c.Locker, service.WithdrawOptions{
		LockTTL:         c.Config.Withdrawal.LockTTL,
		LockRetry:       100 * time.Millisecond,
		TransferRetries: c.Config.Withdrawal.TransferRetries,
		RetryBackoff:    500 * time.Millisecond,
		AlertTopic:      c.Config.Withdrawal.AlertTopic,
	})
	history := service.NewHistoryReconciler(c.Store)

	// L1: Memory (TTL 1m), L2: Redis
	coins := cache.NewMultiLevelCache(cache.NewMemoryCache(time.Minute, 5*time.Minute), cache.NewRedisCache(c.Redis))

	return &Services{
		Allocator: allocator,
		Sync:      sync,
		Withdraw:  withdraw,
		History:   history,
		Reconcile: service.NewReconcileService(c.Store, c.Exchange, c.Vault, withdraw, c.Locker),
		Wallet:    wallet.NewService(allocator, sync, withdraw, history, c.Exchange, c.Vault, coins),
	}
}

// StreamSync 数据流只应用推送快照, 不触发分配
func (c *Core) StreamSync() *service.BalanceSynchronizer {
	return service.NewBalanceSynchronizer(c.Store, c.Exchange, c.Vault, nil)
}
