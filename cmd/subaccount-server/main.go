package main

import (
	"context"
	"io"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"subaccount-core/internal/bootstrap"
	"subaccount-core/internal/handler"
	"subaccount-core/internal/server"
	"subaccount-core/internal/service"
	"subaccount-core/internal/worker"
	"subaccount-core/pkg/config"
	"subaccount-core/pkg/logger"
	"subaccount-core/pkg/validator"

	_ "subaccount-core/docs/swagger"
)

// @title Subaccount Core API
// @version 1.0
// @description Exchange sub-account wallet API: deposit address, balances, withdrawal, history

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /
func main() {
	// 0. 加载 .env (可选) 与配置
	_ = godotenv.Load()
	config.Init()
	cfg := config.Global

	// 初始化 Validator
	validator.Init()

	// 1. 初始化 Logger
	logger.InitWithFile(cfg.App.Env, logger.FileOptions{
		Filename:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logger.Sync()

	// 2. 数据库 / Redis / 交易所客户端
	core, err := bootstrap.NewCore(cfg)
	if err != nil {
		logger.Fatal("初始化基础设施失败", zap.Error(err))
	}
	defer core.Close()

	// 3. 数据流调度: asynq 投递到 stream-worker, local 在本进程协程池中运行
	var (
		scheduler service.StreamScheduler
		closers   []func()
	)
	switch cfg.Stream.Mode {
	case "local":
		streams := worker.NewStreamManager(core.Store, core.Exchange, core.Vault, core.StreamSync(), core.Locker,
			service.NewStreamStatus(core.Store))
		local, err := worker.NewLocalScheduler(cfg.Stream.PoolSize, streams)
		if err != nil {
			logger.Fatal("初始化协程池失败", zap.Error(err))
		}
		scheduler = local
		closers = append(closers, local.Close)
	default:
		client := worker.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		scheduler = worker.NewAsynqScheduler(client)
		closers = append(closers, func() { _ = client.Close() })
	}

	// 4. 业务服务
	svcs := core.Services(scheduler)

	// 5. 消息中继: outbox -> MQ
	producer := core.Producer()
	if c, ok := producer.(io.Closer); ok {
		closers = append(closers, func() { _ = c.Close() })
	}
	relayCtx, stopRelay := context.WithCancel(context.Background())
	go service.NewRelayService(core.Store, producer).Start(relayCtx)

	// 6. 定时对账
	if cfg.Cron.Enabled {
		if err := svcs.Reconcile.Start(); err != nil {
			logger.Fatal("启动定时任务失败", zap.Error(err))
		}
		closers = append(closers, svcs.Reconcile.Stop)
	}

	// 7. HTTP
	r := server.NewHTTPRouter(handler.NewWalletHandler(svcs.Wallet))
	app := server.New(server.Config{HttpPort: cfg.App.HttpPort}, r)
	app.OnShutdown(stopRelay)
	for _, fn := range closers {
		app.OnShutdown(fn)
	}

	// 运行 (阻塞)
	app.Run()
	logger.Info("系统已退出")
}
