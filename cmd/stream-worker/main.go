package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"subaccount-core/internal/bootstrap"
	"subaccount-core/internal/service"
	"subaccount-core/internal/worker"
	"subaccount-core/pkg/config"
	"subaccount-core/pkg/logger"
)

// stream-worker 消费 stream:deploy 任务并维持子账户实时数据流
func main() {
	// 1. 初始化配置与日志
	_ = godotenv.Load()
	config.Init()
	cfg := config.Global
	logger.InitWithFile(cfg.App.Env, logger.FileOptions{
		Filename:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logger.Sync()

	logger.Info("启动数据流服务 (Stream Worker)...", zap.String("env", cfg.App.Env))

	// 2. 基础设施
	core, err := bootstrap.NewCore(cfg)
	if err != nil {
		logger.Fatal("初始化基础设施失败", zap.Error(err))
	}
	defer core.Close()

	// 3. Asynq Worker
	streams := worker.NewStreamManager(core.Store, core.Exchange, core.Vault, core.StreamSync(), core.Locker,
		service.NewStreamStatus(core.Store))
	srv := worker.NewServer(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Stream.Concurrency, streams)
	if err := srv.Start(); err != nil {
		logger.Fatal("Worker Server failed", zap.Error(err))
	}

	// 4. 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在停止数据流服务...")
	srv.Stop()
	logger.Info("数据流服务已退出")
}
