package worker

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"subaccount-core/internal/worker/tasks"
	"subaccount-core/pkg/logger"
)

// Server 封装 Asynq Server (Worker)
type Server struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	streams *StreamManager
}

// NewServer 初始化 Worker Server
func NewServer(addr string, password string, db int, concurrency int, streams *StreamManager) *Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     addr,
			Password: password,
			DB:       db,
		},
		asynq.Config{
			// 并发数：同时处理多少个任务
			Concurrency: concurrency,
			// 队列优先级
			Queues: map[string]int{
				tasks.QueueCritical: 6, // 数据流部署
				"default":           3,
				"low":               1,
			},
			// 错误日志处理
			Logger: logger.NewAsynqLogger(),
		},
	)

	s := &Server{
		server:  srv,
		mux:     asynq.NewServeMux(),
		streams: streams,
	}

	// 注册任务处理器
	s.mux.HandleFunc(tasks.TypeStreamDeploy, s.HandleStreamDeployTask)
	return s
}

// HandleStreamDeployTask 启动子账户实时数据流, 数据流在任务结束后继续运行
func (s *Server) HandleStreamDeployTask(ctx context.Context, t *asynq.Task) error {
	job, err := tasks.ParseStreamDeployTask(t)
	if err != nil {
		return err
	}
	logger.Info("处理数据流任务", zap.Uint64("sub_account_ref", job.SubAccountRef))
	return s.streams.Deploy(ctx, job)
}

// Run 启动 Worker (阻塞)
func (s *Server) Run() error {
	logger.Info("Worker Server starting...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动 (用于集成到 main.go)
func (s *Server) Start() error {
	return s.server.Start(s.mux)
}

// Stop 停止 Worker 并关闭所有数据流
func (s *Server) Stop() {
	s.server.Stop()
	s.server.Shutdown()
	s.streams.Close()
}
