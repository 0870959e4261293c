package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"subaccount-core/internal/service"
	"subaccount-core/internal/worker/tasks"
	"subaccount-core/pkg/logger"
)

// Client 封装 Asynq Client
type Client struct {
	client *asynq.Client
}

// NewClient 初始化 Client
// addr: "localhost:6379"
func NewClient(addr string, password string, db int) *Client {
	c := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Client{client: c}
}

// Enqueue 将任务推送到队列
func (c *Client) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, task, opts...)
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}

// AsynqScheduler 把数据流任务投递到 stream-worker 进程
type AsynqScheduler struct {
	client *Client
}

var _ service.StreamScheduler = (*AsynqScheduler)(nil)

func NewAsynqScheduler(client *Client) *AsynqScheduler {
	return &AsynqScheduler{client: client}
}

// Schedule 同一子账户已有待执行任务时视为成功
func (s *AsynqScheduler) Schedule(ctx context.Context, job service.StreamJob) error {
	task, err := tasks.NewStreamDeployTask(job)
	if err != nil {
		return err
	}
	info, err := s.client.Enqueue(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.Debug("数据流任务已在队列中", zap.Uint64("sub_account_ref", job.SubAccountRef))
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("数据流任务已入队", zap.String("task_id", info.ID), zap.String("queue", info.Queue))
	return nil
}
