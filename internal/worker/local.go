package worker

import (
	"context"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"subaccount-core/internal/service"
	"subaccount-core/pkg/logger"
)

// LocalScheduler 单进程部署时在协程池中启动数据流, 池满时直接返回错误
type LocalScheduler struct {
	pool    *ants.Pool
	streams *StreamManager
}

var _ service.StreamScheduler = (*LocalScheduler)(nil)

func NewLocalScheduler(size int, streams *StreamManager) (*LocalScheduler, error) {
	pool, err := ants.NewPool(size, ants.WithNonblocking(true), ants.WithPanicHandler(func(p interface{}) {
		logger.Error("数据流任务 panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, err
	}
	return &LocalScheduler{pool: pool, streams: streams}, nil
}

func (s *LocalScheduler) Schedule(ctx context.Context, job service.StreamJob) error {
	return s.pool.Submit(func() {
		if err := s.streams.Deploy(context.Background(), job); err != nil {
			logger.Warn("启动数据流失败", zap.Uint64("sub_account_ref", job.SubAccountRef), zap.Error(err))
		}
	})
}

// Close 释放协程池并关闭所有数据流
func (s *LocalScheduler) Close() {
	s.pool.Release()
	s.streams.Close()
}
