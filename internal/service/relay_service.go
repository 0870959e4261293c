package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"subaccount-core/internal/ledger"
	"subaccount-core/internal/service/mq"
	"subaccount-core/pkg/logger"
)

// RelayService 负责将本地消息表的消息搬运到 MQ
type RelayService struct {
	store    ledger.Store
	producer mq.Producer
	interval time.Duration
	batch    int
}

func NewRelayService(store ledger.Store, producer mq.Producer) *RelayService {
	return &RelayService{
		store:    store,
		producer: producer,
		interval: 500 * time.Millisecond, // 500ms 轮询一次
		batch:    50,                     // 每次取 50 条
	}
}

func (s *RelayService) Start(ctx context.Context) {
	logger.Info("启动消息中继服务")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("消息中继服务已停止")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

// ProcessPending 投递一批 PENDING 消息, 返回成功投递的条数
// 发送成功后才标记 SENT => At-least-once, 消费方需幂等
func (s *RelayService) ProcessPending(ctx context.Context) int {
	// 1. 获取一批 Pending 消息
	messages, err := s.store.ListPendingOutbox(ctx, s.batch)
	if err != nil {
		logger.Error("查询待投递消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		// 2. 发送 MQ
		if err := s.producer.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			logger.Warn("消息投递失败", zap.Uint64("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(err))
			continue
		}

		// 3. 更新状态为 SENT, 失败时下次会重复投递
		if err := s.store.MarkOutboxSent(ctx, msg.ID); err != nil {
			logger.Warn("更新消息状态失败", zap.Uint64("id", msg.ID), zap.Error(err))
			continue
		}
		sent++
	}
	if sent > 0 {
		logger.Debug("消息已投递", zap.Int("count", sent))
	}
	return sent
}
