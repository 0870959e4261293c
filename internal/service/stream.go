package service

import (
	"context"

	"go.uber.org/zap"

	"subaccount-core/internal/ledger"
	"subaccount-core/pkg/logger"
	"subaccount-core/pkg/monitor"
)

// StreamJob 启动子账户实时数据流, 只携带本地 ID, 凭证由执行方从账本读取
type StreamJob struct {
	SubAccountRef uint64 `json:"sub_account_ref"`
}

// StreamScheduler 提交后台任务后立即返回, 执行结果通过 StreamHook 回调
type StreamScheduler interface {
	Schedule(ctx context.Context, job StreamJob) error
}

// StreamHook 数据流生命周期回调
type StreamHook interface {
	OnStreamStarted(ctx context.Context, subAccountRef uint64)
	OnStreamStopped(ctx context.Context, subAccountRef uint64, err error)
}

// StreamStatus 把数据流状态写回 is_stream_running
type StreamStatus struct {
	store ledger.Store
}

var _ StreamHook = (*StreamStatus)(nil)

func NewStreamStatus(store ledger.Store) *StreamStatus {
	return &StreamStatus{store: store}
}

func (h *StreamStatus) OnStreamStarted(ctx context.Context, subAccountRef uint64) {
	if err := h.store.SetStreamRunning(ctx, subAccountRef, true); err != nil {
		logger.Error("更新数据流状态失败", zap.Uint64("sub_account_ref", subAccountRef), zap.Error(err))
	}
}

func (h *StreamStatus) OnStreamStopped(ctx context.Context, subAccountRef uint64, err error) {
	if err != nil {
		monitor.Business.StreamScheduleFailures.Inc()
		logger.Warn("子账户数据流异常结束", zap.Uint64("sub_account_ref", subAccountRef), zap.Error(err))
	}
	if serr := h.store.SetStreamRunning(ctx, subAccountRef, false); serr != nil {
		logger.Error("更新数据流状态失败", zap.Uint64("sub_account_ref", subAccountRef), zap.Error(serr))
	}
}
