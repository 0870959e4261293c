package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"subaccount-core/internal/exchange"
	"subaccount-core/internal/ledger"
	"subaccount-core/internal/model"
	"subaccount-core/internal/service"
	"subaccount-core/pkg/logger"
	"subaccount-core/pkg/utils/lock"
)

const deltaLockTTL = 10 * time.Second

// StreamManager 每个子账户只维持一条实时数据流, 把推送的余额变化写入账本
type StreamManager struct {
	store  ledger.Store
	ex     exchange.Client
	vault  *service.Vault
	sync   *service.BalanceSynchronizer
	locker lock.DistributedLock
	hook   service.StreamHook

	mu      sync.Mutex
	streams map[uint64]exchange.Stream
	wg      sync.WaitGroup
}

func NewStreamManager(store ledger.Store, ex exchange.Client, vault *service.Vault, sync *service.BalanceSynchronizer,
	locker lock.DistributedLock, hook service.StreamHook) *StreamManager {
	return &StreamManager{
		store:   store,
		ex:      ex,
		vault:   vault,
		sync:    sync,
		locker:  locker,
		hook:    hook,
		streams: make(map[uint64]exchange.Stream),
	}
}

// Deploy 启动子账户的数据流后立即返回, 事件在后台协程中消费
// 子账户已停用或没有当前绑定时直接跳过
func (m *StreamManager) Deploy(ctx context.Context, job service.StreamJob) error {
	m.mu.Lock()
	_, running := m.streams[job.SubAccountRef]
	m.mu.Unlock()
	if running {
		return nil
	}

	sa, err := m.store.GetSubAccount(ctx, job.SubAccountRef)
	if errors.Is(err, ledger.ErrNotFound) {
		logger.Warn("子账户不存在, 跳过数据流任务", zap.Uint64("sub_account_ref", job.SubAccountRef))
		return nil
	}
	if err != nil {
		return err
	}
	if !sa.IsActive {
		return nil
	}
	binding, err := m.store.CurrentBindingBySubAccount(ctx, sa.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	creds, err := m.vault.Open(sa)
	if err != nil {
		return err
	}
	stream, err := m.ex.StartRealtimeStream(ctx, creds, sa.SubAccountID)
	if err != nil {
		m.hook.OnStreamStopped(context.WithoutCancel(ctx), sa.ID, err)
		return err
	}

	m.mu.Lock()
	if _, dup := m.streams[sa.ID]; dup {
		m.mu.Unlock()
		_ = stream.Close()
		return nil
	}
	m.streams[sa.ID] = stream
	m.mu.Unlock()

	m.hook.OnStreamStarted(context.WithoutCancel(ctx), sa.ID)
	logger.Info("子账户数据流已启动", zap.Uint64("user_id", binding.UserID), zap.String("sub_account_id", sa.SubAccountID))

	m.wg.Add(1)
	go m.consume(stream, sa, binding)
	return nil
}

// Running 当前进程内的数据流数量
func (m *StreamManager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Stop 关闭子账户的数据流
func (m *StreamManager) Stop(subAccountRef uint64) {
	m.mu.Lock()
	stream, ok := m.streams[subAccountRef]
	m.mu.Unlock()
	if ok {
		_ = stream.Close()
	}
}

// Close 关闭所有数据流并等待消费协程退出
func (m *StreamManager) Close() {
	m.mu.Lock()
	streams := make([]exchange.Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}
	m.wg.Wait()
}

func (m *StreamManager) consume(stream exchange.Stream, sa *model.SubAccount, binding *model.UserSubAccount) {
	defer m.wg.Done()
	ctx := context.Background()

	var cause error
	defer func() {
		m.mu.Lock()
		delete(m.streams, sa.ID)
		m.mu.Unlock()
		m.hook.OnStreamStopped(ctx, sa.ID, cause)
		logger.Info("子账户数据流已停止", zap.String("sub_account_id", sa.SubAccountID), zap.Error(cause))
	}()

	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				cause = stream.Err()
				return
			}
			if !m.stillBound(ctx, sa.ID, binding.UserID) {
				// 子账户已回收, 推送不再属于该用户
				_ = stream.Close()
				return
			}
			m.apply(ctx, binding.UserID, sa.SubAccountID, ev)
		case <-stream.Done():
			cause = stream.Err()
			return
		}
	}
}

func (m *StreamManager) stillBound(ctx context.Context, subAccountRef, userID uint64) bool {
	b, err := m.store.CurrentBindingBySubAccount(ctx, subAccountRef)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			logger.Warn("查询绑定失败", zap.Uint64("sub_account_ref", subAccountRef), zap.Error(err))
			return true
		}
		return false
	}
	return b.UserID == userID
}

func (m *StreamManager) apply(ctx context.Context, userID uint64, subAccountID string, ev exchange.AccountEvent) {
	switch ev.Kind {
	case exchange.EventBalanceSnapshot:
		m.applySnapshot(ctx, userID, subAccountID, ev.Balances)
	case exchange.EventBalanceDelta:
		m.applyDelta(ctx, userID, subAccountID, ev)
	}
}

// tryLock 非阻塞获取 user+asset 锁, 提现进行中返回 ok=false
func (m *StreamManager) tryLock(ctx context.Context, userID uint64, asset string) (func(), bool) {
	key := service.WithdrawLockKey(userID, asset)
	token, ok, err := m.locker.Acquire(ctx, key, deltaLockTTL)
	if err != nil || !ok {
		logger.Debug("提现进行中, 跳过余额推送", zap.Uint64("user_id", userID), zap.String("asset", asset), zap.Error(err))
		return nil, false
	}
	return func() {
		if err := m.locker.Release(ctx, key, token); err != nil {
			logger.Warn("释放锁失败", zap.String("key", key), zap.Error(err))
		}
	}, true
}

// applySnapshot 只写入拿到锁的资产; 提现中的资产由编排记账, 之后的快照或同步会校正
func (m *StreamManager) applySnapshot(ctx context.Context, userID uint64, subAccountID string, balances []exchange.AssetBalance) {
	held := make([]exchange.AssetBalance, 0, len(balances))
	for _, b := range balances {
		unlock, ok := m.tryLock(ctx, userID, b.Asset)
		if !ok {
			continue
		}
		defer unlock()
		held = append(held, b)
	}
	if len(held) == 0 {
		return
	}
	if _, err := m.sync.ApplyPartial(ctx, userID, subAccountID, held); err != nil {
		logger.Warn("应用余额快照失败", zap.Uint64("user_id", userID), zap.String("sub_account_id", subAccountID), zap.Error(err))
	}
}

// applyDelta 提现编排持有 user+asset 锁时由编排负责记账, 增量跳过, 随后的快照会校正余额
func (m *StreamManager) applyDelta(ctx context.Context, userID uint64, subAccountID string, ev exchange.AccountEvent) {
	unlock, ok := m.tryLock(ctx, userID, ev.Asset)
	if !ok {
		return
	}
	defer unlock()

	if _, err := m.store.AdjustBalance(ctx, userID, subAccountID, ev.Asset, ev.Delta); err != nil {
		logger.Warn("应用余额增量失败", zap.Uint64("user_id", userID), zap.String("asset", ev.Asset),
			zap.String("delta", ev.Delta.String()), zap.Error(err))
	}
}
