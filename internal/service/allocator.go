package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"subaccount-core/internal/exchange"
	"subaccount-core/internal/ledger"
	"subaccount-core/internal/model"
	"subaccount-core/pkg/logger"
	"subaccount-core/pkg/monitor"
	"subaccount-core/pkg/utils/lock"
)

// AllocationKind 分配结果来源
type AllocationKind string

const (
	AllocationExisting AllocationKind = "existing" // 已绑定且 active
	AllocationRecycled AllocationKind = "recycled" // 从 inactive 池中回收
	AllocationCreated  AllocationKind = "created"  // 池为空, 在交易所新建
)

// AllocationResult 分配结果
type AllocationResult struct {
	SubAccount *model.SubAccount
	Binding    *model.UserSubAccount
	Kind       AllocationKind
}

const (
	allocLockTTL   = 30 * time.Second
	allocLockRetry = 50 * time.Millisecond
	// 一轮最多尝试抢占的 inactive 候选数
	claimBatch = 5
)

// Allocator 子账户分配器
type Allocator struct {
	store     ledger.Store
	exchange  exchange.Client
	vault     *Vault
	locker    lock.DistributedLock
	scheduler StreamScheduler
	now       func() time.Time
}

func NewAllocator(store ledger.Store, ex exchange.Client, vault *Vault, locker lock.DistributedLock, scheduler StreamScheduler) *Allocator {
	return &Allocator{
		store:     store,
		exchange:  ex,
		vault:     vault,
		locker:    locker,
		scheduler: scheduler,
		now:       time.Now,
	}
}

func allocLockKey(userID uint64) string {
	return fmt.Sprintf("alloc:user:%d", userID)
}

// Allocate 为用户分配子账户, 对同一用户幂等
// 1. 已有 active 绑定 -> Existing
// 2. 抢占一个 inactive 子账户并轮换凭证 -> Recycled
// 3. 池已空, 新建子账户 -> Created
func (a *Allocator) Allocate(ctx context.Context, userID uint64) (*AllocationResult, error) {
	token, err := lock.Obtain(ctx, a.locker, allocLockKey(userID), allocLockTTL, allocLockRetry)
	if err != nil {
		return nil, fmt.Errorf("acquire allocation lock: %w", err)
	}
	defer a.unlock(allocLockKey(userID), token)

	res, err := a.allocate(ctx, userID)
	if err != nil {
		return nil, err
	}
	monitor.Business.SubAccountAllocations.WithLabelValues(string(res.Kind)).Inc()
	if res.Kind != AllocationExisting {
		logger.Info("子账户分配完成",
			zap.Uint64("user_id", userID),
			zap.String("sub_account_id", res.SubAccount.SubAccountID),
			zap.String("kind", string(res.Kind)))
	}

	a.ensureStream(ctx, res.SubAccount)
	return res, nil
}

func (a *Allocator) allocate(ctx context.Context, userID uint64) (*AllocationResult, error) {
	if res, err := a.existing(ctx, userID); res != nil || err != nil {
		return res, err
	}
	if res, err := a.recycle(ctx, userID); res != nil || err != nil {
		return res, err
	}
	return a.create(ctx, userID)
}

// existing 返回当前 active 绑定; 子账户已失效时关闭该绑定
func (a *Allocator) existing(ctx context.Context, userID uint64) (*AllocationResult, error) {
	binding, err := a.store.CurrentBinding(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sa, err := a.store.GetSubAccount(ctx, binding.SubAccountRef)
	if err != nil {
		return nil, err
	}
	if sa.IsActive {
		return &AllocationResult{SubAccount: sa, Binding: binding, Kind: AllocationExisting}, nil
	}

	if err := a.store.CloseBinding(ctx, binding.ID, a.now().UTC()); err != nil {
		return nil, err
	}
	logger.Info("关闭失效绑定", zap.Uint64("user_id", userID), zap.String("sub_account_id", binding.SubAccountID))
	return nil, nil
}

// recycle 从池中原子抢占 inactive 子账户, 抢占失败的候选直接跳过
func (a *Allocator) recycle(ctx context.Context, userID uint64) (*AllocationResult, error) {
	candidates, err := a.store.ListInactiveSubAccounts(ctx, claimBatch)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		sa := &candidates[i]
		claimed, err := a.store.ClaimSubAccount(ctx, sa.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}

		res, err := a.activateClaimed(ctx, userID, sa)
		if err != nil {
			// 放回池中, 不留下没有凭证的 active 子账户
			if rerr := a.store.ReleaseSubAccount(context.WithoutCancel(ctx), sa.ID); rerr != nil {
				logger.Error("归还子账户失败", zap.String("sub_account_id", sa.SubAccountID), zap.Error(rerr))
			}
			return nil, err
		}
		return res, nil
	}
	return nil, nil
}

func (a *Allocator) activateClaimed(ctx context.Context, userID uint64, sa *model.SubAccount) (*AllocationResult, error) {
	info, err := a.exchange.ActivateSubAccount(ctx, sa.SubAccountID, true)
	if err != nil {
		logger.Warn("激活子账户失败", zap.String("sub_account_id", sa.SubAccountID), zap.Error(err))
		return nil, fmt.Errorf("%w: activate sub account: %w", ErrExchangeUnavailable, err)
	}
	creds, err := a.vault.Seal(info)
	if err != nil {
		return nil, err
	}

	binding := &model.UserSubAccount{
		UserID:        userID,
		SubAccountRef: sa.ID,
		SubAccountID:  sa.SubAccountID,
		StartDate:     a.now().UTC(),
	}
	err = a.store.Tx(ctx, func(tx ledger.Store) error {
		if err := tx.SetCredentials(ctx, sa.ID, creds); err != nil {
			return err
		}
		return tx.CreateBinding(ctx, binding)
	})
	if err != nil {
		return nil, err
	}

	fresh, err := a.store.GetSubAccount(ctx, sa.ID)
	if err != nil {
		return nil, err
	}
	return &AllocationResult{SubAccount: fresh, Binding: binding, Kind: AllocationRecycled}, nil
}

// create 在交易所新建子账户
// 新建成功但激活失败时, 子账户以 inactive 入池, 避免交易所侧账户无人认领
func (a *Allocator) create(ctx context.Context, userID uint64) (*AllocationResult, error) {
	info, err := a.exchange.CreateSubAccount(ctx)
	if err != nil {
		logger.Warn("创建子账户失败", zap.Uint64("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("%w: create sub account: %w", ErrExchangeUnavailable, err)
	}
	sa := &model.SubAccount{SubAccountID: info.SubAccountID, Email: info.Email}

	key, err := a.exchange.ActivateSubAccount(ctx, info.SubAccountID, true)
	if err != nil {
		logger.Warn("激活新建子账户失败, 放入池中", zap.String("sub_account_id", info.SubAccountID), zap.Error(err))
		if perr := a.store.CreateSubAccount(context.WithoutCancel(ctx), sa); perr != nil {
			logger.Error("保存新建子账户失败", zap.String("sub_account_id", info.SubAccountID), zap.Error(perr))
		}
		return nil, fmt.Errorf("%w: activate sub account: %w", ErrExchangeUnavailable, err)
	}
	creds, err := a.vault.Seal(key)
	if err != nil {
		return nil, err
	}
	sa.APIKey, sa.APISecret = creds.APIKey, creds.APISecret
	sa.CanTrade, sa.MarginTrade, sa.FuturesTrade = creds.CanTrade, creds.MarginTrade, creds.FuturesTrade
	sa.IsActive = true

	binding := &model.UserSubAccount{
		UserID:       userID,
		SubAccountID: sa.SubAccountID,
		StartDate:    a.now().UTC(),
	}
	err = a.store.Tx(ctx, func(tx ledger.Store) error {
		if err := tx.CreateSubAccount(ctx, sa); err != nil {
			return err
		}
		binding.SubAccountRef = sa.ID
		return tx.CreateBinding(ctx, binding)
	})
	if err != nil {
		return nil, err
	}
	return &AllocationResult{SubAccount: sa, Binding: binding, Kind: AllocationCreated}, nil
}

// ensureStream 数据流未运行时提交启动任务, 失败只记录不影响分配结果
func (a *Allocator) ensureStream(ctx context.Context, sa *model.SubAccount) {
	if sa.IsStreamRunning || a.scheduler == nil {
		return
	}
	if err := a.scheduler.Schedule(ctx, StreamJob{SubAccountRef: sa.ID}); err != nil {
		monitor.Business.StreamScheduleFailures.Inc()
		logger.Error("提交数据流任务失败", zap.String("sub_account_id", sa.SubAccountID), zap.Error(err))
	}
}

// Current 返回用户当前 active 子账户, 不触发分配
func (a *Allocator) Current(ctx context.Context, userID uint64) (*model.SubAccount, error) {
	binding, err := a.store.CurrentBinding(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNoSubAccount
	}
	if err != nil {
		return nil, err
	}
	sa, err := a.store.GetSubAccount(ctx, binding.SubAccountRef)
	if err != nil {
		return nil, err
	}
	if !sa.IsActive {
		return nil, ErrNoSubAccount
	}
	return sa, nil
}

// Release 解除用户当前绑定并把子账户放回池中
func (a *Allocator) Release(ctx context.Context, userID uint64) error {
	token, err := lock.Obtain(ctx, a.locker, allocLockKey(userID), allocLockTTL, allocLockRetry)
	if err != nil {
		return fmt.Errorf("acquire allocation lock: %w", err)
	}
	defer a.unlock(allocLockKey(userID), token)

	binding, err := a.store.CurrentBinding(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ErrNoSubAccount
	}
	if err != nil {
		return err
	}

	err = a.store.Tx(ctx, func(tx ledger.Store) error {
		if err := tx.CloseBinding(ctx, binding.ID, a.now().UTC()); err != nil {
			return err
		}
		if err := tx.ReleaseSubAccount(ctx, binding.SubAccountRef); err != nil {
			return err
		}
		return tx.SetStreamRunning(ctx, binding.SubAccountRef, false)
	})
	if err != nil {
		return err
	}
	logger.Info("子账户已回收", zap.Uint64("user_id", userID), zap.String("sub_account_id", binding.SubAccountID))
	return nil
}

func (a *Allocator) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.locker.Release(ctx, key, token); err != nil {
		logger.Warn("释放锁失败", zap.String("key", key), zap.Error(err))
	}
}
