package service

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"subaccount-core/internal/event"
	"subaccount-core/internal/exchange"
	"subaccount-core/internal/ledger"
	"subaccount-core/internal/model"
	"subaccount-core/pkg/logger"
	"subaccount-core/pkg/monitor"
	"subaccount-core/pkg/utils/lock"
)

const (
	JobImportDeposits   = "import_deposits"
	JobRefreshWithdraws = "refresh_withdrawals"
	JobResolveTransfers = "resolve_transfers"
	JobPoolGauge        = "pool_gauge"
	JobReleaseOrphans   = "release_orphans"
)

const (
	depositLookback = 72 * time.Hour
	reconcileBatch  = 100
	cronLockTTL     = 55 * time.Second
	// 抢占后超过该时长仍没有绑定的 active 子账户视为分配中断
	orphanGrace = 10 * time.Minute
)

// ReconcileService 周期性对账任务, 每个任务在分布式锁下执行, 多实例部署只有一个节点运行
type ReconcileService struct {
	cron     *cron.Cron
	store    ledger.Store
	exchange exchange.Client
	vault    *Vault
	withdraw *WithdrawService
	locker   lock.DistributedLock
	now      func() time.Time
}

func NewReconcileService(store ledger.Store, ex exchange.Client, vault *Vault, withdraw *WithdrawService, locker lock.DistributedLock) *ReconcileService {
	return &ReconcileService{
		cron:     cron.New(),
		store:    store,
		exchange: ex,
		vault:    vault,
		withdraw: withdraw,
		locker:   locker,
		now:      time.Now,
	}
}

func (s *ReconcileService) Start() error {
	jobs := []struct {
		schedule string
		name     string
		fn       func(ctx context.Context) error
	}{
		{"@every 1m", JobImportDeposits, s.ImportDeposits},
		{"@every 1m", JobRefreshWithdraws, s.RefreshWithdrawals},
		{"@every 5m", JobResolveTransfers, s.ResolveUnknownTransfers},
		{"@every 1m", JobPoolGauge, s.UpdatePoolGauge},
		{"@every 5m", JobReleaseOrphans, s.ReleaseOrphans},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.schedule, func() { s.run(j.name, j.fn) }); err != nil {
			return err
		}
	}
	s.cron.Start()
	logger.Info("Cron Service started")
	return nil
}

// Stop 等待正在运行的任务结束
func (s *ReconcileService) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("Cron Service stopped")
}

// run 获取 cron:lock:<job> 后执行, 获取失败说明其他节点正在运行
func (s *ReconcileService) run(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), cronLockTTL)
	defer cancel()

	key := "cron:lock:" + name
	token, ok, err := s.locker.Acquire(ctx, key, cronLockTTL)
	if err != nil || !ok {
		logger.Debug("获取任务锁失败或已有实例在运行", zap.String("job", name), zap.Error(err))
		return
	}
	defer func() {
		if err := s.locker.Release(context.Background(), key, token); err != nil {
			logger.Warn("释放任务锁失败", zap.String("job", name), zap.Error(err))
		}
	}()

	start := time.Now()
	err = fn(ctx)
	monitor.Business.ReconcileJobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Error("对账任务失败", zap.String("job", name), zap.Error(err))
	}
}

// ImportDeposits 导入每个 active 子账户的充值历史, 按 txId 幂等写入
func (s *ReconcileService) ImportDeposits(ctx context.Context) error {
	accounts, err := s.store.ListActiveSubAccounts(ctx)
	if err != nil {
		return err
	}
	since := s.now().Add(-depositLookback).UTC()

	var errs []error
	for i := range accounts {
		if err := s.importDeposits(ctx, &accounts[i], since); err != nil {
			errs = append(errs, err)
			logger.Warn("导入充值记录失败", zap.String("sub_account_id", accounts[i].SubAccountID), zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

func (s *ReconcileService) importDeposits(ctx context.Context, sa *model.SubAccount, since time.Time) error {
	creds, err := s.vault.Open(sa)
	if err != nil {
		return err
	}
	deposits, err := s.exchange.GetDepositHistory(ctx, creds, since)
	if err != nil {
		return err
	}
	if len(deposits) == 0 {
		return nil
	}

	known, err := s.store.ListDeposits(ctx, sa.SubAccountID, ledger.Window{From: since})
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(known))
	for _, d := range known {
		seen[d.TxID] = true
	}

	return s.store.Tx(ctx, func(tx ledger.Store) error {
		for _, d := range deposits {
			if d.TxID == "" {
				continue
			}
			rec := &model.DepositRecord{
				SubAccountID:  sa.SubAccountID,
				Amount:        d.Amount,
				Coin:          d.Coin,
				Network:       d.Network,
				Status:        d.Status,
				Address:       d.Address,
				AddressTag:    d.AddressTag,
				TxID:          d.TxID,
				SourceAddress: d.SourceAddress,
				ConfirmTimes:  d.ConfirmTimes,
				DepositedAt:   d.InsertTime,
				OrderType:     model.OrderTypeDeposit,
			}
			if err := tx.UpsertDeposit(ctx, rec); err != nil {
				return err
			}
			if seen[d.TxID] {
				continue
			}
			msg, err := model.NewOutboxMessage(event.TopicDeposit, sa.SubAccountID, event.DepositImportedEvent{
				SubAccountID: sa.SubAccountID,
				Coin:         d.Coin,
				Network:      d.Network,
				Amount:       d.Amount.String(),
				TxID:         d.TxID,
				Status:       d.Status,
				DepositedAt:  d.InsertTime,
			})
			if err != nil {
				return err
			}
			if err := tx.CreateOutbox(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// RefreshWithdrawals 刷新 PENDING / SUBMITTED 提现的交易所状态
func (s *ReconcileService) RefreshWithdrawals(ctx context.Context) error {
	var errs []error
	for _, state := range []model.WithdrawalState{model.WithdrawalPending, model.WithdrawalSubmitted} {
		list, err := s.store.ListWithdrawalsByState(ctx, state, reconcileBatch)
		if err != nil {
			return err
		}
		for i := range list {
			if err := s.withdraw.Refresh(ctx, &list[i]); err != nil {
				errs = append(errs, err)
				logger.Warn("刷新提现状态失败", zap.Uint64("withdrawal_id", list[i].ID), zap.Error(err))
			}
		}
	}
	return errors.Join(errs...)
}

// ResolveUnknownTransfers 处理无响应的内部划转
func (s *ReconcileService) ResolveUnknownTransfers(ctx context.Context) error {
	list, err := s.store.ListTransfersByStatus(ctx, model.TransferUnknown, reconcileBatch)
	if err != nil {
		return err
	}
	var errs []error
	for i := range list {
		if err := s.withdraw.ResolveTransfer(ctx, &list[i]); err != nil {
			errs = append(errs, err)
			logger.Warn("处理 UNKNOWN 划转失败", zap.String("client_transfer_id", list[i].ClientTransferID), zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

// UpdatePoolGauge 上报剩余 inactive 子账户数量
func (s *ReconcileService) UpdatePoolGauge(ctx context.Context) error {
	stats, err := s.store.PoolStats(ctx)
	if err != nil {
		return err
	}
	monitor.Business.SubAccountPoolInactive.Set(float64(stats.Inactive))
	return nil
}

// ReleaseOrphans 把抢占后未完成绑定的 active 子账户放回池中
// 分配流程在 ClaimSubAccount 与写入凭证/绑定之间退出时会留下这类记录
func (s *ReconcileService) ReleaseOrphans(ctx context.Context) error {
	accounts, err := s.store.ListActiveSubAccounts(ctx)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-orphanGrace)

	var errs []error
	for i := range accounts {
		sa := &accounts[i]
		if sa.UpdatedAt.After(cutoff) {
			continue
		}
		_, err := s.store.CurrentBindingBySubAccount(ctx, sa.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		if err := s.store.ReleaseSubAccount(ctx, sa.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Warn("回收未绑定的 active 子账户", zap.String("sub_account_id", sa.SubAccountID), zap.Time("updated_at", sa.UpdatedAt))
	}
	return errors.Join(errs...)
}
