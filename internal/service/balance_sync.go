package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"subaccount-core/internal/exchange"
	"subaccount-core/internal/ledger"
	"subaccount-core/internal/model"
	"subaccount-core/pkg/logger"
	"subaccount-core/pkg/monitor"
)

// BalanceSynchronizer 用交易所快照覆盖本地余额
type BalanceSynchronizer struct {
	store     ledger.Store
	exchange  exchange.Client
	vault     *Vault
	allocator *Allocator
}

func NewBalanceSynchronizer(store ledger.Store, ex exchange.Client, vault *Vault, allocator *Allocator) *BalanceSynchronizer {
	return &BalanceSynchronizer{store: store, exchange: ex, vault: vault, allocator: allocator}
}

// Sync 拉取用户当前子账户的余额快照并覆盖本地记录
// 快照中没有的已知资产清零, 余额行从不删除
func (s *BalanceSynchronizer) Sync(ctx context.Context, userID uint64) ([]model.Balance, error) {
	sa, err := s.allocator.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	creds, err := s.vault.Open(sa)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.exchange.GetBalances(ctx, creds)
	if err != nil {
		monitor.Business.BalanceSyncFailures.Inc()
		logger.Warn("同步余额失败", zap.Uint64("user_id", userID), zap.String("sub_account_id", sa.SubAccountID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrBalanceSyncFailed, err)
	}
	return s.Apply(ctx, userID, sa.SubAccountID, snapshot)
}

// Apply 在一个事务中写入完整快照
func (s *BalanceSynchronizer) Apply(ctx context.Context, userID uint64, subAccountID string, snapshot []exchange.AssetBalance) ([]model.Balance, error) {
	return s.apply(ctx, userID, subAccountID, snapshot, true)
}

// ApplyPartial 只覆盖快照中出现的资产 (outboundAccountPosition 只推送有变化的资产)
func (s *BalanceSynchronizer) ApplyPartial(ctx context.Context, userID uint64, subAccountID string, snapshot []exchange.AssetBalance) ([]model.Balance, error) {
	return s.apply(ctx, userID, subAccountID, snapshot, false)
}

func (s *BalanceSynchronizer) apply(ctx context.Context, userID uint64, subAccountID string, snapshot []exchange.AssetBalance, full bool) ([]model.Balance, error) {
	var out []model.Balance
	err := s.store.Tx(ctx, func(tx ledger.Store) error {
		seen := make(map[string]bool, len(snapshot))
		for _, b := range snapshot {
			seen[b.Asset] = true
			if _, err := tx.PutBalance(ctx, model.Balance{
				UserID:       userID,
				Asset:        b.Asset,
				SubAccountID: subAccountID,
				Available:    b.Available,
				Total:        b.Total,
				Locked:       b.Locked,
			}); err != nil {
				return fmt.Errorf("put balance %s: %w", b.Asset, err)
			}
		}

		current, err := tx.ListBalances(ctx, userID)
		if err != nil {
			return err
		}
		for _, b := range current {
			if !full || seen[b.Asset] || (b.Total.IsZero() && b.Locked.IsZero()) {
				continue
			}
			if _, err := tx.PutBalance(ctx, model.Balance{
				UserID:       userID,
				Asset:        b.Asset,
				SubAccountID: subAccountID,
				Available:    decimal.Zero,
				Total:        decimal.Zero,
				Locked:       decimal.Zero,
			}); err != nil {
				return err
			}
		}

		out, err = tx.ListBalances(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}
