package service

import (
	"context"

	"subaccount-core/internal/exchange"
	"subaccount-core/internal/model"
)

type WalletService interface {
	// RequestDepositAddress 获取充值地址, 用户没有子账户时先分配
	// coin: BTC, USDT...; network 为空使用交易所默认网络
	RequestDepositAddress(ctx context.Context, userID uint64, coin, network string) (*exchange.DepositAddress, error)

	// GetBalances 同步并返回用户余额
	GetBalances(ctx context.Context, userID uint64) ([]model.Balance, error)

	// RequestWithdrawal 两阶段提现
	RequestWithdrawal(ctx context.Context, req WithdrawRequest) (*WithdrawOutcome, error)

	// GetWalletHistory 充值与提现的合并历史, 按时间倒序
	GetWalletHistory(ctx context.Context, userID uint64) ([]HistoryEntry, error)
}
