// Package ledger 持久化子账户、绑定关系、余额以及划转/提现/充值流水
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"subaccount-core/internal/model"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicate     = errors.New("duplicate record")
	ErrBindingExists = errors.New("user already has a current binding")
	// ErrBalanceInvariant 见 model.ErrBalanceInvariant
	ErrBalanceInvariant = model.ErrBalanceInvariant
)

// Credentials 已加密的子账户 API 凭证及权限
type Credentials struct {
	APIKey       string
	APISecret    string
	CanTrade     bool
	MarginTrade  bool
	FuturesTrade bool
}

// Window 时间区间 [From, To), To 为空表示至今
type Window struct {
	From time.Time
	To   *time.Time
}

// PoolStats 子账户池统计
type PoolStats struct {
	Active   int64 `json:"active"`
	Inactive int64 `json:"inactive"`
}

// Store 账本存储
// 所有列表方法返回按时间倒序 (最新在前) 排好的结果
type Store interface {
	// Tx 在同一事务中执行 fn, fn 返回 error 时整体回滚
	Tx(ctx context.Context, fn func(tx Store) error) error

	CreateSubAccount(ctx context.Context, sa *model.SubAccount) error
	GetSubAccount(ctx context.Context, id uint64) (*model.SubAccount, error)
	ListInactiveSubAccounts(ctx context.Context, limit int) ([]model.SubAccount, error)
	ListActiveSubAccounts(ctx context.Context) ([]model.SubAccount, error)
	PoolStats(ctx context.Context) (PoolStats, error)
	// ClaimSubAccount 原子地把 inactive 子账户置为 active, 返回是否抢占成功
	ClaimSubAccount(ctx context.Context, id uint64) (bool, error)
	// ReleaseSubAccount 把子账户放回池中并清空凭证
	ReleaseSubAccount(ctx context.Context, id uint64) error
	SetCredentials(ctx context.Context, id uint64, creds Credentials) error
	SetStreamRunning(ctx context.Context, id uint64, running bool) error

	CurrentBinding(ctx context.Context, userID uint64) (*model.UserSubAccount, error)
	CurrentBindingBySubAccount(ctx context.Context, subAccountRef uint64) (*model.UserSubAccount, error)
	ListBindings(ctx context.Context, userID uint64) ([]model.UserSubAccount, error)
	CreateBinding(ctx context.Context, b *model.UserSubAccount) error
	CloseBinding(ctx context.Context, id uint64, at time.Time) error

	ListBalances(ctx context.Context, userID uint64) ([]model.Balance, error)
	GetBalance(ctx context.Context, userID uint64, asset string) (*model.Balance, error)
	// PutBalance 用交易所快照覆盖 available/total/locked, 资产不存在时插入
	PutBalance(ctx context.Context, b model.Balance) (*model.Balance, error)
	// AdjustBalance 增量变更: total += delta, available += delta
	AdjustBalance(ctx context.Context, userID uint64, subAccountID, asset string, delta decimal.Decimal) (*model.Balance, error)

	CreateTransfer(ctx context.Context, t *model.TransferRecord) error
	GetTransfer(ctx context.Context, clientTransferID string) (*model.TransferRecord, error)
	// FinalizeTransfer 写入交易所响应; withdrawalID 为 0 时不修改关联
	FinalizeTransfer(ctx context.Context, clientTransferID, status, txnID string, withdrawalID uint64) error
	ListTransfersByStatus(ctx context.Context, status string, limit int) ([]model.TransferRecord, error)

	CreateWithdrawal(ctx context.Context, w *model.WithdrawalRecord) error
	GetWithdrawal(ctx context.Context, id uint64) (*model.WithdrawalRecord, error)
	SaveWithdrawal(ctx context.Context, w *model.WithdrawalRecord) error
	ListWithdrawals(ctx context.Context, subAccountID string, window Window) ([]model.WithdrawalRecord, error)
	ListWithdrawalsByState(ctx context.Context, state model.WithdrawalState, limit int) ([]model.WithdrawalRecord, error)

	// UpsertDeposit 按 txId 幂等写入, 已存在时只更新状态与确认数
	UpsertDeposit(ctx context.Context, d *model.DepositRecord) error
	ListDeposits(ctx context.Context, subAccountID string, window Window) ([]model.DepositRecord, error)

	CreateOutbox(ctx context.Context, msg *model.OutboxMessage) error
	ListPendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id uint64) error
}

// applyDelta 增量变更余额并校验不变量
func applyDelta(b model.Balance, delta decimal.Decimal) (model.Balance, error) {
	b.Total = b.Total.Add(delta)
	b.Available = b.Available.Add(delta)
	if err := b.Validate(); err != nil {
		return b, err
	}
	return b, nil
}
