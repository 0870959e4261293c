package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"subaccount-core/internal/exchange/exchangetest"
	"subaccount-core/internal/ledger"
	"subaccount-core/internal/model"
	"subaccount-core/pkg/crypto_util"
	"subaccount-core/pkg/utils/lock"
)

var d = decimal.RequireFromString

// recordingScheduler 记录提交的数据流任务
type recordingScheduler struct {
	mu   sync.Mutex
	jobs []StreamJob
	err  error
}

func (r *recordingScheduler) Schedule(ctx context.Context, job StreamJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return r.err
}

func (r *recordingScheduler) Jobs() []StreamJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StreamJob(nil), r.jobs...)
}

type env struct {
	store     *ledger.MemoryStore
	fake      *exchangetest.Fake
	vault     *Vault
	locker    *lock.LocalLock
	scheduler *recordingScheduler
	allocator *Allocator
	sync      *BalanceSynchronizer
	withdraw  *WithdrawService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cipher, err := crypto_util.NewStringCipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	e := &env{
		store:     ledger.NewMemoryStore(),
		fake:      exchangetest.New(),
		vault:     NewVault(cipher),
		locker:    lock.NewLocalLock(),
		scheduler: &recordingScheduler{},
	}
	e.allocator = NewAllocator(e.store, e.fake, e.vault, e.locker, e.scheduler)
	e.sync = NewBalanceSynchronizer(e.store, e.fake, e.vault, e.allocator)
	e.withdraw = NewWithdrawService(e.store, e.fake, e.allocator, e.sync, e.locker, WithdrawOptions{
		LockTTL:         time.Minute,
		LockRetry:       time.Millisecond,
		TransferRetries: 2,
		RetryBackoff:    time.Millisecond,
		AlertTopic:      "subaccount_alerts",
	})
	return e
}

// seedPool 在账本与交易所中各放入一个 inactive 子账户
func (e *env) seedPool(t *testing.T, subAccountID string) *model.SubAccount {
	t.Helper()
	e.fake.AddSubAccount(subAccountID)
	sa := &model.SubAccount{SubAccountID: subAccountID, Email: subAccountID + "@broker.example"}
	require.NoError(t, e.store.CreateSubAccount(context.Background(), sa))
	return sa
}

// fund 为用户分配子账户并在交易所侧充值
func (e *env) fund(t *testing.T, userID uint64, asset string, amount decimal.Decimal) *model.SubAccount {
	t.Helper()
	res, err := e.allocator.Allocate(context.Background(), userID)
	require.NoError(t, err)
	e.fake.SetBalance(res.SubAccount.SubAccountID, asset, amount)
	return res.SubAccount
}

func (e *env) balance(t *testing.T, userID uint64, asset string) decimal.Decimal {
	t.Helper()
	b, err := e.store.GetBalance(context.Background(), userID, asset)
	if errors.Is(err, ledger.ErrNotFound) {
		return decimal.Zero
	}
	require.NoError(t, err)
	return b.Available
}

func (e *env) transfers(t *testing.T) []model.TransferRecord {
	t.Helper()
	var all []model.TransferRecord
	for _, st := range []string{model.TransferPending, model.TransferSuccess, model.TransferFailed, model.TransferUnknown} {
		list, err := e.store.ListTransfersByStatus(context.Background(), st, 0)
		require.NoError(t, err)
		all = append(all, list...)
	}
	return all
}
