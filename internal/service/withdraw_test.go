package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subaccount-core/internal/event"
	"subaccount-core/internal/exchange"
	"subaccount-core/internal/exchange/exchangetest"
	"subaccount-core/internal/ledger"
	"subaccount-core/internal/model"
)

var errTimeout = fmt.Errorf("%w: context deadline exceeded", exchange.ErrNoResponse)

func usdt(amount string) WithdrawRequest {
	return WithdrawRequest{UserID: 1, Asset: "usdt", Amount: d(amount), Address: "0xabc", Network: "eth"}
}

func (e *env) outbox(t *testing.T, topic string) []model.OutboxMessage {
	t.Helper()
	list, err := e.store.ListPendingOutbox(context.Background(), 0)
	require.NoError(t, err)
	var out []model.OutboxMessage
	for _, m := range list {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (e *env) withdrawals(t *testing.T, state model.WithdrawalState) []model.WithdrawalRecord {
	t.Helper()
	list, err := e.store.ListWithdrawalsByState(context.Background(), state, 0)
	require.NoError(t, err)
	return list
}

func transfersBy(list []model.TransferRecord, direction string) []model.TransferRecord {
	var out []model.TransferRecord
	for _, tr := range list {
		if tr.Direction == direction {
			out = append(out, tr)
		}
	}
	return out
}

func TestWithdraw_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := map[string]WithdrawRequest{
		"asset":   {UserID: 1, Amount: d("1"), Address: "0xabc"},
		"amount":  {UserID: 1, Asset: "USDT", Amount: d("0"), Address: "0xabc"},
		"address": {UserID: 1, Asset: "USDT", Amount: d("1"), Address: "  "},
	}
	for field, req := range cases {
		t.Run(field, func(t *testing.T) {
			_, err := e.withdraw.Withdraw(ctx, req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, field, verr.Field)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Empty(t, e.fake.Calls(""))
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, "USDT", d("5"))

	_, err := e.withdraw.Withdraw(context.Background(), usdt("20"))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Empty(t, e.transfers(t))
	assert.Empty(t, e.fake.Calls(exchangetest.MethodInternalTransfer))
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("5")))
}

func TestWithdraw_NoSubAccount(t *testing.T) {
	e := newEnv(t)
	_, err := e.withdraw.Withdraw(context.Background(), usdt("1"))
	assert.ErrorIs(t, err, ErrNoSubAccount)
}

func TestWithdraw_SyncFailureAborts(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, "USDT", d("30"))
	e.fake.FailNext(exchangetest.MethodGetBalances, errTimeout)

	_, err := e.withdraw.Withdraw(context.Background(), usdt("20"))
	require.ErrorIs(t, err, ErrBalanceSyncFailed)
	assert.Empty(t, e.transfers(t))
}

func TestWithdraw_Success(t *testing.T) {
	e := newEnv(t)
	sa := e.fund(t, 1, "USDT", d("30"))

	out, err := e.withdraw.Withdraw(context.Background(), usdt("20"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, out.Status)
	assert.Equal(t, PhaseCompleted, out.Phase)
	require.NotNil(t, out.Withdrawal)
	assert.Equal(t, model.WithdrawalSubmitted, out.Withdrawal.State)
	assert.Equal(t, "USDT", out.Withdrawal.Coin)
	assert.Equal(t, "ETH", out.Withdrawal.Network)
	require.NotNil(t, out.Withdrawal.OrderID)
	assert.Len(t, out.Withdrawal.ClientOrderID, 32)

	assert.True(t, e.balance(t, 1, "USDT").Equal(d("10")))
	assert.True(t, e.fake.Balance(sa.SubAccountID, "USDT").Equal(d("10")))
	assert.True(t, e.fake.MasterBalance("USDT").IsZero())

	transfers := e.transfers(t)
	require.Len(t, transfers, 1)
	assert.Equal(t, model.DirectionSubToMaster, transfers[0].Direction)
	assert.Equal(t, model.TransferSuccess, transfers[0].Status)
	assert.Equal(t, out.Withdrawal.ID, transfers[0].WithdrawalID)
	assert.NotEmpty(t, transfers[0].TxnID)

	events := e.outbox(t, event.TopicWithdrawal)
	require.Len(t, events, 1)
	var ev event.WithdrawalEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &ev))
	assert.Equal(t, string(model.WithdrawalSubmitted), ev.State)
	assert.Equal(t, "20", ev.Amount)
}

func TestWithdraw_LedgerCommittedBeforeExternalWithdraw(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, "USDT", d("30"))

	var checked bool
	e.fake.BeforeWithdraw = func(req exchange.WithdrawRequest) {
		checked = true
		assert.True(t, e.balance(t, 1, "USDT").Equal(d("10")), "local balance must be debited first")

		pending := e.withdrawals(t, model.WithdrawalPending)
		require.Len(t, pending, 1)
		assert.Equal(t, req.WithdrawOrderID, pending[0].ClientOrderID)

		forward := transfersBy(e.transfers(t), model.DirectionSubToMaster)
		require.Len(t, forward, 1)
		assert.Equal(t, model.TransferSuccess, forward[0].Status)
		assert.Equal(t, pending[0].ID, forward[0].WithdrawalID)
	}

	_, err := e.withdraw.Withdraw(context.Background(), usdt("20"))
	require.NoError(t, err)
	assert.True(t, checked)
}

func TestWithdraw_RejectedExternalIsReversed(t *testing.T) {
	e := newEnv(t)
	sa := e.fund(t, 1, "USDT", d("30"))
	e.fake.FailNext(exchangetest.MethodExternalWithdraw, &exchange.APIError{Status: 400, Code: -4003, Msg: "address invalid"})

	out, err := e.withdraw.Withdraw(context.Background(), usdt("20"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReversed, out.Status)
	assert.Equal(t, PhaseReversed, out.Phase)
	assert.Equal(t, model.WithdrawalReversed, out.Withdrawal.State)
	assert.Contains(t, out.Withdrawal.Info, "address invalid")

	assert.True(t, e.balance(t, 1, "USDT").Equal(d("30")))
	assert.True(t, e.fake.Balance(sa.SubAccountID, "USDT").Equal(d("30")))

	reverse := transfersBy(e.transfers(t), model.DirectionMasterToSub)
	require.Len(t, reverse, 1)
	assert.Equal(t, model.TransferSuccess, reverse[0].Status)
	assert.Equal(t, out.Withdrawal.ID, reverse[0].WithdrawalID)
	assert.Empty(t, e.outbox(t, "subaccount_alerts"))
}

func TestWithdraw_TimeoutNotAcceptedIsReversed(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, "USDT", d("30"))
	e.fake.FailNext(exchangetest.MethodExternalWithdraw, errTimeout)

	out, err := e.withdraw.Withdraw(context.Background(), usdt("10"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReversed, out.Status)
	assert.Len(t, e.fake.Calls(exchangetest.MethodGetWithdrawal), 1)
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("30")))
}

func TestWithdraw_TimeoutButAcceptedIsSubmitted(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, "USDT", d("30"))
	e.fake.BeforeWithdraw = func(req exchange.WithdrawRequest) {
		// 交易所已受理, 但响应丢失
		e.fake.SetWithdrawal(exchange.WithdrawResult{OrderID: "ord-lost", WithdrawOrderID: req.WithdrawOrderID, Amount: req.Amount, Coin: req.Coin, Status: 4})
		e.fake.FailNext(exchangetest.MethodExternalWithdraw, errTimeout)
	}

	out, err := e.withdraw.Withdraw(context.Background(), usdt("20"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, out.Status)
	assert.Equal(t, "ord-lost", *out.Withdrawal.OrderID)
	assert.Empty(t, transfersBy(e.transfers(t), model.DirectionMasterToSub))
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("10")))
}

func TestWithdraw_TimeoutAndLookupFailureIsStuck(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, "USDT", d("30"))
	e.fake.FailNext(exchangetest.MethodExternalWithdraw, errTimeout)
	e.fake.FailNext(exchangetest.MethodGetWithdrawal, errTimeout)

	_, err := e.withdraw.Withdraw(context.Background(), usdt("20"))
	require.ErrorIs(t, err, ErrWithdrawalStuck)
	// 无法确认交易所是否受理, 不得反向划转
	assert.Empty(t, transfersBy(e.transfers(t), model.DirectionMasterToSub))
	require.Len(t, e.withdrawals(t, model.WithdrawalStuck), 1)
	assert.Len(t, e.outbox(t, "subaccount_alerts"), 1)
}

func TestWithdraw_ReverseFailureIsStuck(t *testing.T) {
	e := newEnv(t)
	sa := e.fund(t, 1, "USDT", d("30"))
	e.fake.FailNext(exchangetest.MethodExternalWithdraw, &exchange.APIError{Status: 400, Code: -4026, Msg: "suspended"})
	e.fake.FailWhen(exchangetest.MethodInternalTransfer, func(args interface{}) error {
		if args.(exchange.TransferRequest).ToID != "" {
			return &exchange.APIError{Status: 400, Code: -1, Msg: "master locked"}
		}
		return nil
	})

	out, err := e.withdraw.Withdraw(context.Background(), usdt("20"))
	require.ErrorIs(t, err, ErrWithdrawalStuck)
	assert.Nil(t, out)

	// 资金滞留母账户, 本地余额保持扣减
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("10")))
	assert.True(t, e.fake.MasterBalance("USDT").Equal(d("20")))

	stuck := e.withdrawals(t, model.WithdrawalStuck)
	require.Len(t, stuck, 1)
	assert.Contains(t, stuck[0].Info, "suspended")
	assert.Contains(t, stuck[0].Info, "master locked")

	alerts := e.outbox(t, "subaccount_alerts")
	require.Len(t, alerts, 1)
	var alert event.WithdrawalStuckAlert
	require.NoError(t, json.Unmarshal(alerts[0].Payload, &alert))
	assert.Equal(t, event.AlertWithdrawalStuck, alert.Kind)
	assert.Equal(t, stuck[0].ID, alert.WithdrawalID)
	assert.Equal(t, sa.SubAccountID, alert.SubAccountID)
	assert.Equal(t, "20", alert.Amount)
	assert.NotEmpty(t, alert.ForwardTransferID)
	assert.NotEmpty(t, alert.ReverseTransferID)
	assert.Contains(t, alert.ReverseError, "master locked")

	reverse := transfersBy(e.transfers(t), model.DirectionMasterToSub)
	require.Len(t, reverse, 1)
	assert.Equal(t, model.TransferFailed, reverse[0].Status)
}

// flakyStore 事务内的 CreateWithdrawal 按次数失败
type flakyStore struct {
	ledger.Store
	failures *int
}

func (f *flakyStore) Tx(ctx context.Context, fn func(tx ledger.Store) error) error {
	return f.Store.Tx(ctx, func(tx ledger.Store) error {
		return fn(&flakyStore{Store: tx, failures: f.failures})
	})
}

func (f *flakyStore) CreateWithdrawal(ctx context.Context, w *model.WithdrawalRecord) error {
	if *f.failures > 0 {
		*f.failures--
		return errors.New("connection reset by peer")
	}
	return f.Store.CreateWithdrawal(ctx, w)
}

func (e *env) flakyWithdraw(failures *int) *WithdrawService {
	return NewWithdrawService(&flakyStore{Store: e.store, failures: failures}, e.fake, e.allocator, e.sync, e.locker, WithdrawOptions{
		LockRetry:    time.Millisecond,
		RetryBackoff: time.Millisecond,
	})
}

func TestWithdraw_LedgerCommitFailureIsReversed(t *testing.T) {
	e := newEnv(t)
	sa := e.fund(t, 1, "USDT", d("30"))
	failures := 1

	_, err := e.flakyWithdraw(&failures).Withdraw(context.Background(), usdt("20"))
	require.ErrorIs(t, err, ErrTransferFailed)

	assert.True(t, e.fake.Balance(sa.SubAccountID, "USDT").Equal(d("30")))
	assert.True(t, e.fake.MasterBalance("USDT").IsZero())
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("30")))
	assert.Empty(t, e.withdrawals(t, model.WithdrawalPending))
	assert.Empty(t, e.withdrawals(t, model.WithdrawalStuck))
	assert.Empty(t, e.outbox(t, "subaccount_alerts"))
	assert.Empty(t, e.fake.Calls(exchangetest.MethodExternalWithdraw))
}

func TestWithdraw_LedgerCommitAndReverseFailureIsStuck(t *testing.T) {
	e := newEnv(t)
	sa := e.fund(t, 1, "USDT", d("30"))
	e.fake.FailWhen(exchangetest.MethodInternalTransfer, func(args interface{}) error {
		if args.(exchange.TransferRequest).ToID != "" {
			return &exchange.APIError{Status: 400, Code: -1, Msg: "master locked"}
		}
		return nil
	})
	failures := 1

	_, err := e.flakyWithdraw(&failures).Withdraw(context.Background(), usdt("20"))
	require.ErrorIs(t, err, ErrWithdrawalStuck)

	// 资金滞留母账户, 本地从未扣款
	assert.True(t, e.fake.MasterBalance("USDT").Equal(d("20")))
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("30")))
	assert.Empty(t, e.fake.Calls(exchangetest.MethodExternalWithdraw))

	stuck := e.withdrawals(t, model.WithdrawalStuck)
	require.Len(t, stuck, 1)
	assert.Equal(t, sa.SubAccountID, stuck[0].SubAccountID)
	assert.True(t, stuck[0].Amount.Equal(d("20")))
	assert.Contains(t, stuck[0].Info, "local balance not debited")
	assert.Contains(t, stuck[0].Info, "master locked")

	alerts := e.outbox(t, "subaccount_alerts")
	require.Len(t, alerts, 1)
	var alert event.WithdrawalStuckAlert
	require.NoError(t, json.Unmarshal(alerts[0].Payload, &alert))
	assert.Equal(t, event.AlertWithdrawalStuck, alert.Kind)
	assert.Equal(t, stuck[0].ID, alert.WithdrawalID)
	assert.NotEmpty(t, alert.ForwardTransferID)
	assert.NotEmpty(t, alert.ReverseTransferID)

	forward := transfersBy(e.transfers(t), model.DirectionSubToMaster)
	require.Len(t, forward, 1)
	assert.Equal(t, model.TransferSuccess, forward[0].Status)
}

func TestWithdraw_TransferRetriesWithSameToken(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, "USDT", d("30"))
	e.fake.FailNext(exchangetest.MethodInternalTransfer, errTimeout)

	_, err := e.withdraw.Withdraw(context.Background(), usdt("20"))
	require.NoError(t, err)

	calls := e.fake.Calls(exchangetest.MethodInternalTransfer)
	require.Len(t, calls, 2)
	first := calls[0].Args.(exchange.TransferRequest)
	second := calls[1].Args.(exchange.TransferRequest)
	assert.Equal(t, first.ClientTransferID, second.ClientTransferID)
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("10")))
}

func TestWithdraw_TransferNoResponseMarksUnknown(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, "USDT", d("30"))
	e.fake.Fail(exchangetest.MethodInternalTransfer, errTimeout)

	_, err := e.withdraw.Withdraw(context.Background(), usdt("20"))
	require.ErrorIs(t, err, ErrTransferFailed)

	// 1 次提交 + 2 次重试
	assert.Len(t, e.fake.Calls(exchangetest.MethodInternalTransfer), 3)
	unknown, err := e.store.ListTransfersByStatus(context.Background(), model.TransferUnknown, 0)
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	assert.Empty(t, e.withdrawals(t, model.WithdrawalPending))
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("30")))
	assert.Empty(t, e.fake.Calls(exchangetest.MethodExternalWithdraw))
}

func TestWithdraw_TransferRejectedMarksFailed(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, "USDT", d("30"))
	e.fake.FailNext(exchangetest.MethodInternalTransfer, &exchange.APIError{Status: 400, Code: -5002, Msg: "insufficient balance"})

	_, err := e.withdraw.Withdraw(context.Background(), usdt("20"))
	require.ErrorIs(t, err, ErrTransferFailed)
	transfers := e.transfers(t)
	require.Len(t, transfers, 1)
	assert.Equal(t, model.TransferFailed, transfers[0].Status)
	assert.Len(t, e.fake.Calls(exchangetest.MethodInternalTransfer), 1)
}

func TestWithdraw_SerializedPerUserAndAsset(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, "USDT", d("30"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.withdraw.Withdraw(context.Background(), usdt("20"))
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("10")))
}

func TestWithdraw_BusyWhenLockHeld(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, "USDT", d("30"))
	_, ok, err := e.locker.Acquire(context.Background(), WithdrawLockKey(1, "USDT"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.withdraw.Withdraw(ctx, usdt("20"))
	assert.ErrorIs(t, err, ErrWithdrawalBusy)
}

func TestResolveStuck(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, 1, "USDT", d("30"))
	e.fake.FailNext(exchangetest.MethodExternalWithdraw, errors.New("rejected"))
	e.fake.FailWhen(exchangetest.MethodInternalTransfer, func(args interface{}) error {
		if args.(exchange.TransferRequest).ToID != "" {
			return errors.New("reverse rejected")
		}
		return nil
	})
	_, err := e.withdraw.Withdraw(ctx, usdt("20"))
	require.ErrorIs(t, err, ErrWithdrawalStuck)

	stuck, err := e.withdraw.ListStuck(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	w, err := e.withdraw.ResolveStuck(ctx, stuck[0].ID, "refunded manually")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalResolved, w.State)
	assert.Contains(t, w.Info, "refunded manually")

	_, err = e.withdraw.ResolveStuck(ctx, stuck[0].ID, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRefresh_CompletesSubmittedWithdrawal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, 1, "USDT", d("30"))
	out, err := e.withdraw.Withdraw(ctx, usdt("20"))
	require.NoError(t, err)

	e.fake.SetWithdrawal(exchange.WithdrawResult{
		OrderID:         *out.Withdrawal.OrderID,
		WithdrawOrderID: out.Withdrawal.ClientOrderID,
		TxID:            "0xfeed",
		Amount:          d("20"),
		Fee:             d("1"),
		Coin:            "USDT",
		Network:         "ETH",
		Status:          6,
		ConfirmNo:       12,
	})
	require.NoError(t, e.withdraw.Refresh(ctx, out.Withdrawal))

	w, err := e.store.GetWithdrawal(ctx, out.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalCompleted, w.State)
	require.NotNil(t, w.TxID)
	assert.Equal(t, "0xfeed", *w.TxID)
	assert.True(t, w.Fee.Equal(d("1")))
	assert.Equal(t, 12, w.Confirmations)
	assert.Len(t, e.outbox(t, event.TopicWithdrawal), 2)
}

func TestRefresh_TerminatedWithdrawalIsReversed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sa := e.fund(t, 1, "USDT", d("30"))
	out, err := e.withdraw.Withdraw(ctx, usdt("20"))
	require.NoError(t, err)

	e.fake.SetWithdrawal(exchange.WithdrawResult{WithdrawOrderID: out.Withdrawal.ClientOrderID, Status: 5})
	require.NoError(t, e.withdraw.Refresh(ctx, out.Withdrawal))

	w, err := e.store.GetWithdrawal(ctx, out.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalReversed, w.State)
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("30")))
	assert.True(t, e.fake.Balance(sa.SubAccountID, "USDT").Equal(d("30")))
}

func TestRefresh_SkipsFreshPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := &model.WithdrawalRecord{ClientOrderID: "c1", UserID: 1, SubAccountID: "s1", Coin: "USDT", Amount: d("1"), Address: "0xabc", State: model.WithdrawalPending}
	require.NoError(t, e.store.CreateWithdrawal(ctx, w))

	require.NoError(t, e.withdraw.Refresh(ctx, w))
	assert.Empty(t, e.fake.Calls(exchangetest.MethodGetWithdrawal))

	e.withdraw.now = func() time.Time { return time.Now().Add(2 * pendingGrace) }
	e.fake.SetWithdrawal(exchange.WithdrawResult{OrderID: "ord-9", WithdrawOrderID: "c1", Status: 4})
	require.NoError(t, e.withdraw.Refresh(ctx, w))

	got, err := e.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalSubmitted, got.State)
}

// abandonedPending 模拟第二阶段已提交后进程退出: 资金在母账户, 本地已扣款, 外部提现从未发出
func (e *env) abandonedPending(t *testing.T, sa *model.SubAccount, amount string) *model.WithdrawalRecord {
	t.Helper()
	ctx := context.Background()
	_, err := e.sync.Sync(ctx, 1)
	require.NoError(t, err)
	_, err = e.fake.InternalTransfer(ctx, exchange.TransferRequest{Asset: "USDT", Amount: d(amount), FromID: sa.SubAccountID, ClientTransferID: "fwd-crash"})
	require.NoError(t, err)
	_, err = e.store.AdjustBalance(ctx, 1, sa.SubAccountID, "USDT", d(amount).Neg())
	require.NoError(t, err)

	w := &model.WithdrawalRecord{ClientOrderID: "c-crash", UserID: 1, SubAccountID: sa.SubAccountID, Coin: "USDT", Network: "ETH",
		Amount: d(amount), Address: "0xabc", State: model.WithdrawalPending}
	require.NoError(t, e.store.CreateWithdrawal(ctx, w))
	e.withdraw.now = func() time.Time { return time.Now().Add(time.Hour) }
	return w
}

func TestRefresh_AbandonedPendingIsReversed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sa := e.fund(t, 1, "USDT", d("30"))
	w := e.abandonedPending(t, sa, "20")

	require.NoError(t, e.withdraw.Refresh(ctx, w))

	got, err := e.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalReversed, got.State)
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("30")))
	assert.True(t, e.fake.Balance(sa.SubAccountID, "USDT").Equal(d("30")))
	assert.True(t, e.fake.MasterBalance("USDT").IsZero())
	assert.Empty(t, e.fake.Calls(exchangetest.MethodExternalWithdraw))

	// 已终态, 再次对账不会重复补偿
	require.NoError(t, e.withdraw.Refresh(ctx, got))
	assert.Len(t, transfersBy(e.transfers(t), model.DirectionMasterToSub), 1)
}

func TestRefresh_AbandonedPendingReverseFailureIsStuck(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sa := e.fund(t, 1, "USDT", d("30"))
	w := e.abandonedPending(t, sa, "20")
	e.fake.Fail(exchangetest.MethodInternalTransfer, &exchange.APIError{Status: 400, Code: -1, Msg: "master locked"})

	err := e.withdraw.Refresh(ctx, w)
	require.ErrorIs(t, err, ErrWithdrawalStuck)

	stuck, err := e.withdraw.ListStuck(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, w.ID, stuck[0].ID)
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("10")))

	alerts := e.outbox(t, "subaccount_alerts")
	require.Len(t, alerts, 1)
	var alert event.WithdrawalStuckAlert
	require.NoError(t, json.Unmarshal(alerts[0].Payload, &alert))
	assert.Equal(t, w.ID, alert.WithdrawalID)
	assert.Equal(t, "c-crash", alert.ClientOrderID)
}

func TestResolveTransfer_NotFoundMarksFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, 1, "USDT", d("30"))
	e.fake.Fail(exchangetest.MethodInternalTransfer, errTimeout)
	_, err := e.withdraw.Withdraw(ctx, usdt("20"))
	require.ErrorIs(t, err, ErrTransferFailed)

	unknown, err := e.store.ListTransfersByStatus(ctx, model.TransferUnknown, 0)
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	require.NoError(t, e.withdraw.ResolveTransfer(ctx, &unknown[0]))

	tr, err := e.store.GetTransfer(ctx, unknown[0].ClientTransferID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferFailed, tr.Status)
}

func TestResolveTransfer_RefundsOrphanedForwardTransfer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sa := e.fund(t, 1, "USDT", d("30"))
	e.fake.Fail(exchangetest.MethodInternalTransfer, errTimeout)
	_, err := e.withdraw.Withdraw(ctx, usdt("20"))
	require.ErrorIs(t, err, ErrTransferFailed)
	e.fake.Fail(exchangetest.MethodInternalTransfer, nil)

	unknown, err := e.store.ListTransfersByStatus(ctx, model.TransferUnknown, 0)
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	// 划转其实已成交, 资金在母账户
	e.fake.SetBalance(sa.SubAccountID, "USDT", d("10"))
	e.fake.SetTransfer(exchange.TransferResult{ClientTransferID: unknown[0].ClientTransferID, TxnID: "txn-late", Status: model.TransferSuccess})

	require.NoError(t, e.withdraw.ResolveTransfer(ctx, &unknown[0]))

	forward, err := e.store.GetTransfer(ctx, unknown[0].ClientTransferID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferSuccess, forward.Status)
	assert.Equal(t, "txn-late", forward.TxnID)

	reverse := transfersBy(e.transfers(t), model.DirectionMasterToSub)
	require.Len(t, reverse, 1)
	assert.Equal(t, model.TransferSuccess, reverse[0].Status)
	assert.True(t, e.fake.Balance(sa.SubAccountID, "USDT").Equal(d("30")))
	// 本地从未扣款
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("30")))
}

func TestResolveTransfer_OrphanRefundFailureAlerts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, 1, "USDT", d("30"))
	e.fake.Fail(exchangetest.MethodInternalTransfer, errTimeout)
	_, err := e.withdraw.Withdraw(ctx, usdt("20"))
	require.ErrorIs(t, err, ErrTransferFailed)

	unknown, err := e.store.ListTransfersByStatus(ctx, model.TransferUnknown, 0)
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	e.fake.SetTransfer(exchange.TransferResult{ClientTransferID: unknown[0].ClientTransferID, TxnID: "txn-late", Status: model.TransferSuccess})
	e.fake.Fail(exchangetest.MethodInternalTransfer, &exchange.APIError{Status: 400, Code: -1, Msg: "master locked"})

	err = e.withdraw.ResolveTransfer(ctx, &unknown[0])
	require.ErrorIs(t, err, ErrWithdrawalStuck)

	alerts := e.outbox(t, "subaccount_alerts")
	require.Len(t, alerts, 1)
	var alert event.WithdrawalStuckAlert
	require.NoError(t, json.Unmarshal(alerts[0].Payload, &alert))
	assert.Equal(t, event.AlertTransferOrphaned, alert.Kind)
	assert.Equal(t, unknown[0].ClientTransferID, alert.ForwardTransferID)
}

func TestResolveTransfer_SettlesStuckReversal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sa := e.fund(t, 1, "USDT", d("30"))
	e.fake.FailNext(exchangetest.MethodExternalWithdraw, &exchange.APIError{Status: 400, Code: -4026, Msg: "suspended"})
	e.fake.FailWhen(exchangetest.MethodInternalTransfer, func(args interface{}) error {
		if args.(exchange.TransferRequest).ToID != "" {
			return errTimeout
		}
		return nil
	})
	_, err := e.withdraw.Withdraw(ctx, usdt("20"))
	require.ErrorIs(t, err, ErrWithdrawalStuck)
	e.fake.FailWhen(exchangetest.MethodInternalTransfer, nil)

	unknown, err := e.store.ListTransfersByStatus(ctx, model.TransferUnknown, 0)
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	assert.Equal(t, model.DirectionMasterToSub, unknown[0].Direction)

	// 反向划转实际已成交
	e.fake.SetBalance(sa.SubAccountID, "USDT", d("30"))
	e.fake.SetTransfer(exchange.TransferResult{ClientTransferID: unknown[0].ClientTransferID, TxnID: "txn-rev", Status: model.TransferSuccess})
	require.NoError(t, e.withdraw.ResolveTransfer(ctx, &unknown[0]))

	w, err := e.store.GetWithdrawal(ctx, unknown[0].WithdrawalID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalReversed, w.State)
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("30")))
	assert.Empty(t, e.withdrawals(t, model.WithdrawalStuck))
}
