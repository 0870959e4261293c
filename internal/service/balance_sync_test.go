package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subaccount-core/internal/exchange"
	"subaccount-core/internal/exchange/exchangetest"
)

func TestSync_OverwritesAndZeroesMissingAssets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sa := e.fund(t, 1, "USDT", d("30"))
	e.fake.SetBalance(sa.SubAccountID, "BTC", d("0.5"))

	balances, err := e.sync.Sync(ctx, 1)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "BTC", balances[0].Asset)
	assert.True(t, balances[0].Available.Equal(d("0.5")))
	assert.Equal(t, "USDT", balances[1].Asset)
	assert.True(t, balances[1].Total.Equal(d("30")))
	assert.Equal(t, sa.SubAccountID, balances[1].SubAccountID)

	// BTC 在交易所被清空后快照中不再出现
	e.fake.SetBalance(sa.SubAccountID, "BTC", d("0"))
	e.fake.SetBalance(sa.SubAccountID, "USDT", d("12.000000000000000001"))
	balances, err = e.sync.Sync(ctx, 1)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.True(t, balances[0].Available.IsZero())
	assert.True(t, balances[0].Total.IsZero())
	assert.Equal(t, "12.000000000000000001", balances[1].Available.String())
}

func TestSync_FailureLeavesBalancesUntouched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, 1, "USDT", d("30"))
	_, err := e.sync.Sync(ctx, 1)
	require.NoError(t, err)

	e.fake.FailNext(exchangetest.MethodGetBalances, exchange.ErrNoResponse)
	_, err = e.sync.Sync(ctx, 1)
	require.ErrorIs(t, err, ErrBalanceSyncFailed)
	assert.ErrorIs(t, err, exchange.ErrNoResponse)
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("30")))
}

func TestSync_WithoutSubAccount(t *testing.T) {
	e := newEnv(t)
	_, err := e.sync.Sync(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNoSubAccount)
	assert.Empty(t, e.fake.Calls(exchangetest.MethodGetBalances))
}

func TestApplyPartial_KeepsOtherAssets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sa := e.fund(t, 1, "USDT", d("30"))
	e.fake.SetBalance(sa.SubAccountID, "BTC", d("1"))
	_, err := e.sync.Sync(ctx, 1)
	require.NoError(t, err)

	balances, err := e.sync.ApplyPartial(ctx, 1, sa.SubAccountID, []exchange.AssetBalance{
		{Asset: "BTC", Available: d("0.25"), Locked: d("0.75"), Total: d("1")},
	})
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.True(t, balances[0].Available.Equal(d("0.25")))
	assert.True(t, balances[0].Locked.Equal(d("0.75")))
	assert.True(t, balances[1].Available.Equal(d("30")))
}

func TestApply_RejectsInvariantViolation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sa := e.fund(t, 1, "USDT", d("30"))
	_, err := e.sync.Sync(ctx, 1)
	require.NoError(t, err)

	_, err = e.sync.Apply(ctx, 1, sa.SubAccountID, []exchange.AssetBalance{
		{Asset: "USDT", Available: d("5"), Total: d("1")},
	})
	require.Error(t, err)
	// 整个快照回滚
	assert.True(t, e.balance(t, 1, "USDT").Equal(d("30")))
}
