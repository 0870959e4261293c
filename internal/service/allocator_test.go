package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subaccount-core/internal/exchange"
	"subaccount-core/internal/exchange/exchangetest"
	"subaccount-core/internal/ledger"
)

func TestAllocate_CreatesWhenPoolEmpty(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.allocator.Allocate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, AllocationCreated, res.Kind)
	assert.True(t, res.SubAccount.IsActive)
	assert.Equal(t, uint64(1), res.Binding.UserID)
	assert.Equal(t, res.SubAccount.ID, res.Binding.SubAccountRef)

	// 密文落库, 明文只在 Open 之后出现
	assert.NotContains(t, res.SubAccount.APIKey, "key-")
	creds, err := e.vault.Open(res.SubAccount)
	require.NoError(t, err)
	assert.Contains(t, creds.APIKey, res.SubAccount.SubAccountID)

	jobs := e.scheduler.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, res.SubAccount.ID, jobs[0].SubAccountRef)
}

func TestAllocate_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.allocator.Allocate(ctx, 1)
	require.NoError(t, err)
	second, err := e.allocator.Allocate(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, AllocationExisting, second.Kind)
	assert.Equal(t, first.SubAccount.ID, second.SubAccount.ID)
	assert.Len(t, e.fake.Calls(exchangetest.MethodCreateSubAccount), 1)
	assert.Len(t, e.fake.Calls(exchangetest.MethodActivateSubAccount), 1)
}

func TestAllocate_SkipsSchedulingWhenStreamRunning(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.allocator.Allocate(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, e.store.SetStreamRunning(ctx, res.SubAccount.ID, true))

	_, err = e.allocator.Allocate(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, e.scheduler.Jobs(), 1)
}

func TestAllocate_ScheduleFailureDoesNotFailAllocation(t *testing.T) {
	e := newEnv(t)
	e.scheduler.err = errors.New("queue down")

	res, err := e.allocator.Allocate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, AllocationCreated, res.Kind)
}

func TestAllocate_RecyclesAndRotatesCredentials(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pooled := e.seedPool(t, "2001")

	res, err := e.allocator.Allocate(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, AllocationRecycled, res.Kind)
	assert.Equal(t, pooled.ID, res.SubAccount.ID)
	assert.Empty(t, e.fake.Calls(exchangetest.MethodCreateSubAccount))

	before, err := e.vault.Open(res.SubAccount)
	require.NoError(t, err)

	// 回收后再分配给另一个用户, 凭证必须轮换
	require.NoError(t, e.allocator.Release(ctx, 7))
	again, err := e.allocator.Allocate(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, AllocationRecycled, again.Kind)
	assert.Equal(t, pooled.ID, again.SubAccount.ID)

	after, err := e.vault.Open(again.SubAccount)
	require.NoError(t, err)
	assert.NotEqual(t, before.APIKey, after.APIKey)
	assert.NotEqual(t, before.APISecret, after.APISecret)
}

func TestAllocate_ConcurrentUsersNeverShareSubAccount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedPool(t, "2001")

	const users = 8
	results := make([]*AllocationResult, users)
	errs := make([]error, users)
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.allocator.Allocate(ctx, uint64(100+i))
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	recycled := 0
	for i := 0; i < users; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[results[i].SubAccount.ID], "sub account %d handed out twice", results[i].SubAccount.ID)
		seen[results[i].SubAccount.ID] = true
		if results[i].Kind == AllocationRecycled {
			recycled++
		}
	}
	assert.Equal(t, 1, recycled)
	assert.Len(t, e.fake.Calls(exchangetest.MethodCreateSubAccount), users-1)
}

func TestAllocate_RecycleActivationFailureRestoresPool(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pooled := e.seedPool(t, "2001")
	e.fake.FailNext(exchangetest.MethodActivateSubAccount, &exchange.APIError{Status: 400, Code: -1, Msg: "rejected"})

	_, err := e.allocator.Allocate(ctx, 1)
	require.ErrorIs(t, err, ErrExchangeUnavailable)

	_, err = e.store.CurrentBinding(ctx, 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	sa, err := e.store.GetSubAccount(ctx, pooled.ID)
	require.NoError(t, err)
	assert.False(t, sa.IsActive)
	assert.Empty(t, sa.APIKey)

	// 池中的子账户在下一次分配时仍可用
	res, err := e.allocator.Allocate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, AllocationRecycled, res.Kind)
	assert.Equal(t, pooled.ID, res.SubAccount.ID)
}

func TestAllocate_CreateActivationFailurePersistsInactive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.FailNext(exchangetest.MethodActivateSubAccount, exchange.ErrNoResponse)

	_, err := e.allocator.Allocate(ctx, 1)
	require.ErrorIs(t, err, ErrExchangeUnavailable)

	_, err = e.store.CurrentBinding(ctx, 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	stats, err := e.store.PoolStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Inactive)
	assert.Equal(t, int64(0), stats.Active)

	res, err := e.allocator.Allocate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, AllocationRecycled, res.Kind)
	assert.Len(t, e.fake.Calls(exchangetest.MethodCreateSubAccount), 1)
}

func TestAllocate_CreateFailure(t *testing.T) {
	e := newEnv(t)
	e.fake.FailNext(exchangetest.MethodCreateSubAccount, exchange.ErrNoResponse)

	_, err := e.allocator.Allocate(context.Background(), 1)
	require.ErrorIs(t, err, ErrExchangeUnavailable)
	assert.ErrorIs(t, err, exchange.ErrNoResponse)
}

func TestRelease_ClosesBindingAndReturnsToPool(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.allocator.Allocate(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, e.store.SetStreamRunning(ctx, res.SubAccount.ID, true))
	require.NoError(t, e.allocator.Release(ctx, 1))

	_, err = e.allocator.Current(ctx, 1)
	assert.ErrorIs(t, err, ErrNoSubAccount)

	bindings, err := e.store.ListBindings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.NotNil(t, bindings[0].EndDate)

	sa, err := e.store.GetSubAccount(ctx, res.SubAccount.ID)
	require.NoError(t, err)
	assert.False(t, sa.IsActive)
	assert.False(t, sa.IsStreamRunning)

	assert.ErrorIs(t, e.allocator.Release(ctx, 1), ErrNoSubAccount)
}

func TestAllocate_ClosesStaleBinding(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.allocator.Allocate(ctx, 1)
	require.NoError(t, err)
	// 子账户被停用但绑定未关闭
	require.NoError(t, e.store.ReleaseSubAccount(ctx, first.SubAccount.ID))

	_, err = e.allocator.Current(ctx, 1)
	assert.ErrorIs(t, err, ErrNoSubAccount)

	second, err := e.allocator.Allocate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, AllocationRecycled, second.Kind)

	bindings, err := e.store.ListBindings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	current := 0
	for _, b := range bindings {
		if b.Current() {
			current++
		}
	}
	assert.Equal(t, 1, current)
}
