// Package exchangetest 提供可编程的交易所替身, 用于故障注入测试
package exchangetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"subaccount-core/internal/exchange"
)

// 方法名, 用于 Fail / Calls
const (
	MethodCreateSubAccount   = "CreateSubAccount"
	MethodActivateSubAccount = "ActivateSubAccount"
	MethodGetDepositAddress  = "GetDepositAddress"
	MethodGetBalances        = "GetBalances"
	MethodInternalTransfer   = "InternalTransfer"
	MethodGetTransfer        = "GetTransfer"
	MethodExternalWithdraw   = "ExternalWithdraw"
	MethodGetWithdrawal      = "GetWithdrawal"
	MethodGetDepositHistory  = "GetDepositHistory"
	MethodListCoins          = "ListCoins"
	MethodStartStream        = "StartRealtimeStream"
)

// Fake 内存交易所: 维护子账户余额, 母账户余额, 划转与提现记录
// 默认所有调用成功; 通过 Fail / FailNext / FailWhen 注入错误
type Fake struct {
	mu sync.Mutex

	nextID    int
	accounts  map[string]exchange.Credentials
	balances  map[string]map[string]decimal.Decimal // subAccountID -> asset -> free
	master    map[string]decimal.Decimal
	transfers map[string]exchange.TransferResult
	withdraws map[string]exchange.WithdrawResult
	deposits  map[string][]exchange.DepositInfo
	coins     []exchange.CoinInfo
	streams   map[string]*FakeStream

	calls    []Call
	failures map[string][]error
	always   map[string]error
	when     map[string]func(args interface{}) error

	// BeforeWithdraw 在执行外部提现前调用, 用于检查账本状态
	BeforeWithdraw func(req exchange.WithdrawRequest)
	// AfterTransfer 内部划转成交后调用, 可在此模拟交易所推送
	AfterTransfer func(req exchange.TransferRequest)
}

// Call 一次调用的记录
type Call struct {
	Method string
	Args   interface{}
}

var _ exchange.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		accounts:  make(map[string]exchange.Credentials),
		balances:  make(map[string]map[string]decimal.Decimal),
		master:    make(map[string]decimal.Decimal),
		transfers: make(map[string]exchange.TransferResult),
		withdraws: make(map[string]exchange.WithdrawResult),
		deposits:  make(map[string][]exchange.DepositInfo),
		streams:   make(map[string]*FakeStream),
		failures:  make(map[string][]error),
		always:    make(map[string]error),
		when:      make(map[string]func(args interface{}) error),
		coins: []exchange.CoinInfo{
			{Coin: "BTC", Name: "Bitcoin", DepositEnabled: true, WithdrawEnabled: true, Networks: []string{"BTC"}},
			{Coin: "USDT", Name: "TetherUS", DepositEnabled: true, WithdrawEnabled: true, Networks: []string{"ETH", "TRX"}},
		},
	}
}

// Fail 让 method 之后的每次调用都返回 err, err 为 nil 时清除
func (f *Fake) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.always, method)
		return
	}
	f.always[method] = err
}

// FailNext 让 method 接下来的若干次调用依次返回 errs
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// FailWhen 按参数决定是否失败, 例如只让反向划转失败
func (f *Fake) FailWhen(method string, fn func(args interface{}) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.when[method] = fn
}

// SetBalance 设置子账户可用余额
func (f *Fake) SetBalance(subAccountID, asset string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[subAccountID] == nil {
		f.balances[subAccountID] = make(map[string]decimal.Decimal)
	}
	f.balances[subAccountID][asset] = amount
}

func (f *Fake) Balance(subAccountID, asset string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[subAccountID][asset]
}

func (f *Fake) MasterBalance(asset string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.master[asset]
}

// AddDeposit 追加一条子账户充值记录
func (f *Fake) AddDeposit(subAccountID string, d exchange.DepositInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits[subAccountID] = append(f.deposits[subAccountID], d)
}

// SetWithdrawal 覆盖交易所侧提现状态, 模拟链上进度
func (f *Fake) SetWithdrawal(w exchange.WithdrawResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdraws[w.WithdrawOrderID] = w
}

// SetTransfer 覆盖交易所侧划转记录, 模拟无响应后实际已成交
func (f *Fake) SetTransfer(t exchange.TransferResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[t.ClientTransferID] = t
}

func (f *Fake) Stream(subAccountID string) *FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[subAccountID]
}

// Calls 返回 method 的调用记录, method 为空返回全部
func (f *Fake) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// enter 记录调用并返回注入的错误; 调用方需持有锁
func (f *Fake) enter(method string, args interface{}) error {
	f.calls = append(f.calls, Call{Method: method, Args: args})
	if errs := f.failures[method]; len(errs) > 0 {
		f.failures[method] = errs[1:]
		if errs[0] != nil {
			return errs[0]
		}
	}
	if fn := f.when[method]; fn != nil {
		if err := fn(args); err != nil {
			return err
		}
	}
	return f.always[method]
}

func (f *Fake) lookup(creds exchange.Credentials) (string, error) {
	for id, c := range f.accounts {
		if c == creds {
			return id, nil
		}
	}
	return "", &exchange.APIError{Status: 401, Code: -2015, Msg: "Invalid API-key"}
}

func (f *Fake) CreateSubAccount(ctx context.Context) (*exchange.SubAccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodCreateSubAccount, nil); err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("%d", 1000+f.nextID)
	f.accounts[id] = exchange.Credentials{}
	return &exchange.SubAccountInfo{SubAccountID: id, Email: fmt.Sprintf("sub%s@broker.example", id)}, nil
}

// AddSubAccount 预置一个交易所侧已存在的子账户
func (f *Fake) AddSubAccount(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[id] = exchange.Credentials{}
}

func (f *Fake) ActivateSubAccount(ctx context.Context, subAccountID string, canTrade bool) (*exchange.APIKeyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodActivateSubAccount, subAccountID); err != nil {
		return nil, err
	}
	if _, ok := f.accounts[subAccountID]; !ok {
		return nil, &exchange.APIError{Status: 400, Code: -1, Msg: "unknown sub account"}
	}
	f.nextID++
	creds := exchange.Credentials{
		APIKey:    fmt.Sprintf("key-%s-%d", subAccountID, f.nextID),
		APISecret: fmt.Sprintf("secret-%s-%d", subAccountID, f.nextID),
	}
	f.accounts[subAccountID] = creds
	return &exchange.APIKeyInfo{
		SubAccountID: subAccountID,
		APIKey:       creds.APIKey,
		SecretKey:    creds.APISecret,
		CanTrade:     canTrade,
	}, nil
}

func (f *Fake) GetDepositAddress(ctx context.Context, creds exchange.Credentials, coin, network string) (*exchange.DepositAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodGetDepositAddress, coin); err != nil {
		return nil, err
	}
	id, err := f.lookup(creds)
	if err != nil {
		return nil, err
	}
	return &exchange.DepositAddress{Coin: coin, Address: fmt.Sprintf("%s-%s-%s", coin, network, id)}, nil
}

func (f *Fake) GetBalances(ctx context.Context, creds exchange.Credentials) ([]exchange.AssetBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodGetBalances, creds); err != nil {
		return nil, err
	}
	id, err := f.lookup(creds)
	if err != nil {
		return nil, err
	}
	var out []exchange.AssetBalance
	for asset, amount := range f.balances[id] {
		if amount.IsZero() {
			continue
		}
		out = append(out, exchange.AssetBalance{Asset: asset, Available: amount, Total: amount})
	}
	return out, nil
}

func (f *Fake) InternalTransfer(ctx context.Context, req exchange.TransferRequest) (*exchange.TransferResult, error) {
	res, err := f.internalTransfer(req)
	f.mu.Lock()
	hook := f.AfterTransfer
	f.mu.Unlock()
	if err == nil && hook != nil {
		hook(req)
	}
	return res, err
}

func (f *Fake) internalTransfer(req exchange.TransferRequest) (*exchange.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodInternalTransfer, req); err != nil {
		return nil, err
	}
	// 同一 token 重复提交返回首次结果
	if prev, ok := f.transfers[req.ClientTransferID]; ok {
		return &prev, nil
	}

	if req.FromID != "" {
		if f.balances[req.FromID][req.Asset].LessThan(req.Amount) {
			return nil, &exchange.APIError{Status: 400, Code: -5002, Msg: "insufficient balance"}
		}
		f.balances[req.FromID][req.Asset] = f.balances[req.FromID][req.Asset].Sub(req.Amount)
	} else {
		f.master[req.Asset] = f.master[req.Asset].Sub(req.Amount)
	}
	if req.ToID != "" {
		if f.balances[req.ToID] == nil {
			f.balances[req.ToID] = make(map[string]decimal.Decimal)
		}
		f.balances[req.ToID][req.Asset] = f.balances[req.ToID][req.Asset].Add(req.Amount)
	} else {
		f.master[req.Asset] = f.master[req.Asset].Add(req.Amount)
	}

	f.nextID++
	res := exchange.TransferResult{ClientTransferID: req.ClientTransferID, TxnID: fmt.Sprintf("txn-%d", f.nextID), Status: "SUCCESS"}
	f.transfers[req.ClientTransferID] = res
	return &res, nil
}

func (f *Fake) GetTransfer(ctx context.Context, clientTransferID string) (*exchange.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodGetTransfer, clientTransferID); err != nil {
		return nil, err
	}
	res, ok := f.transfers[clientTransferID]
	if !ok {
		return nil, exchange.ErrNotFound
	}
	return &res, nil
}

func (f *Fake) ExternalWithdraw(ctx context.Context, req exchange.WithdrawRequest) (*exchange.WithdrawResult, error) {
	f.mu.Lock()
	hook := f.BeforeWithdraw
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodExternalWithdraw, req); err != nil {
		return nil, err
	}
	if f.master[req.Coin].LessThan(req.Amount) {
		return nil, &exchange.APIError{Status: 400, Code: -4026, Msg: "insufficient master balance"}
	}
	f.master[req.Coin] = f.master[req.Coin].Sub(req.Amount)

	f.nextID++
	res := exchange.WithdrawResult{
		OrderID:         fmt.Sprintf("ord-%d", f.nextID),
		WithdrawOrderID: req.WithdrawOrderID,
		Amount:          req.Amount,
		Coin:            req.Coin,
		Network:         req.Network,
		Address:         req.Address,
		Status:          4, // Processing
		ApplyTime:       time.Now().UTC(),
	}
	f.withdraws[req.WithdrawOrderID] = res
	return &res, nil
}

func (f *Fake) GetWithdrawal(ctx context.Context, withdrawOrderID string) (*exchange.WithdrawResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodGetWithdrawal, withdrawOrderID); err != nil {
		return nil, err
	}
	res, ok := f.withdraws[withdrawOrderID]
	if !ok {
		return nil, exchange.ErrNotFound
	}
	return &res, nil
}

func (f *Fake) GetDepositHistory(ctx context.Context, creds exchange.Credentials, since time.Time) ([]exchange.DepositInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodGetDepositHistory, since); err != nil {
		return nil, err
	}
	id, err := f.lookup(creds)
	if err != nil {
		return nil, err
	}
	var out []exchange.DepositInfo
	for _, d := range f.deposits[id] {
		if !d.InsertTime.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *Fake) ListCoins(ctx context.Context) ([]exchange.CoinInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodListCoins, nil); err != nil {
		return nil, err
	}
	return append([]exchange.CoinInfo(nil), f.coins...), nil
}

func (f *Fake) StartRealtimeStream(ctx context.Context, creds exchange.Credentials, subAccountID string) (exchange.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodStartStream, subAccountID); err != nil {
		return nil, err
	}
	if _, err := f.lookup(creds); err != nil {
		return nil, err
	}
	s := NewStream()
	f.streams[subAccountID] = s
	return s, nil
}

// FakeStream 由测试推送事件的数据流
type FakeStream struct {
	events chan exchange.AccountEvent
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func NewStream() *FakeStream {
	return &FakeStream{events: make(chan exchange.AccountEvent, 16), done: make(chan struct{})}
}

func (s *FakeStream) Events() <-chan exchange.AccountEvent { return s.events }
func (s *FakeStream) Done() <-chan struct{}                 { return s.done }

func (s *FakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push 推送一条事件
func (s *FakeStream) Push(ev exchange.AccountEvent) {
	s.events <- ev
}

// Terminate 模拟连接中断
func (s *FakeStream) Terminate(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

func (s *FakeStream) Close() error {
	s.once.Do(func() {
		close(s.events)
		close(s.done)
	})
	return nil
}
