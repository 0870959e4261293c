// Package exchange 定义交易所能力接口 (子账户管理、划转、提现、行情推送)
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoResponse 请求未得到交易所响应 (超时/网络错误)
// 只有复用同一个幂等 token 时重试才是安全的
var ErrNoResponse = errors.New("exchange: no response")

// ErrNotFound 交易所查询不到对应记录
var ErrNotFound = errors.New("exchange: record not found")

// APIError 交易所明确拒绝
type APIError struct {
	Status int    // HTTP 状态码
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: rejected (http %d, code %d): %s", e.Status, e.Code, e.Msg)
}

// IsNoResponse 判断错误是否属于 "无响应"
func IsNoResponse(err error) bool {
	return errors.Is(err, ErrNoResponse)
}

// IsRejected 判断错误是否属于 "明确拒绝"
func IsRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Credentials 子账户 API 凭证 (明文, 只在内存中使用)
type Credentials struct {
	APIKey    string
	APISecret string
}

type SubAccountInfo struct {
	SubAccountID string `json:"subaccountId"`
	Email        string `json:"email"`
}

type APIKeyInfo struct {
	SubAccountID string `json:"subaccountId"`
	APIKey       string `json:"apiKey"`
	SecretKey    string `json:"secretKey"`
	CanTrade     bool   `json:"canTrade"`
	MarginTrade  bool   `json:"marginTrade"`
	FuturesTrade bool   `json:"futuresTrade"`
}

type DepositAddress struct {
	Coin    string `json:"coin"`
	Address string `json:"address"`
	Tag     string `json:"tag"`
	URL     string `json:"url"`
}

type AssetBalance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
}

// TransferRequest 内部划转 (子账户 <-> 母账户)
// FromID/ToID 为空表示母账户
type TransferRequest struct {
	Asset            string
	Amount           decimal.Decimal
	FromID           string
	ToID             string
	ClientTransferID string
}

type TransferResult struct {
	ClientTransferID string `json:"clientTranId"`
	TxnID            string `json:"txnId"`
	Status           string `json:"status"`
}

// WithdrawRequest 母账户外部提现
type WithdrawRequest struct {
	Coin            string
	Network         string
	Address         string
	AddressTag      string
	Amount          decimal.Decimal
	WithdrawOrderID string // 客户端提现单号, 用于无响应时按单号反查
}

type WithdrawResult struct {
	OrderID         string          `json:"id"`
	WithdrawOrderID string          `json:"withdrawOrderId"`
	TxID            string          `json:"txId"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"transactionFee"`
	Coin            string          `json:"coin"`
	Network         string          `json:"network"`
	Address         string          `json:"address"`
	Status          int             `json:"status"`
	TransferType    int             `json:"transferType"`
	Info            string          `json:"info"`
	ConfirmNo       int             `json:"confirmNo"`
	ApplyTime       time.Time       `json:"applyTime"`
}

// Completed 交易所状态码: 6 = Completed
func (w WithdrawResult) Completed() bool { return w.Status == 6 }

// Terminated 交易所状态码: 1 = Cancelled, 3 = Rejected, 5 = Failure
func (w WithdrawResult) Terminated() bool {
	return w.Status == 1 || w.Status == 3 || w.Status == 5
}

type DepositInfo struct {
	Amount        decimal.Decimal `json:"amount"`
	Coin          string          `json:"coin"`
	Network       string          `json:"network"`
	Status        int             `json:"status"`
	Address       string          `json:"address"`
	AddressTag    string          `json:"addressTag"`
	TxID          string          `json:"txId"`
	InsertTime    time.Time       `json:"insertTime"`
	SourceAddress string          `json:"sourceAddress"`
	ConfirmTimes  string          `json:"confirmTimes"`
}

// CoinInfo 交易所币种配置
type CoinInfo struct {
	Coin            string   `json:"coin"`
	Name            string   `json:"name"`
	DepositEnabled  bool     `json:"depositAllEnable"`
	WithdrawEnabled bool     `json:"withdrawAllEnable"`
	Networks        []string `json:"networks"`
}

// SupportsNetwork network 为空时使用交易所默认网络
func (c CoinInfo) SupportsNetwork(network string) bool {
	if network == "" {
		return true
	}
	for _, n := range c.Networks {
		if n == network {
			return true
		}
	}
	return false
}

// AccountEvent 实时推送的账户事件
type AccountEvent struct {
	Kind      EventKind
	Balances  []AssetBalance  // EventBalanceSnapshot
	Asset     string          // EventBalanceDelta
	Delta     decimal.Decimal // EventBalanceDelta
	EventTime time.Time
}

type EventKind int

const (
	EventBalanceSnapshot EventKind = iota + 1 // outboundAccountPosition
	EventBalanceDelta                         // balanceUpdate
)

// Stream 实时账户数据流
type Stream interface {
	Events() <-chan AccountEvent
	// Done 在流结束时关闭, Err 返回结束原因
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Client 交易所能力
type Client interface {
	CreateSubAccount(ctx context.Context) (*SubAccountInfo, error)
	ActivateSubAccount(ctx context.Context, subAccountID string, canTrade bool) (*APIKeyInfo, error)
	GetDepositAddress(ctx context.Context, creds Credentials, coin, network string) (*DepositAddress, error)
	GetBalances(ctx context.Context, creds Credentials) ([]AssetBalance, error)
	InternalTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	GetTransfer(ctx context.Context, clientTransferID string) (*TransferResult, error)
	ExternalWithdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error)
	GetWithdrawal(ctx context.Context, withdrawOrderID string) (*WithdrawResult, error)
	GetDepositHistory(ctx context.Context, creds Credentials, since time.Time) ([]DepositInfo, error)
	ListCoins(ctx context.Context) ([]CoinInfo, error)
	StartRealtimeStream(ctx context.Context, creds Credentials, subAccountID string) (Stream, error)
}
