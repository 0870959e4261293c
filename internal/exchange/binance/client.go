// Package binance 实现 Binance Broker 子账户接口
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"subaccount-core/internal/exchange"
	"subaccount-core/pkg/logger"
	"subaccount-core/pkg/monitor"
)

// Config 母账户凭证与接入点
type Config struct {
	BaseURL     string
	StreamURL   string
	APIKey      string
	APISecret   string
	RecvWindow  int64
	Timeout     time.Duration
	ReadRetries int
}

// Client 实现 exchange.Client
type Client struct {
	cfg    Config
	http   *resty.Client
	now    func() time.Time
	dialer wsDialer
}

var _ exchange.Client = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	host := strings.TrimSuffix(cfg.BaseURL, "/")

	// 只对 GET 自动重试: 写操作重试必须由调用方带着同一个幂等 token 决定
	rc := resty.New().
		SetBaseURL(host).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.ReadRetries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests
		})

	return &Client{cfg: cfg, http: rc, now: time.Now, dialer: defaultDialer()}
}

// sign 生成 timestamp + recvWindow + HMAC-SHA256 签名后的 query string
func (c *Client) sign(secret string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

type call struct {
	method   string
	path     string
	params   url.Values
	key      string
	secret   string
	unsigned bool
}

// do 发送请求并区分 "无响应" 与 "明确拒绝"
func (c *Client) do(ctx context.Context, cl call, out interface{}) (err error) {
	start := time.Now()
	defer func() { monitor.ObserveExchange(cl.path, start, err) }()

	// 签名必须位于 query 末尾, 直接拼接 URL 以免被重新排序
	query := cl.params.Encode()
	if !cl.unsigned {
		query = c.sign(cl.secret, cl.params)
	}
	target := cl.path
	if query != "" {
		target += "?" + query
	}

	resp, err := c.http.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", cl.key).Execute(cl.method, target)
	if err != nil {
		logger.Warn("交易所请求无响应", zap.String("path", cl.path), zap.Error(err))
		return fmt.Errorf("%s %s: %w: %v", cl.method, cl.path, exchange.ErrNoResponse, err)
	}

	// 5XX: 请求已送达但执行结果未知, 与无响应同等对待
	if resp.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("%s %s: %w: http %d", cl.method, cl.path, exchange.ErrNoResponse, resp.StatusCode())
	}
	if resp.IsError() {
		apiErr := &exchange.APIError{Status: resp.StatusCode()}
		if jerr := json.Unmarshal(resp.Body(), apiErr); jerr != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(resp.Body()))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", cl.method, cl.path, err)
	}
	return nil
}

func (c *Client) master(method, path string, params url.Values) call {
	return call{method: method, path: path, params: params, key: c.cfg.APIKey, secret: c.cfg.APISecret}
}

func (c *Client) sub(creds exchange.Credentials, method, path string, params url.Values) call {
	return call{method: method, path: path, params: params, key: creds.APIKey, secret: creds.APISecret}
}

func (c *Client) CreateSubAccount(ctx context.Context) (*exchange.SubAccountInfo, error) {
	var out exchange.SubAccountInfo
	if err := c.do(ctx, c.master(http.MethodPost, "/sapi/v1/broker/subAccount", nil), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ActivateSubAccount(ctx context.Context, subAccountID string, canTrade bool) (*exchange.APIKeyInfo, error) {
	params := url.Values{}
	params.Set("subAccountId", subAccountID)
	params.Set("canTrade", strconv.FormatBool(canTrade))
	params.Set("marginTrade", "false")
	params.Set("futuresTrade", "false")

	var out exchange.APIKeyInfo
	if err := c.do(ctx, c.master(http.MethodPost, "/sapi/v1/broker/subAccountApi", params), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetDepositAddress(ctx context.Context, creds exchange.Credentials, coin, network string) (*exchange.DepositAddress, error) {
	params := url.Values{}
	params.Set("coin", coin)
	if network != "" {
		params.Set("network", network)
	}
	var out exchange.DepositAddress
	if err := c.do(ctx, c.sub(creds, http.MethodGet, "/sapi/v1/capital/deposit/address", params), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
	} `json:"balances"`
}

func (c *Client) GetBalances(ctx context.Context, creds exchange.Credentials) ([]exchange.AssetBalance, error) {
	params := url.Values{}
	params.Set("omitZeroBalances", "true")

	var out accountResponse
	if err := c.do(ctx, c.sub(creds, http.MethodGet, "/api/v3/account", params), &out); err != nil {
		return nil, err
	}
	balances := make([]exchange.AssetBalance, 0, len(out.Balances))
	for _, b := range out.Balances {
		balances = append(balances, exchange.AssetBalance{
			Asset:     b.Asset,
			Available: b.Free,
			Locked:    b.Locked,
			Total:     b.Free.Add(b.Locked),
		})
	}
	return balances, nil
}

func (c *Client) InternalTransfer(ctx context.Context, req exchange.TransferRequest) (*exchange.TransferResult, error) {
	params := url.Values{}
	if req.FromID != "" {
		params.Set("fromId", req.FromID)
	}
	if req.ToID != "" {
		params.Set("toId", req.ToID)
	}
	params.Set("clientTranId", req.ClientTransferID)
	params.Set("asset", req.Asset)
	params.Set("amount", req.Amount.String())

	var out exchange.TransferResult
	if err := c.do(ctx, c.master(http.MethodPost, "/sapi/v1/broker/transfer", params), &out); err != nil {
		return nil, err
	}
	if out.ClientTransferID == "" {
		out.ClientTransferID = req.ClientTransferID
	}
	if out.Status == "" {
		out.Status = "SUCCESS"
	}
	return &out, nil
}

func (c *Client) GetTransfer(ctx context.Context, clientTransferID string) (*exchange.TransferResult, error) {
	params := url.Values{}
	params.Set("clientTranId", clientTransferID)
	params.Set("showAllStatus", "true")

	var out []exchange.TransferResult
	if err := c.do(ctx, c.master(http.MethodGet, "/sapi/v1/broker/transfer", params), &out); err != nil {
		return nil, err
	}
	for _, t := range out {
		if t.ClientTransferID == clientTransferID {
			return &t, nil
		}
	}
	return nil, exchange.ErrNotFound
}

type withdrawHistoryItem struct {
	ID              string          `json:"id"`
	WithdrawOrderID string          `json:"withdrawOrderId"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionFee  decimal.Decimal `json:"transactionFee"`
	Coin            string          `json:"coin"`
	Status          int             `json:"status"`
	Address         string          `json:"address"`
	TxID            string          `json:"txId"`
	ApplyTime       string          `json:"applyTime"`
	Network         string          `json:"network"`
	TransferType    int             `json:"transferType"`
	Info            string          `json:"info"`
	ConfirmNo       int             `json:"confirmNo"`
}

func (w withdrawHistoryItem) result() *exchange.WithdrawResult {
	applied, _ := time.ParseInLocation(time.DateTime, w.ApplyTime, time.UTC)
	return &exchange.WithdrawResult{
		OrderID:         w.ID,
		WithdrawOrderID: w.WithdrawOrderID,
		TxID:            w.TxID,
		Amount:          w.Amount,
		Fee:             w.TransactionFee,
		Coin:            w.Coin,
		Network:         w.Network,
		Address:         w.Address,
		Status:          w.Status,
		TransferType:    w.TransferType,
		Info:            w.Info,
		ConfirmNo:       w.ConfirmNo,
		ApplyTime:       applied,
	}
}

func (c *Client) ExternalWithdraw(ctx context.Context, req exchange.WithdrawRequest) (*exchange.WithdrawResult, error) {
	params := url.Values{}
	params.Set("coin", req.Coin)
	params.Set("address", req.Address)
	params.Set("amount", req.Amount.String())
	if req.Network != "" {
		params.Set("network", req.Network)
	}
	if req.AddressTag != "" {
		params.Set("addressTag", req.AddressTag)
	}
	if req.WithdrawOrderID != "" {
		params.Set("withdrawOrderId", req.WithdrawOrderID)
	}

	var applied struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, c.master(http.MethodPost, "/sapi/v1/capital/withdraw/apply", params), &applied); err != nil {
		return nil, err
	}

	// 受理接口只返回 id, 再查一次历史补全 txId / 手续费; 查询失败不影响受理结果
	if req.WithdrawOrderID != "" {
		full, err := c.GetWithdrawal(ctx, req.WithdrawOrderID)
		if err == nil {
			return full, nil
		}
		logger.Warn("提现已受理, 查询详情失败", zap.String("withdraw_order_id", req.WithdrawOrderID), zap.Error(err))
	}
	return &exchange.WithdrawResult{
		OrderID:         applied.ID,
		WithdrawOrderID: req.WithdrawOrderID,
		Amount:          req.Amount,
		Coin:            req.Coin,
		Network:         req.Network,
		Address:         req.Address,
		ApplyTime:       c.now().UTC(),
	}, nil
}

func (c *Client) GetWithdrawal(ctx context.Context, withdrawOrderID string) (*exchange.WithdrawResult, error) {
	params := url.Values{}
	params.Set("withdrawOrderId", withdrawOrderID)

	var out []withdrawHistoryItem
	if err := c.do(ctx, c.master(http.MethodGet, "/sapi/v1/capital/withdraw/history", params), &out); err != nil {
		return nil, err
	}
	for _, w := range out {
		if w.WithdrawOrderID == withdrawOrderID {
			return w.result(), nil
		}
	}
	return nil, exchange.ErrNotFound
}

type depositHistoryItem struct {
	Amount        decimal.Decimal `json:"amount"`
	Coin          string          `json:"coin"`
	Network       string          `json:"network"`
	Status        int             `json:"status"`
	Address       string          `json:"address"`
	AddressTag    string          `json:"addressTag"`
	TxID          string          `json:"txId"`
	InsertTime    int64           `json:"insertTime"`
	SourceAddress string          `json:"sourceAddress"`
	ConfirmTimes  string          `json:"confirmTimes"`
}

func (c *Client) GetDepositHistory(ctx context.Context, creds exchange.Credentials, since time.Time) ([]exchange.DepositInfo, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	var out []depositHistoryItem
	if err := c.do(ctx, c.sub(creds, http.MethodGet, "/sapi/v1/capital/deposit/hisrec", params), &out); err != nil {
		return nil, err
	}
	deposits := make([]exchange.DepositInfo, 0, len(out))
	for _, d := range out {
		deposits = append(deposits, exchange.DepositInfo{
			Amount:        d.Amount,
			Coin:          d.Coin,
			Network:       d.Network,
			Status:        d.Status,
			Address:       d.Address,
			AddressTag:    d.AddressTag,
			TxID:          d.TxID,
			InsertTime:    time.UnixMilli(d.InsertTime).UTC(),
			SourceAddress: d.SourceAddress,
			ConfirmTimes:  d.ConfirmTimes,
		})
	}
	return deposits, nil
}

type coinConfigItem struct {
	Coin              string `json:"coin"`
	Name              string `json:"name"`
	DepositAllEnable  bool   `json:"depositAllEnable"`
	WithdrawAllEnable bool   `json:"withdrawAllEnable"`
	NetworkList       []struct {
		Network string `json:"network"`
	} `json:"networkList"`
}

func (c *Client) ListCoins(ctx context.Context) ([]exchange.CoinInfo, error) {
	var out []coinConfigItem
	if err := c.do(ctx, c.master(http.MethodGet, "/sapi/v1/capital/config/getall", nil), &out); err != nil {
		return nil, err
	}
	coins := make([]exchange.CoinInfo, 0, len(out))
	for _, item := range out {
		info := exchange.CoinInfo{
			Coin:            item.Coin,
			Name:            item.Name,
			DepositEnabled:  item.DepositAllEnable,
			WithdrawEnabled: item.WithdrawAllEnable,
		}
		for _, n := range item.NetworkList {
			info.Networks = append(info.Networks, n.Network)
		}
		coins = append(coins, info)
	}
	return coins, nil
}
