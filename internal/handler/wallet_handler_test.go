package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subaccount-core/internal/exchange"
	"subaccount-core/internal/handler/response"
	"subaccount-core/internal/model"
	"subaccount-core/internal/service"
	"subaccount-core/pkg/errno"
	"subaccount-core/pkg/validator"
)

type stubWallet struct {
	withdrawReq service.WithdrawRequest
	err         error
}

func (s *stubWallet) RequestDepositAddress(ctx context.Context, userID uint64, coin, network string) (*exchange.DepositAddress, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &exchange.DepositAddress{Coin: coin, Address: fmt.Sprintf("addr-%d", userID)}, nil
}

func (s *stubWallet) GetBalances(ctx context.Context, userID uint64) ([]model.Balance, error) {
	return []model.Balance{{UserID: userID, Asset: "BTC", Available: decimal.RequireFromString("1.5")}}, s.err
}

func (s *stubWallet) RequestWithdrawal(ctx context.Context, req service.WithdrawRequest) (*service.WithdrawOutcome, error) {
	s.withdrawReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &service.WithdrawOutcome{Status: service.OutcomeSubmitted}, nil
}

func (s *stubWallet) GetWalletHistory(ctx context.Context, userID uint64) ([]service.HistoryEntry, error) {
	return nil, s.err
}

func newTestRouter(svc service.WalletService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	validator.Init()
	h := NewWalletHandler(svc)
	r := gin.New()
	r.POST("/deposit_address", h.DepositAddress)
	r.GET("/balances", h.Balances)
	r.POST("/withdraw", h.Withdraw)
	r.GET("/history", h.History)
	return r
}

func do(t *testing.T, r http.Handler, method, path, user, body string) response.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestWalletHandler_RequiresUser(t *testing.T) {
	r := newTestRouter(&stubWallet{})
	resp := do(t, r, http.MethodGet, "/balances", "", "")
	assert.Equal(t, errno.ErrTokenInvalid.Code, resp.Code)

	resp = do(t, r, http.MethodGet, "/balances", "abc", "")
	assert.Equal(t, errno.ErrTokenInvalid.Code, resp.Code)
}

func TestWalletHandler_DepositAddress(t *testing.T) {
	r := newTestRouter(&stubWallet{})
	resp := do(t, r, http.MethodPost, "/deposit_address", "42", `{"coin":"BTC"}`)
	require.Equal(t, errno.OK.Code, resp.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "addr-42", data["address"])

	resp = do(t, r, http.MethodPost, "/deposit_address", "42", `{}`)
	assert.Equal(t, errno.ErrBind.Code, resp.Code)
}

func TestWalletHandler_Withdraw(t *testing.T) {
	svc := &stubWallet{}
	r := newTestRouter(svc)

	resp := do(t, r, http.MethodPost, "/withdraw", "7",
		`{"asset":"USDT","amount":"12.5","address":"0xabc","network":"ETH"}`)
	require.Equal(t, errno.OK.Code, resp.Code)
	assert.Equal(t, uint64(7), svc.withdrawReq.UserID)
	assert.True(t, svc.withdrawReq.Amount.Equal(decimal.RequireFromString("12.5")))

	resp = do(t, r, http.MethodPost, "/withdraw", "7",
		`{"asset":"USDT","amount":"0","address":"0xabc","network":"ETH"}`)
	assert.Equal(t, errno.ErrBind.Code, resp.Code)
	assert.Contains(t, resp.Message, "必须大于 0")
}

func TestWalletHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want errno.Errno
	}{
		{service.ErrInsufficientBalance, errno.ErrInsufficientBalance},
		{fmt.Errorf("sync: %w", service.ErrBalanceSyncFailed), errno.ErrExchangeUnavailable},
		{fmt.Errorf("%w: lock", service.ErrWithdrawalBusy), errno.ErrWithdrawalBusy},
		{service.ErrWithdrawalStuck, errno.ErrWithdrawalStuck},
		{service.ErrTransferFailed, errno.ErrTransferFailed},
		{service.ErrNoSubAccount, errno.ErrSubAccountNotFound},
		{fmt.Errorf("boom"), errno.InternalServerError},
	}
	for _, tc := range cases {
		svc := &stubWallet{err: tc.err}
		resp := do(t, newTestRouter(svc), http.MethodPost, "/withdraw", "1",
			`{"asset":"BTC","amount":"1","address":"bc1","network":"BTC"}`)
		assert.Equal(t, tc.want.Code, resp.Code, tc.err.Error())
		assert.Equal(t, tc.want.Message, resp.Message)
	}

	verr := &service.ValidationError{Field: "network", Reason: "unsupported"}
	code, msg := errno.Decode(response.FromError(verr))
	assert.Equal(t, errno.ErrValidation.Code, code)
	assert.Equal(t, "network: unsupported", msg)
}

func TestWalletHandler_EmptyHistory(t *testing.T) {
	resp := do(t, newTestRouter(&stubWallet{}), http.MethodGet, "/history", "1", "")
	require.Equal(t, errno.OK.Code, resp.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, []interface{}{}, data["history"])
}
