package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"subaccount-core/internal/handler/request"
	"subaccount-core/internal/handler/response"
	"subaccount-core/internal/service"
	"subaccount-core/pkg/errno"
	"subaccount-core/pkg/logger"
	"subaccount-core/pkg/validator"
)

// HeaderUserID 网关鉴权后写入的用户 ID
const HeaderUserID = "X-User-ID"

type WalletHandler struct {
	svc service.WalletService
}

func NewWalletHandler(svc service.WalletService) *WalletHandler {
	return &WalletHandler{svc: svc}
}

func userID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.GetHeader(HeaderUserID), 10, 64)
	if err != nil || id == 0 {
		response.Error(c, errno.ErrTokenInvalid)
		return 0, false
	}
	return id, true
}

// DepositAddress 获取充值地址
// @Summary 获取充值地址
// @Description 为用户分配子账户 (如需) 并返回该币种的充值地址
// @Tags Wallet
// @Accept json
// @Produce json
// @Param X-User-ID header int true "User ID"
// @Param request body request.DepositAddressRequest true "Deposit Address Request"
// @Success 200 {object} response.Response
// @Router /api/v1/wallet/deposit_address [post]
func (h *WalletHandler) DepositAddress(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req request.DepositAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind.WithMessage(validator.GetErrorMsg(err)))
		return
	}

	addr, err := h.svc.RequestDepositAddress(c.Request.Context(), uid, req.Coin, req.Network)
	if err != nil {
		logger.Warn("获取充值地址失败", zap.Uint64("user_id", uid), zap.Error(err))
		response.Error(c, err)
		return
	}
	response.Success(c, addr)
}

// Balances 查询余额
// @Summary 查询余额
// @Description 从交易所同步子账户余额后返回
// @Tags Wallet
// @Produce json
// @Param X-User-ID header int true "User ID"
// @Success 200 {object} response.Response
// @Router /api/v1/wallet/balances [get]
func (h *WalletHandler) Balances(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	balances, err := h.svc.GetBalances(c.Request.Context(), uid)
	if err != nil {
		logger.Warn("查询余额失败", zap.Uint64("user_id", uid), zap.Error(err))
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"balances": balances})
}

// Withdraw 申请提现
// @Summary 申请提现
// @Description 子账户 -> 母账户 -> 外部地址 两阶段提现, 失败时资金退回子账户
// @Tags Wallet
// @Accept json
// @Produce json
// @Param X-User-ID header int true "User ID"
// @Param request body request.WithdrawRequest true "Withdraw Request"
// @Success 200 {object} response.Response{data=service.WithdrawOutcome}
// @Router /api/v1/wallet/withdraw [post]
func (h *WalletHandler) Withdraw(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	// 1. 绑定参数
	var req request.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind.WithMessage(validator.GetErrorMsg(err)))
		return
	}

	// 2. 调用 Service
	out, err := h.svc.RequestWithdrawal(c.Request.Context(), service.WithdrawRequest{
		UserID:     uid,
		Asset:      req.Asset,
		Amount:     req.Amount,
		Address:    req.Address,
		Network:    req.Network,
		AddressTag: req.AddressTag,
	})
	if err != nil {
		logger.Warn("提现失败", zap.Uint64("user_id", uid), zap.String("asset", req.Asset), zap.Error(err))
		response.Error(c, err)
		return
	}
	response.Success(c, out)
}

// History 充值与提现历史
// @Summary 充值与提现历史
// @Description 用户绑定过的所有子账户在各自绑定期内的记录, 按时间倒序
// @Tags Wallet
// @Produce json
// @Param X-User-ID header int true "User ID"
// @Success 200 {object} response.Response
// @Router /api/v1/wallet/history [get]
func (h *WalletHandler) History(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	entries, err := h.svc.GetWalletHistory(c.Request.Context(), uid)
	if err != nil {
		response.Error(c, err)
		return
	}
	if entries == nil {
		entries = []service.HistoryEntry{}
	}
	response.Success(c, gin.H{"history": entries})
}
