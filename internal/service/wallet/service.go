// Package wallet 对外暴露的钱包操作: 充值地址, 余额, 提现, 历史记录
package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"subaccount-core/internal/exchange"
	"subaccount-core/internal/model"
	"subaccount-core/internal/service"
	"subaccount-core/pkg/cache"
	"subaccount-core/pkg/logger"
)

const (
	coinCatalogueKey = "subaccount:coins"
	coinCatalogueTTL = 10 * time.Minute
)

type Service struct {
	allocator *service.Allocator
	sync      *service.BalanceSynchronizer
	withdraw  *service.WithdrawService
	history   *service.HistoryReconciler
	exchange  exchange.Client
	vault     *service.Vault
	cache     cache.Cache
}

var _ service.WalletService = (*Service)(nil)

func NewService(allocator *service.Allocator, sync *service.BalanceSynchronizer, withdraw *service.WithdrawService,
	history *service.HistoryReconciler, ex exchange.Client, vault *service.Vault, c cache.Cache) *Service {
	return &Service{
		allocator: allocator,
		sync:      sync,
		withdraw:  withdraw,
		history:   history,
		exchange:  ex,
		vault:     vault,
		cache:     c,
	}
}

// coin 从缓存的交易所币种配置中查找币种
func (s *Service) coin(ctx context.Context, coin string) (*exchange.CoinInfo, error) {
	coins, err := cache.GetOrLoad(ctx, s.cache, coinCatalogueKey, coinCatalogueTTL, s.exchange.ListCoins)
	if err != nil {
		logger.Warn("获取币种配置失败", zap.Error(err))
		return nil, fmt.Errorf("%w: list coins: %w", service.ErrExchangeUnavailable, err)
	}
	for i := range coins {
		if coins[i].Coin == coin {
			return &coins[i], nil
		}
	}
	return nil, &service.ValidationError{Field: "coin", Reason: fmt.Sprintf("unsupported coin %s", coin)}
}

func normalize(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// RequestDepositAddress 分配子账户 (如需) 并返回充值地址
func (s *Service) RequestDepositAddress(ctx context.Context, userID uint64, coin, network string) (*exchange.DepositAddress, error) {
	coin, network = normalize(coin), normalize(network)
	info, err := s.coin(ctx, coin)
	if err != nil {
		return nil, err
	}
	if !info.DepositEnabled {
		return nil, &service.ValidationError{Field: "coin", Reason: fmt.Sprintf("deposit of %s is suspended", coin)}
	}
	if !info.SupportsNetwork(network) {
		return nil, &service.ValidationError{Field: "network", Reason: fmt.Sprintf("%s is not available on %s", coin, network)}
	}

	res, err := s.allocator.Allocate(ctx, userID)
	if err != nil {
		return nil, err
	}
	creds, err := s.vault.Open(res.SubAccount)
	if err != nil {
		return nil, err
	}
	addr, err := s.exchange.GetDepositAddress(ctx, creds, coin, network)
	if err != nil {
		logger.Warn("获取充值地址失败", zap.Uint64("user_id", userID), zap.String("coin", coin), zap.Error(err))
		return nil, fmt.Errorf("%w: deposit address: %w", service.ErrExchangeUnavailable, err)
	}
	return addr, nil
}

// GetBalances 先同步交易所余额再返回
func (s *Service) GetBalances(ctx context.Context, userID uint64) ([]model.Balance, error) {
	if _, err := s.allocator.Allocate(ctx, userID); err != nil {
		return nil, err
	}
	return s.sync.Sync(ctx, userID)
}

// RequestWithdrawal 校验币种与网络后执行两阶段提现
func (s *Service) RequestWithdrawal(ctx context.Context, req service.WithdrawRequest) (*service.WithdrawOutcome, error) {
	req.Asset, req.Network = normalize(req.Asset), normalize(req.Network)
	info, err := s.coin(ctx, req.Asset)
	if err != nil {
		return nil, err
	}
	if !info.WithdrawEnabled {
		return nil, &service.ValidationError{Field: "asset", Reason: fmt.Sprintf("withdrawal of %s is suspended", req.Asset)}
	}
	if !info.SupportsNetwork(req.Network) {
		return nil, &service.ValidationError{Field: "network", Reason: fmt.Sprintf("%s is not available on %s", req.Asset, req.Network)}
	}

	if _, err := s.allocator.Allocate(ctx, req.UserID); err != nil {
		return nil, err
	}
	return s.withdraw.Withdraw(ctx, req)
}

func (s *Service) GetWalletHistory(ctx context.Context, userID uint64) ([]service.HistoryEntry, error) {
	return s.history.GetHistory(ctx, userID)
}
