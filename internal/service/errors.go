package service

import (
	"errors"
	"fmt"
)

var (
	// ErrExchangeUnavailable 交易所无响应或拒绝服务, 可稍后重试
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrTransferFailed 子账户 -> 母账户划转失败, 资金未移动
	ErrTransferFailed = errors.New("internal transfer failed")
	// ErrWithdrawalStuck 外部提现失败且回滚划转失败, 资金滞留在母账户, 需人工介入
	ErrWithdrawalStuck = errors.New("withdrawal stuck")
	ErrValidation      = errors.New("validation failed")
	// ErrBalanceSyncFailed 无法获取交易所余额快照, 依赖余额的操作必须中止
	ErrBalanceSyncFailed = errors.New("balance sync failed")
	ErrNoSubAccount      = errors.New("user has no active sub account")
	// ErrWithdrawalBusy 同一用户同一资产的提现正在进行
	ErrWithdrawalBusy = errors.New("withdrawal in progress")
)

// ValidationError 携带可直接展示给用户的提示
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
