// Package event 定义通过 outbox 投递到 MQ 的事件
package event

import "time"

const (
	TopicWithdrawal = "subaccount_events_withdrawal"
	TopicDeposit    = "subaccount_events_deposit"
)

const (
	AlertWithdrawalStuck  = "withdrawal_stuck"
	AlertTransferOrphaned = "transfer_orphaned" // 划转已成交但无法退回子账户
)

// WithdrawalEvent 提现状态变化事件
// Topic: subaccount_events_withdrawal
type WithdrawalEvent struct {
	WithdrawalID  uint64    `json:"withdrawal_id"`
	ClientOrderID string    `json:"client_order_id"`
	UserID        uint64    `json:"user_id"`
	SubAccountID  string    `json:"sub_account_id"`
	Coin          string    `json:"coin"`
	Network       string    `json:"network"`
	Address       string    `json:"address"`
	Amount        string    `json:"amount"` // Decimal string
	State         string    `json:"state"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// WithdrawalStuckAlert 人工介入队列
// Topic: withdrawal.alert_topic (默认 subaccount_alerts)
type WithdrawalStuckAlert struct {
	Kind              string    `json:"kind"` // withdrawal_stuck | transfer_orphaned
	WithdrawalID      uint64    `json:"withdrawal_id"`
	ClientOrderID     string    `json:"client_order_id"`
	UserID            uint64    `json:"user_id"`
	SubAccountID      string    `json:"sub_account_id"`
	Asset             string    `json:"asset"`
	Amount            string    `json:"amount"`
	ForwardTransferID string    `json:"forward_transfer_id"`
	ReverseTransferID string    `json:"reverse_transfer_id"`
	WithdrawError     string    `json:"withdraw_error"`
	ReverseError      string    `json:"reverse_error"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// DepositImportedEvent 导入新充值记录
// Topic: subaccount_events_deposit
type DepositImportedEvent struct {
	SubAccountID string    `json:"sub_account_id"`
	Coin         string    `json:"coin"`
	Network      string    `json:"network"`
	Amount       string    `json:"amount"`
	TxID         string    `json:"tx_id"`
	Status       int       `json:"status"`
	DepositedAt  time.Time `json:"deposited_at"`
}
