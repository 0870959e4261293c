package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrBalanceInvariant 余额变更后违反 0 <= available <= total, locked >= 0
var ErrBalanceInvariant = errors.New("balance invariant violated")

// SubAccount 交易所子账户
// 从不物理删除: 回收时置为 inactive, 重新分配时轮换 API 凭证
type SubAccount struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SubAccountID    string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"sub_account_id"` // 交易所侧 ID
	Email           string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"email"`
	APIKey          string    `gorm:"type:text;not null;default:''" json:"-"` // AES-GCM 密文
	APISecret       string    `gorm:"type:text;not null;default:''" json:"-"` // AES-GCM 密文
	CanTrade        bool      `gorm:"not null;default:false" json:"can_trade"`
	MarginTrade     bool      `gorm:"not null;default:false" json:"margin_trade"`
	FuturesTrade    bool      `gorm:"not null;default:false" json:"futures_trade"`
	IsActive        bool      `gorm:"not null;default:false;index" json:"is_active"`
	IsStreamRunning bool      `gorm:"not null;default:false" json:"is_stream_running"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// UserSubAccount 用户与子账户的绑定关系 (带有效期)
// 同一用户最多只有一条 end_date 为空的 "当前" 绑定
type UserSubAccount struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        uint64     `gorm:"not null;index;uniqueIndex:idx_user_current_binding,where:end_date IS NULL" json:"user_id"`
	SubAccountRef uint64     `gorm:"not null;index" json:"sub_account_ref"`
	SubAccountID  string     `gorm:"type:varchar(64);not null;index" json:"sub_account_id"`
	StartDate     time.Time  `gorm:"not null" json:"start_date"`
	EndDate       *time.Time `json:"end_date"`
}

// Current 是否为当前有效绑定
func (b UserSubAccount) Current() bool {
	return b.EndDate == nil
}

// Covers 判断时间点是否落在绑定有效期 [start, end) 内
func (b UserSubAccount) Covers(t time.Time) bool {
	if t.Before(b.StartDate) {
		return false
	}
	return b.EndDate == nil || t.Before(*b.EndDate)
}

// Balance 用户资产余额, (user, asset) 唯一
type Balance struct {
	ID           uint64          `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID       uint64          `gorm:"not null;uniqueIndex:idx_balance_user_asset" json:"user_id"`
	Asset        string          `gorm:"type:varchar(20);not null;uniqueIndex:idx_balance_user_asset" json:"asset"`
	SubAccountID string          `gorm:"type:varchar(64);not null;default:''" json:"sub_account_id"`
	Available    decimal.Decimal `gorm:"type:decimal(50,25);not null;default:0" json:"available"`
	Total        decimal.Decimal `gorm:"type:decimal(50,25);not null;default:0" json:"total"`
	Locked       decimal.Decimal `gorm:"type:decimal(50,25);not null;default:0" json:"locked"`
	Version      uint64          `gorm:"not null;default:0" json:"-"` // 每次变更 +1
	CreatedAt    time.Time       `json:"-"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Validate 校验余额不变量
func (b Balance) Validate() error {
	if b.Available.IsNegative() || b.Locked.IsNegative() || b.Total.LessThan(b.Available) {
		return ErrBalanceInvariant
	}
	return nil
}

// 划转方向
const (
	DirectionSubToMaster = "SUB_TO_MASTER"
	DirectionMasterToSub = "MASTER_TO_SUB"
)

// 划转状态
const (
	TransferPending = "PENDING"
	TransferSuccess = "SUCCESS"
	TransferFailed  = "FAILED"
	TransferUnknown = "UNKNOWN" // 交易所无响应, 等待对账
)

// TransferRecord 子账户 <-> 母账户 内部划转
// 提交前写入 PENDING 意向记录, 交易所响应后更新状态与 txnId
type TransferRecord struct {
	ID               uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientTransferID string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"client_transfer_id"`
	WithdrawalID     uint64          `gorm:"not null;default:0;index" json:"withdrawal_id"`
	UserID           uint64          `gorm:"not null;index" json:"user_id"`
	FromID           string          `gorm:"type:varchar(64);not null;default:''" json:"from_id"`
	ToID             string          `gorm:"type:varchar(64);not null;default:''" json:"to_id"`
	Direction        string          `gorm:"type:varchar(20);not null" json:"direction"`
	Asset            string          `gorm:"type:varchar(20);not null" json:"asset"`
	Quantity         decimal.Decimal `gorm:"type:decimal(50,25);not null" json:"quantity"`
	Status           string          `gorm:"type:varchar(20);not null;index" json:"status"`
	TxnID            string          `gorm:"type:varchar(64);not null;default:''" json:"txn_id"`
	TransferredAt    *time.Time      `json:"transferred_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// WithdrawalState 提现记录的持久化状态
type WithdrawalState string

const (
	WithdrawalPending   WithdrawalState = "PENDING"   // 已写入意向, 尚未得到交易所确认
	WithdrawalSubmitted WithdrawalState = "SUBMITTED" // 交易所已受理
	WithdrawalCompleted WithdrawalState = "COMPLETED" // 链上完成
	WithdrawalReversed  WithdrawalState = "REVERSED"  // 提现失败, 资金已划回子账户
	WithdrawalStuck     WithdrawalState = "STUCK"     // 提现失败且回滚失败, 需人工介入
	WithdrawalResolved  WithdrawalState = "RESOLVED"  // 人工处理完毕
)

const (
	OrderTypeWithdraw = "WITHDRAW"
	OrderTypeDeposit  = "DEPOSIT"
)

// WithdrawalRecord 外部提现 (母账户 -> 外部地址)
type WithdrawalRecord struct {
	ID               uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientOrderID    string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"client_order_id"` // withdrawOrderId
	OrderID          *string         `gorm:"type:varchar(64);uniqueIndex" json:"order_id"`
	TxID             *string         `gorm:"type:varchar(128);uniqueIndex" json:"tx_id"`
	UserID           uint64          `gorm:"not null;index" json:"user_id"`
	SubAccountID     string          `gorm:"type:varchar(64);not null;index" json:"sub_account_id"`
	Coin             string          `gorm:"type:varchar(20);not null" json:"coin"`
	Network          string          `gorm:"type:varchar(20);not null;default:''" json:"network"`
	Address          string          `gorm:"type:varchar(255);not null" json:"address"`
	AddressTag       string          `gorm:"type:varchar(255);not null;default:''" json:"address_tag"`
	Amount           decimal.Decimal `gorm:"type:decimal(50,25);not null" json:"amount"`
	Fee              decimal.Decimal `gorm:"type:decimal(50,25);not null;default:0" json:"fee"`
	State            WithdrawalState `gorm:"type:varchar(20);not null;index" json:"state"`
	ExchangeStatus   int             `gorm:"not null;default:0" json:"exchange_status"`
	Confirmations    int             `gorm:"not null;default:0" json:"confirmations"`
	TransferType     int             `gorm:"not null;default:0" json:"transfer_type"`
	Info             string          `gorm:"type:text;not null;default:''" json:"info"`
	AppliedAt        *time.Time      `json:"applied_at"`
	OrderType        string          `gorm:"type:varchar(20);not null;default:'WITHDRAW'" json:"order_type"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Timestamp 历史记录排序使用的时间: 交易所受理时间优先, 否则使用创建时间
func (w WithdrawalRecord) Timestamp() time.Time {
	if w.AppliedAt != nil {
		return *w.AppliedAt
	}
	return w.CreatedAt
}

// DepositRecord 充值记录 (由交易所充值历史导入)
type DepositRecord struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	SubAccountID  string          `gorm:"type:varchar(64);not null;index" json:"sub_account_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(50,25);not null" json:"amount"`
	Coin          string          `gorm:"type:varchar(20);not null" json:"coin"`
	Network       string          `gorm:"type:varchar(20);not null;default:''" json:"network"`
	Status        int             `gorm:"not null;default:0" json:"status"`
	Address       string          `gorm:"type:varchar(255);not null;default:''" json:"address"`
	AddressTag    string          `gorm:"type:varchar(255);not null;default:''" json:"address_tag"`
	TxID          string          `gorm:"type:varchar(128);not null;uniqueIndex" json:"tx_id"`
	SourceAddress string          `gorm:"type:varchar(255);not null;default:''" json:"source_address"`
	ConfirmTimes  string          `gorm:"type:varchar(20);not null;default:''" json:"confirm_times"`
	DepositedAt   time.Time       `gorm:"not null;index" json:"deposited_at"`
	OrderType     string          `gorm:"type:varchar(20);not null;default:'DEPOSIT'" json:"order_type"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OutboxMessage 本地消息表 (Transactional Outbox)
type OutboxMessage struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Topic     string    `gorm:"type:varchar(255);not null" json:"topic"`
	Key       string    `gorm:"type:varchar(255);not null;default:''" json:"key"`
	Payload   []byte    `gorm:"type:text;not null" json:"payload"`
	Status    string    `gorm:"type:varchar(50);not null;default:'PENDING';index" json:"status"` // PENDING, SENT
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SubAccount) TableName() string       { return "sub_accounts" }
func (UserSubAccount) TableName() string   { return "user_sub_accounts" }
func (Balance) TableName() string          { return "sub_account_balances" }
func (TransferRecord) TableName() string   { return "transfer_histories" }
func (WithdrawalRecord) TableName() string { return "withdraw_histories" }
func (DepositRecord) TableName() string    { return "deposit_histories" }
func (OutboxMessage) TableName() string    { return "outbox_messages" }
