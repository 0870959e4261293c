package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"subaccount-core/internal/event"
	"subaccount-core/internal/exchange"
	"subaccount-core/internal/ledger"
	"subaccount-core/internal/model"
	"subaccount-core/pkg/logger"
	"subaccount-core/pkg/monitor"
	"subaccount-core/pkg/utils/lock"
)

// WithdrawPhase 单次提现尝试的状态机
type WithdrawPhase string

const (
	PhaseStart               WithdrawPhase = "START"
	PhaseBalanceChecked      WithdrawPhase = "BALANCE_CHECKED"
	PhaseInternalTransferred WithdrawPhase = "INTERNAL_TRANSFERRED"
	PhaseExternalSubmitted   WithdrawPhase = "EXTERNAL_SUBMITTED"
	PhaseCompleted           WithdrawPhase = "COMPLETED"
	PhaseTransferFailed      WithdrawPhase = "TRANSFER_FAILED"
	PhaseReversed            WithdrawPhase = "REVERSED"
	PhaseStuck               WithdrawPhase = "STUCK"
)

const (
	OutcomeSubmitted = "submitted"
	OutcomeReversed  = "reversed"
)

// WithdrawRequest 外部提现请求
type WithdrawRequest struct {
	UserID     uint64
	Asset      string
	Amount     decimal.Decimal
	Address    string
	Network    string
	AddressTag string
}

// WithdrawOutcome 返回给调用方的结果
type WithdrawOutcome struct {
	Status     string                  `json:"status"` // submitted | reversed
	Message    string                  `json:"message"`
	Phase      WithdrawPhase           `json:"phase"`
	Withdrawal *model.WithdrawalRecord `json:"withdrawal,omitempty"`
}

// WithdrawOptions 提现编排参数
type WithdrawOptions struct {
	LockTTL         time.Duration
	LockRetry       time.Duration
	TransferRetries int    // 划转无响应时使用同一 token 重试的次数
	RetryBackoff    time.Duration
	AlertTopic      string // STUCK 告警投递的主题
}

// WithdrawService 两阶段提现编排: 子账户 -> 母账户, 母账户 -> 外部地址
type WithdrawService struct {
	store     ledger.Store
	exchange  exchange.Client
	allocator *Allocator
	sync      *BalanceSynchronizer
	locker    lock.DistributedLock
	opts      WithdrawOptions
	now       func() time.Time
	newToken  func() string
}

func NewWithdrawService(store ledger.Store, ex exchange.Client, allocator *Allocator, sync *BalanceSynchronizer,
	locker lock.DistributedLock, opts WithdrawOptions) *WithdrawService {
	if opts.LockTTL == 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.LockRetry == 0 {
		opts.LockRetry = 100 * time.Millisecond
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.AlertTopic == "" {
		opts.AlertTopic = "subaccount_alerts"
	}
	return &WithdrawService{
		store:     store,
		exchange:  ex,
		allocator: allocator,
		sync:      sync,
		locker:    locker,
		opts:      opts,
		now:       time.Now,
		newToken:  newToken,
	}
}

// newToken 32 位无连字符的 uuid, 用作 clientTranId / withdrawOrderId
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithdrawLockKey 用户 + 资产维度的锁, 提现编排与实时增量共用
func WithdrawLockKey(userID uint64, asset string) string {
	return fmt.Sprintf("withdraw:%d:%s", userID, asset)
}

// attempt 一次提现尝试的上下文, 用于日志与告警
type attempt struct {
	req        WithdrawRequest
	sa         *model.SubAccount
	phase      WithdrawPhase
	forward    *model.TransferRecord
	withdrawal *model.WithdrawalRecord
}

func (a *attempt) fields() []zap.Field {
	f := []zap.Field{
		zap.Uint64("user_id", a.req.UserID),
		zap.String("asset", a.req.Asset),
		zap.String("amount", a.req.Amount.String()),
		zap.String("phase", string(a.phase)),
	}
	if a.sa != nil {
		f = append(f, zap.String("sub_account_id", a.sa.SubAccountID))
	}
	if a.forward != nil {
		f = append(f, zap.String("client_transfer_id", a.forward.ClientTransferID))
	}
	if a.withdrawal != nil {
		f = append(f, zap.Uint64("withdrawal_id", a.withdrawal.ID), zap.String("client_order_id", a.withdrawal.ClientOrderID))
	}
	return f
}

func validateWithdraw(req *WithdrawRequest) error {
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	req.Network = strings.ToUpper(strings.TrimSpace(req.Network))
	req.Address = strings.TrimSpace(req.Address)
	if req.Asset == "" {
		return invalid("asset", "is required")
	}
	if !req.Amount.IsPositive() {
		return invalid("amount", "must be greater than 0")
	}
	if req.Address == "" {
		return invalid("address", "is required")
	}
	return nil
}

// Withdraw 执行提现
// 1. 同步余额并校验 available >= amount
// 2. 子账户 -> 母账户 内部划转, 成功后在同一事务中扣减本地余额并写入 PENDING 提现意向
// 3. 母账户 -> 外部地址; 失败时反向划转补偿, 补偿失败标记 STUCK
func (s *WithdrawService) Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawOutcome, error) {
	if err := validateWithdraw(&req); err != nil {
		return nil, err
	}

	key := WithdrawLockKey(req.UserID, req.Asset)
	token, err := lock.Obtain(ctx, s.locker, key, s.opts.LockTTL, s.opts.LockRetry)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("%w: %w", ErrWithdrawalBusy, err)
		}
		return nil, err
	}
	defer s.unlock(key, token)

	at := &attempt{req: req, phase: PhaseStart}

	// 1. START -> BALANCE_CHECKED
	sa, err := s.allocator.Current(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	at.sa = sa
	balances, err := s.sync.Sync(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	available := decimal.Zero
	for _, b := range balances {
		if b.Asset == req.Asset {
			available = b.Available
		}
	}
	if available.LessThan(req.Amount) {
		logger.Info("余额不足", append(at.fields(), zap.String("available", available.String()))...)
		return nil, ErrInsufficientBalance
	}
	at.phase = PhaseBalanceChecked

	// 划转提交后不再响应调用方取消
	ctx = context.WithoutCancel(ctx)

	// 2. BALANCE_CHECKED -> INTERNAL_TRANSFERRED
	if err := s.transferToMaster(ctx, at); err != nil {
		return nil, err
	}

	// 3. INTERNAL_TRANSFERRED -> EXTERNAL_SUBMITTED
	return s.submitExternal(ctx, at)
}

// transferToMaster 写入 PENDING 划转意向, 提交划转, 成功后提交本地账本
func (s *WithdrawService) transferToMaster(ctx context.Context, at *attempt) error {
	tr := &model.TransferRecord{
		ClientTransferID: s.newToken(),
		UserID:           at.req.UserID,
		FromID:           at.sa.SubAccountID,
		Direction:        model.DirectionSubToMaster,
		Asset:            at.req.Asset,
		Quantity:         at.req.Amount,
		Status:           model.TransferPending,
	}
	if err := s.store.CreateTransfer(ctx, tr); err != nil {
		return err
	}
	at.forward = tr

	res, err := s.transfer(ctx, exchange.TransferRequest{
		Asset:            at.req.Asset,
		Amount:           at.req.Amount,
		FromID:           at.sa.SubAccountID,
		ClientTransferID: tr.ClientTransferID,
	})
	if err != nil {
		status := model.TransferFailed
		if exchange.IsNoResponse(err) {
			// 交易所可能已执行, 交由对账任务按 token 查询
			status = model.TransferUnknown
		}
		s.finalizeQuietly(ctx, tr.ClientTransferID, status, "")
		at.phase = PhaseTransferFailed
		monitor.Business.WithdrawalOutcomes.WithLabelValues(at.req.Asset, string(at.phase)).Inc()
		logger.Warn("内部划转失败", append(at.fields(), zap.String("transfer_status", status), zap.Error(err))...)
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	w := &model.WithdrawalRecord{
		ClientOrderID: s.newToken(),
		UserID:        at.req.UserID,
		SubAccountID:  at.sa.SubAccountID,
		Coin:          at.req.Asset,
		Network:       at.req.Network,
		Address:       at.req.Address,
		AddressTag:    at.req.AddressTag,
		Amount:        at.req.Amount,
		State:         model.WithdrawalPending,
		OrderType:     model.OrderTypeWithdraw,
	}
	err = s.store.Tx(ctx, func(tx ledger.Store) error {
		if _, err := tx.AdjustBalance(ctx, at.req.UserID, at.sa.SubAccountID, at.req.Asset, at.req.Amount.Neg()); err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if err := tx.CreateWithdrawal(ctx, w); err != nil {
			return err
		}
		return tx.FinalizeTransfer(ctx, tr.ClientTransferID, model.TransferSuccess, res.TxnID, w.ID)
	})
	if err != nil {
		// 资金已在母账户但账本未提交, 不能进入第三阶段, 直接划回
		logger.Error("划转成功但账本提交失败, 尝试划回", append(at.fields(), zap.Error(err))...)
		s.finalizeQuietly(ctx, tr.ClientTransferID, model.TransferSuccess, res.TxnID)
		return s.rollbackUncommitted(ctx, at, w, err)
	}

	at.withdrawal = w
	at.phase = PhaseInternalTransferred
	logger.Info("内部划转完成", at.fields()...)
	return nil
}

// rollbackUncommitted 账本未记录扣款时的反向划转, 本地余额无需恢复
// 划回失败时重新写入 STUCK 提现记录与告警, 原提现意向已随事务回滚
func (s *WithdrawService) rollbackUncommitted(ctx context.Context, at *attempt, intent *model.WithdrawalRecord, cause error) error {
	rev, err := s.reverse(ctx, at, 0)
	if err != nil {
		stuck := *intent
		stuck.ID = 0
		stuck.CreatedAt = time.Time{}
		stuck.UpdatedAt = time.Time{}
		at.withdrawal = &stuck
		reverseID := ""
		if rev != nil {
			reverseID = rev.ClientTransferID
		}
		return s.markStuck(ctx, at, fmt.Errorf("ledger commit (local balance not debited): %w", cause), err, reverseID)
	}
	s.finalizeQuietly(ctx, rev.ClientTransferID, model.TransferSuccess, rev.TxnID)
	at.phase = PhaseTransferFailed
	monitor.Business.WithdrawalOutcomes.WithLabelValues(at.req.Asset, string(at.phase)).Inc()
	return fmt.Errorf("%w: %w", ErrTransferFailed, cause)
}

// submitExternal 母账户外部提现; 无响应时按 withdrawOrderId 反查后再决定是否补偿
func (s *WithdrawService) submitExternal(ctx context.Context, at *attempt) (*WithdrawOutcome, error) {
	w := at.withdrawal
	res, err := s.exchange.ExternalWithdraw(ctx, exchange.WithdrawRequest{
		Coin:            w.Coin,
		Network:         w.Network,
		Address:         w.Address,
		AddressTag:      w.AddressTag,
		Amount:          w.Amount,
		WithdrawOrderID: w.ClientOrderID,
	})
	if err != nil && exchange.IsNoResponse(err) {
		found, lerr := s.exchange.GetWithdrawal(ctx, w.ClientOrderID)
		switch {
		case lerr == nil && found.Terminated():
			logger.Warn("提现无响应, 反查确认已终止", append(at.fields(), zap.Int("exchange_status", found.Status))...)
			err = fmt.Errorf("withdrawal %s terminated with status %d: %w", w.ClientOrderID, found.Status, err)
		case lerr == nil:
			logger.Warn("提现无响应, 反查确认已受理", at.fields()...)
			res, err = found, nil
		case errors.Is(lerr, exchange.ErrNotFound):
			logger.Warn("提现无响应, 反查确认未受理", append(at.fields(), zap.Error(err))...)
		default:
			// 无法判断交易所是否已受理, 补偿可能导致重复出金
			return nil, s.markStuck(ctx, at, err, fmt.Errorf("withdrawal status unknown: %w", lerr), "")
		}
	}
	if err != nil {
		return s.compensate(ctx, at, err)
	}

	at.phase = PhaseExternalSubmitted
	applyWithdrawResult(w, res)
	w.State = model.WithdrawalSubmitted
	if res.Completed() {
		w.State = model.WithdrawalCompleted
	}
	if perr := s.store.Tx(ctx, func(tx ledger.Store) error {
		if err := tx.SaveWithdrawal(ctx, w); err != nil {
			return err
		}
		return s.emit(ctx, tx, w)
	}); perr != nil {
		// 交易所已受理, 结果以交易所为准, 对账任务按 withdrawOrderId 补写
		logger.Error("提现已受理但保存失败", append(at.fields(), zap.Error(perr))...)
	}

	at.phase = PhaseCompleted
	monitor.Business.WithdrawalOutcomes.WithLabelValues(at.req.Asset, string(at.phase)).Inc()
	monitor.Business.WithdrawAmountTotal.WithLabelValues(at.req.Asset).Add(w.Amount.InexactFloat64())
	logger.Info("提现已提交", at.fields()...)

	return &WithdrawOutcome{
		Status:     OutcomeSubmitted,
		Message:    "Withdrawal submitted",
		Phase:      at.phase,
		Withdrawal: w,
	}, nil
}

// compensate 外部提现失败: 母账户 -> 子账户 反向划转
func (s *WithdrawService) compensate(ctx context.Context, at *attempt, cause error) (*WithdrawOutcome, error) {
	w := at.withdrawal
	logger.Warn("外部提现失败, 开始补偿", append(at.fields(), zap.Error(cause))...)

	rev, err := s.reverse(ctx, at, w.ID)
	if err != nil {
		reverseID := ""
		if rev != nil {
			reverseID = rev.ClientTransferID
		}
		return nil, s.markStuck(ctx, at, cause, err, reverseID)
	}

	w.State = model.WithdrawalReversed
	w.Info = cause.Error()
	err = s.store.Tx(ctx, func(tx ledger.Store) error {
		if err := tx.FinalizeTransfer(ctx, rev.ClientTransferID, model.TransferSuccess, rev.TxnID, w.ID); err != nil {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, at.req.UserID, at.sa.SubAccountID, at.req.Asset, at.req.Amount); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		if err := tx.SaveWithdrawal(ctx, w); err != nil {
			return err
		}
		return s.emit(ctx, tx, w)
	})
	if err != nil {
		// 资金已回到子账户, 下一次余额同步会覆盖本地余额
		logger.Error("补偿成功但账本提交失败", append(at.fields(), zap.Error(err))...)
	}

	at.phase = PhaseReversed
	monitor.Business.WithdrawalOutcomes.WithLabelValues(at.req.Asset, string(at.phase)).Inc()
	logger.Info("提现失败, 资金已退回子账户", at.fields()...)
	return &WithdrawOutcome{
		Status:     OutcomeReversed,
		Message:    "Withdrawal failed, funds returned to sub-account",
		Phase:      at.phase,
		Withdrawal: w,
	}, nil
}

// reverse 写入 PENDING 反向划转并提交, 返回的 TransferRecord 已带 txnId
func (s *WithdrawService) reverse(ctx context.Context, at *attempt, withdrawalID uint64) (*model.TransferRecord, error) {
	rev := &model.TransferRecord{
		ClientTransferID: s.newToken(),
		WithdrawalID:     withdrawalID,
		UserID:           at.req.UserID,
		ToID:             at.sa.SubAccountID,
		Direction:        model.DirectionMasterToSub,
		Asset:            at.req.Asset,
		Quantity:         at.req.Amount,
		Status:           model.TransferPending,
	}
	if err := s.store.CreateTransfer(ctx, rev); err != nil {
		return nil, err
	}
	res, err := s.transfer(ctx, exchange.TransferRequest{
		Asset:            at.req.Asset,
		Amount:           at.req.Amount,
		ToID:             at.sa.SubAccountID,
		ClientTransferID: rev.ClientTransferID,
	})
	if err != nil {
		status := model.TransferFailed
		if exchange.IsNoResponse(err) {
			status = model.TransferUnknown
		}
		s.finalizeQuietly(ctx, rev.ClientTransferID, status, "")
		return rev, err
	}
	rev.TxnID = res.TxnID
	return rev, nil
}

// markStuck 提现失败且无法补偿: 写入 STUCK, 告警进入 outbox, 两者同一事务
// 记录尚未落库 (ID 为 0) 时新建
func (s *WithdrawService) markStuck(ctx context.Context, at *attempt, withdrawErr, reverseErr error, reverseID string) error {
	w := at.withdrawal
	at.phase = PhaseStuck
	w.State = model.WithdrawalStuck
	w.Info = fmt.Sprintf("withdraw: %v; reverse: %v", withdrawErr, reverseErr)

	alert := event.WithdrawalStuckAlert{
		Kind:              event.AlertWithdrawalStuck,
		ClientOrderID:     w.ClientOrderID,
		UserID:            at.req.UserID,
		SubAccountID:      at.sa.SubAccountID,
		Asset:             at.req.Asset,
		Amount:            at.req.Amount.String(),
		ReverseTransferID: reverseID,
		WithdrawError:     errString(withdrawErr),
		ReverseError:      errString(reverseErr),
		OccurredAt:        s.now().UTC(),
	}
	if at.forward != nil {
		alert.ForwardTransferID = at.forward.ClientTransferID
	}
	created := w.ID == 0
	err := s.store.Tx(ctx, func(tx ledger.Store) error {
		save := tx.SaveWithdrawal
		if created {
			save = tx.CreateWithdrawal
		}
		if err := save(ctx, w); err != nil {
			return err
		}
		alert.WithdrawalID = w.ID
		msg, err := model.NewOutboxMessage(s.opts.AlertTopic, fmt.Sprint(at.req.UserID), alert)
		if err != nil {
			return err
		}
		return tx.CreateOutbox(ctx, msg)
	})

	monitor.Business.WithdrawalStuckTotal.Inc()
	monitor.Business.WithdrawalOutcomes.WithLabelValues(at.req.Asset, string(at.phase)).Inc()
	fields := append(at.fields(),
		zap.String("reverse_transfer_id", reverseID),
		zap.NamedError("withdraw_error", withdrawErr),
		zap.NamedError("reverse_error", reverseErr))
	if err != nil {
		fields = append(fields, zap.NamedError("persist_error", err))
		// 提现记录写入失败时单独投递告警
		if created {
			w.ID, alert.WithdrawalID = 0, 0
		}
		msg, merr := model.NewOutboxMessage(s.opts.AlertTopic, fmt.Sprint(at.req.UserID), alert)
		if merr == nil {
			merr = s.store.CreateOutbox(ctx, msg)
		}
		if merr != nil {
			fields = append(fields, zap.NamedError("alert_error", merr))
		}
	}
	logger.Error("提现卡住, 资金滞留母账户, 需要人工介入", fields...)

	return fmt.Errorf("%w: withdrawal %d", ErrWithdrawalStuck, w.ID)
}

// transfer 提交内部划转; 无响应时使用同一 token 重试
func (s *WithdrawService) transfer(ctx context.Context, req exchange.TransferRequest) (*exchange.TransferResult, error) {
	var lastErr error
	for i := 0; i <= s.opts.TransferRetries; i++ {
		if i > 0 {
			time.Sleep(s.opts.RetryBackoff)
		}
		res, err := s.exchange.InternalTransfer(ctx, req)
		if err == nil {
			if res.Status != "" && res.Status != model.TransferSuccess {
				return nil, fmt.Errorf("transfer %s status %s", req.ClientTransferID, res.Status)
			}
			return res, nil
		}
		if !exchange.IsNoResponse(err) {
			return nil, err
		}
		lastErr = err
		logger.Warn("内部划转无响应, 使用同一 token 重试", zap.String("client_transfer_id", req.ClientTransferID), zap.Int("attempt", i+1))
	}
	return nil, lastErr
}

func (s *WithdrawService) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.locker.Release(ctx, key, token); err != nil {
		logger.Warn("释放锁失败", zap.String("key", key), zap.Error(err))
	}
}

func (s *WithdrawService) finalizeQuietly(ctx context.Context, clientTransferID, status, txnID string) {
	if err := s.store.FinalizeTransfer(ctx, clientTransferID, status, txnID, 0); err != nil {
		logger.Error("更新划转状态失败", zap.String("client_transfer_id", clientTransferID), zap.String("status", status), zap.Error(err))
	}
}

// emit 写入提现状态变化事件
func (s *WithdrawService) emit(ctx context.Context, tx ledger.Store, w *model.WithdrawalRecord) error {
	msg, err := model.NewOutboxMessage(event.TopicWithdrawal, fmt.Sprint(w.UserID), withdrawalEvent(w, s.now()))
	if err != nil {
		return err
	}
	return tx.CreateOutbox(ctx, msg)
}

func withdrawalEvent(w *model.WithdrawalRecord, at time.Time) event.WithdrawalEvent {
	return event.WithdrawalEvent{
		WithdrawalID:  w.ID,
		ClientOrderID: w.ClientOrderID,
		UserID:        w.UserID,
		SubAccountID:  w.SubAccountID,
		Coin:          w.Coin,
		Network:       w.Network,
		Address:       w.Address,
		Amount:        w.Amount.String(),
		State:         string(w.State),
		OccurredAt:    at.UTC(),
	}
}

// applyWithdrawResult 用交易所返回的字段更新提现记录
func applyWithdrawResult(w *model.WithdrawalRecord, res *exchange.WithdrawResult) {
	if res.OrderID != "" {
		id := res.OrderID
		w.OrderID = &id
	}
	if res.TxID != "" {
		tx := res.TxID
		w.TxID = &tx
	}
	if !res.Fee.IsZero() {
		w.Fee = res.Fee
	}
	if res.Network != "" {
		w.Network = res.Network
	}
	w.ExchangeStatus = res.Status
	w.Confirmations = res.ConfirmNo
	w.TransferType = res.TransferType
	if res.Info != "" {
		w.Info = res.Info
	}
	if !res.ApplyTime.IsZero() {
		applied := res.ApplyTime.UTC()
		w.AppliedAt = &applied
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ResolveStuck 人工处理完毕后把 STUCK 提现标记为 RESOLVED
func (s *WithdrawService) ResolveStuck(ctx context.Context, withdrawalID uint64, note string) (*model.WithdrawalRecord, error) {
	var out *model.WithdrawalRecord
	err := s.store.Tx(ctx, func(tx ledger.Store) error {
		w, err := tx.GetWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.State != model.WithdrawalStuck {
			return invalid("withdrawal", "state is %s, only STUCK can be resolved", w.State)
		}
		w.State = model.WithdrawalResolved
		if note != "" {
			w.Info = strings.TrimSpace(w.Info + "; resolved: " + note)
		}
		if err := tx.SaveWithdrawal(ctx, w); err != nil {
			return err
		}
		out = w
		return s.emit(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("STUCK 提现已人工处理", zap.Uint64("withdrawal_id", withdrawalID), zap.String("note", note))
	return out, nil
}

// ListStuck 人工介入队列
func (s *WithdrawService) ListStuck(ctx context.Context, limit int) ([]model.WithdrawalRecord, error) {
	return s.store.ListWithdrawalsByState(ctx, model.WithdrawalStuck, limit)
}
