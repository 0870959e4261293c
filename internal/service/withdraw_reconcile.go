package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"subaccount-core/internal/event"
	"subaccount-core/internal/exchange"
	"subaccount-core/internal/ledger"
	"subaccount-core/internal/model"
	"subaccount-core/pkg/logger"
)

// PENDING 提现超过该时长仍未更新, 才由对账任务接管
const pendingGrace = time.Minute

// attemptFor 从已落库的提现记录重建尝试上下文
func attemptFor(w *model.WithdrawalRecord) *attempt {
	return &attempt{
		req: WithdrawRequest{
			UserID:     w.UserID,
			Asset:      w.Coin,
			Amount:     w.Amount,
			Address:    w.Address,
			Network:    w.Network,
			AddressTag: w.AddressTag,
		},
		sa:         &model.SubAccount{SubAccountID: w.SubAccountID},
		phase:      PhaseExternalSubmitted,
		withdrawal: w,
	}
}

// tryLock 非阻塞获取 user+asset 锁, 被占用时返回 ok=false
func (s *WithdrawService) tryLock(ctx context.Context, userID uint64, asset string) (func(), bool, error) {
	key := WithdrawLockKey(userID, asset)
	token, ok, err := s.locker.Acquire(ctx, key, s.opts.LockTTL)
	if err != nil || !ok {
		return nil, false, err
	}
	return func() { s.unlock(key, token) }, true, nil
}

// Refresh 按 withdrawOrderId 查询交易所并更新 PENDING / SUBMITTED 提现
// 交易所终止的提现 (取消/拒绝/失败) 走补偿流程
func (s *WithdrawService) Refresh(ctx context.Context, w *model.WithdrawalRecord) error {
	if w.State == model.WithdrawalPending && s.now().Sub(w.CreatedAt) < pendingGrace {
		return nil
	}
	unlock, ok, err := s.tryLock(ctx, w.UserID, w.Coin)
	if err != nil || !ok {
		return err
	}
	defer unlock()

	// 加锁后重新读取, 编排流程可能刚刚更新过
	cur, err := s.store.GetWithdrawal(ctx, w.ID)
	if err != nil {
		return err
	}
	if cur.State != model.WithdrawalPending && cur.State != model.WithdrawalSubmitted {
		return nil
	}

	res, err := s.exchange.GetWithdrawal(ctx, cur.ClientOrderID)
	if errors.Is(err, exchange.ErrNotFound) {
		if cur.State != model.WithdrawalPending {
			logger.Warn("SUBMITTED 提现在交易所查询不到", zap.Uint64("withdrawal_id", cur.ID), zap.String("client_order_id", cur.ClientOrderID))
			return nil
		}
		// 第二阶段已提交但外部提现从未被受理 (进程退出或请求未送达), 持有锁时不存在进行中的尝试, 划回子账户
		logger.Warn("PENDING 提现在交易所不存在, 开始补偿", zap.Uint64("withdrawal_id", cur.ID), zap.String("client_order_id", cur.ClientOrderID))
		_, err := s.compensate(context.WithoutCancel(ctx), attemptFor(cur), fmt.Errorf("withdrawal %s never accepted by exchange", cur.ClientOrderID))
		return err
	}
	if err != nil {
		return err
	}

	if res.Terminated() {
		at := attemptFor(cur)
		_, err := s.compensate(context.WithoutCancel(ctx), at, fmt.Errorf("exchange terminated withdrawal with status %d", res.Status))
		return err
	}

	prev := cur.State
	applyWithdrawResult(cur, res)
	cur.State = model.WithdrawalSubmitted
	if res.Completed() {
		cur.State = model.WithdrawalCompleted
	}
	return s.store.Tx(ctx, func(tx ledger.Store) error {
		if err := tx.SaveWithdrawal(ctx, cur); err != nil {
			return err
		}
		if cur.State == prev {
			return nil
		}
		logger.Info("提现状态更新", zap.Uint64("withdrawal_id", cur.ID), zap.String("from", string(prev)), zap.String("to", string(cur.State)))
		return s.emit(ctx, tx, cur)
	})
}

// ResolveTransfer 按 clientTranId 查询 UNKNOWN 划转的真实结果
func (s *WithdrawService) ResolveTransfer(ctx context.Context, tr *model.TransferRecord) error {
	unlock, ok, err := s.tryLock(ctx, tr.UserID, tr.Asset)
	if err != nil || !ok {
		return err
	}
	defer unlock()

	res, err := s.exchange.GetTransfer(ctx, tr.ClientTransferID)
	if errors.Is(err, exchange.ErrNotFound) {
		logger.Info("UNKNOWN 划转在交易所不存在, 标记失败", zap.String("client_transfer_id", tr.ClientTransferID))
		return s.store.FinalizeTransfer(ctx, tr.ClientTransferID, model.TransferFailed, "", 0)
	}
	if err != nil {
		return err
	}
	if res.Status != model.TransferSuccess {
		return s.store.FinalizeTransfer(ctx, tr.ClientTransferID, model.TransferFailed, res.TxnID, 0)
	}

	ctx = context.WithoutCancel(ctx)
	switch {
	case tr.Direction == model.DirectionSubToMaster && tr.WithdrawalID == 0:
		// 第二阶段无响应但实际已成交: 本地未扣款, 把资金划回子账户
		return s.refundOrphan(ctx, tr, res.TxnID)
	case tr.Direction == model.DirectionMasterToSub && tr.WithdrawalID != 0:
		// 补偿划转实际已成交: STUCK 提现可自动转为 REVERSED
		return s.settleReversal(ctx, tr, res.TxnID)
	default:
		return s.store.FinalizeTransfer(ctx, tr.ClientTransferID, model.TransferSuccess, res.TxnID, 0)
	}
}

func (s *WithdrawService) refundOrphan(ctx context.Context, tr *model.TransferRecord, txnID string) error {
	if err := s.store.FinalizeTransfer(ctx, tr.ClientTransferID, model.TransferSuccess, txnID, 0); err != nil {
		return err
	}
	at := &attempt{
		req:     WithdrawRequest{UserID: tr.UserID, Asset: tr.Asset, Amount: tr.Quantity},
		sa:      &model.SubAccount{SubAccountID: tr.FromID},
		phase:   PhaseTransferFailed,
		forward: tr,
	}
	rev, err := s.reverse(ctx, at, 0)
	if err == nil {
		s.finalizeQuietly(ctx, rev.ClientTransferID, model.TransferSuccess, rev.TxnID)
		logger.Info("已退回滞留的划转", at.fields()...)
		return nil
	}

	alert := event.WithdrawalStuckAlert{
		Kind:              event.AlertTransferOrphaned,
		UserID:            tr.UserID,
		SubAccountID:      tr.FromID,
		Asset:             tr.Asset,
		Amount:            tr.Quantity.String(),
		ForwardTransferID: tr.ClientTransferID,
		ReverseError:      err.Error(),
		OccurredAt:        s.now().UTC(),
	}
	if rev != nil {
		alert.ReverseTransferID = rev.ClientTransferID
	}
	msg, merr := model.NewOutboxMessage(s.opts.AlertTopic, fmt.Sprint(tr.UserID), alert)
	if merr == nil {
		merr = s.store.CreateOutbox(ctx, msg)
	}
	logger.Error("划转资金滞留母账户且退回失败, 需要人工介入", append(at.fields(), zap.Error(err), zap.NamedError("persist_error", merr))...)
	return fmt.Errorf("%w: %w", ErrWithdrawalStuck, err)
}

func (s *WithdrawService) settleReversal(ctx context.Context, tr *model.TransferRecord, txnID string) error {
	return s.store.Tx(ctx, func(tx ledger.Store) error {
		if err := tx.FinalizeTransfer(ctx, tr.ClientTransferID, model.TransferSuccess, txnID, 0); err != nil {
			return err
		}
		w, err := tx.GetWithdrawal(ctx, tr.WithdrawalID)
		if err != nil {
			return err
		}
		if w.State != model.WithdrawalStuck {
			return nil
		}
		if _, err := tx.AdjustBalance(ctx, w.UserID, w.SubAccountID, w.Coin, w.Amount); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		w.State = model.WithdrawalReversed
		w.Info = strings.TrimSpace(w.Info + "; reverse transfer confirmed by reconciliation")
		if err := tx.SaveWithdrawal(ctx, w); err != nil {
			return err
		}
		logger.Info("STUCK 提现的补偿划转已确认, 标记 REVERSED", zap.Uint64("withdrawal_id", w.ID))
		return s.emit(ctx, tx, w)
	})
}
