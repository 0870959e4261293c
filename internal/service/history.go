package service

import (
	"container/heap"
	"context"
	"time"

	"github.com/shopspring/decimal"

	"subaccount-core/internal/ledger"
	"subaccount-core/internal/model"
)

// HistoryEntry 充值/提现合并后的统一视图
type HistoryEntry struct {
	Coin      string          `json:"coin"`
	Amount    decimal.Decimal `json:"amount"`
	Type      string          `json:"type"` // DEPOSIT | WITHDRAW
	Timestamp time.Time       `json:"timestamp"`
	Status    string          `json:"status"`
	Network   string          `json:"network,omitempty"`
	TxID      string          `json:"tx_id,omitempty"`
}

// HistoryReconciler 只读投影, 不修改任何状态
type HistoryReconciler struct {
	store ledger.Store
}

func NewHistoryReconciler(store ledger.Store) *HistoryReconciler {
	return &HistoryReconciler{store: store}
}

// GetHistory 覆盖用户绑定过的所有子账户, 每个子账户只取绑定有效期内的记录, 按时间倒序
func (r *HistoryReconciler) GetHistory(ctx context.Context, userID uint64) ([]HistoryEntry, error) {
	bindings, err := r.store.ListBindings(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 充值列表排在前面, 时间相同时充值先于提现
	var deposits, withdrawals [][]HistoryEntry
	for _, b := range bindings {
		window := ledger.Window{From: b.StartDate, To: b.EndDate}

		ds, err := r.store.ListDeposits(ctx, b.SubAccountID, window)
		if err != nil {
			return nil, err
		}
		ws, err := r.store.ListWithdrawals(ctx, b.SubAccountID, window)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, depositEntries(ds))
		withdrawals = append(withdrawals, withdrawalEntries(ws))
	}
	return MergeHistory(append(deposits, withdrawals...)...), nil
}

func depositEntries(ds []model.DepositRecord) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(ds))
	for _, d := range ds {
		out = append(out, HistoryEntry{
			Coin:      d.Coin,
			Amount:    d.Amount,
			Type:      model.OrderTypeDeposit,
			Timestamp: d.DepositedAt,
			Status:    DepositStatus(d.Status),
			Network:   d.Network,
			TxID:      d.TxID,
		})
	}
	return out
}

func withdrawalEntries(ws []model.WithdrawalRecord) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(ws))
	for _, w := range ws {
		e := HistoryEntry{
			Coin:      w.Coin,
			Amount:    w.Amount,
			Type:      model.OrderTypeWithdraw,
			Timestamp: w.Timestamp(),
			Status:    string(w.State),
			Network:   w.Network,
		}
		if w.TxID != nil {
			e.TxID = *w.TxID
		}
		out = append(out, e)
	}
	return out
}

// DepositStatus 交易所充值状态码
func DepositStatus(code int) string {
	switch code {
	case 0:
		return "PENDING"
	case 1:
		return "SUCCESS"
	case 6:
		return "CREDITED"
	case 7:
		return "WRONG_DEPOSIT"
	case 8:
		return "WAITING_USER_CONFIRM"
	default:
		return "UNKNOWN"
	}
}

// MergeHistory 稳定的 k 路归并, 每个输入已按时间倒序
// 时间相同时按输入顺序, 同一输入内保持原有顺序
func MergeHistory(lists ...[]HistoryEntry) []HistoryEntry {
	total := 0
	h := make(cursorHeap, 0, len(lists))
	for i, l := range lists {
		total += len(l)
		if len(l) > 0 {
			h = append(h, cursor{list: l, source: i})
		}
	}
	heap.Init(&h)

	out := make([]HistoryEntry, 0, total)
	for h.Len() > 0 {
		c := &h[0]
		out = append(out, c.list[c.pos])
		c.pos++
		if c.pos == len(c.list) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return out
}

type cursor struct {
	list   []HistoryEntry
	pos    int
	source int
}

type cursorHeap []cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	a, b := h[i].list[h[i].pos].Timestamp, h[j].list[h[j].pos].Timestamp
	if !a.Equal(b) {
		return a.After(b)
	}
	return h[i].source < h[j].source
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x interface{}) { *h = append(*h, x.(cursor)) }

func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
