package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"subaccount-core/internal/model"
)

type balanceKey struct {
	userID uint64
	asset  string
}

type memData struct {
	seq         uint64
	subAccounts map[uint64]model.SubAccount
	bindings    map[uint64]model.UserSubAccount
	balances    map[balanceKey]model.Balance
	transfers   map[string]model.TransferRecord
	withdrawals map[uint64]model.WithdrawalRecord
	deposits    map[string]model.DepositRecord
	outbox      map[uint64]model.OutboxMessage
}

func newMemData() *memData {
	return &memData{
		subAccounts: map[uint64]model.SubAccount{},
		bindings:    map[uint64]model.UserSubAccount{},
		balances:    map[balanceKey]model.Balance{},
		transfers:   map[string]model.TransferRecord{},
		withdrawals: map[uint64]model.WithdrawalRecord{},
		deposits:    map[string]model.DepositRecord{},
		outbox:      map[uint64]model.OutboxMessage{},
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	c.seq = d.seq
	for k, v := range d.subAccounts {
		c.subAccounts[k] = v
	}
	for k, v := range d.bindings {
		c.bindings[k] = v
	}
	for k, v := range d.balances {
		c.balances[k] = v
	}
	for k, v := range d.transfers {
		c.transfers[k] = v
	}
	for k, v := range d.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range d.deposits {
		c.deposits[k] = v
	}
	for k, v := range d.outbox {
		c.outbox[k] = v
	}
	return c
}

func (d *memData) nextID() uint64 {
	d.seq++
	return d.seq
}

// MemoryStore 内存实现, 用于单元测试和本地开发
// 事务在副本上执行, 成功后整体替换, 与数据库实现保持相同的原子性语义
type MemoryStore struct {
	mu   *sync.Mutex
	root *MemoryStore
	data *memData
	inTx bool
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{mu: &sync.Mutex{}, data: newMemData(), now: time.Now}
	s.root = s
	return s
}

func (s *MemoryStore) with(fn func(d *memData) error) error {
	if s.inTx {
		return fn(s.data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.root.data)
}

func (s *MemoryStore) Tx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &MemoryStore{mu: s.mu, root: s.root, data: s.root.data.clone(), inTx: true, now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	s.root.data = tx.data
	return nil
}

func (s *MemoryStore) CreateSubAccount(ctx context.Context, sa *model.SubAccount) error {
	return s.with(func(d *memData) error {
		for _, v := range d.subAccounts {
			if v.SubAccountID == sa.SubAccountID || v.Email == sa.Email {
				return ErrDuplicate
			}
		}
		sa.ID = d.nextID()
		sa.CreatedAt = s.now()
		sa.UpdatedAt = sa.CreatedAt
		d.subAccounts[sa.ID] = *sa
		return nil
	})
}

func (s *MemoryStore) GetSubAccount(ctx context.Context, id uint64) (*model.SubAccount, error) {
	var out model.SubAccount
	err := s.with(func(d *memData) error {
		v, ok := d.subAccounts[id]
		if !ok {
			return ErrNotFound
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) ListInactiveSubAccounts(ctx context.Context, limit int) ([]model.SubAccount, error) {
	return s.listSubAccounts(false, limit)
}

func (s *MemoryStore) ListActiveSubAccounts(ctx context.Context) ([]model.SubAccount, error) {
	return s.listSubAccounts(true, 0)
}

func (s *MemoryStore) listSubAccounts(active bool, limit int) ([]model.SubAccount, error) {
	var list []model.SubAccount
	err := s.with(func(d *memData) error {
		for _, v := range d.subAccounts {
			if v.IsActive == active {
				list = append(list, v)
			}
		}
		return nil
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, err
}

func (s *MemoryStore) PoolStats(ctx context.Context) (PoolStats, error) {
	var st PoolStats
	err := s.with(func(d *memData) error {
		for _, v := range d.subAccounts {
			if v.IsActive {
				st.Active++
			} else {
				st.Inactive++
			}
		}
		return nil
	})
	return st, err
}

func (s *MemoryStore) updateSubAccount(id uint64, fn func(sa *model.SubAccount) bool) (bool, error) {
	var changed bool
	err := s.with(func(d *memData) error {
		sa, ok := d.subAccounts[id]
		if !ok {
			return ErrNotFound
		}
		if changed = fn(&sa); changed {
			sa.UpdatedAt = s.now()
			d.subAccounts[id] = sa
		}
		return nil
	})
	return changed, err
}

func (s *MemoryStore) ClaimSubAccount(ctx context.Context, id uint64) (bool, error) {
	claimed, err := s.updateSubAccount(id, func(sa *model.SubAccount) bool {
		if sa.IsActive {
			return false
		}
		sa.IsActive = true
		return true
	})
	if err == ErrNotFound {
		return false, nil
	}
	return claimed, err
}

func (s *MemoryStore) ReleaseSubAccount(ctx context.Context, id uint64) error {
	_, err := s.updateSubAccount(id, func(sa *model.SubAccount) bool {
		sa.IsActive = false
		sa.IsStreamRunning = false
		sa.APIKey = ""
		sa.APISecret = ""
		return true
	})
	return err
}

func (s *MemoryStore) SetCredentials(ctx context.Context, id uint64, creds Credentials) error {
	_, err := s.updateSubAccount(id, func(sa *model.SubAccount) bool {
		sa.APIKey = creds.APIKey
		sa.APISecret = creds.APISecret
		sa.CanTrade = creds.CanTrade
		sa.MarginTrade = creds.MarginTrade
		sa.FuturesTrade = creds.FuturesTrade
		sa.IsActive = true
		return true
	})
	return err
}

func (s *MemoryStore) SetStreamRunning(ctx context.Context, id uint64, running bool) error {
	_, err := s.updateSubAccount(id, func(sa *model.SubAccount) bool {
		sa.IsStreamRunning = running
		return true
	})
	if err == ErrNotFound {
		return nil
	}
	return err
}

func (s *MemoryStore) findBinding(match func(b model.UserSubAccount) bool) (*model.UserSubAccount, error) {
	var out *model.UserSubAccount
	err := s.with(func(d *memData) error {
		for _, b := range d.bindings {
			if match(b) {
				v := b
				out = &v
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s *MemoryStore) CurrentBinding(ctx context.Context, userID uint64) (*model.UserSubAccount, error) {
	return s.findBinding(func(b model.UserSubAccount) bool { return b.UserID == userID && b.Current() })
}

func (s *MemoryStore) CurrentBindingBySubAccount(ctx context.Context, subAccountRef uint64) (*model.UserSubAccount, error) {
	return s.findBinding(func(b model.UserSubAccount) bool { return b.SubAccountRef == subAccountRef && b.Current() })
}

func (s *MemoryStore) ListBindings(ctx context.Context, userID uint64) ([]model.UserSubAccount, error) {
	var list []model.UserSubAccount
	err := s.with(func(d *memData) error {
		for _, b := range d.bindings {
			if b.UserID == userID {
				list = append(list, b)
			}
		}
		return nil
	})
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartDate.Equal(list[j].StartDate) {
			return list[i].ID > list[j].ID
		}
		return list[i].StartDate.After(list[j].StartDate)
	})
	return list, err
}

func (s *MemoryStore) CreateBinding(ctx context.Context, b *model.UserSubAccount) error {
	return s.with(func(d *memData) error {
		if b.Current() {
			for _, v := range d.bindings {
				if v.UserID == b.UserID && v.Current() {
					return ErrBindingExists
				}
			}
		}
		b.ID = d.nextID()
		d.bindings[b.ID] = *b
		return nil
	})
}

func (s *MemoryStore) CloseBinding(ctx context.Context, id uint64, at time.Time) error {
	return s.with(func(d *memData) error {
		b, ok := d.bindings[id]
		if !ok || !b.Current() {
			return nil
		}
		b.EndDate = &at
		d.bindings[id] = b
		return nil
	})
}

func (s *MemoryStore) ListBalances(ctx context.Context, userID uint64) ([]model.Balance, error) {
	var list []model.Balance
	err := s.with(func(d *memData) error {
		for k, v := range d.balances {
			if k.userID == userID {
				list = append(list, v)
			}
		}
		return nil
	})
	sort.Slice(list, func(i, j int) bool { return list[i].Asset < list[j].Asset })
	return list, err
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID uint64, asset string) (*model.Balance, error) {
	var out model.Balance
	err := s.with(func(d *memData) error {
		v, ok := d.balances[balanceKey{userID, asset}]
		if !ok {
			return ErrNotFound
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) PutBalance(ctx context.Context, b model.Balance) (*model.Balance, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	var out model.Balance
	err := s.with(func(d *memData) error {
		key := balanceKey{b.UserID, b.Asset}
		cur, ok := d.balances[key]
		if !ok {
			cur = model.Balance{ID: d.nextID(), UserID: b.UserID, Asset: b.Asset, CreatedAt: s.now()}
		}
		cur.SubAccountID = b.SubAccountID
		cur.Available = b.Available
		cur.Total = b.Total
		cur.Locked = b.Locked
		cur.Version++
		cur.UpdatedAt = s.now()
		d.balances[key] = cur
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) AdjustBalance(ctx context.Context, userID uint64, subAccountID, asset string, delta decimal.Decimal) (*model.Balance, error) {
	var out model.Balance
	err := s.with(func(d *memData) error {
		key := balanceKey{userID, asset}
		cur, ok := d.balances[key]
		if !ok {
			cur = model.Balance{ID: d.nextID(), UserID: userID, Asset: asset, CreatedAt: s.now()}
		}
		next, err := applyDelta(cur, delta)
		if err != nil {
			return err
		}
		if subAccountID != "" {
			next.SubAccountID = subAccountID
		}
		next.Version++
		next.UpdatedAt = s.now()
		d.balances[key] = next
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) CreateTransfer(ctx context.Context, t *model.TransferRecord) error {
	return s.with(func(d *memData) error {
		if _, ok := d.transfers[t.ClientTransferID]; ok {
			return ErrDuplicate
		}
		t.ID = d.nextID()
		t.CreatedAt = s.now()
		t.UpdatedAt = t.CreatedAt
		d.transfers[t.ClientTransferID] = *t
		return nil
	})
}

func (s *MemoryStore) GetTransfer(ctx context.Context, clientTransferID string) (*model.TransferRecord, error) {
	var out model.TransferRecord
	err := s.with(func(d *memData) error {
		v, ok := d.transfers[clientTransferID]
		if !ok {
			return ErrNotFound
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) FinalizeTransfer(ctx context.Context, clientTransferID, status, txnID string, withdrawalID uint64) error {
	return s.with(func(d *memData) error {
		t, ok := d.transfers[clientTransferID]
		if !ok {
			return ErrNotFound
		}
		t.Status = status
		if txnID != "" {
			t.TxnID = txnID
		}
		if status == model.TransferSuccess {
			at := s.now()
			t.TransferredAt = &at
		}
		if withdrawalID != 0 {
			t.WithdrawalID = withdrawalID
		}
		t.UpdatedAt = s.now()
		d.transfers[clientTransferID] = t
		return nil
	})
}

func (s *MemoryStore) ListTransfersByStatus(ctx context.Context, status string, limit int) ([]model.TransferRecord, error) {
	var list []model.TransferRecord
	err := s.with(func(d *memData) error {
		for _, t := range d.transfers {
			if t.Status == status {
				list = append(list, t)
			}
		}
		return nil
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, err
}

func withdrawalConflicts(a, b model.WithdrawalRecord) bool {
	if a.ID == b.ID {
		return false
	}
	if a.ClientOrderID == b.ClientOrderID {
		return true
	}
	if a.OrderID != nil && b.OrderID != nil && *a.OrderID == *b.OrderID {
		return true
	}
	return a.TxID != nil && b.TxID != nil && *a.TxID == *b.TxID
}

func (s *MemoryStore) CreateWithdrawal(ctx context.Context, w *model.WithdrawalRecord) error {
	return s.with(func(d *memData) error {
		for _, v := range d.withdrawals {
			if withdrawalConflicts(v, *w) {
				return ErrDuplicate
			}
		}
		if w.OrderType == "" {
			w.OrderType = model.OrderTypeWithdraw
		}
		w.ID = d.nextID()
		w.CreatedAt = s.now()
		w.UpdatedAt = w.CreatedAt
		d.withdrawals[w.ID] = *w
		return nil
	})
}

func (s *MemoryStore) GetWithdrawal(ctx context.Context, id uint64) (*model.WithdrawalRecord, error) {
	var out model.WithdrawalRecord
	err := s.with(func(d *memData) error {
		v, ok := d.withdrawals[id]
		if !ok {
			return ErrNotFound
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) SaveWithdrawal(ctx context.Context, w *model.WithdrawalRecord) error {
	return s.with(func(d *memData) error {
		if _, ok := d.withdrawals[w.ID]; !ok {
			return ErrNotFound
		}
		for _, v := range d.withdrawals {
			if withdrawalConflicts(v, *w) {
				return ErrDuplicate
			}
		}
		w.UpdatedAt = s.now()
		d.withdrawals[w.ID] = *w
		return nil
	})
}

func (s *MemoryStore) ListWithdrawals(ctx context.Context, subAccountID string, window Window) ([]model.WithdrawalRecord, error) {
	var list []model.WithdrawalRecord
	err := s.with(func(d *memData) error {
		for _, w := range d.withdrawals {
			if w.SubAccountID == subAccountID && inWindow(w.Timestamp(), window) {
				list = append(list, w)
			}
		}
		return nil
	})
	sort.Slice(list, func(i, j int) bool {
		ti, tj := list[i].Timestamp(), list[j].Timestamp()
		if ti.Equal(tj) {
			return list[i].ID > list[j].ID
		}
		return ti.After(tj)
	})
	return list, err
}

func (s *MemoryStore) ListWithdrawalsByState(ctx context.Context, state model.WithdrawalState, limit int) ([]model.WithdrawalRecord, error) {
	var list []model.WithdrawalRecord
	err := s.with(func(d *memData) error {
		for _, w := range d.withdrawals {
			if w.State == state {
				list = append(list, w)
			}
		}
		return nil
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, err
}

func (s *MemoryStore) UpsertDeposit(ctx context.Context, dep *model.DepositRecord) error {
	return s.with(func(d *memData) error {
		if cur, ok := d.deposits[dep.TxID]; ok {
			cur.Status = dep.Status
			cur.ConfirmTimes = dep.ConfirmTimes
			cur.UpdatedAt = s.now()
			d.deposits[dep.TxID] = cur
			*dep = cur
			return nil
		}
		if dep.OrderType == "" {
			dep.OrderType = model.OrderTypeDeposit
		}
		dep.ID = d.nextID()
		dep.CreatedAt = s.now()
		dep.UpdatedAt = dep.CreatedAt
		d.deposits[dep.TxID] = *dep
		return nil
	})
}

func (s *MemoryStore) ListDeposits(ctx context.Context, subAccountID string, window Window) ([]model.DepositRecord, error) {
	var list []model.DepositRecord
	err := s.with(func(d *memData) error {
		for _, dep := range d.deposits {
			if dep.SubAccountID == subAccountID && inWindow(dep.DepositedAt, window) {
				list = append(list, dep)
			}
		}
		return nil
	})
	sort.Slice(list, func(i, j int) bool {
		if list[i].DepositedAt.Equal(list[j].DepositedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].DepositedAt.After(list[j].DepositedAt)
	})
	return list, err
}

func inWindow(t time.Time, w Window) bool {
	if t.Before(w.From) {
		return false
	}
	return w.To == nil || t.Before(*w.To)
}

func (s *MemoryStore) CreateOutbox(ctx context.Context, msg *model.OutboxMessage) error {
	return s.with(func(d *memData) error {
		msg.ID = d.nextID()
		if msg.Status == "" {
			msg.Status = model.OutboxPending
		}
		msg.CreatedAt = s.now()
		msg.UpdatedAt = msg.CreatedAt
		d.outbox[msg.ID] = *msg
		return nil
	})
}

func (s *MemoryStore) ListPendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	var list []model.OutboxMessage
	err := s.with(func(d *memData) error {
		for _, m := range d.outbox {
			if m.Status == model.OutboxPending {
				list = append(list, m)
			}
		}
		return nil
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, err
}

func (s *MemoryStore) MarkOutboxSent(ctx context.Context, id uint64) error {
	return s.with(func(d *memData) error {
		m, ok := d.outbox[id]
		if !ok {
			return ErrNotFound
		}
		m.Status = model.OutboxSent
		m.UpdatedAt = s.now()
		d.outbox[id] = m
		return nil
	})
}
