package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"subaccount-core/internal/model"
)

// GormStore 基于 gorm (PostgreSQL) 的实现
// 需要 gorm.Config{TranslateError: true} 以便识别唯一键冲突
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Tx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

func (s *GormStore) CreateSubAccount(ctx context.Context, sa *model.SubAccount) error {
	return translate(s.db.WithContext(ctx).Create(sa).Error)
}

func (s *GormStore) GetSubAccount(ctx context.Context, id uint64) (*model.SubAccount, error) {
	var sa model.SubAccount
	if err := s.db.WithContext(ctx).First(&sa, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &sa, nil
}

func (s *GormStore) ListInactiveSubAccounts(ctx context.Context, limit int) ([]model.SubAccount, error) {
	var list []model.SubAccount
	err := s.db.WithContext(ctx).Where("is_active = ?", false).Order("id").Limit(limit).Find(&list).Error
	return list, err
}

func (s *GormStore) ListActiveSubAccounts(ctx context.Context) ([]model.SubAccount, error) {
	var list []model.SubAccount
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&list).Error
	return list, err
}

func (s *GormStore) PoolStats(ctx context.Context) (PoolStats, error) {
	var rows []struct {
		IsActive bool
		N        int64
	}
	err := s.db.WithContext(ctx).Model(&model.SubAccount{}).
		Select("is_active, count(*) AS n").Group("is_active").Scan(&rows).Error
	var st PoolStats
	for _, r := range rows {
		if r.IsActive {
			st.Active = r.N
		} else {
			st.Inactive = r.N
		}
	}
	return st, err
}

func (s *GormStore) ClaimSubAccount(ctx context.Context, id uint64) (bool, error) {
	// UPDATE sub_accounts SET is_active = true WHERE id = ? AND is_active = false
	// 只有影响行数为 1 的调用者抢到该子账户
	res := s.db.WithContext(ctx).Model(&model.SubAccount{}).
		Where("id = ? AND is_active = ?", id, false).
		Update("is_active", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ReleaseSubAccount(ctx context.Context, id uint64) error {
	res := s.db.WithContext(ctx).Model(&model.SubAccount{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":         false,
			"is_stream_running": false,
			"api_key":           "",
			"api_secret":        "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) SetCredentials(ctx context.Context, id uint64, creds Credentials) error {
	res := s.db.WithContext(ctx).Model(&model.SubAccount{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"api_key":       creds.APIKey,
			"api_secret":    creds.APISecret,
			"can_trade":     creds.CanTrade,
			"margin_trade":  creds.MarginTrade,
			"futures_trade": creds.FuturesTrade,
			"is_active":     true,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) SetStreamRunning(ctx context.Context, id uint64, running bool) error {
	return s.db.WithContext(ctx).Model(&model.SubAccount{}).Where("id = ?", id).
		Update("is_stream_running", running).Error
}

func (s *GormStore) CurrentBinding(ctx context.Context, userID uint64) (*model.UserSubAccount, error) {
	var b model.UserSubAccount
	if err := s.db.WithContext(ctx).Where("user_id = ? AND end_date IS NULL", userID).First(&b).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (s *GormStore) CurrentBindingBySubAccount(ctx context.Context, subAccountRef uint64) (*model.UserSubAccount, error) {
	var b model.UserSubAccount
	if err := s.db.WithContext(ctx).Where("sub_account_ref = ? AND end_date IS NULL", subAccountRef).First(&b).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (s *GormStore) ListBindings(ctx context.Context, userID uint64) ([]model.UserSubAccount, error) {
	var list []model.UserSubAccount
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("start_date DESC").Find(&list).Error
	return list, err
}

func (s *GormStore) CreateBinding(ctx context.Context, b *model.UserSubAccount) error {
	err := translate(s.db.WithContext(ctx).Create(b).Error)
	if errors.Is(err, ErrDuplicate) {
		return ErrBindingExists
	}
	return err
}

func (s *GormStore) CloseBinding(ctx context.Context, id uint64, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.UserSubAccount{}).
		Where("id = ? AND end_date IS NULL", id).
		Update("end_date", at).Error
}

func (s *GormStore) ListBalances(ctx context.Context, userID uint64) ([]model.Balance, error) {
	var list []model.Balance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("asset").Find(&list).Error
	return list, err
}

func (s *GormStore) GetBalance(ctx context.Context, userID uint64, asset string) (*model.Balance, error) {
	var b model.Balance
	if err := s.db.WithContext(ctx).Where("user_id = ? AND asset = ?", userID, asset).First(&b).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (s *GormStore) PutBalance(ctx context.Context, b model.Balance) (*model.Balance, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	row := model.Balance{
		UserID:       b.UserID,
		Asset:        b.Asset,
		SubAccountID: b.SubAccountID,
		Available:    b.Available,
		Total:        b.Total,
		Locked:       b.Locked,
		Version:      1,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "asset"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"available":      b.Available,
			"total":          b.Total,
			"locked":         b.Locked,
			"sub_account_id": b.SubAccountID,
			"version":        gorm.Expr("sub_account_balances.version + 1"),
			"updated_at":     time.Now(),
		}),
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}
	return s.GetBalance(ctx, b.UserID, b.Asset)
}

func (s *GormStore) AdjustBalance(ctx context.Context, userID uint64, subAccountID, asset string, delta decimal.Decimal) (*model.Balance, error) {
	var out *model.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b model.Balance
		// 悲观锁: SELECT ... FOR UPDATE
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND asset = ?", userID, asset).First(&b).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			b = model.Balance{UserID: userID, Asset: asset, SubAccountID: subAccountID}
		} else if err != nil {
			return err
		}

		next, err := applyDelta(b, delta)
		if err != nil {
			return err
		}
		if subAccountID != "" {
			next.SubAccountID = subAccountID
		}
		next.Version++
		if err := tx.Save(&next).Error; err != nil {
			return translate(err)
		}
		out = &next
		return nil
	})
	return out, err
}

func (s *GormStore) CreateTransfer(ctx context.Context, t *model.TransferRecord) error {
	return translate(s.db.WithContext(ctx).Create(t).Error)
}

func (s *GormStore) GetTransfer(ctx context.Context, clientTransferID string) (*model.TransferRecord, error) {
	var t model.TransferRecord
	if err := s.db.WithContext(ctx).Where("client_transfer_id = ?", clientTransferID).First(&t).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *GormStore) FinalizeTransfer(ctx context.Context, clientTransferID, status, txnID string, withdrawalID uint64) error {
	updates := map[string]interface{}{"status": status}
	if txnID != "" {
		updates["txn_id"] = txnID
	}
	if status == model.TransferSuccess {
		updates["transferred_at"] = time.Now()
	}
	if withdrawalID != 0 {
		updates["withdrawal_id"] = withdrawalID
	}
	res := s.db.WithContext(ctx).Model(&model.TransferRecord{}).
		Where("client_transfer_id = ?", clientTransferID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListTransfersByStatus(ctx context.Context, status string, limit int) ([]model.TransferRecord, error) {
	var list []model.TransferRecord
	err := s.db.WithContext(ctx).Where("status = ?", status).Order("id").Limit(limit).Find(&list).Error
	return list, err
}

func (s *GormStore) CreateWithdrawal(ctx context.Context, w *model.WithdrawalRecord) error {
	if w.OrderType == "" {
		w.OrderType = model.OrderTypeWithdraw
	}
	return translate(s.db.WithContext(ctx).Create(w).Error)
}

func (s *GormStore) GetWithdrawal(ctx context.Context, id uint64) (*model.WithdrawalRecord, error) {
	var w model.WithdrawalRecord
	if err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (s *GormStore) SaveWithdrawal(ctx context.Context, w *model.WithdrawalRecord) error {
	return translate(s.db.WithContext(ctx).Save(w).Error)
}

const withdrawalTime = "COALESCE(applied_at, created_at)"

func (s *GormStore) ListWithdrawals(ctx context.Context, subAccountID string, window Window) ([]model.WithdrawalRecord, error) {
	q := s.db.WithContext(ctx).Where("sub_account_id = ?", subAccountID).
		Where(withdrawalTime+" >= ?", window.From)
	if window.To != nil {
		q = q.Where(withdrawalTime+" < ?", *window.To)
	}
	var list []model.WithdrawalRecord
	err := q.Order(withdrawalTime + " DESC").Order("id DESC").Find(&list).Error
	return list, err
}

func (s *GormStore) ListWithdrawalsByState(ctx context.Context, state model.WithdrawalState, limit int) ([]model.WithdrawalRecord, error) {
	var list []model.WithdrawalRecord
	err := s.db.WithContext(ctx).Where("state = ?", state).Order("id").Limit(limit).Find(&list).Error
	return list, err
}

func (s *GormStore) UpsertDeposit(ctx context.Context, d *model.DepositRecord) error {
	if d.OrderType == "" {
		d.OrderType = model.OrderTypeDeposit
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "confirm_times", "updated_at"}),
	}).Create(d).Error
}

func (s *GormStore) ListDeposits(ctx context.Context, subAccountID string, window Window) ([]model.DepositRecord, error) {
	q := s.db.WithContext(ctx).Where("sub_account_id = ? AND deposited_at >= ?", subAccountID, window.From)
	if window.To != nil {
		q = q.Where("deposited_at < ?", *window.To)
	}
	var list []model.DepositRecord
	err := q.Order("deposited_at DESC").Order("id DESC").Find(&list).Error
	return list, err
}

func (s *GormStore) CreateOutbox(ctx context.Context, msg *model.OutboxMessage) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

func (s *GormStore) ListPendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	var list []model.OutboxMessage
	err := s.db.WithContext(ctx).Where("status = ?", model.OutboxPending).Order("id").Limit(limit).Find(&list).Error
	return list, err
}

func (s *GormStore) MarkOutboxSent(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Model(&model.OutboxMessage{}).Where("id = ?", id).
		Update("status", model.OutboxSent).Error
}
