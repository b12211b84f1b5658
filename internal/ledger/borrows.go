package ledger

import (
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

func (s *Store) CreateBorrow(borrow *types.Borrow) error {
	return s.db.Create(borrow).Error
}

func (s *Store) SaveBorrow(borrow *types.Borrow) error {
	return s.db.Save(borrow).Error
}

// OpenBorrows returns open tranches oldest first. An empty symbol selects
// every symbol.
func (s *Store) OpenBorrows(accountID, symbol string) ([]types.Borrow, error) {
	q := s.db.Where("account_id = ? AND closed_at IS NULL", accountID)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var borrows []types.Borrow
	err := q.Order("opened_at, id").Find(&borrows).Error
	return borrows, err
}

func (s *Store) LockOpenBorrows(accountID string) ([]types.Borrow, error) {
	var borrows []types.Borrow
	err := s.forUpdate().
		Where("account_id = ? AND closed_at IS NULL", accountID).
		Order("opened_at, id").
		Find(&borrows).Error
	return borrows, err
}

// AccruedFees is every borrow fee charged to the account, open or closed.
func (s *Store) AccruedFees(accountID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.Model(&types.Borrow{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(accrued_fee), 0)").
		Row().Scan(&total)
	return total, err
}

// AccountsWithOpenBorrows lists accounts that owe borrow fees.
func (s *Store) AccountsWithOpenBorrows() ([]string, error) {
	var ids []string
	err := s.db.Model(&types.Borrow{}).
		Where("closed_at IS NULL").
		Distinct("account_id").
		Order("account_id").
		Pluck("account_id", &ids).Error
	return ids, err
}

// GetTierOverride returns nil when the symbol has no explicit tier.
func (s *Store) GetTierOverride(symbol string) (*types.BorrowTierOverride, error) {
	var override types.BorrowTierOverride
	if err := s.db.Where("symbol = ?", symbol).First(&override).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &override, nil
}

func (s *Store) SaveTierOverride(override *types.BorrowTierOverride) error {
	existing, err := s.GetTierOverride(override.Symbol)
	if err != nil {
		return err
	}
	if existing != nil {
		override.ID = existing.ID
		override.CreatedAt = existing.CreatedAt
	}
	return s.db.Save(override).Error
}
