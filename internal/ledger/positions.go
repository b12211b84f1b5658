package ledger

import (
	"github.com/ksred/klear-ledger/internal/types"
)

// GetPosition returns nil when the account holds no position in symbol.
func (s *Store) GetPosition(accountID, symbol string) (*types.Position, error) {
	var position types.Position
	if err := s.db.Where("account_id = ? AND symbol = ?", accountID, symbol).First(&position).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

// LockPosition is GetPosition under a row lock.
func (s *Store) LockPosition(accountID, symbol string) (*types.Position, error) {
	var position types.Position
	if err := s.forUpdate().Where("account_id = ? AND symbol = ?", accountID, symbol).First(&position).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

func (s *Store) SavePosition(position *types.Position) error {
	return s.db.Save(position).Error
}

// DeletePosition removes the row so the (account, symbol) key can be reused.
func (s *Store) DeletePosition(position *types.Position) error {
	return s.db.Unscoped().Delete(position).Error
}

func (s *Store) ListPositions(accountID string) ([]types.Position, error) {
	var positions []types.Position
	err := s.db.Where("account_id = ?", accountID).Order("symbol").Find(&positions).Error
	return positions, err
}

func (s *Store) ShortPositions(accountID string) ([]types.Position, error) {
	var positions []types.Position
	err := s.db.Where("account_id = ? AND quantity < 0", accountID).Order("symbol").Find(&positions).Error
	return positions, err
}

func (s *Store) CountPositions(accountID string) (int64, error) {
	var n int64
	err := s.db.Model(&types.Position{}).Where("account_id = ?", accountID).Count(&n).Error
	return n, err
}
