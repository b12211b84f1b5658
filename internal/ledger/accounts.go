package ledger

import (
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

func (s *Store) CreateAccount(account *types.Account) error {
	return s.db.Create(account).Error
}

// GetAccount returns nil when the account does not exist.
func (s *Store) GetAccount(accountID string) (*types.Account, error) {
	var account types.Account
	if err := s.db.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (s *Store) LockAccount(accountID string) (*types.Account, error) {
	var account types.Account
	if err := s.forUpdate().Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if notFound(err) {
			return nil, types.NotFound("account %s", accountID)
		}
		return nil, err
	}
	return &account, nil
}

// SaveBalances writes cash and margin used only.
func (s *Store) SaveBalances(account *types.Account) error {
	return s.db.Model(account).Updates(map[string]any{
		"cash":        account.Cash,
		"margin_used": account.MarginUsed,
		"updated_at":  Now(),
	}).Error
}

func (s *Store) ListAccountIDs() ([]string, error) {
	var ids []string
	err := s.db.Model(&types.Account{}).Order("id").Pluck("account_id", &ids).Error
	return ids, err
}

// AccountsWithShorts lists accounts holding at least one short position.
func (s *Store) AccountsWithShorts() ([]string, error) {
	var ids []string
	err := s.db.Model(&types.Position{}).
		Where("quantity < 0").
		Distinct("account_id").
		Order("account_id").
		Pluck("account_id", &ids).Error
	return ids, err
}

// TotalBalances sums cash and margin used over every account.
func (s *Store) TotalBalances() (cash, marginUsed decimal.Decimal, err error) {
	row := s.db.Model(&types.Account{}).
		Select("COALESCE(SUM(cash), 0), COALESCE(SUM(margin_used), 0)").
		Row()
	err = row.Scan(&cash, &marginUsed)
	return cash, marginUsed, err
}
