package ledger

import (
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

type DailyStats struct {
	Trades   int64
	Notional decimal.Decimal
}

// GetRiskControls returns nil when the account has no stored controls.
func (s *Store) GetRiskControls(accountID string) (*types.RiskControls, error) {
	var controls types.RiskControls
	if err := s.db.Where("account_id = ?", accountID).First(&controls).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &controls, nil
}

// SaveRiskControls inserts or replaces the account's controls.
func (s *Store) SaveRiskControls(controls *types.RiskControls) error {
	existing, err := s.GetRiskControls(controls.AccountID)
	if err != nil {
		return err
	}
	if existing != nil {
		controls.ID = existing.ID
		controls.CreatedAt = existing.CreatedAt
	}
	return s.db.Save(controls).Error
}

func (s *Store) CreateRiskEvent(event *types.RiskEvent) error {
	return s.db.Create(event).Error
}

func (s *Store) RiskEvents(accountID string, limit int) ([]types.RiskEvent, error) {
	var events []types.RiskEvent
	q := s.db.Where("account_id = ?", accountID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}

func (s *Store) CreateDayTrade(dt *types.DayTrade) error {
	return s.db.Create(dt).Error
}

// CountDayTradesSince counts day trades with trade date on or after fromDate
// (YYYY-MM-DD).
func (s *Store) CountDayTradesSince(accountID, fromDate string) (int64, error) {
	var n int64
	err := s.db.Model(&types.DayTrade{}).
		Where("account_id = ? AND trade_date >= ?", accountID, fromDate).
		Count(&n).Error
	return n, err
}

func (s *Store) CreateSnapshot(snapshot *types.EquitySnapshot) error {
	return s.db.Create(snapshot).Error
}

// PeakEquity is the highest snapshot equity recorded for the account.
func (s *Store) PeakEquity(accountID string) (decimal.Decimal, bool, error) {
	var snapshot types.EquitySnapshot
	err := s.db.Where("account_id = ?", accountID).Order("equity DESC").First(&snapshot).Error
	if notFound(err) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return snapshot.Equity, true, nil
}

// LastSnapshotBefore returns the latest snapshot taken on a trade date
// earlier than tradeDate, or nil.
func (s *Store) LastSnapshotBefore(accountID, tradeDate string) (*types.EquitySnapshot, error) {
	var snapshot types.EquitySnapshot
	err := s.db.Where("account_id = ? AND trade_date < ?", accountID, tradeDate).
		Order("trade_date DESC, taken_at DESC, id DESC").
		First(&snapshot).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *Store) Snapshots(accountID string) ([]types.EquitySnapshot, error) {
	var snapshots []types.EquitySnapshot
	err := s.db.Where("account_id = ?", accountID).Order("taken_at, id").Find(&snapshots).Error
	return snapshots, err
}
