package migrations

import (
	"github.com/ksred/klear-ledger/internal/types"
	"gorm.io/gorm"
)

// CreateLedger creates the account, order and position tables
func CreateLedger(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Account{},
		&types.Order{},
		&types.Fill{},
		&types.Position{},
		&types.Borrow{},
		&types.BorrowTierOverride{},
		&types.DayTrade{},
		&types.RiskControls{},
		&types.RiskEvent{},
		&types.EquitySnapshot{},
		&types.IdempotencyRecord{},
	)
}
