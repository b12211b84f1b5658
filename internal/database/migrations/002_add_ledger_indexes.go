package migrations

import "gorm.io/gorm"

// AddLedgerIndexes adds the indexes used by the evaluation and risk queries
func AddLedgerIndexes(db *gorm.DB) error {
	indexes := []string{
		// Pending-order scan by the evaluation pass
		`CREATE INDEX IF NOT EXISTS idx_orders_status_type
		 ON orders(status, order_type)`,

		// Today's fills per account for daily trade limits
		`CREATE INDEX IF NOT EXISTS idx_fills_account_filled_at
		 ON fills(account_id, filled_at)`,

		// Open tranches per account for accrual and cover
		`CREATE INDEX IF NOT EXISTS idx_borrows_open
		 ON borrows(account_id, symbol, closed_at)`,

		// Bracket children lookup
		`CREATE INDEX IF NOT EXISTS idx_orders_parent
		 ON orders(parent_order_id, bracket_role)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
