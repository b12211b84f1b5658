package risk

import (
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

func decPtr(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func intPtr(v int) *int { return &v }

// DefaultControls is the profile applied when an account has stored none.
func DefaultControls(accountID string) *types.RiskControls {
	return &types.RiskControls{
		AccountID:            accountID,
		MaxOpenPositions:     intPtr(100),
		MaxPriceDeviationPct: decPtr("25"),
		MaxDailyTrades:       intPtr(1000),
		ShortSellingEnabled:  true,
		MaxShortExposurePct:  decPtr("200"),
		MaxSingleShortPct:    decPtr("100"),
	}
}
