package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TvlStats aggregate balance statistics across all vaults.
type TvlStats struct {
	TotalVaults      int64           `json:"total_vaults"`
	TotalValueLocked int64           `json:"total_value_locked"`
	TotalAvailable   int64           `json:"total_available"`
	TotalLocked      int64           `json:"total_locked"`
	AvgVaultBalance  decimal.Decimal `json:"avg_vault_balance"`
	MaxVaultBalance  int64           `json:"max_vault_balance"`
	Timestamp        time.Time       `json:"timestamp"`
}
