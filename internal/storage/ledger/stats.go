package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/goquant/vaultmirror/internal/domain"
)

// TvlStats aggregates balances across all vaults.
func (s *Store) TvlStats(ctx context.Context) (domain.TvlStats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(total_balance), 0),
			COALESCE(SUM(total_balance - locked_balance), 0),
			COALESCE(SUM(locked_balance), 0),
			COALESCE(MAX(total_balance), 0)
		 FROM vaults`)

	var stats domain.TvlStats
	if err := row.Scan(&stats.TotalVaults, &stats.TotalValueLocked,
		&stats.TotalAvailable, &stats.TotalLocked, &stats.MaxVaultBalance); err != nil {
		return domain.TvlStats{}, errors.Wrap(err, "scan tvl stats")
	}

	stats.AvgVaultBalance = decimal.Zero
	if stats.TotalVaults > 0 {
		stats.AvgVaultBalance = decimal.NewFromInt(stats.TotalValueLocked).
			Div(decimal.NewFromInt(stats.TotalVaults)).Round(4)
	}
	stats.Timestamp = time.Now().UTC()
	return stats, nil
}
