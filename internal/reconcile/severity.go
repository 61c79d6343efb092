package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/goquant/vaultmirror/internal/domain"
)

// SeverityPolicy maps the magnitude of a discrepancy, relative to the
// vault's total balance, onto an alert severity.
type SeverityPolicy struct {
	// WarningPercent deviation (in percent) at or above which the alert is
	// a warning instead of info.
	WarningPercent decimal.Decimal
	// CriticalPercent deviation at or above which the alert is critical.
	CriticalPercent decimal.Decimal
}

// DefaultSeverityPolicy warns at 0.1% deviation and escalates at 1%.
func DefaultSeverityPolicy() SeverityPolicy {
	return SeverityPolicy{
		WarningPercent:  decimal.NewFromFloat(0.1),
		CriticalPercent: decimal.NewFromInt(1),
	}
}

// Severity classifies a discrepancy against a mirrored total balance.
func (p SeverityPolicy) Severity(discrepancy, total int64) domain.AlertSeverity {
	if discrepancy == 0 {
		return domain.SeverityInfo
	}
	if total == 0 {
		// any deviation on an empty vault is unexplainable funds movement.
		return domain.SeverityCritical
	}

	deviation := decimal.NewFromInt(discrepancy).Abs().
		Div(decimal.NewFromInt(total).Abs()).
		Mul(decimal.NewFromInt(100))

	switch {
	case deviation.GreaterThanOrEqual(p.CriticalPercent):
		return domain.SeverityCritical
	case deviation.GreaterThanOrEqual(p.WarningPercent):
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}
