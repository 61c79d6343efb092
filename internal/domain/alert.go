package domain

import "time"

// AlertSeverity operational weight of an alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus lifecycle of an alert: active -> acknowledged -> resolved.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert types raised by the engine.
const (
	AlertTypeBalanceDiscrepancy    = "balance_discrepancy"
	AlertTypeInvariantViolation    = "invariant_violation"
	AlertTypeLowBalance            = "low_balance"
	AlertTypeHighUtilization       = "high_utilization"
	AlertTypeReconciliationSummary = "reconciliation_summary"
	AlertTypeForkFact              = "fork_fact"
)

// Alert is an operational signal, optionally linked to a vault and a
// reconciliation log entry via its details payload.
type Alert struct {
	ID             int64         `json:"id"`
	Type           string        `json:"alert_type"`
	Severity       AlertSeverity `json:"severity"`
	VaultKey       string        `json:"vault_pubkey,omitempty"`
	Message        string        `json:"message"`
	Details        string        `json:"details,omitempty"`
	Status         AlertStatus   `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}
