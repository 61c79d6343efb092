package domain

import "time"

// ReconciliationStatus state machine of a discrepancy record:
// detected -> investigating -> resolved.
type ReconciliationStatus string

const (
	ReconciliationDetected      ReconciliationStatus = "detected"
	ReconciliationInvestigating ReconciliationStatus = "investigating"
	ReconciliationResolved      ReconciliationStatus = "resolved"
)

// CanTransitionTo enforces the forward-only state machine.
func (s ReconciliationStatus) CanTransitionTo(next ReconciliationStatus) bool {
	switch s {
	case ReconciliationDetected:
		return next == ReconciliationInvestigating
	case ReconciliationInvestigating:
		return next == ReconciliationResolved
	}
	return false
}

// ReconciliationLog records one detected non-zero discrepancy between the
// mirror and the chain. The engine never auto-resolves these.
type ReconciliationLog struct {
	ID              int64                `json:"id"`
	VaultKey        string               `json:"vault_pubkey"`
	ExpectedBalance int64                `json:"expected_balance"`
	ActualBalance   int64                `json:"actual_balance"`
	Discrepancy     int64                `json:"discrepancy"`
	Status          ReconciliationStatus `json:"resolution_status"`
	ResolutionNotes string               `json:"resolution_notes,omitempty"`
	DetectedAt      time.Time            `json:"detected_at"`
	ResolvedAt      *time.Time           `json:"resolved_at,omitempty"`
}
