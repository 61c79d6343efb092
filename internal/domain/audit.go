package domain

import "time"

// AuditEventType kind of an audit trail entry.
type AuditEventType string

const (
	AuditVaultCreated   AuditEventType = "vault_created"
	AuditBalanceChange  AuditEventType = "balance_change"
	AuditDeposit        AuditEventType = "deposit"
	AuditWithdraw       AuditEventType = "withdraw"
	AuditLock           AuditEventType = "lock"
	AuditUnlock         AuditEventType = "unlock"
	AuditTransfer       AuditEventType = "transfer"
	AuditReconciliation AuditEventType = "reconciliation"
	AuditAlert          AuditEventType = "alert"
	AuditError          AuditEventType = "error"
)

// AuditEntry is an immutable append-only record of a balance-affecting or
// lifecycle event. EventData carries old/new balances so the full balance
// history of a vault can be reconstructed by replay.
type AuditEntry struct {
	ID          int64          `json:"id"`
	EventType   AuditEventType `json:"event_type"`
	VaultKey    string         `json:"vault_pubkey,omitempty"`
	ActorKey    string         `json:"actor_pubkey,omitempty"`
	Amount      int64          `json:"amount,omitempty"`
	TxSignature string         `json:"tx_signature,omitempty"`
	EventData   string         `json:"event_data"`
	CreatedAt   time.Time      `json:"created_at"`
}

// BalanceChangeData is the structured payload of an operation audit entry.
type BalanceChangeData struct {
	Operation    TransactionType `json:"operation"`
	OldTotal     int64           `json:"old_total"`
	NewTotal     int64           `json:"new_total"`
	OldLocked    int64           `json:"old_locked"`
	NewLocked    int64           `json:"new_locked"`
	OldAvailable int64           `json:"old_available"`
	NewAvailable int64           `json:"new_available"`
	Counterparty string          `json:"counterparty,omitempty"`
}
