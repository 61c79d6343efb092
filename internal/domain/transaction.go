package domain

import "time"

// TransactionType kind of a vault operation.
type TransactionType string

const (
	TxDeposit  TransactionType = "deposit"
	TxWithdraw TransactionType = "withdraw"
	TxLock     TransactionType = "lock"
	TxUnlock   TransactionType = "unlock"
	TxTransfer TransactionType = "transfer"
)

// Valid reports whether the type is one of the known operation kinds.
func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdraw, TxLock, TxUnlock, TxTransfer:
		return true
	}
	return false
}

// TransactionStatus lifecycle of a transaction record.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
)

// TransactionRecord is one row of the append-only transaction log.
// TxSignature is globally unique and doubles as the idempotency key.
type TransactionRecord struct {
	ID          int64             `json:"id"`
	VaultKey    string            `json:"vault_pubkey"`
	TxSignature string            `json:"tx_signature"`
	Type        TransactionType   `json:"tx_type"`
	Amount      int64             `json:"amount"`
	FromVault   string            `json:"from_vault,omitempty"`
	ToVault     string            `json:"to_vault,omitempty"`
	Status      TransactionStatus `json:"status"`
	Slot        int64             `json:"slot,omitempty"`
	BlockTime   int64             `json:"block_time,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ConfirmedAt *time.Time        `json:"confirmed_at,omitempty"`
	Meta        string            `json:"meta,omitempty"`
}
