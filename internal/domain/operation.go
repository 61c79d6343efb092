package domain

import "fmt"

// Operation is one balance-affecting request against a vault, or a vault
// pair for transfers. TxSignature is the idempotency key.
type Operation struct {
	Type        TransactionType
	VaultKey    string
	ToVault     string
	Amount      int64
	TxSignature string
	Slot        int64
	BlockTime   int64
}

// String returns a human-readable representation for logs.
func (o *Operation) String() string {
	if o.Type == TxTransfer {
		return fmt.Sprintf("%s %d %s -> %s (%s)", o.Type, o.Amount, o.VaultKey, o.ToVault, o.TxSignature)
	}
	return fmt.Sprintf("%s %d %s (%s)", o.Type, o.Amount, o.VaultKey, o.TxSignature)
}

// VaultKeys returns the affected vault keys in deterministic (lexicographic)
// order, which the applier uses as its lock acquisition order.
func (o *Operation) VaultKeys() []string {
	if o.Type != TxTransfer || o.ToVault == "" {
		return []string{o.VaultKey}
	}
	if o.ToVault < o.VaultKey {
		return []string{o.ToVault, o.VaultKey}
	}
	return []string{o.VaultKey, o.ToVault}
}

// OperationFact is a confirmed operation observed on the authoritative
// chain, delivered at least once and possibly out of order.
type OperationFact struct {
	VaultKey    string          `json:"vault_pubkey"`
	ToVault     string          `json:"to_vault,omitempty"`
	Type        TransactionType `json:"tx_type"`
	Amount      int64           `json:"amount"`
	TxSignature string          `json:"tx_signature"`
	Slot        int64           `json:"slot"`
	BlockTime   int64           `json:"block_time"`
}

// Operation converts the fact into an applier operation.
func (f *OperationFact) Operation() Operation {
	return Operation{
		Type:        f.Type,
		VaultKey:    f.VaultKey,
		ToVault:     f.ToVault,
		Amount:      f.Amount,
		TxSignature: f.TxSignature,
		Slot:        f.Slot,
		BlockTime:   f.BlockTime,
	}
}
