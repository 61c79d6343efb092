package domain

import "time"

// SnapshotType classifies why a balance snapshot was taken.
type SnapshotType string

const (
	SnapshotHourly         SnapshotType = "hourly"
	SnapshotDaily          SnapshotType = "daily"
	SnapshotReconciliation SnapshotType = "reconciliation"
)

// BalanceSnapshot is a point-in-time comparison of the mirrored balance
// against the balance observed on chain. Immutable once written.
type BalanceSnapshot struct {
	Timestamp        time.Time    `json:"ts"`
	VaultKey         string       `json:"vault_pubkey"`
	TotalBalance     int64        `json:"total_balance"`
	LockedBalance    int64        `json:"locked_balance"`
	AvailableBalance int64        `json:"available_balance"`
	OnChainBalance   int64        `json:"on_chain_balance"`
	Type             SnapshotType `json:"snapshot_type"`
	// Discrepancy mirrored total minus on-chain balance.
	Discrepancy int64 `json:"discrepancy"`
}

// NewBalanceSnapshot builds a snapshot from a vault mirror row and the
// observed on-chain balance.
func NewBalanceSnapshot(v Vault, onChain int64, kind SnapshotType) BalanceSnapshot {
	return BalanceSnapshot{
		Timestamp:        time.Now().UTC(),
		VaultKey:         v.VaultKey,
		TotalBalance:     v.TotalBalance,
		LockedBalance:    v.LockedBalance,
		AvailableBalance: v.AvailableBalance,
		OnChainBalance:   onChain,
		Type:             kind,
		Discrepancy:      v.TotalBalance - onChain,
	}
}

// BalanceSnapshotRecord bundles a snapshot with its WAL index.
type BalanceSnapshotRecord struct {
	Index    uint64
	Snapshot BalanceSnapshot
}
