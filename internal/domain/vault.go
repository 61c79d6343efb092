// Package domain defines core data structures used throughout the vault mirror.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vault is the local mirror of an on-chain collateral vault account.
type Vault struct {
	// VaultKey public key of the vault account.
	VaultKey string `json:"vault_pubkey"`
	// OwnerKey public key of the vault owner.
	OwnerKey string `json:"owner_pubkey"`
	// TokenAccount token account holding the collateral on chain.
	TokenAccount string `json:"token_account"`
	// TotalBalance total tokens in the vault (available + locked).
	TotalBalance int64 `json:"total_balance"`
	// LockedBalance tokens locked for external protocols.
	LockedBalance int64 `json:"locked_balance"`
	// AvailableBalance tokens free for withdrawal or locking.
	AvailableBalance int64 `json:"available_balance"`
	// TotalDeposited lifetime deposit counter, never decreases.
	TotalDeposited int64 `json:"total_deposited"`
	// TotalWithdrawn lifetime withdrawal counter, never decreases.
	TotalWithdrawn int64 `json:"total_withdrawn"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewVault creates an empty vault mirror row.
func NewVault(vaultKey, ownerKey, tokenAccount string) Vault {
	now := time.Now().UTC()
	return Vault{
		VaultKey:     vaultKey,
		OwnerKey:     ownerKey,
		TokenAccount: tokenAccount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// HasAvailable reports whether the vault can cover amount from available funds.
func (v *Vault) HasAvailable(amount int64) bool {
	return v.AvailableBalance >= amount
}

// HasLocked reports whether the vault has at least amount locked.
func (v *Vault) HasLocked(amount int64) bool {
	return v.LockedBalance >= amount
}

// VerifyInvariant checks total = available + locked and non-negativity of
// every balance field.
func (v *Vault) VerifyInvariant() bool {
	if v.TotalBalance != v.AvailableBalance+v.LockedBalance {
		return false
	}
	return v.TotalBalance >= 0 && v.AvailableBalance >= 0 && v.LockedBalance >= 0 &&
		v.TotalDeposited >= 0 && v.TotalWithdrawn >= 0
}

// Utilization returns the locked share of the total balance in percent.
func (v *Vault) Utilization() decimal.Decimal {
	if v.TotalBalance == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(v.LockedBalance).
		Div(decimal.NewFromInt(v.TotalBalance)).
		Mul(decimal.NewFromInt(100))
}
