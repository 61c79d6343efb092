// Package chain abstracts the authoritative source of vault balances.
// The chain can only be read, never locked; every read carries a timeout.
package chain

import "context"

// Reader reads authoritative balance state from the chain.
type Reader interface {
	// TokenAccountBalance returns the current balance of a token account.
	// Implementations must honor ctx deadlines; a timeout is a transient
	// failure, not a discrepancy.
	TokenAccountBalance(ctx context.Context, tokenAccount string) (int64, error)
	// CurrentSlot returns the chain's latest observed slot.
	CurrentSlot(ctx context.Context) (int64, error)
}
