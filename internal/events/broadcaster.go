// Package events fans out committed balance changes to real-time subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goquant/vaultmirror/internal/domain"
)

// Kind of a pushed event.
type Kind string

const (
	KindBalanceChanged Kind = "balance_changed"
	KindDeposit        Kind = "deposit"
	KindWithdraw       Kind = "withdraw"
	KindLock           Kind = "lock"
	KindUnlock         Kind = "unlock"
	KindTransfer       Kind = "transfer"
	KindTvlUpdated     Kind = "tvl_updated"
)

// Event is one push update. Exactly one event per committed operation,
// carrying the post-operation balances; delivery order per vault matches
// commit order.
type Event struct {
	Timestamp   time.Time        `json:"ts"`
	Kind        Kind             `json:"kind"`
	VaultKey    string           `json:"vault_pubkey,omitempty"`
	TxSignature string           `json:"tx_signature,omitempty"`
	Amount      int64            `json:"amount,omitempty"`
	Vault       *domain.Vault    `json:"vault,omitempty"`
	Counterpart *domain.Vault    `json:"counterpart,omitempty"`
	Tvl         *domain.TvlStats `json:"tvl,omitempty"`
}

// Subscription is one registered listener, optionally scoped to a vault.
type Subscription struct {
	ID       string
	VaultKey string
	C        chan Event
}

// Broadcaster fans out events to all subscribers via buffered channels.
// It keeps the API intentionally small so call sites can stay straightforward.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
	}
}

// Publish sends the event to all matching subscribers, dropping if a reader
// is slow.
func (b *Broadcaster) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.VaultKey != "" && !eventTouchesVault(e, sub.VaultKey) {
			continue
		}
		select {
		case sub.C <- e:
		default:
			// drop slow consumer
		}
	}
}

func eventTouchesVault(e Event, vaultKey string) bool {
	if e.VaultKey == vaultKey {
		return true
	}
	return e.Counterpart != nil && e.Counterpart.VaultKey == vaultKey
}

// Subscribe registers a listener. An empty vaultKey receives every event.
func (b *Broadcaster) Subscribe(vaultKey string) *Subscription {
	sub := &Subscription{
		ID:       uuid.NewString(),
		VaultKey: vaultKey,
		C:        make(chan Event, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.subs[sub.ID]; ok {
		delete(b.subs, sub.ID)
		close(sub.C)
	}
	b.mu.Unlock()
}
