package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goquant/vaultmirror/internal/domain"
)

func recv(t *testing.T, c chan Event) Event {
	t.Helper()
	select {
	case e := <-c:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestBroadcastFanOut(t *testing.T) {
	b := NewBroadcaster(4)
	first := b.Subscribe("")
	second := b.Subscribe("")
	defer b.Unsubscribe(first)
	defer b.Unsubscribe(second)

	b.Publish(Event{Kind: KindDeposit, VaultKey: "vault1", Amount: 10})

	for _, sub := range []*Subscription{first, second} {
		e := recv(t, sub.C)
		assert.Equal(t, KindDeposit, e.Kind)
		assert.Equal(t, "vault1", e.VaultKey)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestSubscribeVaultFilter(t *testing.T) {
	b := NewBroadcaster(4)
	scoped := b.Subscribe("vaultA")
	defer b.Unsubscribe(scoped)

	b.Publish(Event{Kind: KindDeposit, VaultKey: "vaultB"})
	b.Publish(Event{Kind: KindWithdraw, VaultKey: "vaultA"})

	e := recv(t, scoped.C)
	assert.Equal(t, KindWithdraw, e.Kind)
	select {
	case e := <-scoped.C:
		t.Fatalf("unexpected event: %v", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransferReachesCounterpartSubscriber(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe("vaultB")
	defer b.Unsubscribe(sub)

	b.Publish(Event{
		Kind:        KindTransfer,
		VaultKey:    "vaultA",
		Counterpart: &domain.Vault{VaultKey: "vaultB"},
	})

	e := recv(t, sub.C)
	assert.Equal(t, KindTransfer, e.Kind)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	_, open := <-sub.C
	assert.False(t, open)

	// double unsubscribe is a no-op
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestSlowConsumerDoesNotBlockPublish(t *testing.T) {
	b := NewBroadcaster(1)
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: KindDeposit, VaultKey: "vault1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}

	// the buffered event is still deliverable
	e := recv(t, sub.C)
	require.Equal(t, KindDeposit, e.Kind)
}
