package ingest_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/goquant/vaultmirror/internal/applier"
	"github.com/goquant/vaultmirror/internal/domain"
	"github.com/goquant/vaultmirror/internal/ingest"
	"github.com/goquant/vaultmirror/internal/storage/ledger"
)

type harness struct {
	store *ledger.Store
	app   *applier.Applier
	ing   *ingest.Ingestor
}

func newHarness(t *testing.T, reorgDepth int64) *harness {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	app := applier.New(store, nil, nil, zap.NewNop())
	return &harness{
		store: store,
		app:   app,
		ing:   ingest.New(app, store, reorgDepth, zap.NewNop()),
	}
}

func (h *harness) createVault(t *testing.T, key string) {
	t.Helper()
	require.NoError(t, h.store.CreateVault(context.Background(),
		domain.NewVault(key, "owner_"+key, "token_"+key)))
}

// runFacts feeds the facts through Run and waits for the drain to finish.
func (h *harness) runFacts(t *testing.T, facts ...domain.OperationFact) {
	t.Helper()
	ch := make(chan domain.OperationFact, len(facts))
	for _, f := range facts {
		ch <- f
	}
	close(ch)

	done := make(chan error, 1)
	go func() { done <- h.ing.Run(context.Background(), ch) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ingestor did not drain facts")
	}
}

func TestIngestAppliesConfirmedFact(t *testing.T) {
	h := newHarness(t, 32)
	h.createVault(t, "vault1")

	h.runFacts(t, domain.OperationFact{
		VaultKey:    "vault1",
		Type:        domain.TxDeposit,
		Amount:      150,
		TxSignature: "sig-fact",
		Slot:        100,
	})

	v, err := h.store.GetVault(context.Background(), "vault1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), v.TotalBalance)

	rec, err := h.store.GetTransactionBySignature(context.Background(), "sig-fact")
	require.NoError(t, err)
	assert.Equal(t, domain.TxConfirmed, rec.Status)
	assert.Equal(t, int64(100), rec.Slot)
}

func TestIngestAbsorbsDuplicateFacts(t *testing.T) {
	h := newHarness(t, 32)
	h.createVault(t, "vault1")

	fact := domain.OperationFact{
		VaultKey:    "vault1",
		Type:        domain.TxDeposit,
		Amount:      50,
		TxSignature: "sig-dup",
		Slot:        10,
	}
	h.runFacts(t, fact, fact, fact)

	v, err := h.store.GetVault(context.Background(), "vault1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), v.TotalBalance)

	history, err := h.store.TransactionHistory(context.Background(), "vault1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestIngestFlagsForkFact(t *testing.T) {
	h := newHarness(t, 32)
	h.createVault(t, "vault1")

	// establish confirmed history at slot 100
	h.runFacts(t, domain.OperationFact{
		VaultKey:    "vault1",
		Type:        domain.TxDeposit,
		Amount:      100,
		TxSignature: "sig-head",
		Slot:        100,
	})

	// a fact more than reorgDepth slots behind the head is never applied
	h.runFacts(t, domain.OperationFact{
		VaultKey:    "vault1",
		Type:        domain.TxDeposit,
		Amount:      999,
		TxSignature: "sig-stale",
		Slot:        60,
	})

	ctx := context.Background()
	v, err := h.store.GetVault(ctx, "vault1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), v.TotalBalance)

	_, err = h.store.GetTransactionBySignature(ctx, "sig-stale")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	alerts, err := h.store.ListAlerts(ctx, domain.AlertActive, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertTypeForkFact, alerts[0].Type)
	assert.Equal(t, domain.SeverityWarning, alerts[0].Severity)

	trail, err := h.store.AuditTrail(ctx, "vault1", 10)
	require.NoError(t, err)
	var errorEntries int
	for _, e := range trail {
		if e.EventType == domain.AuditError {
			errorEntries++
			assert.Equal(t, "sig-stale", e.TxSignature)
		}
	}
	assert.Equal(t, 1, errorEntries)
}

func TestIngestAppliesNearHeadFact(t *testing.T) {
	h := newHarness(t, 32)
	h.createVault(t, "vault1")

	h.runFacts(t,
		domain.OperationFact{
			VaultKey: "vault1", Type: domain.TxDeposit, Amount: 100,
			TxSignature: "sig-head", Slot: 100,
		},
		// inside the reorg window, applied normally despite the older slot
		domain.OperationFact{
			VaultKey: "vault1", Type: domain.TxDeposit, Amount: 25,
			TxSignature: "sig-lagged", Slot: 80,
		},
	)

	v, err := h.store.GetVault(context.Background(), "vault1")
	require.NoError(t, err)
	assert.Equal(t, int64(125), v.TotalBalance)
}

func TestIngestRejectedFactLeavesBalanceUntouched(t *testing.T) {
	h := newHarness(t, 32)
	h.createVault(t, "vault1")

	h.runFacts(t, domain.OperationFact{
		VaultKey:    "vault1",
		Type:        domain.TxWithdraw,
		Amount:      500,
		TxSignature: "sig-overdraw",
		Slot:        5,
	})

	v, err := h.store.GetVault(context.Background(), "vault1")
	require.NoError(t, err)
	assert.Zero(t, v.TotalBalance)
}
