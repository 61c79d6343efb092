package reconcile_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/goquant/vaultmirror/internal/chain"
	"github.com/goquant/vaultmirror/internal/domain"
	"github.com/goquant/vaultmirror/internal/events"
	"github.com/goquant/vaultmirror/internal/reconcile"
	"github.com/goquant/vaultmirror/internal/storage/ledger"
	"github.com/goquant/vaultmirror/internal/storage/snapshots"
)

type tvlRecorder struct {
	mu    sync.Mutex
	stats []domain.TvlStats
}

func (r *tvlRecorder) SetTvl(stats domain.TvlStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, stats)
}

func (r *tvlRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stats)
}

type fixture struct {
	store *ledger.Store
	snaps *snapshots.WALStore
	sim   *chain.Simulator
	rec   *reconcile.Reconciler
	tvl   *tvlRecorder
	bus   *events.Broadcaster
}

func newFixture(t *testing.T, mutate func(cfg *reconcile.Config)) *fixture {
	t.Helper()

	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	snaps, err := snapshots.NewWALStore(filepath.Join(t.TempDir(), "wal"))
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })

	cfg := reconcile.DefaultConfig()
	cfg.ChainTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	sim := chain.NewSimulator()
	tvl := &tvlRecorder{}
	bus := events.NewBroadcaster(16)
	rec := reconcile.New(store, snaps, sim, bus, tvl, cfg, zap.NewNop())
	return &fixture{store: store, snaps: snaps, sim: sim, rec: rec, tvl: tvl, bus: bus}
}

func (f *fixture) addVault(t *testing.T, key string, total, locked int64) {
	t.Helper()
	ctx := context.Background()
	v := domain.NewVault(key, "owner_"+key, "token_"+key)
	require.NoError(t, f.store.CreateVault(ctx, v))
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		v.TotalBalance = total
		v.LockedBalance = locked
		return f.store.UpdateVaultBalancesTx(ctx, tx, v)
	}))
}

func TestSeverityPolicy(t *testing.T) {
	policy := reconcile.DefaultSeverityPolicy()

	for _, tc := range []struct {
		name        string
		discrepancy int64
		total       int64
		want        domain.AlertSeverity
	}{
		{"no discrepancy", 0, 1000, domain.SeverityInfo},
		{"tiny deviation", 1, 100000, domain.SeverityInfo},
		{"half percent", 5, 1000, domain.SeverityWarning},
		{"exactly warning threshold", 1, 1000, domain.SeverityWarning},
		{"one percent", 10, 1000, domain.SeverityCritical},
		{"large deviation", 500, 1000, domain.SeverityCritical},
		{"negative discrepancy", -5, 1000, domain.SeverityWarning},
		{"empty vault with funds on chain", 5, 0, domain.SeverityCritical},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, policy.Severity(tc.discrepancy, tc.total))
		})
	}
}

func TestRunPassMatchedBalances(t *testing.T) {
	f := newFixture(t, nil)
	f.addVault(t, "vault1", 500, 0)
	f.sim.SetBalance("token_vault1", 500)

	summary, err := f.rec.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Vaults)
	assert.Zero(t, summary.Mismatches)
	assert.Zero(t, summary.Skipped)

	// a snapshot is written even when balances match
	records, err := f.snaps.SnapshotsAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.SnapshotReconciliation, records[0].Snapshot.Type)
	assert.Zero(t, records[0].Snapshot.Discrepancy)

	alerts, err := f.store.ListAlerts(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRunPassDetectsDiscrepancy(t *testing.T) {
	f := newFixture(t, nil)
	f.addVault(t, "vault1", 1000, 0)
	f.sim.SetBalance("token_vault1", 995)

	summary, err := f.rec.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Mismatches)

	open, err := f.store.OpenReconciliations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.ReconciliationDetected, open[0].Status)
	assert.Equal(t, int64(1000), open[0].ExpectedBalance)
	assert.Equal(t, int64(995), open[0].ActualBalance)
	assert.Equal(t, int64(5), open[0].Discrepancy)

	alerts, err := f.store.ListAlerts(context.Background(), domain.AlertActive, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	byType := map[string]domain.Alert{}
	for _, a := range alerts {
		byType[a.Type] = a
	}
	// 5 of 1000 is a 0.5% deviation, inside the warning band
	disc, ok := byType[domain.AlertTypeBalanceDiscrepancy]
	require.True(t, ok)
	assert.Equal(t, domain.SeverityWarning, disc.Severity)
	assert.Equal(t, "vault1", disc.VaultKey)
	_, ok = byType[domain.AlertTypeReconciliationSummary]
	assert.True(t, ok)

	trail, err := f.store.AuditTrail(context.Background(), "vault1", 10)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, domain.AuditReconciliation, trail[0].EventType)
}

func TestRunPassCriticalSeverity(t *testing.T) {
	f := newFixture(t, nil)
	f.addVault(t, "vault1", 1000, 0)
	f.sim.SetBalance("token_vault1", 900)

	_, err := f.rec.RunPass(context.Background())
	require.NoError(t, err)

	alerts, err := f.store.ListAlerts(context.Background(), domain.AlertActive, 10)
	require.NoError(t, err)
	for _, a := range alerts {
		if a.Type == domain.AlertTypeBalanceDiscrepancy {
			assert.Equal(t, domain.SeverityCritical, a.Severity)
			return
		}
	}
	t.Fatal("no discrepancy alert raised")
}

func TestRunPassSkipsRecentlyActiveVault(t *testing.T) {
	f := newFixture(t, func(cfg *reconcile.Config) {
		cfg.MinConfirmationAge = time.Hour
	})
	f.addVault(t, "vault1", 100, 0)
	// no simulator balance on purpose: a skipped vault must not be read

	_, err := f.store.RecordTransaction(context.Background(), domain.TransactionRecord{
		VaultKey:    "vault1",
		TxSignature: "sig-fresh",
		Type:        domain.TxDeposit,
		Amount:      100,
		Status:      domain.TxConfirmed,
	})
	require.NoError(t, err)

	summary, err := f.rec.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Mismatches)
	assert.Zero(t, f.snaps.CurrentIndex())
}

func TestRunPassTransientChainFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.addVault(t, "vault1", 100, 0)
	f.sim.SetBalance("token_vault1", 100)
	f.sim.FailNext(5)

	summary, err := f.rec.RunPass(context.Background())
	require.NoError(t, err)
	// an unreachable chain skips the vault instead of recording a discrepancy
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Mismatches)

	open, err := f.store.OpenReconciliations(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRunPassRetriesChainReads(t *testing.T) {
	f := newFixture(t, nil)
	f.addVault(t, "vault1", 100, 0)
	f.sim.SetBalance("token_vault1", 100)
	f.sim.FailNext(2)

	summary, err := f.rec.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Skipped)
	assert.Zero(t, summary.Mismatches)
}

func TestMonitorRaisesHealthAlerts(t *testing.T) {
	f := newFixture(t, nil)
	// 95% utilization and only 5% available
	f.addVault(t, "vault1", 1000, 950)
	f.sim.SetBalance("token_vault1", 1000)

	_, err := f.rec.RunPass(context.Background())
	require.NoError(t, err)

	alerts, err := f.store.ListAlerts(context.Background(), domain.AlertActive, 10)
	require.NoError(t, err)

	types := map[string]bool{}
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[domain.AlertTypeHighUtilization])
	assert.True(t, types[domain.AlertTypeLowBalance])
	assert.False(t, types[domain.AlertTypeBalanceDiscrepancy])
}

func TestRunPassRefreshesTvl(t *testing.T) {
	f := newFixture(t, nil)
	f.addVault(t, "vault1", 700, 0)
	f.sim.SetBalance("token_vault1", 700)

	sub := f.bus.Subscribe("")
	defer f.bus.Unsubscribe(sub)

	_, err := f.rec.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.tvl.count())

	select {
	case e := <-sub.C:
		assert.Equal(t, events.KindTvlUpdated, e.Kind)
		require.NotNil(t, e.Tvl)
		assert.Equal(t, int64(700), e.Tvl.TotalValueLocked)
	case <-time.After(time.Second):
		t.Fatal("no tvl event published")
	}
}

func TestRunPassHonoursCancellation(t *testing.T) {
	f := newFixture(t, nil)
	for _, key := range []string{"v1", "v2", "v3"} {
		f.addVault(t, key, 10, 0)
		f.sim.SetBalance("token_"+key, 10)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.rec.RunPass(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultConfigThresholds(t *testing.T) {
	cfg := reconcile.DefaultConfig()
	assert.Equal(t, time.Hour, cfg.Interval)
	assert.True(t, cfg.UtilizationWarningPercent.Equal(decimal.NewFromInt(90)))
	assert.True(t, cfg.LowBalanceFraction.Equal(decimal.NewFromFloat(0.1)))
}
