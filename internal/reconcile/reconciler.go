// Package reconcile periodically verifies the mirror against the
// authoritative chain, records discrepancies and raises alerts. The chain is
// only ever read; read/write races at the snapshot instant are tolerated by
// skipping vaults with very recent transactions.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/goquant/vaultmirror/internal/chain"
	"github.com/goquant/vaultmirror/internal/domain"
	"github.com/goquant/vaultmirror/internal/events"
	"github.com/goquant/vaultmirror/internal/storage/ledger"
	"github.com/goquant/vaultmirror/internal/storage/snapshots"
	"github.com/goquant/vaultmirror/pkg/retrier"
)

const listBatchSize = 10000

// Config tunes one reconciler instance.
type Config struct {
	// Interval between passes.
	Interval time.Duration
	// ChainTimeout per authoritative balance read.
	ChainTimeout time.Duration
	// MinConfirmationAge: vaults whose newest transaction is younger than
	// this are skipped, so snapshot races do not produce false discrepancies.
	MinConfirmationAge time.Duration
	// UtilizationWarningPercent raises a warning above this locked share.
	UtilizationWarningPercent decimal.Decimal
	// LowBalanceFraction of total below which available balance warns.
	LowBalanceFraction decimal.Decimal
	Severity           SeverityPolicy
}

// DefaultConfig mirrors the monitor/reconciler defaults of the chain backend.
func DefaultConfig() Config {
	return Config{
		Interval:                  time.Hour,
		ChainTimeout:              10 * time.Second,
		MinConfirmationAge:        30 * time.Second,
		UtilizationWarningPercent: decimal.NewFromInt(90),
		LowBalanceFraction:        decimal.NewFromFloat(0.1),
		Severity:                  DefaultSeverityPolicy(),
	}
}

// tvlSink receives the refreshed TVL aggregate after each pass.
type tvlSink interface {
	SetTvl(domain.TvlStats)
}

// Reconciler runs reconciliation passes over all vaults.
type Reconciler struct {
	store     *ledger.Store
	snapshots *snapshots.WALStore
	reader    chain.Reader
	bus       *events.Broadcaster
	tvl       tvlSink
	retry     *retrier.Retrier
	cfg       Config
	l         *zap.Logger
}

// New creates a Reconciler. bus and tvl may be nil.
func New(store *ledger.Store, snaps *snapshots.WALStore, reader chain.Reader,
	bus *events.Broadcaster, tvl tvlSink, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.ChainTimeout <= 0 {
		cfg.ChainTimeout = 10 * time.Second
	}
	return &Reconciler{
		store:     store,
		snapshots: snaps,
		reader:    reader,
		bus:       bus,
		tvl:       tvl,
		retry:     retrier.New(retrier.WithMaxRetries(2)),
		cfg:       cfg,
		l:         logger,
	}
}

// PassSummary reports what one reconciliation pass did.
type PassSummary struct {
	Vaults     int `json:"vaults"`
	Mismatches int `json:"mismatches"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Run executes passes on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.l.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.l.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// RunPass reconciles every eligible vault once. Cancellation is honored
// between vaults, never mid-vault.
func (r *Reconciler) RunPass(ctx context.Context) (PassSummary, error) {
	var summary PassSummary

	vaults, _, err := r.store.ListVaults(ctx, listBatchSize, 0)
	if err != nil {
		return summary, errors.Wrap(err, "list vaults")
	}

	for _, vault := range vaults {
		select {
		case <-ctx.Done():
			r.l.Info("reconciliation pass cancelled",
				zap.Int("vaults_done", summary.Vaults))
			return summary, ctx.Err()
		default:
		}

		summary.Vaults++

		eligible, err := r.eligible(ctx, vault)
		if err != nil {
			summary.Errors++
			r.l.Error("eligibility check failed",
				zap.String("vault", vault.VaultKey), zap.Error(err))
			continue
		}
		if !eligible {
			summary.Skipped++
			continue
		}

		mismatch, err := r.reconcileVault(ctx, vault)
		if err != nil {
			// transient chain failures skip the vault instead of turning
			// into a false discrepancy.
			summary.Skipped++
			r.l.Warn("vault skipped",
				zap.String("vault", vault.VaultKey), zap.Error(err))
			continue
		}
		if mismatch {
			summary.Mismatches++
		}

		r.monitorVault(ctx, vault)
	}

	r.refreshTvl(ctx)

	if summary.Mismatches > 0 {
		r.raiseSummaryAlert(ctx, summary)
	}

	r.l.Info("reconciliation pass completed",
		zap.Int("vaults", summary.Vaults),
		zap.Int("mismatches", summary.Mismatches),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors))

	return summary, nil
}

// eligible skips vaults with transactions younger than the confirmation age
// threshold.
func (r *Reconciler) eligible(ctx context.Context, vault domain.Vault) (bool, error) {
	if r.cfg.MinConfirmationAge <= 0 {
		return true, nil
	}
	newest, ok, err := r.store.NewestTransactionAt(ctx, vault.VaultKey)
	if err != nil {
		return false, err
	}
	if ok && time.Since(newest) < r.cfg.MinConfirmationAge {
		return false, nil
	}
	return true, nil
}

// reconcileVault writes a snapshot unconditionally and, on a non-zero
// discrepancy, records a reconciliation log in state detected and raises an
// alert whose severity reflects the relative deviation.
func (r *Reconciler) reconcileVault(ctx context.Context, vault domain.Vault) (bool, error) {
	onChain, err := retrier.DoWithData(r.retry, ctx, func(ctx context.Context) (int64, error) {
		readCtx, cancel := context.WithTimeout(ctx, r.cfg.ChainTimeout)
		defer cancel()
		return r.reader.TokenAccountBalance(readCtx, vault.TokenAccount)
	})
	if err != nil {
		return false, errors.Wrap(err, "read authoritative balance")
	}

	snapshot := domain.NewBalanceSnapshot(vault, onChain, domain.SnapshotReconciliation)
	if err := r.snapshots.Save(snapshot); err != nil {
		return false, errors.Wrap(err, "save balance snapshot")
	}

	if snapshot.Discrepancy == 0 {
		r.l.Debug("balance reconciliation ok", zap.String("vault", vault.VaultKey))
		return false, nil
	}

	logID, err := r.store.CreateReconciliationLog(ctx, domain.ReconciliationLog{
		VaultKey:        vault.VaultKey,
		ExpectedBalance: vault.TotalBalance,
		ActualBalance:   onChain,
		Discrepancy:     snapshot.Discrepancy,
	})
	if err != nil {
		return false, errors.Wrap(err, "create reconciliation log")
	}

	severity := r.cfg.Severity.Severity(snapshot.Discrepancy, vault.TotalBalance)
	details, _ := json.Marshal(map[string]any{
		"reconciliation_log_id": logID,
		"expected":              vault.TotalBalance,
		"actual":                onChain,
		"discrepancy":           snapshot.Discrepancy,
	})
	if _, err := r.store.CreateAlert(ctx, domain.Alert{
		Type:     domain.AlertTypeBalanceDiscrepancy,
		Severity: severity,
		VaultKey: vault.VaultKey,
		Message: fmt.Sprintf("balance mismatch: expected %d, actual %d, diff %d",
			vault.TotalBalance, onChain, snapshot.Discrepancy),
		Details: string(details),
	}); err != nil {
		return false, errors.Wrap(err, "raise discrepancy alert")
	}

	if _, err := r.store.AppendAudit(ctx, domain.AuditEntry{
		EventType: domain.AuditReconciliation,
		VaultKey:  vault.VaultKey,
		EventData: string(details),
	}); err != nil {
		r.l.Error("failed to audit reconciliation", zap.Error(err))
	}

	r.l.Error("balance discrepancy detected",
		zap.String("vault", vault.VaultKey),
		zap.Int64("expected", vault.TotalBalance),
		zap.Int64("actual", onChain),
		zap.Int64("discrepancy", snapshot.Discrepancy),
		zap.String("severity", string(severity)))

	return true, nil
}

// monitorVault performs the standing health checks: the balance invariant,
// utilization, and low available balance.
func (r *Reconciler) monitorVault(ctx context.Context, vault domain.Vault) {
	if !vault.VerifyInvariant() {
		r.l.Error("balance invariant violation",
			zap.String("vault", vault.VaultKey),
			zap.Int64("total", vault.TotalBalance),
			zap.Int64("locked", vault.LockedBalance),
			zap.Int64("available", vault.AvailableBalance))
		if _, err := r.store.CreateAlert(ctx, domain.Alert{
			Type:     domain.AlertTypeInvariantViolation,
			Severity: domain.SeverityCritical,
			VaultKey: vault.VaultKey,
			Message: fmt.Sprintf("balance invariant violated: %d != %d + %d",
				vault.TotalBalance, vault.AvailableBalance, vault.LockedBalance),
		}); err != nil {
			r.l.Error("failed to raise invariant alert", zap.Error(err))
		}
	}

	if vault.Utilization().GreaterThan(r.cfg.UtilizationWarningPercent) {
		if _, err := r.store.CreateAlert(ctx, domain.Alert{
			Type:     domain.AlertTypeHighUtilization,
			Severity: domain.SeverityWarning,
			VaultKey: vault.VaultKey,
			Message:  fmt.Sprintf("vault utilization at %s%%", vault.Utilization().Round(2)),
		}); err != nil {
			r.l.Error("failed to raise utilization alert", zap.Error(err))
		}
	}

	threshold := decimal.NewFromInt(vault.TotalBalance).Mul(r.cfg.LowBalanceFraction).IntPart()
	if threshold > 0 && vault.AvailableBalance < threshold {
		if _, err := r.store.CreateAlert(ctx, domain.Alert{
			Type:     domain.AlertTypeLowBalance,
			Severity: domain.SeverityWarning,
			VaultKey: vault.VaultKey,
			Message: fmt.Sprintf("available balance (%d) below threshold (%d)",
				vault.AvailableBalance, threshold),
		}); err != nil {
			r.l.Error("failed to raise low balance alert", zap.Error(err))
		}
	}
}

func (r *Reconciler) refreshTvl(ctx context.Context) {
	stats, err := r.store.TvlStats(ctx)
	if err != nil {
		r.l.Error("tvl stats refresh failed", zap.Error(err))
		return
	}
	if r.tvl != nil {
		r.tvl.SetTvl(stats)
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{Kind: events.KindTvlUpdated, Tvl: &stats})
	}
}

func (r *Reconciler) raiseSummaryAlert(ctx context.Context, summary PassSummary) {
	details, _ := json.Marshal(summary)
	if _, err := r.store.CreateAlert(ctx, domain.Alert{
		Type:     domain.AlertTypeReconciliationSummary,
		Severity: domain.SeverityWarning,
		Message: fmt.Sprintf("reconciliation found %d mismatches out of %d vaults",
			summary.Mismatches, summary.Vaults),
		Details: string(details),
	}); err != nil {
		r.l.Error("failed to raise summary alert", zap.Error(err))
	}
}
