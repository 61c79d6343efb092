// Package ingest consumes confirmed operation facts from the authoritative
// chain and feeds them to the applier. Facts arrive at least once, possibly
// out of order, and may duplicate operations already applied through the
// request path; the transaction signature absorbs all of that.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/goquant/vaultmirror/internal/applier"
	"github.com/goquant/vaultmirror/internal/domain"
	"github.com/goquant/vaultmirror/internal/storage/ledger"
)

const defaultReorgDepth = 32

// Ingestor drains a fact stream into the applier.
type Ingestor struct {
	applier    *applier.Applier
	store      *ledger.Store
	reorgDepth int64
	l          *zap.Logger
}

// New creates an Ingestor. reorgDepth bounds how far behind the newest
// confirmed slot a fact may be before it is flagged as belonging to an
// invalidated fork.
func New(app *applier.Applier, store *ledger.Store, reorgDepth int64, logger *zap.Logger) *Ingestor {
	if reorgDepth <= 0 {
		reorgDepth = defaultReorgDepth
	}
	return &Ingestor{applier: app, store: store, reorgDepth: reorgDepth, l: logger}
}

// Run consumes facts until the channel closes or ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context, facts <-chan domain.OperationFact) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fact, ok := <-facts:
			if !ok {
				return nil
			}
			i.process(ctx, fact)
		}
	}
}

func (i *Ingestor) process(ctx context.Context, fact domain.OperationFact) {
	// Cheap duplicate absorption before any fork policy: a re-delivered
	// canonical fact must stay a no-op regardless of its slot.
	if rec, err := i.store.GetTransactionBySignature(ctx, fact.TxSignature); err == nil &&
		rec.Status == domain.TxConfirmed {
		i.l.Debug("fact already applied",
			zap.String("tx_signature", fact.TxSignature))
		return
	}

	stale, err := i.isForkFact(ctx, fact)
	if err != nil {
		i.l.Error("fork check failed", zap.Error(err),
			zap.String("tx_signature", fact.TxSignature))
		return
	}
	if stale {
		i.flagForkFact(ctx, fact)
		return
	}

	op := fact.Operation()
	if _, err := i.applier.Apply(ctx, op); err != nil {
		switch {
		case errors.Is(err, applier.ErrInvalidAmount),
			errors.Is(err, applier.ErrInsufficientBalance),
			errors.Is(err, applier.ErrNotFound):
			// Caller-class errors are final for a confirmed fact; the
			// applier already surfaced them, nothing to retry.
			i.l.Warn("confirmed fact rejected",
				zap.String("op", op.String()),
				zap.Error(err))
		default:
			i.l.Error("failed to apply confirmed fact",
				zap.String("op", op.String()),
				zap.Error(err))
		}
	}
}

// isForkFact reports whether the fact's slot falls so far behind the
// vault's newest confirmed slot that it must come from reorganized history.
func (i *Ingestor) isForkFact(ctx context.Context, fact domain.OperationFact) (bool, error) {
	if fact.Slot <= 0 {
		return false, nil
	}
	latest, err := i.store.LatestConfirmedSlot(ctx, fact.VaultKey)
	if err != nil {
		return false, err
	}
	return latest > 0 && fact.Slot < latest-i.reorgDepth, nil
}

// flagForkFact records a fact from invalidated chain history: never applied,
// surfaced as an error audit entry plus a warning alert.
func (i *Ingestor) flagForkFact(ctx context.Context, fact domain.OperationFact) {
	i.l.Warn("fact from invalidated fork, not applied",
		zap.String("tx_signature", fact.TxSignature),
		zap.Int64("slot", fact.Slot))

	payload, _ := json.Marshal(map[string]any{
		"reason":       "fork_fact",
		"tx_signature": fact.TxSignature,
		"slot":         fact.Slot,
		"operation":    string(fact.Type),
	})
	if _, err := i.store.AppendAudit(ctx, domain.AuditEntry{
		EventType:   domain.AuditError,
		VaultKey:    fact.VaultKey,
		Amount:      fact.Amount,
		TxSignature: fact.TxSignature,
		EventData:   string(payload),
	}); err != nil {
		i.l.Error("failed to audit fork fact", zap.Error(err))
	}

	if _, err := i.store.CreateAlert(ctx, domain.Alert{
		Type:     domain.AlertTypeForkFact,
		Severity: domain.SeverityWarning,
		VaultKey: fact.VaultKey,
		Message:  "operation fact from invalidated fork was not applied",
		Details:  string(payload),
	}); err != nil {
		i.l.Error("failed to raise fork alert", zap.Error(err))
	}
}
