// Package applier validates and atomically applies balance-affecting
// operations to the vault mirror. Every accepted operation commits the
// mutated vault rows, its transaction record and its audit entry in one
// database transaction, then emits exactly one notification.
package applier

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/goquant/vaultmirror/internal/domain"
	"github.com/goquant/vaultmirror/internal/events"
	"github.com/goquant/vaultmirror/internal/storage/ledger"
	"github.com/goquant/vaultmirror/pkg/retrier"
)

// CacheInvalidator drops derived read views after a commit. The cache is
// never a source of truth for invariant checks.
type CacheInvalidator interface {
	InvalidateVault(vaultKey string)
	InvalidateTvl()
}

// Applier applies operations to the ledger store with per-vault
// serialization and signature-based idempotency.
type Applier struct {
	store *ledger.Store
	locks *lockManager
	bus   *events.Broadcaster
	cache CacheInvalidator
	retry *retrier.Retrier
	l     *zap.Logger
}

// New creates an Applier. bus and cache may be nil.
func New(store *ledger.Store, bus *events.Broadcaster, cache CacheInvalidator, logger *zap.Logger) *Applier {
	return &Applier{
		store: store,
		locks: newLockManager(),
		bus:   bus,
		cache: cache,
		retry: retrier.New(),
		l:     logger,
	}
}

// applyResult is the outcome of the atomic section.
type applyResult struct {
	primary     domain.Vault
	counterpart *domain.Vault
	duplicate   bool
}

// Apply validates and applies one operation, returning the post-operation
// view of the primary vault. Re-delivery of an already confirmed signature
// is a no-op returning the current view.
func (a *Applier) Apply(ctx context.Context, op domain.Operation) (domain.Vault, error) {
	if err := validate(op); err != nil {
		return domain.Vault{}, err
	}

	// Once the atomic section begins the operation runs to commit or to a
	// reported failure; it is never cancelled mid-flight.
	release := a.locks.acquire(op.VaultKeys())
	defer release()

	var res applyResult
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		var txErr error
		res, txErr = a.applyTx(ctx, op)
		return txErr
	})
	if err != nil {
		return domain.Vault{}, a.reportFailure(ctx, op, err)
	}

	if res.duplicate {
		a.l.Debug("duplicate operation absorbed",
			zap.String("tx_signature", op.TxSignature),
			zap.String("vault", op.VaultKey))
		return res.primary, nil
	}

	a.l.Info("operation applied",
		zap.String("op", op.String()),
		zap.Int64("total_balance", res.primary.TotalBalance),
		zap.Int64("locked_balance", res.primary.LockedBalance))

	a.invalidate(op)
	a.notify(op, res)

	return res.primary, nil
}

// applyTx runs the atomic section once: idempotency re-check, validation
// against current balances, mutation, and commit of rows + transaction
// record + audit entries.
func (a *Applier) applyTx(ctx context.Context, op domain.Operation) (applyResult, error) {
	var res applyResult
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := a.store.GetTransactionBySignatureTx(ctx, tx, op.TxSignature)
		recordExists := false
		switch {
		case err == nil:
			if existing.Status == domain.TxConfirmed {
				v, err := a.store.GetVaultTx(ctx, tx, op.VaultKey)
				if err != nil {
					return retrier.Permanent(mapStoreErr(err))
				}
				res = applyResult{primary: v, duplicate: true}
				return nil
			}
			recordExists = true
		case errors.Is(err, ledger.ErrNotFound):
		default:
			return errors.Wrap(err, "idempotency check")
		}

		primary, err := a.store.GetVaultTx(ctx, tx, op.VaultKey)
		if err != nil {
			return retrier.Permanent(mapStoreErr(err))
		}

		var counterpart *domain.Vault
		if op.Type == domain.TxTransfer {
			to, err := a.store.GetVaultTx(ctx, tx, op.ToVault)
			if err != nil {
				return retrier.Permanent(mapStoreErr(err))
			}
			counterpart = &to
		}

		before := primary
		var counterpartBefore domain.Vault
		if counterpart != nil {
			counterpartBefore = *counterpart
		}

		if err := mutate(op, &primary, counterpart); err != nil {
			return retrier.Permanent(err)
		}

		if !primary.VerifyInvariant() || (counterpart != nil && !counterpart.VerifyInvariant()) {
			return retrier.Permanent(errors.Wrapf(ErrIntegrity,
				"after %s on %s", op.Type, op.VaultKey))
		}

		if err := a.store.UpdateVaultBalancesTx(ctx, tx, primary); err != nil {
			return errors.Wrap(err, "write primary vault")
		}
		if counterpart != nil {
			if err := a.store.UpdateVaultBalancesTx(ctx, tx, *counterpart); err != nil {
				return errors.Wrap(err, "write counterpart vault")
			}
		}

		now := time.Now().UTC()
		if recordExists {
			if err := a.store.ConfirmTransactionTx(ctx, tx, op.TxSignature, op.Slot, op.BlockTime); err != nil {
				return err
			}
		} else {
			rec := domain.TransactionRecord{
				VaultKey:    op.VaultKey,
				TxSignature: op.TxSignature,
				Type:        op.Type,
				Amount:      op.Amount,
				Status:      domain.TxConfirmed,
				Slot:        op.Slot,
				BlockTime:   op.BlockTime,
				CreatedAt:   now,
				ConfirmedAt: &now,
			}
			if op.Type == domain.TxTransfer {
				rec.FromVault = op.VaultKey
				rec.ToVault = op.ToVault
			}
			if _, err := a.store.RecordTransactionTx(ctx, tx, rec); err != nil {
				return errors.Wrap(err, "record transaction")
			}
		}

		if err := a.appendOperationAudit(ctx, tx, op, before, primary); err != nil {
			return err
		}
		if counterpart != nil {
			if err := a.appendCounterpartAudit(ctx, tx, op, counterpartBefore, *counterpart); err != nil {
				return err
			}
		}

		res = applyResult{primary: primary, counterpart: counterpart}
		return nil
	})
	return res, err
}

func (a *Applier) appendOperationAudit(ctx context.Context, tx *sql.Tx, op domain.Operation, before, after domain.Vault) error {
	data := domain.BalanceChangeData{
		Operation:    op.Type,
		OldTotal:     before.TotalBalance,
		NewTotal:     after.TotalBalance,
		OldLocked:    before.LockedBalance,
		NewLocked:    after.LockedBalance,
		OldAvailable: before.AvailableBalance,
		NewAvailable: after.AvailableBalance,
		Counterparty: op.ToVault,
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encode audit payload")
	}
	_, err = a.store.AppendAuditTx(ctx, tx, domain.AuditEntry{
		EventType:   domain.AuditEventType(op.Type),
		VaultKey:    op.VaultKey,
		ActorKey:    before.OwnerKey,
		Amount:      op.Amount,
		TxSignature: op.TxSignature,
		EventData:   string(payload),
	})
	return errors.Wrap(err, "append audit entry")
}

func (a *Applier) appendCounterpartAudit(ctx context.Context, tx *sql.Tx, op domain.Operation, before, after domain.Vault) error {
	data := domain.BalanceChangeData{
		Operation:    op.Type,
		OldTotal:     before.TotalBalance,
		NewTotal:     after.TotalBalance,
		OldLocked:    before.LockedBalance,
		NewLocked:    after.LockedBalance,
		OldAvailable: before.AvailableBalance,
		NewAvailable: after.AvailableBalance,
		Counterparty: op.VaultKey,
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encode audit payload")
	}
	_, err = a.store.AppendAuditTx(ctx, tx, domain.AuditEntry{
		EventType:   domain.AuditBalanceChange,
		VaultKey:    after.VaultKey,
		ActorKey:    before.OwnerKey,
		Amount:      op.Amount,
		TxSignature: op.TxSignature,
		EventData:   string(payload),
	})
	return errors.Wrap(err, "append counterpart audit entry")
}

// reportFailure classifies a failed apply. Validation errors pass through
// untouched; everything else is recorded as a failed transaction plus an
// error audit entry, and integrity violations additionally raise a critical
// alert.
func (a *Applier) reportFailure(ctx context.Context, op domain.Operation, err error) error {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrNotFound):
		return err
	}

	a.l.Error("operation failed",
		zap.String("op", op.String()),
		zap.Error(err))

	rec := domain.TransactionRecord{
		VaultKey:    op.VaultKey,
		TxSignature: op.TxSignature,
		Type:        op.Type,
		Amount:      op.Amount,
		Status:      domain.TxFailed,
		Slot:        op.Slot,
		BlockTime:   op.BlockTime,
	}
	if op.Type == domain.TxTransfer {
		rec.FromVault = op.VaultKey
		rec.ToVault = op.ToVault
	}
	if _, recErr := a.store.RecordTransaction(ctx, rec); recErr != nil &&
		!errors.Is(recErr, ledger.ErrDuplicateSignature) {
		a.l.Error("failed to record failed transaction", zap.Error(recErr))
	}

	payload, _ := json.Marshal(map[string]string{
		"operation": string(op.Type),
		"error":     err.Error(),
	})
	if _, auditErr := a.store.AppendAudit(ctx, domain.AuditEntry{
		EventType:   domain.AuditError,
		VaultKey:    op.VaultKey,
		Amount:      op.Amount,
		TxSignature: op.TxSignature,
		EventData:   string(payload),
	}); auditErr != nil {
		a.l.Error("failed to append error audit entry", zap.Error(auditErr))
	}

	if errors.Is(err, ErrIntegrity) {
		if _, alertErr := a.store.CreateAlert(ctx, domain.Alert{
			Type:     domain.AlertTypeInvariantViolation,
			Severity: domain.SeverityCritical,
			VaultKey: op.VaultKey,
			Message:  err.Error(),
		}); alertErr != nil {
			a.l.Error("failed to raise invariant alert", zap.Error(alertErr))
		}
	}

	return errors.Wrap(ErrFatal, err.Error())
}

func (a *Applier) invalidate(op domain.Operation) {
	if a.cache == nil {
		return
	}
	a.cache.InvalidateVault(op.VaultKey)
	if op.Type == domain.TxTransfer {
		a.cache.InvalidateVault(op.ToVault)
	}
	a.cache.InvalidateTvl()
}

func (a *Applier) notify(op domain.Operation, res applyResult) {
	if a.bus == nil {
		return
	}
	primary := res.primary
	e := events.Event{
		Kind:        eventKind(op.Type),
		VaultKey:    primary.VaultKey,
		TxSignature: op.TxSignature,
		Amount:      op.Amount,
		Vault:       &primary,
		Counterpart: res.counterpart,
	}
	a.bus.Publish(e)
}

func eventKind(t domain.TransactionType) events.Kind {
	switch t {
	case domain.TxDeposit:
		return events.KindDeposit
	case domain.TxWithdraw:
		return events.KindWithdraw
	case domain.TxLock:
		return events.KindLock
	case domain.TxUnlock:
		return events.KindUnlock
	case domain.TxTransfer:
		return events.KindTransfer
	}
	return events.KindBalanceChanged
}

// validate rejects malformed operations before any lock is taken.
func validate(op domain.Operation) error {
	if !op.Type.Valid() {
		return errors.Wrapf(ErrInvalidAmount, "unknown operation type %q", op.Type)
	}
	if op.Amount <= 0 {
		return errors.Wrapf(ErrInvalidAmount, "amount %d", op.Amount)
	}
	if op.VaultKey == "" || op.TxSignature == "" {
		return errors.Wrap(ErrInvalidAmount, "vault key and tx signature are required")
	}
	if op.Type == domain.TxTransfer && (op.ToVault == "" || op.ToVault == op.VaultKey) {
		return errors.Wrap(ErrInvalidAmount, "transfer requires a distinct counterparty vault")
	}
	return nil
}

// mutate applies the balance rules of each operation kind to in-memory
// copies. Available balance is derived, so only total/locked/counters move here.
func mutate(op domain.Operation, primary *domain.Vault, counterpart *domain.Vault) error {
	switch op.Type {
	case domain.TxDeposit:
		primary.TotalBalance += op.Amount
		primary.TotalDeposited += op.Amount
	case domain.TxWithdraw:
		if !primary.HasAvailable(op.Amount) {
			return errors.Wrapf(ErrInsufficientBalance,
				"withdraw %d exceeds available %d", op.Amount, primary.AvailableBalance)
		}
		primary.TotalBalance -= op.Amount
		primary.TotalWithdrawn += op.Amount
	case domain.TxLock:
		if !primary.HasAvailable(op.Amount) {
			return errors.Wrapf(ErrInsufficientBalance,
				"lock %d exceeds available %d", op.Amount, primary.AvailableBalance)
		}
		primary.LockedBalance += op.Amount
	case domain.TxUnlock:
		if !primary.HasLocked(op.Amount) {
			return errors.Wrapf(ErrInsufficientBalance,
				"unlock %d exceeds locked %d", op.Amount, primary.LockedBalance)
		}
		primary.LockedBalance -= op.Amount
	case domain.TxTransfer:
		if !primary.HasAvailable(op.Amount) {
			return errors.Wrapf(ErrInsufficientBalance,
				"transfer %d exceeds available %d", op.Amount, primary.AvailableBalance)
		}
		// a transfer moves available funds only; locked balances are untouched.
		primary.TotalBalance -= op.Amount
		counterpart.TotalBalance += op.Amount
	}
	primary.AvailableBalance = primary.TotalBalance - primary.LockedBalance
	if counterpart != nil {
		counterpart.AvailableBalance = counterpart.TotalBalance - counterpart.LockedBalance
	}
	return nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return errors.Wrap(ErrNotFound, err.Error())
	}
	return err
}
