package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/goquant/vaultmirror/internal/domain"
)

const txColumns = `id, vault_pubkey, tx_signature, tx_type, amount, from_vault,
	to_vault, status, slot, block_time, created_at, confirmed_at, meta`

func scanTransaction(scan func(dest ...any) error) (domain.TransactionRecord, error) {
	var (
		rec         domain.TransactionRecord
		fromVault   sql.NullString
		toVault     sql.NullString
		slot        sql.NullInt64
		blockTime   sql.NullInt64
		confirmedAt sql.NullTime
		meta        sql.NullString
	)
	err := scan(&rec.ID, &rec.VaultKey, &rec.TxSignature, &rec.Type, &rec.Amount,
		&fromVault, &toVault, &rec.Status, &slot, &blockTime, &rec.CreatedAt, &confirmedAt, &meta)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	rec.FromVault = fromVault.String
	rec.ToVault = toVault.String
	rec.Slot = slot.Int64
	rec.BlockTime = blockTime.Int64
	rec.Meta = meta.String
	if confirmedAt.Valid {
		t := confirmedAt.Time
		rec.ConfirmedAt = &t
	}
	return rec, nil
}

// GetTransactionBySignature looks up a transaction record by its signature.
func (s *Store) GetTransactionBySignature(ctx context.Context, sig string) (domain.TransactionRecord, error) {
	return getTransactionBySignature(ctx, s.db, sig)
}

// GetTransactionBySignatureTx is GetTransactionBySignature inside a transaction.
func (s *Store) GetTransactionBySignatureTx(ctx context.Context, tx *sql.Tx, sig string) (domain.TransactionRecord, error) {
	return getTransactionBySignature(ctx, tx, sig)
}

func getTransactionBySignature(ctx context.Context, q querier, sig string) (domain.TransactionRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE tx_signature = ?`, sig)
	rec, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TransactionRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.TransactionRecord{}, errors.Wrap(err, "scan transaction")
	}
	return rec, nil
}

// RecordTransactionTx appends a transaction record inside the operation's
// transaction. ErrDuplicateSignature if the signature was already recorded.
func (s *Store) RecordTransactionTx(ctx context.Context, tx *sql.Tx, rec domain.TransactionRecord) (int64, error) {
	return recordTransaction(ctx, tx, rec)
}

// RecordTransaction appends a transaction record outside of any transaction,
// used for marking operations failed after a rolled-back atomic section.
func (s *Store) RecordTransaction(ctx context.Context, rec domain.TransactionRecord) (int64, error) {
	return recordTransaction(ctx, s.db, rec)
}

func recordTransaction(ctx context.Context, q querier, rec domain.TransactionRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var confirmedAt any
	if rec.ConfirmedAt != nil {
		confirmedAt = *rec.ConfirmedAt
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO transactions (vault_pubkey, tx_signature, tx_type, amount, from_vault,
			to_vault, status, slot, block_time, created_at, confirmed_at, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.VaultKey, rec.TxSignature, rec.Type, rec.Amount,
		nullIfEmpty(rec.FromVault), nullIfEmpty(rec.ToVault), rec.Status,
		nullIfZero(rec.Slot), nullIfZero(rec.BlockTime), rec.CreatedAt, confirmedAt,
		nullIfEmpty(rec.Meta))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateSignature
		}
		return 0, errors.Wrap(err, "insert transaction")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "transaction insert id")
}

// ConfirmTransactionTx flips a previously failed or pending record with this
// signature to confirmed inside the operation's transaction.
func (s *Store) ConfirmTransactionTx(ctx context.Context, tx *sql.Tx, sig string, slot, blockTime int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = ?, confirmed_at = ?,
			slot = COALESCE(NULLIF(?, 0), slot), block_time = COALESCE(NULLIF(?, 0), block_time)
		 WHERE tx_signature = ?`,
		domain.TxConfirmed, time.Now().UTC(), slot, blockTime, sig)
	return errors.Wrap(err, "confirm transaction")
}

// TransactionHistory returns recent transactions, newest first, optionally
// scoped to one vault.
func (s *Store) TransactionHistory(ctx context.Context, vaultKey string, limit int64) ([]domain.TransactionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + txColumns + ` FROM transactions ORDER BY id DESC LIMIT ?`
	args := []any{limit}
	if vaultKey != "" {
		query = `SELECT ` + txColumns + ` FROM transactions
			WHERE vault_pubkey = ? OR from_vault = ? OR to_vault = ?
			ORDER BY id DESC LIMIT ?`
		args = []any{vaultKey, vaultKey, vaultKey, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query transactions")
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		rec, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "iterate transactions")
}

// NewestTransactionAt returns the creation time of the vault's newest
// transaction record. ok is false when the vault has no transactions.
func (s *Store) NewestTransactionAt(ctx context.Context, vaultKey string) (time.Time, bool, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM transactions WHERE vault_pubkey = ?`, vaultKey).Scan(&ts)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "newest transaction time")
	}
	return ts.Time, ts.Valid, nil
}

// LatestConfirmedSlot returns the highest confirmed slot seen for a vault,
// zero when none carried slot metadata.
func (s *Store) LatestConfirmedSlot(ctx context.Context, vaultKey string) (int64, error) {
	var slot sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(slot) FROM transactions WHERE status = ? AND (vault_pubkey = ? OR from_vault = ? OR to_vault = ?)`,
		domain.TxConfirmed, vaultKey, vaultKey, vaultKey).Scan(&slot)
	if err != nil {
		return 0, errors.Wrap(err, "latest confirmed slot")
	}
	return slot.Int64, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
