package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/goquant/vaultmirror/internal/domain"
)

// AppendAuditTx appends an audit entry inside the operation's transaction so
// the entry and the balance mutation it describes share one commit.
func (s *Store) AppendAuditTx(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) (int64, error) {
	return appendAudit(ctx, tx, e)
}

// AppendAudit appends a standalone audit entry (reconciliation, alert and
// error events that do not ride an operation commit).
func (s *Store) AppendAudit(ctx context.Context, e domain.AuditEntry) (int64, error) {
	return appendAudit(ctx, s.db, e)
}

func appendAudit(ctx context.Context, q querier, e domain.AuditEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.EventData == "" {
		e.EventData = "{}"
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO audit_trail (event_type, vault_pubkey, actor_pubkey, amount,
			tx_signature, event_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventType, nullIfEmpty(e.VaultKey), nullIfEmpty(e.ActorKey),
		nullIfZero(e.Amount), nullIfEmpty(e.TxSignature), e.EventData, e.CreatedAt)
	if err != nil {
		return 0, errors.Wrap(err, "insert audit entry")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "audit insert id")
}

// AuditTrail returns audit entries for a vault in append order.
func (s *Store) AuditTrail(ctx context.Context, vaultKey string, limit int64) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, event_type, vault_pubkey, actor_pubkey, amount, tx_signature,
		event_data, created_at FROM audit_trail ORDER BY id LIMIT ?`
	args := []any{limit}
	if vaultKey != "" {
		query = `SELECT id, event_type, vault_pubkey, actor_pubkey, amount, tx_signature,
			event_data, created_at FROM audit_trail WHERE vault_pubkey = ? ORDER BY id LIMIT ?`
		args = []any{vaultKey, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query audit trail")
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e        domain.AuditEntry
			vault    sql.NullString
			actor    sql.NullString
			amount   sql.NullInt64
			txSig    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventType, &vault, &actor, &amount, &txSig,
			&e.EventData, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		e.VaultKey = vault.String
		e.ActorKey = actor.String
		e.Amount = amount.Int64
		e.TxSignature = txSig.String
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "iterate audit trail")
}
