package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/goquant/vaultmirror/internal/domain"
)

// CreateReconciliationLog records a detected discrepancy in state "detected".
func (s *Store) CreateReconciliationLog(ctx context.Context, l domain.ReconciliationLog) (int64, error) {
	if l.DetectedAt.IsZero() {
		l.DetectedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reconciliation_logs (vault_pubkey, expected_balance, actual_balance,
			discrepancy, resolution_status, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.VaultKey, l.ExpectedBalance, l.ActualBalance, l.Discrepancy,
		domain.ReconciliationDetected, l.DetectedAt)
	if err != nil {
		return 0, errors.Wrap(err, "insert reconciliation log")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "reconciliation insert id")
}

// GetReconciliationLog reads one reconciliation log entry.
func (s *Store) GetReconciliationLog(ctx context.Context, id int64) (domain.ReconciliationLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, vault_pubkey, expected_balance, actual_balance, discrepancy,
			resolution_status, resolution_notes, detected_at, resolved_at
		 FROM reconciliation_logs WHERE id = ?`, id)

	var (
		l          domain.ReconciliationLog
		notes      sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&l.ID, &l.VaultKey, &l.ExpectedBalance, &l.ActualBalance,
		&l.Discrepancy, &l.Status, &notes, &l.DetectedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReconciliationLog{}, ErrNotFound
	}
	if err != nil {
		return domain.ReconciliationLog{}, errors.Wrap(err, "scan reconciliation log")
	}
	l.ResolutionNotes = notes.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		l.ResolvedAt = &t
	}
	return l, nil
}

// TransitionReconciliation moves a reconciliation log one step forward in
// its state machine, recording notes and, for resolution, the timestamp.
// ErrInvalidTransition when the step would skip or rewind a state.
func (s *Store) TransitionReconciliation(ctx context.Context, id int64, next domain.ReconciliationStatus, notes string) (domain.ReconciliationLog, error) {
	current, err := s.GetReconciliationLog(ctx, id)
	if err != nil {
		return domain.ReconciliationLog{}, err
	}
	if !current.Status.CanTransitionTo(next) {
		return domain.ReconciliationLog{}, errors.Wrapf(ErrInvalidTransition,
			"reconciliation %d: %s -> %s", id, current.Status, next)
	}

	var resolvedAt any
	if next == domain.ReconciliationResolved {
		resolvedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE reconciliation_logs SET resolution_status = ?,
			resolution_notes = COALESCE(NULLIF(?, ''), resolution_notes),
			resolved_at = COALESCE(?, resolved_at)
		 WHERE id = ?`,
		next, notes, resolvedAt, id)
	if err != nil {
		return domain.ReconciliationLog{}, errors.Wrap(err, "transition reconciliation")
	}
	return s.GetReconciliationLog(ctx, id)
}

// OpenReconciliations lists unresolved reconciliation logs, oldest first.
func (s *Store) OpenReconciliations(ctx context.Context, limit int64) ([]domain.ReconciliationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vault_pubkey, expected_balance, actual_balance, discrepancy,
			resolution_status, resolution_notes, detected_at, resolved_at
		 FROM reconciliation_logs WHERE resolution_status != ? ORDER BY detected_at LIMIT ?`,
		domain.ReconciliationResolved, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query reconciliation logs")
	}
	defer rows.Close()

	var logs []domain.ReconciliationLog
	for rows.Next() {
		var (
			l          domain.ReconciliationLog
			notes      sql.NullString
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&l.ID, &l.VaultKey, &l.ExpectedBalance, &l.ActualBalance,
			&l.Discrepancy, &l.Status, &notes, &l.DetectedAt, &resolvedAt); err != nil {
			return nil, errors.Wrap(err, "scan reconciliation log")
		}
		l.ResolutionNotes = notes.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			l.ResolvedAt = &t
		}
		logs = append(logs, l)
	}
	return logs, errors.Wrap(rows.Err(), "iterate reconciliation logs")
}
