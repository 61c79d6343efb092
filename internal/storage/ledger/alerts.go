package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/goquant/vaultmirror/internal/domain"
)

// CreateAlert raises a new alert in state "active" and returns its id.
func (s *Store) CreateAlert(ctx context.Context, a domain.Alert) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (alert_type, severity, vault_pubkey, message, details, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Type, a.Severity, nullIfEmpty(a.VaultKey), a.Message, nullIfEmpty(a.Details),
		domain.AlertActive, a.CreatedAt)
	if err != nil {
		return 0, errors.Wrap(err, "insert alert")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "alert insert id")
}

const alertColumns = `id, alert_type, severity, vault_pubkey, message, details, status,
	created_at, acknowledged_at, resolved_at`

func scanAlert(scan func(dest ...any) error) (domain.Alert, error) {
	var (
		a              domain.Alert
		vault, details sql.NullString
		ackedAt        sql.NullTime
		resolvedAt     sql.NullTime
	)
	err := scan(&a.ID, &a.Type, &a.Severity, &vault, &a.Message, &details, &a.Status,
		&a.CreatedAt, &ackedAt, &resolvedAt)
	if err != nil {
		return domain.Alert{}, err
	}
	a.VaultKey = vault.String
	a.Details = details.String
	if ackedAt.Valid {
		t := ackedAt.Time
		a.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

// GetAlert reads one alert.
func (s *Store) GetAlert(ctx context.Context, id int64) (domain.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Alert{}, ErrNotFound
	}
	if err != nil {
		return domain.Alert{}, errors.Wrap(err, "scan alert")
	}
	return a, nil
}

// AcknowledgeAlert moves an alert from active to acknowledged.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64) (domain.Alert, error) {
	a, err := s.GetAlert(ctx, id)
	if err != nil {
		return domain.Alert{}, err
	}
	if a.Status != domain.AlertActive {
		return domain.Alert{}, errors.Wrapf(ErrInvalidTransition,
			"alert %d: %s -> %s", id, a.Status, domain.AlertAcknowledged)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, acknowledged_at = ? WHERE id = ?`,
		domain.AlertAcknowledged, time.Now().UTC(), id)
	if err != nil {
		return domain.Alert{}, errors.Wrap(err, "acknowledge alert")
	}
	return s.GetAlert(ctx, id)
}

// ResolveAlert moves an acknowledged alert to resolved, recording notes.
// allowSkipAcknowledge permits the active -> resolved shortcut; callers gate
// it on the critical auto-resolve configuration option.
func (s *Store) ResolveAlert(ctx context.Context, id int64, notes string, allowSkipAcknowledge bool) (domain.Alert, error) {
	a, err := s.GetAlert(ctx, id)
	if err != nil {
		return domain.Alert{}, err
	}
	switch a.Status {
	case domain.AlertAcknowledged:
	case domain.AlertActive:
		if !allowSkipAcknowledge {
			return domain.Alert{}, errors.Wrapf(ErrInvalidTransition,
				"alert %d: %s -> %s requires acknowledgement", id, a.Status, domain.AlertResolved)
		}
	default:
		return domain.Alert{}, errors.Wrapf(ErrInvalidTransition,
			"alert %d: %s -> %s", id, a.Status, domain.AlertResolved)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, resolution_notes = NULLIF(?, ''), resolved_at = ? WHERE id = ?`,
		domain.AlertResolved, notes, time.Now().UTC(), id)
	if err != nil {
		return domain.Alert{}, errors.Wrap(err, "resolve alert")
	}
	return s.GetAlert(ctx, id)
}

// ListAlerts returns alerts newest first, optionally filtered by status.
func (s *Store) ListAlerts(ctx context.Context, status domain.AlertStatus, limit int64) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + alertColumns + ` FROM alerts ORDER BY created_at DESC, id DESC LIMIT ?`
	args := []any{limit}
	if status != "" {
		query = `SELECT ` + alertColumns + ` FROM alerts WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`
		args = []any{status, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query alerts")
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "scan alert")
		}
		alerts = append(alerts, a)
	}
	return alerts, errors.Wrap(rows.Err(), "iterate alerts")
}
