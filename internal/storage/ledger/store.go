// Package ledger is the durable mirror of vault state: vault rows, the
// append-only transaction log, the audit trail, reconciliation logs and
// alerts, all in one SQLite database so a balance mutation, its transaction
// record and its audit entry commit in a single transaction.
package ledger

import (
	"context"
	"database/sql"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/goquant/vaultmirror/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrDuplicateSignature = errors.New("duplicate transaction signature")
	ErrInvalidTransition  = errors.New("invalid lifecycle transition")
)

const schema = `
CREATE TABLE IF NOT EXISTS vaults (
	vault_pubkey    TEXT PRIMARY KEY,
	owner_pubkey    TEXT NOT NULL,
	token_account   TEXT NOT NULL,
	total_balance   INTEGER NOT NULL DEFAULT 0,
	locked_balance  INTEGER NOT NULL DEFAULT 0,
	total_deposited INTEGER NOT NULL DEFAULT 0,
	total_withdrawn INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vaults_owner ON vaults(owner_pubkey);

CREATE TABLE IF NOT EXISTS transactions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	vault_pubkey TEXT NOT NULL,
	tx_signature TEXT NOT NULL UNIQUE,
	tx_type      TEXT NOT NULL,
	amount       INTEGER NOT NULL,
	from_vault   TEXT,
	to_vault     TEXT,
	status       TEXT NOT NULL,
	slot         INTEGER,
	block_time   INTEGER,
	created_at   TIMESTAMP NOT NULL,
	confirmed_at TIMESTAMP,
	meta         TEXT
);
CREATE INDEX IF NOT EXISTS idx_tx_vault ON transactions(vault_pubkey, created_at DESC);

CREATE TABLE IF NOT EXISTS audit_trail (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type   TEXT NOT NULL,
	vault_pubkey TEXT,
	actor_pubkey TEXT,
	amount       INTEGER,
	tx_signature TEXT,
	event_data   TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_vault ON audit_trail(vault_pubkey, created_at);

CREATE TABLE IF NOT EXISTS reconciliation_logs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	vault_pubkey      TEXT NOT NULL,
	expected_balance  INTEGER NOT NULL,
	actual_balance    INTEGER NOT NULL,
	discrepancy       INTEGER NOT NULL,
	resolution_status TEXT NOT NULL,
	resolution_notes  TEXT,
	detected_at       TIMESTAMP NOT NULL,
	resolved_at       TIMESTAMP
);

CREATE TABLE IF NOT EXISTS alerts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_type       TEXT NOT NULL,
	severity         TEXT NOT NULL,
	vault_pubkey     TEXT,
	message          TEXT NOT NULL,
	details          TEXT,
	status           TEXT NOT NULL,
	resolution_notes TEXT,
	created_at       TIMESTAMP NOT NULL,
	acknowledged_at  TIMESTAMP,
	resolved_at      TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at DESC);
`

// Store wraps the SQLite database holding the mirror.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database at path.
// ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_loc=UTC"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_loc=UTC"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger db")
	}
	// sqlite allows a single writer; serialize through one connection so
	// concurrent appliers queue instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate ledger schema")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside one database transaction. Either every write in fn
// lands or none does.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// CreateVault inserts a new vault row. ErrAlreadyExists if the key is taken.
func (s *Store) CreateVault(ctx context.Context, v domain.Vault) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vaults (vault_pubkey, owner_pubkey, token_account, total_balance,
			locked_balance, total_deposited, total_withdrawn, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.VaultKey, v.OwnerKey, v.TokenAccount, v.TotalBalance,
		v.LockedBalance, v.TotalDeposited, v.TotalWithdrawn, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return errors.Wrap(err, "insert vault")
	}
	return nil
}

const vaultColumns = `vault_pubkey, owner_pubkey, token_account, total_balance,
	locked_balance, total_deposited, total_withdrawn, created_at, updated_at`

func scanVault(row *sql.Row) (domain.Vault, error) {
	var v domain.Vault
	err := row.Scan(&v.VaultKey, &v.OwnerKey, &v.TokenAccount, &v.TotalBalance,
		&v.LockedBalance, &v.TotalDeposited, &v.TotalWithdrawn, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Vault{}, ErrNotFound
	}
	if err != nil {
		return domain.Vault{}, errors.Wrap(err, "scan vault")
	}
	// available is derived, never stored.
	v.AvailableBalance = v.TotalBalance - v.LockedBalance
	return v, nil
}

// GetVault reads one vault row outside of any transaction.
func (s *Store) GetVault(ctx context.Context, vaultKey string) (domain.Vault, error) {
	return getVault(ctx, s.db, vaultKey)
}

// GetVaultTx reads one vault row inside the given transaction.
func (s *Store) GetVaultTx(ctx context.Context, tx *sql.Tx, vaultKey string) (domain.Vault, error) {
	return getVault(ctx, tx, vaultKey)
}

func getVault(ctx context.Context, q querier, vaultKey string) (domain.Vault, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM vaults WHERE vault_pubkey = ?`, vaultKey)
	return scanVault(row)
}

// GetVaultByOwner returns the vault owned by ownerKey.
func (s *Store) GetVaultByOwner(ctx context.Context, ownerKey string) (domain.Vault, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM vaults WHERE owner_pubkey = ? LIMIT 1`, ownerKey)
	return scanVault(row)
}

// ListVaults returns vaults ordered by creation time plus the total count.
func (s *Store) ListVaults(ctx context.Context, limit, offset int64) ([]domain.Vault, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vaults`).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count vaults")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+vaultColumns+` FROM vaults ORDER BY created_at, vault_pubkey LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list vaults")
	}
	defer rows.Close()

	var vaults []domain.Vault
	for rows.Next() {
		var v domain.Vault
		if err := rows.Scan(&v.VaultKey, &v.OwnerKey, &v.TokenAccount, &v.TotalBalance,
			&v.LockedBalance, &v.TotalDeposited, &v.TotalWithdrawn, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, 0, errors.Wrap(err, "scan vault")
		}
		v.AvailableBalance = v.TotalBalance - v.LockedBalance
		vaults = append(vaults, v)
	}
	return vaults, total, errors.Wrap(rows.Err(), "iterate vaults")
}

// UpdateVaultBalancesTx writes the mutated balance fields of a vault inside
// the operation's transaction.
func (s *Store) UpdateVaultBalancesTx(ctx context.Context, tx *sql.Tx, v domain.Vault) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE vaults SET total_balance = ?, locked_balance = ?, total_deposited = ?,
			total_withdrawn = ?, updated_at = ? WHERE vault_pubkey = ?`,
		v.TotalBalance, v.LockedBalance, v.TotalDeposited, v.TotalWithdrawn,
		time.Now().UTC(), v.VaultKey)
	if err != nil {
		return errors.Wrap(err, "update vault balances")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
