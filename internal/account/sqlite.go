package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const accountsSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	aor     TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 1
)`

// SQLite keeps the account directory in a sqlite database
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the account database at path
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open account database: %w", err)
	}
	// a single connection serialises writers and keeps in-memory databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(accountsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize account schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// IsValidAccount implements Checker. Unknown and disabled accounts are invalid.
func (s *SQLite) IsValidAccount(ctx context.Context, aor string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM accounts WHERE aor = ?`, normalize(aor)).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("account lookup for %s failed: %w", aor, err)
	}
	return enabled != 0, nil
}

// Add creates or re-enables an account
func (s *SQLite) Add(ctx context.Context, aor string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (aor, enabled) VALUES (?, 1)
		 ON CONFLICT(aor) DO UPDATE SET enabled = 1`, normalize(aor))
	if err != nil {
		return fmt.Errorf("failed to add account %s: %w", aor, err)
	}
	return nil
}

// Disable marks an account invalid without deleting it
func (s *SQLite) Disable(ctx context.Context, aor string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET enabled = 0 WHERE aor = ?`, normalize(aor))
	if err != nil {
		return fmt.Errorf("failed to disable account %s: %w", aor, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account not found: %s", aor)
	}
	return nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}
