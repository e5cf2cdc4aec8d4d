// Package sqlite provides a SQLite-backed implementation of accounts.Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ggoodman/botfleet/accounts"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	username TEXT UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	credential_snapshot TEXT,
	elapsed_seconds INTEGER NOT NULL DEFAULT 0,
	display_name TEXT NOT NULL DEFAULT '',
	profile_url TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	command_prefix TEXT NOT NULL DEFAULT '',
	bot_name TEXT NOT NULL DEFAULT '',
	admins TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

const columns = `account_id, username, password_hash, token, credential_snapshot, elapsed_seconds,
	display_name, profile_url, avatar_url, command_prefix, bot_name, admins, created_at, updated_at`

// Store implements accounts.Store on a SQLite database file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and migrates the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, rec *accounts.Record) error {
	now := s.now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	admins, err := json.Marshal(nonNil(rec.Admins))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE account_id = ?`, rec.AccountID).Scan(&one)
	switch {
	case err == nil:
		return accounts.ErrExists
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO accounts (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AccountID, nullable(rec.Username), rec.PasswordHash, rec.Token, snapshotValue(rec.CredentialSnapshot),
		rec.ElapsedSeconds, rec.DisplayName, rec.ProfileURL, rec.AvatarURL, rec.CommandPrefix, rec.BotName,
		string(admins), created.UnixNano(), now.UnixNano())
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return accounts.ErrUsernameTaken
		}
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return accounts.ErrExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return tx.Commit()
}

func (s *Store) FindByID(ctx context.Context, accountID string) (*accounts.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM accounts WHERE account_id = ?`, accountID)
	return scanRecord(row)
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*accounts.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM accounts WHERE username = ?`, username)
	return scanRecord(row)
}

func (s *Store) Update(ctx context.Context, accountID string, patch accounts.Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM accounts WHERE account_id = ?`, accountID))
	if err != nil {
		return err
	}
	patch.Apply(rec, s.now().UTC())
	admins, err := json.Marshal(nonNil(rec.Admins))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE accounts SET token = ?, credential_snapshot = ?, elapsed_seconds = ?,
		display_name = ?, profile_url = ?, avatar_url = ?, command_prefix = ?, bot_name = ?, admins = ?, updated_at = ?
		WHERE account_id = ?`,
		rec.Token, snapshotValue(rec.CredentialSnapshot), rec.ElapsedSeconds, rec.DisplayName, rec.ProfileURL,
		rec.AvatarURL, rec.CommandPrefix, rec.BotName, string(admins), rec.UpdatedAt.UnixNano(), accountID)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func (s *Store) ListRestorable(ctx context.Context) ([]*accounts.Record, error) {
	return s.query(ctx, `SELECT `+columns+` FROM accounts
		WHERE credential_snapshot IS NOT NULL AND credential_snapshot != '' ORDER BY account_id`)
}

func (s *Store) List(ctx context.Context) ([]*accounts.Record, error) {
	return s.query(ctx, `SELECT `+columns+` FROM accounts ORDER BY account_id`)
}

func (s *Store) query(ctx context.Context, q string) ([]*accounts.Record, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*accounts.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*accounts.Record, error) {
	var (
		rec                  accounts.Record
		username, snapshot   sql.NullString
		admins               string
		createdAt, updatedAt int64
	)
	err := sc.Scan(&rec.AccountID, &username, &rec.PasswordHash, &rec.Token, &snapshot, &rec.ElapsedSeconds,
		&rec.DisplayName, &rec.ProfileURL, &rec.AvatarURL, &rec.CommandPrefix, &rec.BotName, &admins,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, accounts.ErrNotFound
		}
		return nil, err
	}
	rec.Username = username.String
	if snapshot.Valid && snapshot.String != "" {
		rec.CredentialSnapshot = json.RawMessage(snapshot.String)
	}
	if err := json.Unmarshal([]byte(admins), &rec.Admins); err != nil {
		return nil, fmt.Errorf("decode admins: %w", err)
	}
	if len(rec.Admins) == 0 {
		rec.Admins = nil
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func snapshotValue(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ accounts.Store = (*Store)(nil)
