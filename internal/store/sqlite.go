// Package store is the SQLite persistence layer: key-value storage for the
// alias book and error log, the chat-history mirror, and the validated query
// surface behind the db.* tools.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"tabpilot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.KV and domain.HistoryStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key         TEXT PRIMARY KEY,
		value       BLOB,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS chat_history (
		chat_id       TEXT PRIMARY KEY,
		display_name  TEXT,
		last_seen_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_history_seen ON chat_history(last_seen_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		tool        TEXT NOT NULL,
		ok          INTEGER NOT NULL,
		args        TEXT,
		error       TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Persist implements domain.KV.
func (s *SQLiteStore) Persist(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now(),
	)
	return err
}

// Read implements domain.KV. A missing key returns (nil, nil).
func (s *SQLiteStore) Read(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// RecordConversation upserts one chat-history row, keeping the newest
// display name and timestamp per chat.
func (s *SQLiteStore) RecordConversation(ctx context.Context, row domain.HistoryRow) error {
	if row.LastSeenAt.IsZero() {
		row.LastSeenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (chat_id, display_name, last_seen_at) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   last_seen_at = MAX(last_seen_at, excluded.last_seen_at)`,
		row.ChatID, row.DisplayName, row.LastSeenAt,
	)
	return err
}

// RecentConversations implements domain.HistoryStore, newest first.
func (s *SQLiteStore) RecentConversations(ctx context.Context, limit int) ([]domain.HistoryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, display_name, last_seen_at
		 FROM chat_history ORDER BY last_seen_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HistoryRow
	for rows.Next() {
		var r domain.HistoryRow
		var name sql.NullString
		if err := rows.Scan(&r.ChatID, &name, &r.LastSeenAt); err != nil {
			return nil, err
		}
		r.DisplayName = name.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogAudit appends one executed tool call to the audit trail.
func (s *SQLiteStore) LogAudit(ctx context.Context, tool string, ok bool, args, errMsg string) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (tool, ok, args, error) VALUES (?, ?, ?, ?)`,
		tool, okInt, args, errMsg,
	)
	return err
}

var writeWherePattern = regexp.MustCompile(`(?is)\bWHERE\b`)

// QueryRead runs a read-only statement and returns its rows as maps. Anything
// other than a single SELECT is rejected before touching the database.
func (s *SQLiteStore) QueryRead(ctx context.Context, query string, params ...any) ([]map[string]any, error) {
	stmt := strings.TrimSpace(query)
	if err := validateReadOnly(stmt); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, &domain.DomainError{Surface: "db.queryRead", Reason: err.Error()}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, isBytes := values[i].([]byte); isBytes {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// QueryWrite runs a mutating statement. UPDATE and DELETE must carry a WHERE
// clause; a bare full-table write is rejected as a validation error.
func (s *SQLiteStore) QueryWrite(ctx context.Context, query string, params ...any) (int64, error) {
	stmt := strings.TrimSpace(query)
	if err := validateWrite(stmt); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, stmt, params...)
	if err != nil {
		return 0, &domain.DomainError{Surface: "db.queryWrite", Reason: err.Error()}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func validateReadOnly(stmt string) error {
	upper := strings.ToUpper(stmt)
	if !strings.HasPrefix(upper, "SELECT") {
		return &domain.ValidationError{Tool: "db.queryRead",
			Reason: "only SELECT statements are permitted on the read path"}
	}
	if strings.Contains(strings.TrimRight(stmt, "; \t\n"), ";") {
		return &domain.ValidationError{Tool: "db.queryRead",
			Reason: "multiple statements are not permitted"}
	}
	return nil
}

func validateWrite(stmt string) error {
	upper := strings.ToUpper(stmt)
	switch {
	case strings.HasPrefix(upper, "INSERT"):
		return nil
	case strings.HasPrefix(upper, "UPDATE"), strings.HasPrefix(upper, "DELETE"):
		if !writeWherePattern.MatchString(stmt) {
			return &domain.ValidationError{Tool: "db.queryWrite",
				Reason: "UPDATE/DELETE requires a WHERE clause"}
		}
		return nil
	default:
		return &domain.ValidationError{Tool: "db.queryWrite",
			Reason: "only INSERT, UPDATE and DELETE statements are permitted on the write path"}
	}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
