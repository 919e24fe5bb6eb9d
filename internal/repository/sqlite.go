package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"cale-agent/internal/domain"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// SQLiteStore is the local chat history table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func NewSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repository: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("repository: open database: %w", err)
	}
	// One connection serialises writers; concurrent users only contend here.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: run migrations: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// DB exposes the underlying handle for other tables in the same file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, userID int64, role domain.Role, text string) (domain.ChatMessage, error) {
	if !role.Valid() {
		return domain.ChatMessage{}, domain.NewError(domain.ErrorInvalidInput, "invalid_role", fmt.Errorf("repository: role %q", role))
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (user_id, role, message, created_at) VALUES (?, ?, ?, ?)`,
		userID, string(role), text, now.UnixNano(),
	)
	if err != nil {
		return domain.ChatMessage{}, domain.NewError(domain.ErrorStorage, "sqlite_append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.ChatMessage{}, domain.NewError(domain.ErrorStorage, "sqlite_append_id", err)
	}
	return domain.ChatMessage{ID: id, UserID: userID, Role: role, Text: text, CreatedAt: now}, nil
}

// Recent returns up to limit messages, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, userID int64, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role, message, created_at
		FROM chat_history
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, domain.NewError(domain.ErrorStorage, "sqlite_recent", err)
	}
	defer rows.Close()

	msgs := make([]domain.ChatMessage, 0, limit)
	for rows.Next() {
		var (
			m       domain.ChatMessage
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &role, &m.Text, &created); err != nil {
			return nil, domain.NewError(domain.ErrorStorage, "sqlite_recent_scan", err)
		}
		if m.Role, err = domain.ParseRole(role); err != nil {
			return nil, domain.NewError(domain.ErrorStorage, "sqlite_recent_role", err)
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewError(domain.ErrorStorage, "sqlite_recent_rows", err)
	}
	reverse(msgs)
	return msgs, nil
}

// Prune keeps only the keepLast newest messages for userID and reports how
// many rows were removed.
func (s *SQLiteStore) Prune(ctx context.Context, userID int64, keepLast int) (int, error) {
	if keepLast < 0 {
		return 0, domain.NewError(domain.ErrorInvalidInput, "negative_keep_last", nil)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM chat_history
		WHERE user_id = ?
		AND id NOT IN (
			SELECT id FROM chat_history
			WHERE user_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`, userID, userID, keepLast)
	if err != nil {
		return 0, domain.NewError(domain.ErrorStorage, "sqlite_prune", err)
	}
	return rowsAffected(res, "sqlite_prune")
}

func (s *SQLiteStore) Wipe(ctx context.Context, userID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE user_id = ?`, userID)
	if err != nil {
		return 0, domain.NewError(domain.ErrorStorage, "sqlite_wipe", err)
	}
	return rowsAffected(res, "sqlite_wipe")
}

// Users lists every user with at least one stored message.
func (s *SQLiteStore) Users(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM chat_history ORDER BY user_id`)
	if err != nil {
		return nil, domain.NewError(domain.ErrorStorage, "sqlite_users", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, domain.NewError(domain.ErrorStorage, "sqlite_users_scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewError(domain.ErrorStorage, "sqlite_users_rows", err)
	}
	return ids, nil
}

func rowsAffected(res sql.Result, reason string) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewError(domain.ErrorStorage, reason+"_rows", err)
	}
	return int(n), nil
}

func reverse(msgs []domain.ChatMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
