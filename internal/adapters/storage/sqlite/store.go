package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
	_ "modernc.org/sqlite"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// Store persists the live action set in one sqlite table, keyed by id and ordered by position.
type Store struct {
	db *sql.DB
}

var _ app.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newStore(db)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// Every pooled connection would otherwise get its own empty database.
	db.SetMaxOpenConns(1)
	return newStore(db)
}

func newStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS actions (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			record_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			next_retry_at TEXT,
			next_sync_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_position ON actions(position);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status, priority);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_group ON actions(group_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// Save replaces the stored set with actions, keeping their order.
func (s *Store) Save(ctx context.Context, actions []domain.Action) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM actions`); err != nil {
		return fmt.Errorf("clear actions: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO actions(id, position, type, status, priority, group_id, record_json, created_at, updated_at, next_retry_at, next_sync_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, a := range actions {
		if err = insertAction(ctx, stmt, i, a); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func insertAction(ctx context.Context, stmt *sql.Stmt, position int, a domain.Action) error {
	record, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", a.ID, err)
	}
	_, err = stmt.ExecContext(ctx,
		a.ID,
		position,
		string(a.Type),
		string(a.Status),
		string(a.Priority),
		a.GroupID,
		string(record),
		ts(a.Metadata.CreatedAt),
		ts(a.Metadata.UpdatedAt),
		nullableTS(a.Metadata.NextRetryAt),
		nullableTS(a.NextSyncAttempt),
	)
	if err != nil {
		return fmt.Errorf("insert action %s: %w", a.ID, err)
	}
	return nil
}

// Load returns every stored action in saved order.
func (s *Store) Load(ctx context.Context) ([]domain.Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record_json FROM actions ORDER BY position ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Remove deletes one action. Removing an unknown id is not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id)
	return err
}

// Clear deletes every stored action.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM actions`)
	return err
}

// scanner represents scanner data used by this package.
type scanner interface {
	Scan(dest ...any) error
}

func scanAction(s scanner) (domain.Action, error) {
	var (
		id     string
		record string
	)
	if err := s.Scan(&id, &record); err != nil {
		return domain.Action{}, err
	}
	var a domain.Action
	if err := json.Unmarshal([]byte(record), &a); err != nil {
		return domain.Action{}, fmt.Errorf("decode action %s record_json: %w", id, err)
	}
	return a, nil
}

// ts formats t for a TEXT column.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}
