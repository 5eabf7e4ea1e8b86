package todo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const todoSQLiteSchema = `
CREATE TABLE IF NOT EXISTS todos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	description TEXT,
	completed INTEGER NOT NULL DEFAULT 0,
	favorite INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_todos_completed
ON todos(completed, id);`

const todoColumns = "id, title, description, completed, favorite, created_at, updated_at"

// SQLiteStoreConfig configures the SQLite todo store.
type SQLiteStoreConfig struct {
	DSN string
	Now func() time.Time
}

// SQLiteStore persists todo records in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultSQLitePath returns ~/.petaltodo/todos.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, ".petaltodo", "todos.db"), nil
}

// NewSQLiteStore opens (or creates) a SQLite-backed todo store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("todo store sqlite dsn is required")
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("todo sqlite store create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("todo sqlite store open: %w", err)
	}
	// One connection serializes writers and keeps per-connection pragmas in effect.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("todo sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("todo sqlite store set busy timeout: %w", err)
	}
	if _, err := db.Exec(todoSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("todo sqlite store create schema: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = defaultNow
	}
	return &SQLiteStore{db: db, now: now}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, in CreateInput) (Record, error) {
	ts := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO todos (title, description, completed, favorite, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		in.Title,
		nullableString(in.Description),
		boolToInt(in.Completed),
		boolToInt(in.Favorite),
		formatTime(ts),
		formatTime(ts),
	)
	if err != nil {
		return Record{}, fmt.Errorf("todo sqlite store create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("todo sqlite store create id: %w", err)
	}
	return Record{
		ID:          id,
		Title:       in.Title,
		Description: cloneString(in.Description),
		Completed:   in.Completed,
		Favorite:    in.Favorite,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	query := "SELECT " + todoColumns + " FROM todos"
	args := make([]any, 0, 3)
	if filter.Completed != nil {
		query += " WHERE completed = ?"
		args = append(args, boolToInt(*filter.Completed))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("todo sqlite store list: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("todo sqlite store list rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+todoColumns+" FROM todos WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id int64, patch Patch) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("todo sqlite store begin update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rec, err := scanRecord(tx.QueryRowContext(ctx, "SELECT "+todoColumns+" FROM todos WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}

	rec = patch.Apply(rec, s.now())
	if _, err := tx.ExecContext(ctx, `
UPDATE todos
SET title = ?, description = ?, completed = ?, favorite = ?, updated_at = ?
WHERE id = ?`,
		rec.Title,
		nullableString(rec.Description),
		boolToInt(rec.Completed),
		boolToInt(rec.Favorite),
		formatTime(rec.UpdatedAt),
		id,
	); err != nil {
		return Record{}, fmt.Errorf("todo sqlite store update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("todo sqlite store commit update: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM todos WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("todo sqlite store delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("todo sqlite store delete rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec         Record
		description sql.NullString
		completed   int
		favorite    int
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&rec.ID, &rec.Title, &description, &completed, &favorite, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("todo sqlite store scan: %w", err)
	}
	if description.Valid {
		value := description.String
		rec.Description = &value
	}
	rec.Completed = completed != 0
	rec.Favorite = favorite != 0

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return Record{}, fmt.Errorf("todo sqlite store parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Record{}, fmt.Errorf("todo sqlite store parse updated_at: %w", err)
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
