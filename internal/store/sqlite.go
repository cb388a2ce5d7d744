package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fieldsync/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	action_type     TEXT NOT NULL DEFAULT '',
	resource_id     TEXT NOT NULL DEFAULT '',
	payload         TEXT,
	daily_log_id    TEXT NOT NULL DEFAULT '',
	project_id      TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL DEFAULT '',
	local_path      TEXT NOT NULL DEFAULT '',
	metadata        TEXT,
	status          TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT,
	last_error      TEXT,
	conflict        INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status, created_at);
`

// SQLite is the default on-device store. The driver is pure Go, so the agent
// runs on field hardware without cgo or a database server.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates, if needed) the item database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer keeps item updates serialized without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) Insert(ctx context.Context, item models.QueueItem) error {
	payload, err := marshalMap(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := marshalMap(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, kind, action_type, resource_id, payload, daily_log_id, project_id, category, local_path, metadata, status, retry_count, last_attempt_at, last_error, conflict, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Kind, item.ActionType, item.ResourceID, payload, item.DailyLogID, item.ProjectID,
		item.Category, item.LocalPath, metadata, item.Status, item.RetryCount,
		formatTimePtr(item.LastAttemptAt), item.LastError, boolToInt(item.Conflict), formatTime(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

const sqliteItemColumns = `id, kind, action_type, resource_id, payload, daily_log_id, project_id, category, local_path, metadata, status, retry_count, last_attempt_at, last_error, conflict, created_at`

func (s *SQLite) Get(ctx context.Context, id string) (models.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteItemColumns+` FROM queue_items WHERE id = ?
	`, id)
	item, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueItem{}, ErrNotFound
	}
	return item, err
}

func (s *SQLite) ListByStatus(ctx context.Context, status, kind string) ([]models.QueueItem, error) {
	query := `SELECT ` + sqliteItemColumns + ` FROM queue_items WHERE status = ?`
	args := []any{status}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLite) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, retry_count = ?, last_attempt_at = ?, last_error = ?, conflict = ?
		WHERE id = ?
	`, upd.Status, upd.RetryCount, formatTimePtr(upd.LastAttemptAt), upd.LastError, boolToInt(upd.Conflict), id)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row rowScanner) (models.QueueItem, error) {
	var (
		item              models.QueueItem
		payload, metadata sql.NullString
		lastAttempt       sql.NullString
		lastError         sql.NullString
		conflict          int
		createdAt         string
	)
	err := row.Scan(&item.ID, &item.Kind, &item.ActionType, &item.ResourceID, &payload,
		&item.DailyLogID, &item.ProjectID, &item.Category, &item.LocalPath, &metadata,
		&item.Status, &item.RetryCount, &lastAttempt, &lastError, &conflict, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueItem{}, err
	}
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("scan item: %w", err)
	}

	if item.Payload, err = unmarshalMap(payload); err != nil {
		return models.QueueItem{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if item.Metadata, err = unmarshalMap(metadata); err != nil {
		return models.QueueItem{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if item.LastAttemptAt, err = parseTimePtr(lastAttempt); err != nil {
		return models.QueueItem{}, fmt.Errorf("parse last_attempt_at: %w", err)
	}
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	item.Conflict = conflict != 0
	if item.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return models.QueueItem{}, fmt.Errorf("parse created_at: %w", err)
	}
	return item, nil
}

func marshalMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
