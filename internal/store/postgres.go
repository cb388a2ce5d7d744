package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldsync/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Postgres backs the store in gateway deployments where several kiosks on a
// site share one queue through the site server's database.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a pooled connection and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// runMigrations executes the embedded SQL migrations in name order.
func (s *Postgres) runMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		stmt := strings.TrimSpace(string(content))
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Postgres) Insert(ctx context.Context, item models.QueueItem) error {
	payload, err := marshalJSONB(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := marshalJSONB(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO queue_items (id, kind, action_type, resource_id, payload, daily_log_id, project_id, category, local_path, metadata, status, retry_count, last_attempt_at, last_error, conflict, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, item.ID, item.Kind, item.ActionType, item.ResourceID, payload, item.DailyLogID, item.ProjectID,
		item.Category, item.LocalPath, metadata, item.Status, item.RetryCount,
		item.LastAttemptAt, item.LastError, item.Conflict, item.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

const pgItemColumns = `id, kind, action_type, resource_id, payload, daily_log_id, project_id, category, local_path, metadata, status, retry_count, last_attempt_at, last_error, conflict, created_at`

func (s *Postgres) Get(ctx context.Context, id string) (models.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgItemColumns+` FROM queue_items WHERE id = $1
	`, id)
	item, err := scanPGItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, ErrNotFound
	}
	return item, err
}

func (s *Postgres) ListByStatus(ctx context.Context, status, kind string) ([]models.QueueItem, error) {
	query := `SELECT ` + pgItemColumns + ` FROM queue_items WHERE status = $1`
	args := []any{status}
	if kind != "" {
		query += ` AND kind = $2`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanPGItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Postgres) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, retry_count = $3, last_attempt_at = $4, last_error = $5, conflict = $6
		WHERE id = $1
	`, id, upd.Status, upd.RetryCount, upd.LastAttemptAt, upd.LastError, upd.Conflict)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPGItem(row pgx.Row) (models.QueueItem, error) {
	var (
		item              models.QueueItem
		payload, metadata []byte
		lastAttempt       pgtype.Timestamptz
		lastError         pgtype.Text
		createdAt         time.Time
	)
	err := row.Scan(&item.ID, &item.Kind, &item.ActionType, &item.ResourceID, &payload,
		&item.DailyLogID, &item.ProjectID, &item.Category, &item.LocalPath, &metadata,
		&item.Status, &item.RetryCount, &lastAttempt, &lastError, &item.Conflict, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, err
	}
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("scan item: %w", err)
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &item.Payload); err != nil {
			return models.QueueItem{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return models.QueueItem{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		item.LastAttemptAt = &t
	}
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	item.CreatedAt = createdAt
	return item, nil
}

func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
