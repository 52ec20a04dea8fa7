package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/repository"
)

// InsertBuildError persists a serialized pipeline failure.
func (r *Repository) InsertBuildError(ctx context.Context, record *domain.BuildError) error {
	const query = `INSERT INTO build_errors (id, project_id, user_id, stage, message, serialized, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, record.ID, record.ProjectID, record.UserID, record.Stage, record.Message, record.Serialized, record.CreatedAt)
	return err
}

// ListBuildErrorsByProject returns recent failures, newest first.
func (r *Repository) ListBuildErrorsByProject(ctx context.Context, projectID string, limit int) ([]domain.BuildError, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, project_id, user_id, stage, message, serialized, created_at
		FROM build_errors WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.BuildError, 0)
	for rows.Next() {
		var rec domain.BuildError
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.UserID, &rec.Stage, &rec.Message, &rec.Serialized, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendLog stores one deploy timeline entry.
func (r *Repository) AppendLog(ctx context.Context, entry domain.BuildLogEntry) error {
	const query = `INSERT INTO build_logs (project_id, user_id, source, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, entry.ProjectID, entry.UserID, entry.Source, entry.Level, entry.Message, entry.Metadata, entry.CreatedAt)
	return err
}

// ListLogsByProject returns timeline entries, newest first.
func (r *Repository) ListLogsByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.BuildLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, project_id, user_id, source, level, message, metadata, created_at
		FROM build_logs WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.BuildLogEntry, 0)
	for rows.Next() {
		var e domain.BuildLogEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.UserID, &e.Source, &e.Level, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertWebhookSecret stores encrypted secret bytes for a provider.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, projectID, provider string, secret []byte) error {
	const query = `INSERT INTO webhook_secrets (project_id, provider, secret, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (project_id, provider) DO UPDATE SET secret = EXCLUDED.secret, updated_at = now()`
	_, err := r.pool.Exec(ctx, query, projectID, provider, secret)
	return err
}

// GetWebhookSecret loads the encrypted secret for a provider.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID, provider string) ([]byte, error) {
	const query = `SELECT secret FROM webhook_secrets WHERE project_id = $1 AND provider = $2`
	var secret []byte
	if err := r.pool.QueryRow(ctx, query, projectID, provider).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}
