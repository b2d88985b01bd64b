package media

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record tracks one stored object so the janitor can expire it.
type Record struct {
	ID        int64
	User      string
	MediaID   string
	Key       string
	MimeType  string
	Size      int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Registry persists media records in the media_files table.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) Record(ctx context.Context, rec *Record) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO media_files (user_phone, media_id, stored_path, mime_type, size, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.User, rec.MediaID, rec.Key, rec.MimeType, rec.Size, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert media record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// Expired lists records whose expiry is at or before now.
func (r *Registry) Expired(ctx context.Context, now time.Time) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_phone, media_id, stored_path, mime_type, size, created_at, expires_at
		FROM media_files WHERE expires_at <= ? ORDER BY id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query expired media: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.User, &rec.MediaID, &rec.Key, &rec.MimeType, &rec.Size, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan media record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ForUser lists the records still held for user.
func (r *Registry) ForUser(ctx context.Context, user string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_phone, media_id, stored_path, mime_type, size, created_at, expires_at
		FROM media_files WHERE user_phone = ? ORDER BY id`, user)
	if err != nil {
		return nil, fmt.Errorf("query user media: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.User, &rec.MediaID, &rec.Key, &rec.MimeType, &rec.Size, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan media record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Registry) Forget(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM media_files WHERE stored_path = ?`, key); err != nil {
		return fmt.Errorf("delete media record: %w", err)
	}
	return nil
}
