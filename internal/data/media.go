package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
)

// mediaRepo implements the media cache repository
type mediaRepo struct {
	db *sql.DB
}

func newMediaRepo(db *sql.DB) repo.MediaRepo {
	return &mediaRepo{db: db}
}

// Get returns the cache entry for (contentHash, mediaKind), or ErrNotFound
func (r *mediaRepo) Get(ctx context.Context, contentHash, mediaKind string) (*domain.MediaCacheEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, content_hash, media_kind, resource_key, created_at, updated_at
		FROM media_cache WHERE content_hash = ? AND media_kind = ?
	`, contentHash, mediaKind)

	var entry domain.MediaCacheEntry
	var createdAt, updatedAt int64
	err := row.Scan(&entry.ID, &entry.ContentHash, &entry.MediaKind, &entry.ResourceKey, &createdAt, &updatedAt)
	if err != nil {
		return nil, mapErr(err, "get media cache")
	}

	entry.CreatedAt = time.Unix(createdAt, 0)
	entry.UpdatedAt = time.Unix(updatedAt, 0)
	return &entry, nil
}

// Upsert inserts or refreshes the resource key for (contentHash, mediaKind)
func (r *mediaRepo) Upsert(ctx context.Context, entry *domain.MediaCacheEntry) (*domain.MediaCacheEntry, error) {
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO media_cache (content_hash, media_kind, resource_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, media_kind) DO UPDATE SET
			resource_key = excluded.resource_key,
			updated_at = excluded.updated_at
	`, entry.ContentHash, entry.MediaKind, entry.ResourceKey, entry.CreatedAt.Unix(), entry.UpdatedAt.Unix())
	if err != nil {
		return nil, mapErr(err, "upsert media cache")
	}

	return r.Get(ctx, entry.ContentHash, entry.MediaKind)
}
