package repo

import (
	"context"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

// MediaRepo caches uploaded media keyed by content hash and kind
type MediaRepo interface {
	// Get returns the cache entry for (contentHash, mediaKind), or ErrNotFound
	Get(ctx context.Context, contentHash, mediaKind string) (*domain.MediaCacheEntry, error)

	// Upsert inserts or refreshes the resource key for (contentHash, mediaKind)
	Upsert(ctx context.Context, entry *domain.MediaCacheEntry) (*domain.MediaCacheEntry, error)
}
