package repo

import (
	"context"
	"time"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

// DeadLetterRepo is the dead letter repository interface
type DeadLetterRepo interface {
	// Create upserts a dead letter keyed by dedupe_key. A repeated failure
	// refreshes payload and error and resets the status to pending.
	Create(ctx context.Context, event *domain.DeadLetterEvent) (*domain.DeadLetterEvent, error)

	// Count returns the number of dead letters, optionally filtered by status
	Count(ctx context.Context, status string) (int64, error)

	// List returns dead letters newest first, optionally filtered by status
	List(ctx context.Context, status string, limit, offset int64) ([]*domain.DeadLetterEvent, error)

	// GetByID gets a dead letter by id
	GetByID(ctx context.Context, id int64) (*domain.DeadLetterEvent, error)

	// MarkReplayed flips the letter to replayed and bumps its replay count
	MarkReplayed(ctx context.Context, id int64) error

	// MarkFailed flips the letter to failed with the replay error
	MarkFailed(ctx context.Context, id int64, replayErr string) error

	// CountMatching counts the letters a Cleanup with the same filters
	// would remove, capped at limit
	CountMatching(ctx context.Context, status string, olderThan *time.Time, limit int64) (int64, error)

	// Cleanup deletes up to limit letters matching the filters and
	// returns how many were removed
	Cleanup(ctx context.Context, status string, olderThan *time.Time, limit int64) (int64, error)
}
