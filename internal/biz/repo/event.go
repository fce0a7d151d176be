package repo

import (
	"context"
	"time"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

// EventRepo tracks which inbound events were already processed
type EventRepo interface {
	// IsProcessed reports whether the event id was handled before
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records the event id as handled
	MarkProcessed(ctx context.Context, event *domain.ProcessedEvent) error

	// CleanupOld drops processed-event records older than before
	CleanupOld(ctx context.Context, before time.Time) (int64, error)
}
