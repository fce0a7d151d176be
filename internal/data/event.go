package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
)

// eventRepo implements the processed-event repository
type eventRepo struct {
	db *sql.DB
}

func newEventRepo(db *sql.DB) repo.EventRepo {
	return &eventRepo{db: db}
}

// IsProcessed reports whether the event id was handled before
func (r *eventRepo) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_events WHERE event_id = ?`, eventID).Scan(&count)
	if err != nil {
		return false, mapErr(err, "check processed event")
	}
	return count > 0, nil
}

// MarkProcessed records the event id as handled
func (r *eventRepo) MarkProcessed(ctx context.Context, event *domain.ProcessedEvent) error {
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now()
	}
	// INSERT OR IGNORE keeps concurrent markers of the same event idempotent
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (event_id, event_type, source, processed_at)
		VALUES (?, ?, ?, ?)
	`, event.EventID, event.EventType, event.Source, event.ProcessedAt.Unix())
	if err != nil {
		return mapErr(err, "mark event processed")
	}
	return nil
}

// CleanupOld drops processed-event records older than before
func (r *eventRepo) CleanupOld(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, before.Unix())
	if err != nil {
		return 0, mapErr(err, "cleanup processed events")
	}
	return result.RowsAffected()
}
