package data

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
)

// deadLetterRepo implements the dead letter repository
type deadLetterRepo struct {
	db *sql.DB
}

func newDeadLetterRepo(db *sql.DB) repo.DeadLetterRepo {
	return &deadLetterRepo{db: db}
}

const deadLetterColumns = `id, source, event_type, dedupe_key, chat_id, payload, error, status, replay_count, last_replayed_at, created_at, updated_at`

func scanDeadLetter(row interface{ Scan(...any) error }) (*domain.DeadLetterEvent, error) {
	var d domain.DeadLetterEvent
	var lastReplayedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&d.ID, &d.Source, &d.EventType, &d.DedupeKey, &d.ChatID, &d.Payload, &d.Error,
		&d.Status, &d.ReplayCount, &lastReplayedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if lastReplayedAt.Valid {
		t := time.Unix(lastReplayedAt.Int64, 0)
		d.LastReplayedAt = &t
	}
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	return &d, nil
}

// Create upserts a dead letter keyed by dedupe_key. A repeated failure
// refreshes payload and error and resets the status to pending.
func (r *deadLetterRepo) Create(ctx context.Context, event *domain.DeadLetterEvent) (*domain.DeadLetterEvent, error) {
	now := time.Now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	if event.Status == "" {
		event.Status = domain.DeadLetterPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (source, event_type, dedupe_key, chat_id, payload, error, status, replay_count, last_replayed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(dedupe_key) DO UPDATE SET
			error = excluded.error,
			payload = excluded.payload,
			status = 'pending',
			updated_at = excluded.updated_at
	`, event.Source, event.EventType, event.DedupeKey, event.ChatID, event.Payload, event.Error,
		event.Status, event.ReplayCount, event.CreatedAt.Unix(), event.UpdatedAt.Unix())
	if err != nil {
		return nil, mapErr(err, "create dead letter")
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE dedupe_key = ?`, event.DedupeKey)
	saved, err := scanDeadLetter(row)
	if err != nil {
		return nil, mapErr(err, "reload dead letter")
	}
	return saved, nil
}

// Count returns the number of dead letters, optionally filtered by status
func (r *deadLetterRepo) Count(ctx context.Context, status string) (int64, error) {
	query := `SELECT COUNT(*) FROM dead_letters`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, mapErr(err, "count dead letters")
	}
	return count, nil
}

// List returns dead letters newest first, optionally filtered by status
func (r *deadLetterRepo) List(ctx context.Context, status string, limit, offset int64) ([]*domain.DeadLetterEvent, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, clampLimit(limit, 100), offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "list dead letters")
	}
	defer rows.Close()

	var letters []*domain.DeadLetterEvent
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, mapErr(err, "scan dead letter")
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

// GetByID gets a dead letter by id
func (r *deadLetterRepo) GetByID(ctx context.Context, id int64) (*domain.DeadLetterEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	d, err := scanDeadLetter(row)
	if err != nil {
		return nil, mapErr(err, "get dead letter")
	}
	return d, nil
}

// MarkReplayed flips the letter to replayed and bumps its replay count
func (r *deadLetterRepo) MarkReplayed(ctx context.Context, id int64) error {
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET status = 'replayed', replay_count = replay_count + 1, last_replayed_at = ?, updated_at = ?
		WHERE id = ?
	`, now, now, id)
	if err != nil {
		return mapErr(err, "mark dead letter replayed")
	}
	return nil
}

// MarkFailed flips the letter to failed with the replay error
func (r *deadLetterRepo) MarkFailed(ctx context.Context, id int64, replayErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dead_letters SET status = 'failed', error = ?, updated_at = ? WHERE id = ?
	`, replayErr, time.Now().Unix(), id)
	if err != nil {
		return mapErr(err, "mark dead letter failed")
	}
	return nil
}

// CountMatching counts the letters a Cleanup with the same filters
// would remove, capped at limit
func (r *deadLetterRepo) CountMatching(ctx context.Context, status string, olderThan *time.Time, limit int64) (int64, error) {
	query := `SELECT id FROM dead_letters`
	var conds []string
	var args []any
	if status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, status)
	}
	if olderThan != nil {
		conds = append(conds, `updated_at < ?`)
		args = append(args, olderThan.Unix())
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM (`+query+` ORDER BY id ASC LIMIT ?)`, args...).Scan(&count); err != nil {
		return 0, mapErr(err, "count dead letter cleanup candidates")
	}
	return count, nil
}

// Cleanup deletes up to limit letters matching the filters.
// Candidates are selected first so the delete stays bounded.
func (r *deadLetterRepo) Cleanup(ctx context.Context, status string, olderThan *time.Time, limit int64) (int64, error) {
	query := `SELECT id FROM dead_letters`
	var conds []string
	var args []any
	if status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, status)
	}
	if olderThan != nil {
		conds = append(conds, `updated_at < ?`)
		args = append(args, olderThan.Unix())
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, mapErr(err, "select dead letter cleanup candidates")
	}

	var ids []any
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, mapErr(err, "scan dead letter id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, mapErr(err, "iterate dead letter ids")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	result, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id IN (`+placeholders+`)`, ids...)
	if err != nil {
		return 0, mapErr(err, "delete dead letters")
	}
	return result.RowsAffected()
}
