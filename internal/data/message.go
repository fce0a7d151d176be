package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
)

// messageRepo implements the message mapping repository
type messageRepo struct {
	db *sql.DB
}

func newMessageRepo(db *sql.DB) repo.MessageRepo {
	return &messageRepo{db: db}
}

const messageColumns = `id, matrix_event_id, feishu_message_id, thread_id, root_id, parent_id, room_id, sender_mxid, sender_feishu_id, content_hash, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*domain.MessageMapping, error) {
	var m domain.MessageMapping
	var createdAt int64
	if err := row.Scan(&m.ID, &m.MatrixEventID, &m.FeishuMessageID, &m.ThreadID, &m.RootID, &m.ParentID,
		&m.RoomID, &m.SenderMXID, &m.SenderFeishuID, &m.ContentHash, &createdAt); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}

// GetByMatrixID gets a message mapping by Matrix event id
func (r *messageRepo) GetByMatrixID(ctx context.Context, matrixEventID string) (*domain.MessageMapping, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM message_mappings WHERE matrix_event_id = ?`, matrixEventID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, mapErr(err, "get message by matrix id")
	}
	return m, nil
}

// GetByFeishuID gets a message mapping by Feishu message id
func (r *messageRepo) GetByFeishuID(ctx context.Context, feishuMessageID string) (*domain.MessageMapping, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM message_mappings WHERE feishu_message_id = ?`, feishuMessageID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, mapErr(err, "get message by feishu id")
	}
	return m, nil
}

// GetByContentHash gets a message mapping by delivery content hash
func (r *messageRepo) GetByContentHash(ctx context.Context, contentHash string) (*domain.MessageMapping, error) {
	if contentHash == "" {
		return nil, fmt.Errorf("get message by content hash: %w", repo.ErrNotFound)
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM message_mappings WHERE content_hash = ?`, contentHash)
	m, err := scanMessage(row)
	if err != nil {
		return nil, mapErr(err, "get message by content hash")
	}
	return m, nil
}

// Create inserts a new message mapping
func (r *messageRepo) Create(ctx context.Context, mapping *domain.MessageMapping) (*domain.MessageMapping, error) {
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = time.Now()
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO message_mappings (matrix_event_id, feishu_message_id, thread_id, root_id, parent_id, room_id, sender_mxid, sender_feishu_id, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mapping.MatrixEventID, mapping.FeishuMessageID, mapping.ThreadID, mapping.RootID, mapping.ParentID,
		mapping.RoomID, mapping.SenderMXID, mapping.SenderFeishuID, mapping.ContentHash, mapping.CreatedAt.Unix())
	if err != nil {
		return nil, mapErr(err, "create message mapping")
	}

	mapping.ID, _ = result.LastInsertId()
	return mapping, nil
}

// Delete removes a message mapping by id
func (r *messageRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM message_mappings WHERE id = ?`, id); err != nil {
		return mapErr(err, "delete message mapping")
	}
	return nil
}

// ListByRoom returns the newest mappings for a room
func (r *messageRepo) ListByRoom(ctx context.Context, roomID string, limit int64) ([]*domain.MessageMapping, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM message_mappings WHERE room_id = ? ORDER BY id DESC LIMIT ?
	`, roomID, clampLimit(limit, 100))
	if err != nil {
		return nil, mapErr(err, "list messages by room")
	}
	defer rows.Close()

	var mappings []*domain.MessageMapping
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr(err, "scan message mapping")
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
