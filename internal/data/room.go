package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
	"github.com/anthropics/matrix-feishu-bridge/internal/metrics"
)

// roomRepo implements the room mapping repository
type roomRepo struct {
	db    *sql.DB
	cache *mappingCache[*domain.RoomMapping]
}

func newRoomRepo(db *sql.DB) repo.RoomRepo {
	return &roomRepo{db: db, cache: newMappingCache[*domain.RoomMapping](1000)}
}

const roomColumns = `id, matrix_room_id, feishu_chat_id, feishu_chat_name, feishu_chat_type, created_at, updated_at`

func scanRoom(row interface{ Scan(...any) error }) (*domain.RoomMapping, error) {
	var m domain.RoomMapping
	var createdAt, updatedAt int64
	if err := row.Scan(&m.ID, &m.MatrixRoomID, &m.FeishuChatID, &m.FeishuChatName, &m.FeishuChatType, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.UpdatedAt = time.Unix(updatedAt, 0)
	return &m, nil
}

// cloneRoom isolates callers from the cached mapping so in-place edits
// never leak into other reads
func cloneRoom(m *domain.RoomMapping) *domain.RoomMapping {
	clone := *m
	return &clone
}

// GetByMatrixID gets a room mapping by Matrix room id
func (r *roomRepo) GetByMatrixID(ctx context.Context, matrixRoomID string) (*domain.RoomMapping, error) {
	if cached, ok := r.cache.get("mx:" + matrixRoomID); ok {
		metrics.RecordCacheHit("room")
		return cloneRoom(cached), nil
	}
	metrics.RecordCacheMiss("room")

	row := r.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM room_mappings WHERE matrix_room_id = ?`, matrixRoomID)
	m, err := scanRoom(row)
	if err != nil {
		return nil, mapErr(err, "get room by matrix id")
	}
	r.cache.put("mx:"+matrixRoomID, cloneRoom(m))
	return m, nil
}

// GetByFeishuID gets a room mapping by Feishu chat id
func (r *roomRepo) GetByFeishuID(ctx context.Context, feishuChatID string) (*domain.RoomMapping, error) {
	if cached, ok := r.cache.get("fs:" + feishuChatID); ok {
		metrics.RecordCacheHit("room")
		return cloneRoom(cached), nil
	}
	metrics.RecordCacheMiss("room")

	row := r.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM room_mappings WHERE feishu_chat_id = ?`, feishuChatID)
	m, err := scanRoom(row)
	if err != nil {
		return nil, mapErr(err, "get room by feishu id")
	}
	r.cache.put("fs:"+feishuChatID, cloneRoom(m))
	return m, nil
}

// Create inserts a new room mapping
func (r *roomRepo) Create(ctx context.Context, mapping *domain.RoomMapping) (*domain.RoomMapping, error) {
	now := time.Now()
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO room_mappings (matrix_room_id, feishu_chat_id, feishu_chat_name, feishu_chat_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, mapping.MatrixRoomID, mapping.FeishuChatID, mapping.FeishuChatName, mapping.FeishuChatType,
		mapping.CreatedAt.Unix(), mapping.UpdatedAt.Unix())
	if err != nil {
		return nil, mapErr(err, "create room mapping")
	}

	mapping.ID, _ = result.LastInsertId()
	return mapping, nil
}

// Update rewrites an existing room mapping
func (r *roomRepo) Update(ctx context.Context, mapping *domain.RoomMapping) error {
	mapping.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE room_mappings
		SET matrix_room_id = ?, feishu_chat_id = ?, feishu_chat_name = ?, feishu_chat_type = ?, updated_at = ?
		WHERE id = ?
	`, mapping.MatrixRoomID, mapping.FeishuChatID, mapping.FeishuChatName, mapping.FeishuChatType,
		mapping.UpdatedAt.Unix(), mapping.ID)
	if err != nil {
		return mapErr(err, "update room mapping")
	}
	r.cache.invalidate("mx:"+mapping.MatrixRoomID, "fs:"+mapping.FeishuChatID)
	return nil
}

// Delete removes a room mapping by id
func (r *roomRepo) Delete(ctx context.Context, id int64) error {
	row := r.db.QueryRowContext(ctx, `SELECT matrix_room_id, feishu_chat_id FROM room_mappings WHERE id = ?`, id)
	var mxID, fsID string
	if err := row.Scan(&mxID, &fsID); err == nil {
		r.cache.invalidate("mx:"+mxID, "fs:"+fsID)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM room_mappings WHERE id = ?`, id); err != nil {
		return mapErr(err, "delete room mapping")
	}
	return nil
}

// List returns room mappings, newest first
func (r *roomRepo) List(ctx context.Context, limit, offset int64) ([]*domain.RoomMapping, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+roomColumns+` FROM room_mappings ORDER BY id DESC LIMIT ? OFFSET ?
	`, clampLimit(limit, 100), offset)
	if err != nil {
		return nil, mapErr(err, "list room mappings")
	}
	defer rows.Close()

	var mappings []*domain.RoomMapping
	for rows.Next() {
		m, err := scanRoom(rows)
		if err != nil {
			return nil, mapErr(err, "scan room mapping")
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// Count returns the number of room mappings
func (r *roomRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_mappings`).Scan(&count); err != nil {
		return 0, mapErr(err, "count room mappings")
	}
	return count, nil
}
