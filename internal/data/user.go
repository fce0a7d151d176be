package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
	"github.com/anthropics/matrix-feishu-bridge/internal/metrics"
)

// userRepo implements the user mapping repository
type userRepo struct {
	db    *sql.DB
	cache *mappingCache[*domain.UserMapping]
}

func newUserRepo(db *sql.DB) repo.UserRepo {
	return &userRepo{db: db, cache: newMappingCache[*domain.UserMapping](1000)}
}

const userColumns = `id, matrix_user_id, feishu_user_id, feishu_username, feishu_avatar, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.UserMapping, error) {
	var m domain.UserMapping
	var createdAt, updatedAt int64
	if err := row.Scan(&m.ID, &m.MatrixUserID, &m.FeishuUserID, &m.FeishuUsername, &m.FeishuAvatar, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.UpdatedAt = time.Unix(updatedAt, 0)
	return &m, nil
}

// GetByMatrixID gets a user mapping by Matrix user id
func (r *userRepo) GetByMatrixID(ctx context.Context, matrixUserID string) (*domain.UserMapping, error) {
	if cached, ok := r.cache.get("mx:" + matrixUserID); ok {
		metrics.RecordCacheHit("user")
		return cached, nil
	}
	metrics.RecordCacheMiss("user")

	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM user_mappings WHERE matrix_user_id = ?`, matrixUserID)
	m, err := scanUser(row)
	if err != nil {
		return nil, mapErr(err, "get user by matrix id")
	}
	r.cache.put("mx:"+matrixUserID, m)
	return m, nil
}

// GetByFeishuID gets a user mapping by Feishu user id
func (r *userRepo) GetByFeishuID(ctx context.Context, feishuUserID string) (*domain.UserMapping, error) {
	if cached, ok := r.cache.get("fs:" + feishuUserID); ok {
		metrics.RecordCacheHit("user")
		return cached, nil
	}
	metrics.RecordCacheMiss("user")

	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM user_mappings WHERE feishu_user_id = ?`, feishuUserID)
	m, err := scanUser(row)
	if err != nil {
		return nil, mapErr(err, "get user by feishu id")
	}
	r.cache.put("fs:"+feishuUserID, m)
	return m, nil
}

// Create inserts a new user mapping
func (r *userRepo) Create(ctx context.Context, mapping *domain.UserMapping) (*domain.UserMapping, error) {
	now := time.Now()
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO user_mappings (matrix_user_id, feishu_user_id, feishu_username, feishu_avatar, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, mapping.MatrixUserID, mapping.FeishuUserID, mapping.FeishuUsername, mapping.FeishuAvatar,
		mapping.CreatedAt.Unix(), mapping.UpdatedAt.Unix())
	if err != nil {
		return nil, mapErr(err, "create user mapping")
	}

	mapping.ID, _ = result.LastInsertId()
	return mapping, nil
}

// Update rewrites an existing user mapping
func (r *userRepo) Update(ctx context.Context, mapping *domain.UserMapping) error {
	mapping.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE user_mappings
		SET matrix_user_id = ?, feishu_user_id = ?, feishu_username = ?, feishu_avatar = ?, updated_at = ?
		WHERE id = ?
	`, mapping.MatrixUserID, mapping.FeishuUserID, mapping.FeishuUsername, mapping.FeishuAvatar,
		mapping.UpdatedAt.Unix(), mapping.ID)
	if err != nil {
		return mapErr(err, "update user mapping")
	}
	r.cache.invalidate("mx:"+mapping.MatrixUserID, "fs:"+mapping.FeishuUserID)
	return nil
}

// Delete removes a user mapping by id
func (r *userRepo) Delete(ctx context.Context, id int64) error {
	row := r.db.QueryRowContext(ctx, `SELECT matrix_user_id, feishu_user_id FROM user_mappings WHERE id = ?`, id)
	var mxID, fsID string
	if err := row.Scan(&mxID, &fsID); err == nil {
		r.cache.invalidate("mx:"+mxID, "fs:"+fsID)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM user_mappings WHERE id = ?`, id); err != nil {
		return mapErr(err, "delete user mapping")
	}
	return nil
}

// List returns user mappings, newest first
func (r *userRepo) List(ctx context.Context, limit, offset int64) ([]*domain.UserMapping, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM user_mappings ORDER BY id DESC LIMIT ? OFFSET ?
	`, clampLimit(limit, 100), offset)
	if err != nil {
		return nil, mapErr(err, "list user mappings")
	}
	defer rows.Close()

	var mappings []*domain.UserMapping
	for rows.Next() {
		m, err := scanUser(rows)
		if err != nil {
			return nil, mapErr(err, "scan user mapping")
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
