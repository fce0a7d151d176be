package repo

import (
	"context"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

// UserRepo is the user mapping repository interface
type UserRepo interface {
	// GetByMatrixID gets a user mapping by Matrix user id
	GetByMatrixID(ctx context.Context, matrixUserID string) (*domain.UserMapping, error)

	// GetByFeishuID gets a user mapping by Feishu user id
	GetByFeishuID(ctx context.Context, feishuUserID string) (*domain.UserMapping, error)

	// Create inserts a new user mapping
	Create(ctx context.Context, mapping *domain.UserMapping) (*domain.UserMapping, error)

	// Update rewrites an existing user mapping
	Update(ctx context.Context, mapping *domain.UserMapping) error

	// Delete removes a user mapping by id
	Delete(ctx context.Context, id int64) error

	// List returns user mappings, newest first
	List(ctx context.Context, limit, offset int64) ([]*domain.UserMapping, error)
}
