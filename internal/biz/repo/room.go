package repo

import (
	"context"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

// RoomRepo is the room mapping repository interface
// Responsible for room mapping persistence (SQLite)
type RoomRepo interface {
	// GetByMatrixID gets a room mapping by Matrix room id
	GetByMatrixID(ctx context.Context, matrixRoomID string) (*domain.RoomMapping, error)

	// GetByFeishuID gets a room mapping by Feishu chat id
	GetByFeishuID(ctx context.Context, feishuChatID string) (*domain.RoomMapping, error)

	// Create inserts a new room mapping
	Create(ctx context.Context, mapping *domain.RoomMapping) (*domain.RoomMapping, error)

	// Update rewrites an existing room mapping
	Update(ctx context.Context, mapping *domain.RoomMapping) error

	// Delete removes a room mapping by id
	Delete(ctx context.Context, id int64) error

	// List returns room mappings, newest first
	List(ctx context.Context, limit, offset int64) ([]*domain.RoomMapping, error)

	// Count returns the number of room mappings
	Count(ctx context.Context) (int64, error)
}
