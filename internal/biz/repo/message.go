package repo

import (
	"context"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

// MessageRepo is the message mapping repository interface
type MessageRepo interface {
	// GetByMatrixID gets a message mapping by Matrix event id
	GetByMatrixID(ctx context.Context, matrixEventID string) (*domain.MessageMapping, error)

	// GetByFeishuID gets a message mapping by Feishu message id
	GetByFeishuID(ctx context.Context, feishuMessageID string) (*domain.MessageMapping, error)

	// GetByContentHash gets a message mapping by delivery content hash
	GetByContentHash(ctx context.Context, contentHash string) (*domain.MessageMapping, error)

	// Create inserts a new message mapping
	Create(ctx context.Context, mapping *domain.MessageMapping) (*domain.MessageMapping, error)

	// Delete removes a message mapping by id
	Delete(ctx context.Context, id int64) error

	// ListByRoom returns the newest mappings for a room
	ListByRoom(ctx context.Context, roomID string, limit int64) ([]*domain.MessageMapping, error)
}
