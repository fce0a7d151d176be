package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
	"github.com/anthropics/matrix-feishu-bridge/internal/metrics"
)

const (
	presenceQueueCap  = 1000
	presenceBatchSize = 50
)

// PresenceUsecase forwards Feishu presence updates onto puppets.
// Updates are queued and flushed in batches; when the queue is full the
// oldest update is dropped, since only the latest state matters.
type PresenceUsecase struct {
	mu    sync.Mutex
	queue []*domain.FeishuPresence

	users  repo.UserRepo
	matrix repo.MatrixGateway
	logger *zap.Logger
}

// NewPresenceUsecase builds the presence forwarder
func NewPresenceUsecase(users repo.UserRepo, matrixGW repo.MatrixGateway, logger *zap.Logger) *PresenceUsecase {
	return &PresenceUsecase{
		users:  users,
		matrix: matrixGW,
		logger: logger.Named("presence"),
	}
}

// Enqueue queues one presence update, dropping the oldest on overflow
func (u *PresenceUsecase) Enqueue(p *domain.FeishuPresence) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.queue) >= presenceQueueCap {
		u.queue = u.queue[1:]
		metrics.PolicyBlocks.WithLabelValues("presence_overflow").Inc()
	}
	u.queue = append(u.queue, p)
}

// Flush forwards up to one batch of queued updates, returning how many
// were attempted
func (u *PresenceUsecase) Flush(ctx context.Context) int {
	u.mu.Lock()
	n := len(u.queue)
	if n > presenceBatchSize {
		n = presenceBatchSize
	}
	batch := u.queue[:n]
	u.queue = u.queue[n:]
	u.mu.Unlock()

	for _, p := range batch {
		mapping, err := u.users.GetByFeishuID(ctx, p.UserID)
		if err != nil {
			if !repo.IsNotFound(err) {
				u.logger.Warn("presence user lookup failed", zap.String("user_id", p.UserID), zap.Error(err))
			}
			continue
		}
		if err := u.matrix.SetPresence(ctx, mapping.MatrixUserID, string(p.ToMatrixPresence())); err != nil {
			u.logger.Warn("presence update failed",
				zap.String("mxid", mapping.MatrixUserID),
				zap.Error(err))
		}
	}
	return len(batch)
}

// Run flushes the queue on an interval until the context ends
func (u *PresenceUsecase) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.Flush(ctx)
		}
	}
}

// Depth reports the current queue length
func (u *PresenceUsecase) Depth() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.queue)
}
