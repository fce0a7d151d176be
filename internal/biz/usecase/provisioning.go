package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
)

// Provisioning failure taxonomy
var (
	ErrBridgeExists   = errors.New("bridge already exists")
	ErrRequestPending = errors.New("a bridge request is already pending")
	ErrRequestMissing = errors.New("no pending bridge request")
	ErrRequestExpired = errors.New("bridge request expired")
	ErrDeclined       = errors.New("bridge request declined")
	ErrTimedOut       = errors.New("bridge request timed out")
)

const (
	approvalTimeout      = 300 * time.Second
	approvalPollInterval = 500 * time.Millisecond
)

// ProvisioningUsecase drives the bridge request lifecycle: a Matrix user
// asks for a link, a Feishu admin approves or declines it, and the room
// mapping is created on approval
type ProvisioningUsecase struct {
	mu      sync.Mutex
	pending map[string]*domain.PendingBridgeRequest

	rooms   repo.RoomRepo
	feishu  repo.FeishuGateway
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewProvisioningUsecase builds the provisioning flow
func NewProvisioningUsecase(rooms repo.RoomRepo, feishuGW repo.FeishuGateway, logger *zap.Logger) *ProvisioningUsecase {
	return &ProvisioningUsecase{
		pending: make(map[string]*domain.PendingBridgeRequest),
		rooms:   rooms,
		feishu:  feishuGW,
		timeout: approvalTimeout,
		logger:  logger.Named("provisioning"),
		now:     time.Now,
	}
}

// RequestBridge registers a pending link between a Matrix room and a
// Feishu chat. Either side already being bridged, or a live pending
// request for the chat, is rejected.
func (u *ProvisioningUsecase) RequestBridge(ctx context.Context, feishuChatID, matrixRoomID, requestor string) (*domain.PendingBridgeRequest, error) {
	if _, err := u.rooms.GetByFeishuID(ctx, feishuChatID); err == nil {
		return nil, ErrBridgeExists
	} else if !repo.IsNotFound(err) {
		return nil, fmt.Errorf("lookup feishu mapping: %w", err)
	}
	if _, err := u.rooms.GetByMatrixID(ctx, matrixRoomID); err == nil {
		return nil, ErrBridgeExists
	} else if !repo.IsNotFound(err) {
		return nil, fmt.Errorf("lookup matrix mapping: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if existing, ok := u.pending[feishuChatID]; ok {
		if !existing.IsExpiredAt(u.now(), u.timeout) && existing.Status == domain.BridgeRequestPending {
			return nil, ErrRequestPending
		}
		delete(u.pending, feishuChatID)
	}

	req := &domain.PendingBridgeRequest{
		FeishuChatID:    feishuChatID,
		MatrixRoomID:    matrixRoomID,
		MatrixRequestor: requestor,
		CreatedAt:       u.now(),
		Status:          domain.BridgeRequestPending,
	}
	u.pending[feishuChatID] = req

	u.logger.Info("bridge requested",
		zap.String("feishu_chat_id", feishuChatID),
		zap.String("matrix_room_id", matrixRoomID),
		zap.String("requestor", requestor))
	return req, nil
}

// WaitForApproval blocks until the request is approved, declined, or
// times out. On approval the room mapping is created and returned.
func (u *ProvisioningUsecase) WaitForApproval(ctx context.Context, feishuChatID string) (*domain.RoomMapping, error) {
	deadline := u.now().Add(u.timeout)
	ticker := time.NewTicker(approvalPollInterval)
	defer ticker.Stop()

	for {
		u.mu.Lock()
		req, ok := u.pending[feishuChatID]
		var status domain.BridgeRequestStatus
		if ok {
			status = req.Status
		}
		u.mu.Unlock()

		if !ok {
			return nil, ErrRequestMissing
		}

		switch status {
		case domain.BridgeRequestApproved:
			return u.applyApproval(ctx, req)
		case domain.BridgeRequestDeclined:
			u.drop(feishuChatID)
			return nil, ErrDeclined
		}

		if u.now().After(deadline) {
			u.expire(feishuChatID)
			return nil, ErrTimedOut
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// MarkApproval records an admin decision for the pending request
func (u *ProvisioningUsecase) MarkApproval(feishuChatID string, approved bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	req, ok := u.pending[feishuChatID]
	if !ok {
		return ErrRequestMissing
	}
	if req.IsExpiredAt(u.now(), u.timeout) {
		req.Status = domain.BridgeRequestExpired
		return ErrRequestExpired
	}
	if req.Status != domain.BridgeRequestPending {
		return ErrRequestMissing
	}

	if approved {
		req.Status = domain.BridgeRequestApproved
	} else {
		req.Status = domain.BridgeRequestDeclined
	}
	u.logger.Info("bridge request decided",
		zap.String("feishu_chat_id", feishuChatID),
		zap.Bool("approved", approved))
	return nil
}

// applyApproval materializes the room mapping for an approved request
func (u *ProvisioningUsecase) applyApproval(ctx context.Context, req *domain.PendingBridgeRequest) (*domain.RoomMapping, error) {
	mapping := &domain.RoomMapping{
		MatrixRoomID: req.MatrixRoomID,
		FeishuChatID: req.FeishuChatID,
	}
	if info, err := u.feishu.GetChatInfo(ctx, req.FeishuChatID); err == nil {
		mapping.FeishuChatName = info.Name
		mapping.FeishuChatType = info.Mode
	} else {
		u.logger.Warn("chat info fetch failed during approval", zap.Error(err))
	}

	created, err := u.rooms.Create(ctx, mapping)
	if err != nil {
		if repo.IsDuplicate(err) {
			u.drop(req.FeishuChatID)
			return nil, ErrBridgeExists
		}
		return nil, fmt.Errorf("create room mapping: %w", err)
	}

	u.drop(req.FeishuChatID)
	u.logger.Info("bridge established",
		zap.String("feishu_chat_id", created.FeishuChatID),
		zap.String("matrix_room_id", created.MatrixRoomID))
	return created, nil
}

// Unbridge removes an existing room mapping by Matrix room id
func (u *ProvisioningUsecase) Unbridge(ctx context.Context, matrixRoomID string) (*domain.RoomMapping, error) {
	mapping, err := u.rooms.GetByMatrixID(ctx, matrixRoomID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrRequestMissing
		}
		return nil, fmt.Errorf("lookup room mapping: %w", err)
	}
	if err := u.rooms.Delete(ctx, mapping.ID); err != nil {
		return nil, fmt.Errorf("delete room mapping: %w", err)
	}
	u.logger.Info("bridge removed",
		zap.String("feishu_chat_id", mapping.FeishuChatID),
		zap.String("matrix_room_id", mapping.MatrixRoomID))
	return mapping, nil
}

// GetPending lists the live pending requests
func (u *ProvisioningUsecase) GetPending() []*domain.PendingBridgeRequest {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]*domain.PendingBridgeRequest, 0, len(u.pending))
	for _, req := range u.pending {
		if req.Status == domain.BridgeRequestPending && !req.IsExpiredAt(u.now(), u.timeout) {
			copied := *req
			out = append(out, &copied)
		}
	}
	return out
}

// CleanupExpired sweeps timed-out requests, returning how many expired
func (u *ProvisioningUsecase) CleanupExpired() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	expired := 0
	for chatID, req := range u.pending {
		if req.IsExpiredAt(u.now(), u.timeout) || req.Status != domain.BridgeRequestPending {
			delete(u.pending, chatID)
			if req.Status == domain.BridgeRequestPending {
				expired++
			}
		}
	}
	return expired
}

func (u *ProvisioningUsecase) drop(feishuChatID string) {
	u.mu.Lock()
	delete(u.pending, feishuChatID)
	u.mu.Unlock()
}

func (u *ProvisioningUsecase) expire(feishuChatID string) {
	u.mu.Lock()
	if req, ok := u.pending[feishuChatID]; ok {
		req.Status = domain.BridgeRequestExpired
	}
	u.mu.Unlock()
}
