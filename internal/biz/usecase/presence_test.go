package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

func TestPresenceFlush(t *testing.T) {
	users := newFakeUserRepo()
	matrixGW := newFakeMatrixGateway()
	_, err := users.Create(context.Background(), &domain.UserMapping{
		MatrixUserID: "@feishu_ou_alice:test.local",
		FeishuUserID: "ou_alice",
	})
	require.NoError(t, err)

	u := NewPresenceUsecase(users, matrixGW, zap.NewNop())
	u.Enqueue(&domain.FeishuPresence{UserID: "ou_alice", Status: domain.PresenceOnline})
	u.Enqueue(&domain.FeishuPresence{UserID: "ou_unmapped", Status: domain.PresenceOnline})

	attempted := u.Flush(context.Background())
	assert.Equal(t, 2, attempted)
	assert.Equal(t, "online", matrixGW.presence["@feishu_ou_alice:test.local"])
	assert.Zero(t, u.Depth())
}

func TestPresenceBusyMapsToUnavailable(t *testing.T) {
	users := newFakeUserRepo()
	matrixGW := newFakeMatrixGateway()
	_, err := users.Create(context.Background(), &domain.UserMapping{
		MatrixUserID: "@feishu_ou_bob:test.local",
		FeishuUserID: "ou_bob",
	})
	require.NoError(t, err)

	u := NewPresenceUsecase(users, matrixGW, zap.NewNop())
	u.Enqueue(&domain.FeishuPresence{UserID: "ou_bob", Status: domain.PresenceBusy})
	u.Flush(context.Background())

	assert.Equal(t, "unavailable", matrixGW.presence["@feishu_ou_bob:test.local"])
}

func TestPresenceFlushBatches(t *testing.T) {
	u := NewPresenceUsecase(newFakeUserRepo(), newFakeMatrixGateway(), zap.NewNop())
	for i := 0; i < presenceBatchSize+10; i++ {
		u.Enqueue(&domain.FeishuPresence{UserID: fmt.Sprintf("ou_%d", i), Status: domain.PresenceOnline})
	}

	assert.Equal(t, presenceBatchSize, u.Flush(context.Background()))
	assert.Equal(t, 10, u.Depth())
}

func TestPresenceOverflowDropsOldest(t *testing.T) {
	u := NewPresenceUsecase(newFakeUserRepo(), newFakeMatrixGateway(), zap.NewNop())
	for i := 0; i < presenceQueueCap+5; i++ {
		u.Enqueue(&domain.FeishuPresence{UserID: fmt.Sprintf("ou_%d", i), Status: domain.PresenceOnline})
	}

	assert.Equal(t, presenceQueueCap, u.Depth())
}
