package data

import (
	"context"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
	"github.com/anthropics/matrix-feishu-bridge/internal/infra/matrix"
)

// matrixGateway adapts the homeserver client to the repo interface
type matrixGateway struct {
	cli *matrix.Client
}

// NewMatrixGateway wraps a homeserver client for the dispatchers
func NewMatrixGateway(cli *matrix.Client) repo.MatrixGateway {
	return &matrixGateway{cli: cli}
}

func (g *matrixGateway) BotMXID() string {
	return g.cli.BotMXID()
}

// EnsurePuppet registers the derived localpart; registration is
// idempotent so repeated calls are cheap
func (g *matrixGateway) EnsurePuppet(ctx context.Context, feishuUserID string) (string, error) {
	localpart := matrix.PuppetLocalpart(feishuUserID)
	if err := g.cli.RegisterPuppet(ctx, localpart); err != nil {
		return "", err
	}
	return matrix.PuppetMXID(feishuUserID, g.cli.ServerName()), nil
}

func (g *matrixGateway) SetDisplayName(ctx context.Context, userID, displayName string) error {
	return g.cli.SetDisplayName(ctx, userID, displayName)
}

func (g *matrixGateway) SetAvatarURL(ctx context.Context, userID, avatarMXC string) error {
	return g.cli.SetAvatarURL(ctx, userID, avatarMXC)
}

func (g *matrixGateway) EnsureJoined(ctx context.Context, userID, roomID string) error {
	return g.cli.EnsureJoined(ctx, userID, roomID)
}

func (g *matrixGateway) LeaveRoom(ctx context.Context, userID, roomID string) error {
	return g.cli.LeaveRoom(ctx, userID, roomID)
}

func (g *matrixGateway) SendMessage(ctx context.Context, userID, roomID string, content map[string]any) (string, error) {
	return g.cli.SendMessage(ctx, userID, roomID, content)
}

func (g *matrixGateway) Redact(ctx context.Context, userID, roomID, eventID, reason string) error {
	return g.cli.Redact(ctx, userID, roomID, eventID, reason)
}

func (g *matrixGateway) SetPresence(ctx context.Context, userID, presence string) error {
	return g.cli.SetPresence(ctx, userID, presence)
}

func (g *matrixGateway) UploadMedia(ctx context.Context, fileName, contentType string, data []byte) (string, error) {
	return g.cli.UploadMedia(ctx, fileName, contentType, data)
}

func (g *matrixGateway) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error) {
	return g.cli.DownloadMedia(ctx, mxcURI)
}
