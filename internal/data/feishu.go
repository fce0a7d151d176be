package data

import (
	"context"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
	"github.com/anthropics/matrix-feishu-bridge/internal/infra/feishu"
)

// feishuGateway adapts the Feishu API client to the repo interface
type feishuGateway struct {
	cli *feishu.Gateway
}

// NewFeishuGateway wraps a Feishu client for the dispatchers
func NewFeishuGateway(cli *feishu.Gateway) repo.FeishuGateway {
	return &feishuGateway{cli: cli}
}

func (g *feishuGateway) SendMessage(ctx context.Context, chatID, msgType, content, deliveryID string) (*repo.SentMessage, error) {
	info, err := g.cli.SendMessage(ctx, chatID, msgType, content, deliveryID)
	if err != nil {
		return nil, err
	}
	return sentFromInfo(info), nil
}

func (g *feishuGateway) ReplyMessage(ctx context.Context, parentMessageID, msgType, content, deliveryID string, inThread bool) (*repo.SentMessage, error) {
	info, err := g.cli.ReplyMessage(ctx, parentMessageID, msgType, content, deliveryID, inThread)
	if err != nil {
		return nil, err
	}
	return sentFromInfo(info), nil
}

func (g *feishuGateway) UpdateMessage(ctx context.Context, messageID, msgType, content string) error {
	return g.cli.UpdateMessage(ctx, messageID, msgType, content)
}

func (g *feishuGateway) DeleteMessage(ctx context.Context, messageID string) error {
	return g.cli.DeleteMessage(ctx, messageID)
}

func (g *feishuGateway) GetMessageResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, string, error) {
	return g.cli.GetMessageResource(ctx, messageID, fileKey, resourceType)
}

func (g *feishuGateway) UploadImage(ctx context.Context, image []byte) (string, error) {
	return g.cli.UploadImage(ctx, image)
}

func (g *feishuGateway) UploadFile(ctx context.Context, fileName, fileType string, file []byte) (string, error) {
	return g.cli.UploadFile(ctx, fileName, fileType, file)
}

func (g *feishuGateway) GetChatInfo(ctx context.Context, chatID string) (*repo.ChatSnapshot, error) {
	info, err := g.cli.GetChatInfo(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &repo.ChatSnapshot{
		ChatID:      info.ChatID,
		Name:        info.Name,
		Description: info.Description,
		Mode:        info.ChatMode,
		OwnerID:     info.OwnerID,
		MemberCount: info.MemberCount,
	}, nil
}

func (g *feishuGateway) GetChatMembers(ctx context.Context, chatID string) ([]repo.ChatMemberInfo, error) {
	members, err := g.cli.GetChatMembers(ctx, chatID)
	if err != nil {
		return nil, err
	}
	out := make([]repo.ChatMemberInfo, 0, len(members))
	for _, m := range members {
		out = append(out, repo.ChatMemberInfo{OpenID: m.OpenID, Name: m.Name})
	}
	return out, nil
}

func (g *feishuGateway) GetUserInfo(ctx context.Context, openID string) (*repo.FeishuProfile, error) {
	info, err := g.cli.GetUserInfo(ctx, openID)
	if err != nil {
		return nil, err
	}
	return &repo.FeishuProfile{OpenID: info.OpenID, Name: info.Name, AvatarURL: info.AvatarURL}, nil
}

func sentFromInfo(info *feishu.MessageInfo) *repo.SentMessage {
	if info == nil {
		return &repo.SentMessage{}
	}
	return &repo.SentMessage{
		MessageID: info.MessageID,
		ThreadID:  info.ThreadID,
		RootID:    info.RootID,
		ParentID:  info.ParentID,
	}
}
