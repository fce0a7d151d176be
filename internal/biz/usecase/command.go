package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
)

const matrixHelpText = `Feishu bridge commands:
!feishu help — show this help
!feishu ping — check that the bridge is alive
!feishu bridge <chat_id> — request a link to a Feishu chat
!feishu unbridge — remove this room's link`

const feishuHelpText = `Feishu bridge commands:
/feishu help — show this help
/feishu approve — approve the pending bridge request for this chat
/feishu deny — decline the pending bridge request for this chat
/feishu unbridge — remove this chat's link`

// PermissionResolver returns the permission level for a Matrix user id:
// "admin", "user", or "" for none
type PermissionResolver func(mxid string) string

// CommandUsecase interprets bot commands on both sides of the bridge
type CommandUsecase struct {
	rooms        repo.RoomRepo
	matrix       repo.MatrixGateway
	feishu       repo.FeishuGateway
	provisioning *ProvisioningUsecase
	permissions  PermissionResolver
	selfService  bool
	logger       *zap.Logger
}

// NewCommandUsecase builds the command handler
func NewCommandUsecase(
	rooms repo.RoomRepo,
	matrixGW repo.MatrixGateway,
	feishuGW repo.FeishuGateway,
	provisioning *ProvisioningUsecase,
	permissions PermissionResolver,
	selfService bool,
	logger *zap.Logger,
) *CommandUsecase {
	return &CommandUsecase{
		rooms:        rooms,
		matrix:       matrixGW,
		feishu:       feishuGW,
		provisioning: provisioning,
		permissions:  permissions,
		selfService:  selfService,
		logger:       logger.Named("command"),
	}
}

// HandleMatrixMessage interprets a "!feishu" message, reporting whether
// it was consumed as a command
func (u *CommandUsecase) HandleMatrixMessage(ctx context.Context, roomID, sender, body string) (bool, error) {
	fields := strings.Fields(strings.TrimSpace(body))
	if len(fields) == 0 || fields[0] != "!feishu" {
		return false, nil
	}

	command := "help"
	if len(fields) > 1 {
		command = fields[1]
	}

	level := u.permissions(sender)
	if level == "" {
		return true, u.notice(ctx, roomID, "You don't have permission to use this bridge.")
	}

	u.logger.Info("matrix command",
		zap.String("command", command),
		zap.String("sender", sender),
		zap.String("room_id", roomID))

	switch command {
	case "help":
		return true, u.notice(ctx, roomID, matrixHelpText)

	case "ping":
		return true, u.notice(ctx, roomID, "Pong! The bridge is alive.")

	case "bridge":
		if !u.selfService && level != "admin" {
			return true, u.notice(ctx, roomID, "Self-service bridging is disabled; ask a bridge admin.")
		}
		if len(fields) < 3 {
			return true, u.notice(ctx, roomID, "Usage: !feishu bridge <chat_id>")
		}
		return true, u.requestBridge(ctx, roomID, sender, fields[2])

	case "unbridge":
		if !u.selfService && level != "admin" {
			return true, u.notice(ctx, roomID, "Self-service bridging is disabled; ask a bridge admin.")
		}
		mapping, err := u.provisioning.Unbridge(ctx, roomID)
		if errors.Is(err, ErrRequestMissing) {
			return true, u.notice(ctx, roomID, "This room is not bridged.")
		}
		if err != nil {
			return true, fmt.Errorf("unbridge: %w", err)
		}
		return true, u.notice(ctx, roomID, fmt.Sprintf("Unbridged from Feishu chat %s.", mapping.FeishuChatID))

	default:
		return true, u.notice(ctx, roomID, fmt.Sprintf("Unknown command %q. Try !feishu help.", command))
	}
}

// requestBridge registers the request and waits for the Feishu-side
// decision in the background
func (u *CommandUsecase) requestBridge(ctx context.Context, roomID, sender, chatID string) error {
	_, err := u.provisioning.RequestBridge(ctx, chatID, roomID, sender)
	switch {
	case errors.Is(err, ErrBridgeExists):
		return u.notice(ctx, roomID, "That chat or this room is already bridged.")
	case errors.Is(err, ErrRequestPending):
		return u.notice(ctx, roomID, "A bridge request for that chat is already pending.")
	case err != nil:
		return fmt.Errorf("request bridge: %w", err)
	}

	if err := u.notice(ctx, roomID, "Bridge requested. Waiting for approval in the Feishu chat (/feishu approve)."); err != nil {
		return err
	}
	if err := u.notifyChat(ctx, chatID, "A Matrix room requested to bridge with this chat. Reply /feishu approve or /feishu deny."); err != nil {
		u.logger.Warn("approval prompt failed", zap.String("chat_id", chatID), zap.Error(err))
	}

	go func() {
		ctx := context.Background()
		mapping, err := u.provisioning.WaitForApproval(ctx, chatID)
		switch {
		case errors.Is(err, ErrTimedOut):
			_ = u.notice(ctx, roomID, "Bridge request timed out without a decision.")
		case errors.Is(err, ErrDeclined):
			_ = u.notice(ctx, roomID, "Bridge request was declined on the Feishu side.")
		case err != nil:
			u.logger.Error("approval wait failed", zap.String("chat_id", chatID), zap.Error(err))
			_ = u.notice(ctx, roomID, "Bridge request failed: "+err.Error())
		default:
			_ = u.notice(ctx, roomID, fmt.Sprintf("Bridged to Feishu chat %s (%s).", mapping.FeishuChatID, mapping.FeishuChatName))
		}
	}()
	return nil
}

// HandleFeishuMessage interprets a "/feishu" message from a chat,
// reporting whether it was consumed as a command
func (u *CommandUsecase) HandleFeishuMessage(ctx context.Context, chatID, senderID, text string) (bool, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || fields[0] != "/feishu" {
		return false, nil
	}

	command := "help"
	if len(fields) > 1 {
		command = fields[1]
	}

	u.logger.Info("feishu command",
		zap.String("command", command),
		zap.String("sender_id", senderID),
		zap.String("chat_id", chatID))

	switch command {
	case "help":
		return true, u.notifyChat(ctx, chatID, feishuHelpText)

	case "approve", "deny":
		if !u.isChatOwner(ctx, chatID, senderID) {
			return true, u.notifyChat(ctx, chatID, "Only the chat owner can decide bridge requests.")
		}
		err := u.provisioning.MarkApproval(chatID, command == "approve")
		switch {
		case errors.Is(err, ErrRequestMissing):
			return true, u.notifyChat(ctx, chatID, "There is no pending bridge request for this chat.")
		case errors.Is(err, ErrRequestExpired):
			return true, u.notifyChat(ctx, chatID, "The bridge request already expired.")
		case err != nil:
			return true, fmt.Errorf("mark approval: %w", err)
		}
		if command == "approve" {
			return true, u.notifyChat(ctx, chatID, "Bridge request approved.")
		}
		return true, u.notifyChat(ctx, chatID, "Bridge request declined.")

	case "unbridge":
		if !u.isChatOwner(ctx, chatID, senderID) {
			return true, u.notifyChat(ctx, chatID, "Only the chat owner can unbridge this chat.")
		}
		mapping, err := u.rooms.GetByFeishuID(ctx, chatID)
		if repo.IsNotFound(err) {
			return true, u.notifyChat(ctx, chatID, "This chat is not bridged.")
		}
		if err != nil {
			return true, fmt.Errorf("lookup room mapping: %w", err)
		}
		if _, err := u.provisioning.Unbridge(ctx, mapping.MatrixRoomID); err != nil {
			return true, fmt.Errorf("unbridge: %w", err)
		}
		return true, u.notifyChat(ctx, chatID, "This chat is no longer bridged.")

	default:
		return true, u.notifyChat(ctx, chatID, fmt.Sprintf("Unknown command %q. Try /feishu help.", command))
	}
}

func (u *CommandUsecase) isChatOwner(ctx context.Context, chatID, senderID string) bool {
	info, err := u.feishu.GetChatInfo(ctx, chatID)
	if err != nil {
		u.logger.Warn("owner check failed", zap.String("chat_id", chatID), zap.Error(err))
		return false
	}
	// p2p chats have no owner; let either participant decide
	return info.OwnerID == "" || info.OwnerID == senderID
}

func (u *CommandUsecase) notice(ctx context.Context, roomID, body string) error {
	content := map[string]any{"msgtype": "m.notice", "body": body}
	if _, err := u.matrix.SendMessage(ctx, u.matrix.BotMXID(), roomID, content); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}

func (u *CommandUsecase) notifyChat(ctx context.Context, chatID, body string) error {
	if _, err := u.feishu.SendMessage(ctx, chatID, "text", BuildFeishuContent("text", body), uuid.NewString()); err != nil {
		return fmt.Errorf("notify chat: %w", err)
	}
	return nil
}
