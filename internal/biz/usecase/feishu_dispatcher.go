package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
	"github.com/anthropics/matrix-feishu-bridge/internal/metrics"
)

// matrixAttachmentMsgtype maps a Feishu media kind to the Matrix msgtype
var matrixAttachmentMsgtype = map[string]string{
	"image": "m.image",
	"audio": "m.audio",
	"media": "m.video",
	"file":  "m.file",
}

// FeishuDispatchConfig is the policy applied to Feishu events on their
// way to Matrix
type FeishuDispatchConfig struct {
	Translate       TranslateOptions
	DeleteOnDisband bool
	MaxMediaSize    int64
}

// FeishuDispatcher delivers Feishu chat events into Matrix rooms
type FeishuDispatcher struct {
	rooms      repo.RoomRepo
	users      repo.UserRepo
	messages   repo.MessageRepo
	letters    repo.DeadLetterRepo
	feishu     repo.FeishuGateway
	matrix     repo.MatrixGateway
	presence   *PresenceUsecase
	syncPolicy domain.UserSyncPolicy
	cfg        FeishuDispatchConfig
	logger     *zap.Logger
}

// NewFeishuDispatcher builds the Feishu to Matrix dispatcher. presence
// may be nil when presence bridging is off.
func NewFeishuDispatcher(
	rooms repo.RoomRepo,
	users repo.UserRepo,
	messages repo.MessageRepo,
	letters repo.DeadLetterRepo,
	feishuGW repo.FeishuGateway,
	matrixGW repo.MatrixGateway,
	presence *PresenceUsecase,
	cfg FeishuDispatchConfig,
	logger *zap.Logger,
) *FeishuDispatcher {
	return &FeishuDispatcher{
		rooms:      rooms,
		users:      users,
		messages:   messages,
		letters:    letters,
		feishu:     feishuGW,
		matrix:     matrixGW,
		presence:   presence,
		syncPolicy: domain.DefaultUserSyncPolicy(),
		cfg:        cfg,
		logger:     logger.Named("feishu_dispatch"),
	}
}

// reportPresence records observed user activity for the presence flusher
func (d *FeishuDispatcher) reportPresence(userID string, status domain.FeishuPresenceStatus) {
	if d.presence == nil || userID == "" {
		return
	}
	d.presence.Enqueue(&domain.FeishuPresence{UserID: userID, Status: status})
}

// DispatchMessage runs one received Feishu message through the inbound
// pipeline. Duplicate message ids and unbridged chats return nil; a
// delivery failure is parked as a dead letter and the error returned.
func (d *FeishuDispatcher) DispatchMessage(ctx context.Context, msg *domain.FeishuInboundMessage) error {
	if existing, err := d.messages.GetByFeishuID(ctx, msg.MessageID); err == nil && existing != nil {
		d.logger.Debug("message already bridged", zap.String("message_id", msg.MessageID))
		return nil
	} else if err != nil && !repo.IsNotFound(err) {
		return fmt.Errorf("message dedupe lookup: %w", err)
	}

	room, err := d.rooms.GetByFeishuID(ctx, msg.ChatID)
	if err != nil {
		if repo.IsNotFound(err) {
			d.logger.Debug("message in unbridged chat", zap.String("chat_id", msg.ChatID))
			return nil
		}
		return fmt.Errorf("lookup room mapping: %w", err)
	}
	d.backfillChatName(ctx, room)

	mxid, err := d.ensurePuppet(ctx, msg.SenderID, msg.SenderName)
	if err != nil {
		return d.fail(ctx, msg, err)
	}
	// A message is the strongest activity signal Feishu gives us
	d.reportPresence(msg.SenderID, domain.PresenceOnline)
	if err := d.matrix.EnsureJoined(ctx, mxid, room.MatrixRoomID); err != nil {
		return d.fail(ctx, msg, err)
	}

	// Reply linkage rides on the parent mapping when we have one
	if msg.ParentID != "" && msg.ReplyTo == "" {
		if parent, err := d.messages.GetByFeishuID(ctx, msg.ParentID); err == nil && parent != nil {
			msg.ReplyTo = parent.MatrixEventID
		} else if err != nil && !repo.IsNotFound(err) {
			return fmt.Errorf("lookup reply target: %w", err)
		}
	}

	// Content arrives as the raw Feishu payload JSON; flatten it here so
	// attachment refs and file names both come from the same source
	text, attachments := NormalizeFeishuContent(msg.MsgType, msg.Content, d.cfg.Translate)
	normalized := *msg
	normalized.Content = text
	normalized.Attachments = attachments
	out := FeishuToMatrix(&normalized, d.cfg.Translate)

	primaryEvent, err := d.deliver(ctx, room, mxid, msg, out)
	if err != nil {
		return d.fail(ctx, msg, err)
	}
	if primaryEvent == "" {
		return nil
	}

	mapping := (&domain.MessageMapping{
		MatrixEventID:   primaryEvent,
		FeishuMessageID: msg.MessageID,
		RoomID:          room.MatrixRoomID,
		SenderFeishuID:  msg.SenderID,
	}).WithThreading(msg.ThreadID, msg.RootID, msg.ParentID)

	if _, err := d.messages.Create(ctx, mapping); err != nil && !repo.IsDuplicate(err) {
		return fmt.Errorf("persist message mapping: %w", err)
	}
	return nil
}

// deliver posts the text body and attachment events as the puppet,
// returning the primary event id
func (d *FeishuDispatcher) deliver(ctx context.Context, room *domain.RoomMapping, mxid string, msg *domain.FeishuInboundMessage, out *domain.OutboundMatrixMessage) (string, error) {
	var primary string

	if out.Body != "" {
		content := map[string]any{
			"msgtype": out.MsgType,
			"body":    out.Body,
		}
		if out.FormattedBody != "" {
			content["format"] = "org.matrix.custom.html"
			content["formatted_body"] = out.FormattedBody
		}
		applyRelation(content, out)

		eventID, err := d.matrix.SendMessage(ctx, mxid, room.MatrixRoomID, content)
		if err != nil {
			return "", fmt.Errorf("send message: %w", err)
		}
		primary = eventID
	}

	var firstErr error
	for _, ref := range out.Attachments {
		eventID, err := d.deliverAttachment(ctx, room, mxid, msg, out, ref)
		if err != nil {
			d.logger.Warn("attachment transfer failed, skipping",
				zap.String("message_id", msg.MessageID),
				zap.String("ref", ref),
				zap.Error(err))
			metrics.Degraded.WithLabelValues("attachment_skipped").Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if eventID != "" && primary == "" {
			primary = eventID
		}
	}

	if primary == "" && firstErr != nil {
		return "", fmt.Errorf("deliver attachments: %w", firstErr)
	}
	return primary, nil
}

// deliverAttachment fetches a feishu://<kind>/<key> resource and
// re-uploads it to the homeserver media store
func (d *FeishuDispatcher) deliverAttachment(ctx context.Context, room *domain.RoomMapping, mxid string, msg *domain.FeishuInboundMessage, out *domain.OutboundMatrixMessage, ref string) (string, error) {
	kind, key, ok := parseFeishuRef(ref)
	if !ok {
		return "", fmt.Errorf("malformed attachment ref %q", ref)
	}
	msgtype := matrixAttachmentMsgtype[kind]
	if msgtype == "" {
		return "", fmt.Errorf("unknown attachment kind %q", kind)
	}

	resourceType := "file"
	if kind == "image" {
		resourceType = "image"
	}
	data, resourceName, contentType, err := d.feishu.GetMessageResource(ctx, msg.MessageID, key, resourceType)
	if err != nil {
		return "", fmt.Errorf("fetch resource: %w", err)
	}
	if d.cfg.MaxMediaSize > 0 && int64(len(data)) > d.cfg.MaxMediaSize {
		metrics.PolicyBlocks.WithLabelValues("media_too_large").Inc()
		return "", fmt.Errorf("resource %s is %d bytes, over the %d byte limit", key, len(data), d.cfg.MaxMediaSize)
	}

	fileName := attachmentFileName(msg.Content, resourceName, kind)
	mxc, err := d.matrix.UploadMedia(ctx, fileName, contentType, data)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}

	content := map[string]any{
		"msgtype": msgtype,
		"body":    fileName,
		"url":     mxc,
		"info": map[string]any{
			"mimetype": contentType,
			"size":     len(data),
		},
	}
	applyRelation(content, out)

	eventID, err := d.matrix.SendMessage(ctx, mxid, room.MatrixRoomID, content)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", msgtype, err)
	}
	return eventID, nil
}

// HandleRecall redacts the Matrix side of a recalled Feishu message
func (d *FeishuDispatcher) HandleRecall(ctx context.Context, messageID, chatID string) error {
	mapping, err := d.messages.GetByFeishuID(ctx, messageID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup recall target: %w", err)
	}

	if err := d.matrix.Redact(ctx, d.matrix.BotMXID(), mapping.RoomID, mapping.MatrixEventID, "message recalled"); err != nil {
		return fmt.Errorf("redact message: %w", err)
	}
	if err := d.messages.Delete(ctx, mapping.ID); err != nil {
		return fmt.Errorf("delete message mapping: %w", err)
	}
	return nil
}

// HandleMemberChange mirrors Feishu membership changes onto puppets and
// posts a room notice
func (d *FeishuDispatcher) HandleMemberChange(ctx context.Context, change *domain.ChatMemberChange) error {
	room, err := d.rooms.GetByFeishuID(ctx, change.ChatID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup room mapping: %w", err)
	}

	var names []string
	for _, userID := range change.UserIDs {
		name := userID
		if profile, err := d.feishu.GetUserInfo(ctx, userID); err == nil && profile.Name != "" {
			name = profile.Name
		}
		names = append(names, name)

		if change.Joined {
			mxid, err := d.ensurePuppet(ctx, userID, name)
			if err != nil {
				d.logger.Warn("puppet setup failed on join", zap.String("user_id", userID), zap.Error(err))
				continue
			}
			if err := d.matrix.EnsureJoined(ctx, mxid, room.MatrixRoomID); err != nil {
				d.logger.Warn("puppet join failed", zap.String("mxid", mxid), zap.Error(err))
			}
			d.reportPresence(userID, domain.PresenceOnline)
		} else if mapping, err := d.users.GetByFeishuID(ctx, userID); err == nil {
			if err := d.matrix.LeaveRoom(ctx, mapping.MatrixUserID, room.MatrixRoomID); err != nil {
				d.logger.Warn("puppet leave failed", zap.String("mxid", mapping.MatrixUserID), zap.Error(err))
			}
			d.reportPresence(userID, domain.PresenceOffline)
		}
	}

	verb := "joined"
	if !change.Joined {
		verb = "left"
	}
	notice := fmt.Sprintf("%s %s the Feishu chat", strings.Join(names, ", "), verb)
	return d.sendNotice(ctx, room.MatrixRoomID, notice)
}

// HandleChatUpdate merges renamed chat metadata into the room mapping
func (d *FeishuDispatcher) HandleChatUpdate(ctx context.Context, update *domain.ChatUpdate) error {
	room, err := d.rooms.GetByFeishuID(ctx, update.ChatID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup room mapping: %w", err)
	}

	changed := false
	if update.Name != "" && update.Name != room.FeishuChatName {
		room.FeishuChatName = update.Name
		changed = true
	}
	if update.ChatMode != "" && !strings.EqualFold(update.ChatMode, room.FeishuChatType) {
		room.FeishuChatType = update.ChatMode
		changed = true
	}
	if !changed {
		return nil
	}
	if err := d.rooms.Update(ctx, room); err != nil {
		return fmt.Errorf("update room mapping: %w", err)
	}
	return nil
}

// HandleChatDisbanded notifies the room and, when configured, tears the
// bridge down
func (d *FeishuDispatcher) HandleChatDisbanded(ctx context.Context, chatID string) error {
	room, err := d.rooms.GetByFeishuID(ctx, chatID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup room mapping: %w", err)
	}

	if err := d.sendNotice(ctx, room.MatrixRoomID, "The Feishu chat was disbanded; this bridge is no longer active"); err != nil {
		d.logger.Warn("disband notice failed", zap.Error(err))
	}
	if !d.cfg.DeleteOnDisband {
		return nil
	}

	for {
		mappings, err := d.messages.ListByRoom(ctx, room.MatrixRoomID, 100)
		if err != nil {
			return fmt.Errorf("list message mappings: %w", err)
		}
		if len(mappings) == 0 {
			break
		}
		for _, m := range mappings {
			if err := d.messages.Delete(ctx, m.ID); err != nil {
				return fmt.Errorf("delete message mapping: %w", err)
			}
		}
	}
	if err := d.rooms.Delete(ctx, room.ID); err != nil {
		return fmt.Errorf("delete room mapping: %w", err)
	}
	return nil
}

// ensurePuppet registers the puppet and refreshes its profile from
// Feishu when the sync policy says it is due
func (d *FeishuDispatcher) ensurePuppet(ctx context.Context, feishuUserID, fallbackName string) (string, error) {
	mxid, err := d.matrix.EnsurePuppet(ctx, feishuUserID)
	if err != nil {
		return "", fmt.Errorf("ensure puppet: %w", err)
	}

	mapping, err := d.users.GetByFeishuID(ctx, feishuUserID)
	if repo.IsNotFound(err) {
		mapping, err = d.users.Create(ctx, &domain.UserMapping{
			MatrixUserID:   mxid,
			FeishuUserID:   feishuUserID,
			FeishuUsername: fallbackName,
		})
	}
	if err != nil {
		return "", fmt.Errorf("user mapping: %w", err)
	}

	if !d.syncPolicy.ShouldRefresh(mapping.UpdatedAt) {
		return mxid, nil
	}

	profile, err := d.feishu.GetUserInfo(ctx, feishuUserID)
	if err != nil {
		d.logger.Warn("profile fetch failed, keeping stale puppet profile",
			zap.String("user_id", feishuUserID), zap.Error(err))
		return mxid, nil
	}

	puppet := &domain.Puppet{
		FeishuID:    feishuUserID,
		MXID:        mxid,
		DisplayName: mapping.FeishuUsername,
		AvatarURL:   mapping.FeishuAvatar,
	}
	if puppet.ApplyProfileSync(profile.Name, profile.AvatarURL) {
		if puppet.NameSet && puppet.DisplayName != mapping.FeishuUsername {
			if err := d.matrix.SetDisplayName(ctx, mxid, puppet.DisplayName); err != nil {
				d.logger.Warn("set display name failed", zap.String("mxid", mxid), zap.Error(err))
			}
		}
		mapping.FeishuUsername = puppet.DisplayName
		mapping.FeishuAvatar = puppet.AvatarURL
	}
	if err := d.users.Update(ctx, mapping); err != nil {
		d.logger.Warn("user mapping update failed", zap.Error(err))
	}
	return mxid, nil
}

// backfillChatName fills an empty portal name from the chat metadata
func (d *FeishuDispatcher) backfillChatName(ctx context.Context, room *domain.RoomMapping) {
	if room.FeishuChatName != "" {
		return
	}
	info, err := d.feishu.GetChatInfo(ctx, room.FeishuChatID)
	if err != nil {
		d.logger.Debug("chat info fetch failed", zap.String("chat_id", room.FeishuChatID), zap.Error(err))
		return
	}
	room.FeishuChatName = info.Name
	if info.Mode != "" {
		room.FeishuChatType = info.Mode
	}
	if err := d.rooms.Update(ctx, room); err != nil {
		d.logger.Warn("room mapping backfill failed", zap.Error(err))
	}
}

func (d *FeishuDispatcher) sendNotice(ctx context.Context, roomID, body string) error {
	content := map[string]any{"msgtype": "m.notice", "body": body}
	if _, err := d.matrix.SendMessage(ctx, d.matrix.BotMXID(), roomID, content); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}

// fail parks the undelivered Feishu message as a dead letter and
// returns the cause
func (d *FeishuDispatcher) fail(ctx context.Context, msg *domain.FeishuInboundMessage, cause error) error {
	d.logger.Error("delivery to matrix failed",
		zap.String("message_id", msg.MessageID),
		zap.String("chat_id", msg.ChatID),
		zap.Error(cause))

	d.ParkEvent(ctx, "im.message.receive_v1", msg.MessageID, msg.ChatID, msg, cause)
	return fmt.Errorf("deliver to matrix: %w", cause)
}

// ParkEvent captures a failed Feishu chat event as a replayable dead
// letter keyed by dedupeKey
func (d *FeishuDispatcher) ParkEvent(ctx context.Context, eventType, dedupeKey, chatID string, payload any, cause error) {
	raw, _ := json.Marshal(payload)
	letter := &domain.DeadLetterEvent{
		Source:    SourceFeishu,
		EventType: eventType,
		DedupeKey: dedupeKey,
		ChatID:    chatID,
		Payload:   string(raw),
		Error:     cause.Error(),
		Status:    domain.DeadLetterPending,
	}
	if _, err := d.letters.Create(ctx, letter); err != nil {
		d.logger.Error("dead letter capture failed",
			zap.String("event_type", eventType),
			zap.String("dedupe_key", dedupeKey),
			zap.Error(err))
	}
}

// applyRelation attaches the Matrix relation block for replies and edits
func applyRelation(content map[string]any, out *domain.OutboundMatrixMessage) {
	switch {
	case out.EditOf != "":
		newContent := map[string]any{}
		for k, v := range content {
			if k != "m.relates_to" {
				newContent[k] = v
			}
		}
		if body, ok := content["body"].(string); ok {
			content["body"] = "* " + body
		}
		content["m.new_content"] = newContent
		content["m.relates_to"] = map[string]any{
			"rel_type": "m.replace",
			"event_id": out.EditOf,
		}
	case out.ReplyTo != "":
		content["m.relates_to"] = map[string]any{
			"m.in_reply_to": map[string]any{"event_id": out.ReplyTo},
		}
	}
}

// parseFeishuRef splits a feishu://<kind>/<key> attachment reference
func parseFeishuRef(ref string) (kind, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "feishu://")
	if !found {
		return "", "", false
	}
	kind, key, found = strings.Cut(rest, "/")
	if !found || kind == "" || key == "" {
		return "", "", false
	}
	return kind, key, true
}

// attachmentFileName derives a body/file name for a transferred
// resource: the name in the message payload wins, then the name the
// resource API reported, then a kind placeholder
func attachmentFileName(contentJSON, resourceName, kind string) string {
	var body struct {
		FileName string `json:"file_name"`
	}
	if err := json.Unmarshal([]byte(contentJSON), &body); err == nil && body.FileName != "" {
		return body.FileName
	}
	if resourceName != "" {
		return resourceName
	}
	switch kind {
	case "image":
		return "image"
	case "audio":
		return "audio"
	case "media":
		return "video"
	default:
		return "file"
	}
}
