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

// feishuMediaKind maps a Matrix attachment msgtype to the Feishu media kind
var feishuMediaKind = map[string]string{
	"m.image":   "image",
	"m.sticker": "image",
	"m.audio":   "audio",
	"m.video":   "media",
	"m.file":    "file",
}

// feishuFileType maps a Feishu media kind to the upload file type
var feishuFileType = map[string]string{
	"audio": "opus",
	"media": "mp4",
	"file":  "stream",
}

// MatrixCommandHandler intercepts bot commands before dispatch
type MatrixCommandHandler interface {
	// HandleMatrixMessage runs the message as a command when it is one,
	// reporting whether it was consumed
	HandleMatrixMessage(ctx context.Context, roomID, sender, body string) (bool, error)
}

// MatrixDispatchConfig is the policy applied to Matrix events on their
// way to Feishu
type MatrixDispatchConfig struct {
	BlockedMsgtypes       []string
	MaxTextLength         int
	BridgeReply           bool
	BridgeEdit            bool
	BridgeRedaction       bool
	AllowImages           bool
	AllowVideos           bool
	AllowAudio            bool
	AllowFiles            bool
	Translate             TranslateOptions
	EnableFailureDegrade  bool
	FailureNoticeTemplate string
}

func (c MatrixDispatchConfig) msgtypeBlocked(msgtype string) bool {
	for _, blocked := range c.BlockedMsgtypes {
		if blocked == msgtype {
			return true
		}
	}
	return false
}

func (c MatrixDispatchConfig) kindAllowed(kind string) bool {
	switch kind {
	case "m.image", "m.sticker":
		return c.AllowImages
	case "m.video":
		return c.AllowVideos
	case "m.audio":
		return c.AllowAudio
	case "m.file":
		return c.AllowFiles
	}
	return false
}

// MatrixDispatcher delivers Matrix room events into Feishu chats
type MatrixDispatcher struct {
	rooms    repo.RoomRepo
	messages repo.MessageRepo
	media    repo.MediaRepo
	letters  repo.DeadLetterRepo
	feishu   repo.FeishuGateway
	matrix   repo.MatrixGateway
	commands MatrixCommandHandler
	limiter  *RateLimiter
	cfg      MatrixDispatchConfig
	logger   *zap.Logger
}

// NewMatrixDispatcher builds the Matrix to Feishu dispatcher
func NewMatrixDispatcher(
	rooms repo.RoomRepo,
	messages repo.MessageRepo,
	media repo.MediaRepo,
	letters repo.DeadLetterRepo,
	feishuGW repo.FeishuGateway,
	matrixGW repo.MatrixGateway,
	commands MatrixCommandHandler,
	limiter *RateLimiter,
	cfg MatrixDispatchConfig,
	logger *zap.Logger,
) *MatrixDispatcher {
	return &MatrixDispatcher{
		rooms:    rooms,
		messages: messages,
		media:    media,
		letters:  letters,
		feishu:   feishuGW,
		matrix:   matrixGW,
		commands: commands,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.Named("matrix_dispatch"),
	}
}

// Dispatch runs one Matrix room event through the outbound pipeline.
// Policy drops and unbridged rooms return nil. A delivery failure is
// parked as a dead letter; with failure degrade enabled a notice is
// posted into the Feishu chat and nil returned so the homeserver does
// not retry, otherwise the error propagates.
func (d *MatrixDispatcher) Dispatch(ctx context.Context, eventID, roomID, sender, eventType string, content map[string]any) error {
	return d.dispatch(ctx, eventID, roomID, sender, eventType, content, d.cfg.EnableFailureDegrade)
}

// Redeliver pushes a previously parked event back through the pipeline.
// Degrade never applies here: the caller owns the letter lifecycle and
// needs the delivery error.
func (d *MatrixDispatcher) Redeliver(ctx context.Context, eventID, roomID, sender, eventType string, content map[string]any) error {
	return d.dispatch(ctx, eventID, roomID, sender, eventType, content, false)
}

func (d *MatrixDispatcher) dispatch(ctx context.Context, eventID, roomID, sender, eventType string, content map[string]any, degrade bool) error {
	if sender == d.matrix.BotMXID() {
		return nil
	}

	if eventType == "m.room.message" && d.commands != nil {
		if body, _ := content["body"].(string); strings.HasPrefix(body, "!feishu") {
			handled, err := d.commands.HandleMatrixMessage(ctx, roomID, sender, body)
			if err != nil {
				return fmt.Errorf("handle command: %w", err)
			}
			if handled {
				return nil
			}
		}
	}

	msg := ParseMatrixEvent(eventID, roomID, sender, eventType, content)
	if msg == nil {
		return nil
	}

	if d.cfg.msgtypeBlocked(msg.MsgType) {
		metrics.PolicyBlocks.WithLabelValues("blocked_msgtype").Inc()
		d.logger.Debug("msgtype blocked by policy", zap.String("msgtype", msg.MsgType), zap.String("event_id", eventID))
		return nil
	}

	if d.limiter != nil && !d.limiter.Allow(roomID) {
		metrics.PolicyBlocks.WithLabelValues("rate_limited").Inc()
		d.logger.Warn("room rate limit exceeded, dropping event", zap.String("room_id", roomID), zap.String("event_id", eventID))
		return nil
	}

	room, err := d.rooms.GetByMatrixID(ctx, roomID)
	if err != nil {
		if repo.IsNotFound(err) {
			d.logger.Debug("event in unbridged room", zap.String("room_id", roomID))
			return nil
		}
		return fmt.Errorf("lookup room mapping: %w", err)
	}

	out := MatrixToFeishu(msg, d.cfg.Translate)
	if d.cfg.MaxTextLength > 0 {
		if runes := []rune(out.Content); len(runes) > d.cfg.MaxTextLength {
			out.Content = string(runes[:d.cfg.MaxTextLength]) + " …"
			metrics.Degraded.WithLabelValues("text_truncated").Inc()
		}
	}

	hash := ContentHash(msg, out.Content)
	if existing, err := d.messages.GetByContentHash(ctx, hash); err == nil && existing != nil {
		d.logger.Debug("duplicate content, skipping", zap.String("event_id", eventID), zap.String("prior_event_id", existing.MatrixEventID))
		return nil
	} else if err != nil && !repo.IsNotFound(err) {
		return fmt.Errorf("content hash lookup: %w", err)
	}

	if out.EditOf != "" {
		return d.dispatchEdit(ctx, room, msg, out, degrade)
	}

	primary, err := d.deliver(ctx, room, msg, out, hash)
	if err != nil {
		return d.fail(ctx, room, eventID, sender, eventType, content, err, degrade)
	}
	if primary == nil {
		// Every part of the message was dropped by policy
		return nil
	}

	mapping := (&domain.MessageMapping{
		MatrixEventID:   eventID,
		FeishuMessageID: primary.MessageID,
		RoomID:          roomID,
		SenderMXID:      sender,
	}).WithThreading(primary.ThreadID, primary.RootID, primary.ParentID).WithContentHash(hash)

	if _, err := d.messages.Create(ctx, mapping); err != nil && !repo.IsDuplicate(err) {
		return fmt.Errorf("persist message mapping: %w", err)
	}
	return nil
}

// dispatchEdit applies an m.replace to the previously delivered message
func (d *MatrixDispatcher) dispatchEdit(ctx context.Context, room *domain.RoomMapping, msg *domain.MatrixInboundMessage, out *domain.OutboundFeishuMessage, degrade bool) error {
	if !d.cfg.BridgeEdit {
		metrics.PolicyBlocks.WithLabelValues("edit_disabled").Inc()
		return nil
	}

	target, err := d.messages.GetByMatrixID(ctx, out.EditOf)
	if err != nil {
		if repo.IsNotFound(err) {
			d.logger.Debug("edit of unmapped message, dropping", zap.String("target", out.EditOf))
			return nil
		}
		return fmt.Errorf("lookup edit target: %w", err)
	}

	// Feishu only accepts text and post bodies on update
	msgType := out.MsgType
	if msgType != "text" && msgType != "post" {
		msgType = "text"
	}

	if err := d.feishu.UpdateMessage(ctx, target.FeishuMessageID, msgType, BuildFeishuContent(msgType, out.Content)); err != nil {
		return d.fail(ctx, room, msg.EventID, msg.Sender, "m.room.message", map[string]any{"body": out.Content}, err, degrade)
	}
	return nil
}

// deliver sends the text body and attachments, returning the primary
// delivered message for the mapping. A text body is primary; otherwise
// the first delivered attachment is.
func (d *MatrixDispatcher) deliver(ctx context.Context, room *domain.RoomMapping, msg *domain.MatrixInboundMessage, out *domain.OutboundFeishuMessage, hash string) (*repo.SentMessage, error) {
	var primary *repo.SentMessage

	if out.Content != "" {
		deliveryID := DeliveryUUID(msg.EventID, hash)
		content := BuildFeishuContent(out.MsgType, out.Content)

		sent, err := d.sendOrReply(ctx, room, out.ReplyTo, out.MsgType, content, deliveryID)
		if err != nil {
			return nil, fmt.Errorf("send message: %w", err)
		}
		primary = sent
	}

	var firstErr error
	for i, att := range msg.Attachments {
		sent, err := d.deliverAttachment(ctx, room, msg, out, att, i, hash)
		if err != nil {
			d.logger.Warn("attachment delivery failed, skipping",
				zap.String("event_id", msg.EventID),
				zap.String("kind", att.Kind),
				zap.Error(err))
			metrics.Degraded.WithLabelValues("attachment_skipped").Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if sent != nil && primary == nil {
			primary = sent
		}
	}

	// Nothing made it through: surface the attachment failure so the
	// event is dead-lettered instead of silently lost
	if primary == nil && firstErr != nil {
		return nil, fmt.Errorf("deliver attachments: %w", firstErr)
	}
	return primary, nil
}

func (d *MatrixDispatcher) sendOrReply(ctx context.Context, room *domain.RoomMapping, replyTo, msgType, content, deliveryID string) (*repo.SentMessage, error) {
	if replyTo != "" && d.cfg.BridgeReply {
		if parent, err := d.messages.GetByMatrixID(ctx, replyTo); err == nil {
			return d.feishu.ReplyMessage(ctx, parent.FeishuMessageID, msgType, content, deliveryID, room.IsThreadMode())
		} else if !repo.IsNotFound(err) {
			return nil, fmt.Errorf("lookup reply target: %w", err)
		}
		// Unmapped reply target falls through to a plain send
	}
	return d.feishu.SendMessage(ctx, room.FeishuChatID, msgType, content, deliveryID)
}

// deliverAttachment downloads one Matrix attachment, uploads it to
// Feishu through the media cache, and sends the resource message.
// A nil, nil return means the attachment was dropped by policy.
func (d *MatrixDispatcher) deliverAttachment(ctx context.Context, room *domain.RoomMapping, msg *domain.MatrixInboundMessage, out *domain.OutboundFeishuMessage, att domain.MessageAttachment, index int, hash string) (*repo.SentMessage, error) {
	if !d.cfg.kindAllowed(att.Kind) {
		metrics.PolicyBlocks.WithLabelValues("media_disabled").Inc()
		return nil, nil
	}
	kind := feishuMediaKind[att.Kind]
	if kind == "" {
		return nil, nil
	}

	data, _, err := d.matrix.DownloadMedia(ctx, att.URL)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}

	key, err := d.resourceKey(ctx, kind, att.Name, data)
	if err != nil {
		return nil, err
	}

	msgType, content := attachmentPayload(kind, key)
	deliveryID := DeliveryUUID(fmt.Sprintf("%s/%d", msg.EventID, index), hash)
	sent, err := d.sendOrReply(ctx, room, out.ReplyTo, msgType, content, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}
	return sent, nil
}

// resourceKey resolves the Feishu resource key for media bytes, using
// the cache to avoid re-uploading identical content
func (d *MatrixDispatcher) resourceKey(ctx context.Context, kind, name string, data []byte) (string, error) {
	mediaHash := MediaContentHash(data)

	if entry, err := d.media.Get(ctx, mediaHash, kind); err == nil && entry != nil {
		metrics.RecordCacheHit("media")
		return entry.ResourceKey, nil
	} else if err != nil && !repo.IsNotFound(err) {
		return "", fmt.Errorf("media cache lookup: %w", err)
	}
	metrics.RecordCacheMiss("media")

	var key string
	var err error
	if kind == "image" {
		key, err = d.feishu.UploadImage(ctx, data)
	} else {
		fileName := name
		if fileName == "" {
			fileName = "attachment"
		}
		key, err = d.feishu.UploadFile(ctx, fileName, feishuFileType[kind], data)
	}
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", kind, err)
	}

	if _, err := d.media.Upsert(ctx, &domain.MediaCacheEntry{ContentHash: mediaHash, MediaKind: kind, ResourceKey: key}); err != nil {
		d.logger.Warn("media cache upsert failed", zap.Error(err))
	}
	return key, nil
}

// MatrixLetterPayload is the replayable snapshot of a failed Matrix event
type MatrixLetterPayload struct {
	EventID string         `json:"event_id"`
	RoomID  string         `json:"room_id"`
	Sender  string         `json:"sender"`
	Type    string         `json:"type"`
	Content map[string]any `json:"content"`
}

// fail parks the undelivered event as a dead letter. Under degrade a
// failure notice goes into the Feishu chat and the event is swallowed;
// otherwise the cause propagates so the homeserver retries.
func (d *MatrixDispatcher) fail(ctx context.Context, room *domain.RoomMapping, eventID, sender, eventType string, content map[string]any, cause error, degrade bool) error {
	d.logger.Error("delivery to feishu failed",
		zap.String("event_id", eventID),
		zap.String("chat_id", room.FeishuChatID),
		zap.Error(cause))

	payload, _ := json.Marshal(MatrixLetterPayload{
		EventID: eventID,
		RoomID:  room.MatrixRoomID,
		Sender:  sender,
		Type:    eventType,
		Content: content,
	})
	letter := &domain.DeadLetterEvent{
		Source:    SourceMatrix,
		EventType: eventType,
		DedupeKey: eventID,
		ChatID:    room.FeishuChatID,
		Payload:   string(payload),
		Error:     cause.Error(),
		Status:    domain.DeadLetterPending,
	}
	if _, err := d.letters.Create(ctx, letter); err != nil {
		d.logger.Error("dead letter capture failed", zap.Error(err))
	}

	if !degrade {
		return fmt.Errorf("deliver to feishu: %w", cause)
	}

	notice := renderFailureNotice(d.cfg.FailureNoticeTemplate, eventID, room.MatrixRoomID, cause)
	if _, err := d.feishu.SendMessage(ctx, room.FeishuChatID, "text", BuildFeishuContent("text", notice), ""); err != nil {
		d.logger.Warn("failure notice send failed", zap.Error(err))
	} else {
		metrics.Degraded.WithLabelValues("failure_notice").Inc()
	}
	return nil
}

// HandleRedaction recalls the Feishu side of a redacted Matrix event
func (d *MatrixDispatcher) HandleRedaction(ctx context.Context, roomID, sender, redactsEventID string) error {
	if !d.cfg.BridgeRedaction {
		metrics.PolicyBlocks.WithLabelValues("redaction_disabled").Inc()
		return nil
	}
	if sender == d.matrix.BotMXID() {
		return nil
	}

	mapping, err := d.messages.GetByMatrixID(ctx, redactsEventID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup redaction target: %w", err)
	}

	if err := d.feishu.DeleteMessage(ctx, mapping.FeishuMessageID); err != nil {
		return fmt.Errorf("recall message: %w", err)
	}
	if err := d.messages.Delete(ctx, mapping.ID); err != nil {
		return fmt.Errorf("delete message mapping: %w", err)
	}
	return nil
}

// BuildFeishuContent serializes a flattened text body into the JSON
// payload the Feishu message API expects for msgType
func BuildFeishuContent(msgType, text string) string {
	switch msgType {
	case "post":
		body := map[string]any{
			"zh_cn": map[string]any{
				"title": "",
				"content": [][]map[string]any{
					{{"tag": "text", "text": text}},
				},
			},
		}
		raw, _ := json.Marshal(body)
		return string(raw)
	default:
		raw, _ := json.Marshal(map[string]string{"text": text})
		return string(raw)
	}
}

// attachmentPayload returns the Feishu msg_type and content for an
// uploaded resource key
func attachmentPayload(kind, key string) (string, string) {
	if kind == "image" {
		raw, _ := json.Marshal(map[string]string{"image_key": key})
		return "image", string(raw)
	}
	raw, _ := json.Marshal(map[string]string{"file_key": key})
	return kind, string(raw)
}

func renderFailureNotice(template, eventID, roomID string, cause error) string {
	out := strings.ReplaceAll(template, "{matrix_event_id}", eventID)
	out = strings.ReplaceAll(out, "{matrix_room_id}", roomID)
	return strings.ReplaceAll(out, "{error}", cause.Error())
}
