package usecase

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

// attachmentMsgtypes are the Matrix msgtypes that carry media
var attachmentMsgtypes = map[string]bool{
	"m.image": true,
	"m.audio": true,
	"m.video": true,
	"m.file":  true,
}

// TranslateOptions are the formatting toggles applied during translation
type TranslateOptions struct {
	EnableRichText bool
	AllowHTML      bool
	AllowMarkdown  bool
	ConvertCards   bool
}

// ParseMatrixEvent turns a raw room event into a MatrixInboundMessage.
// Only m.room.message and m.sticker produce output; an edit's payload is
// read from m.new_content; an event with neither body nor attachments
// returns nil.
func ParseMatrixEvent(eventID, roomID, sender, eventType string, content map[string]any) *domain.MatrixInboundMessage {
	if eventType != "m.room.message" && eventType != "m.sticker" {
		return nil
	}

	relation := ParseRelation(content)

	payload := content
	if newContent, ok := content["m.new_content"].(map[string]any); ok {
		payload = newContent
	}

	body, _ := payload["body"].(string)
	formatted, _ := payload["formatted_body"].(string)
	msgtype, _ := payload["msgtype"].(string)
	if msgtype == "" {
		msgtype = "m.text"
	}

	msg := &domain.MatrixInboundMessage{
		EventID:       eventID,
		RoomID:        roomID,
		Sender:        sender,
		Body:          body,
		FormattedBody: formatted,
		MsgType:       msgtype,
		Relation:      relation,
	}

	url, _ := payload["url"].(string)
	switch {
	case eventType == "m.sticker":
		msg.MsgType = "m.sticker"
		if url != "" {
			msg.Attachments = append(msg.Attachments, domain.MessageAttachment{Name: body, URL: url, Kind: "m.sticker"})
			msg.Body = ""
		}
	case attachmentMsgtypes[msgtype]:
		if url != "" {
			msg.Attachments = append(msg.Attachments, domain.MessageAttachment{Name: body, URL: url, Kind: msgtype})
			msg.Body = ""
		}
	}

	if msg.Body == "" && len(msg.Attachments) == 0 {
		return nil
	}
	return msg
}

// ParseRelation extracts the reply or edit relation from event content.
// A reply wins over an edit marker when both are present.
func ParseRelation(content map[string]any) *domain.MessageRelation {
	relates, ok := content["m.relates_to"].(map[string]any)
	if !ok {
		return nil
	}

	if inReply, ok := relates["m.in_reply_to"].(map[string]any); ok {
		if eventID, _ := inReply["event_id"].(string); eventID != "" {
			return &domain.MessageRelation{Kind: domain.RelationReply, EventID: eventID}
		}
	}

	if relType, _ := relates["rel_type"].(string); relType == "m.replace" {
		if eventID, _ := relates["event_id"].(string); eventID != "" {
			return &domain.MessageRelation{Kind: domain.RelationReplace, EventID: eventID}
		}
	}
	return nil
}

// MatrixToFeishu translates a parsed Matrix message to its Feishu shape
func MatrixToFeishu(msg *domain.MatrixInboundMessage, opts TranslateOptions) *domain.OutboundFeishuMessage {
	var content string
	switch {
	case msg.FormattedBody != "" && opts.AllowHTML:
		content = HTMLToFeishuText(msg.FormattedBody)
	case opts.AllowMarkdown:
		content = MarkdownToFeishuText(msg.Body)
	default:
		content = FlattenMentions(msg.Body)
	}
	content = EmoticonsToFeishu(content)

	msgType := "text"
	if opts.EnableRichText {
		msgType = "post"
	}

	out := &domain.OutboundFeishuMessage{
		Content: content,
		MsgType: msgType,
		ReplyTo: msg.ReplyTo(),
		EditOf:  msg.EditOf(),
	}
	for _, att := range msg.Attachments {
		out.Attachments = append(out.Attachments, att.URL)
	}
	return out
}

// NormalizeFeishuContent flattens a Feishu message payload into text and
// attachment references. Attachments use feishu://<kind>/<key> URLs so
// the dispatcher can fetch them later.
func NormalizeFeishuContent(msgType, contentJSON string, opts TranslateOptions) (string, []string) {
	raw := json.RawMessage(contentJSON)

	switch msgType {
	case "text":
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return "", nil
		}
		return EmoticonsToUnicode(body.Text), nil

	case "post":
		return EmoticonsToUnicode(ExtractPostText(raw)), nil

	case "image":
		var body struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || body.ImageKey == "" {
			return "[Image]", nil
		}
		return "", []string{"feishu://image/" + body.ImageKey}

	case "sticker":
		var body struct {
			FileKey string `json:"file_key"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || body.FileKey == "" {
			return "[Sticker]", nil
		}
		return "", []string{"feishu://image/" + body.FileKey}

	case "file", "audio", "media":
		var body struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || body.FileKey == "" {
			return fmt.Sprintf("[Unsupported: %s]", msgType), nil
		}
		return "", []string{fmt.Sprintf("feishu://%s/%s", msgType, body.FileKey)}

	case "interactive":
		if !opts.ConvertCards {
			return "[Card]", nil
		}
		if text := ExtractCardText(raw); text != "" {
			return text, nil
		}
		return "[Card]", nil

	default:
		return fmt.Sprintf("[Unsupported: %s]", msgType), nil
	}
}

// FeishuToMatrix translates a normalized Feishu message to its Matrix shape
func FeishuToMatrix(msg *domain.FeishuInboundMessage, opts TranslateOptions) *domain.OutboundMatrixMessage {
	out := &domain.OutboundMatrixMessage{
		Body:        msg.Content,
		MsgType:     "m.text",
		ReplyTo:     msg.ReplyTo,
		EditOf:      msg.EditOf,
		Attachments: msg.Attachments,
	}
	if opts.AllowHTML && msg.Content != "" {
		out.FormattedBody = TextToMatrixHTML(msg.Content)
	}
	return out
}
