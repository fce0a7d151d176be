package domain

import "strings"

// RelationKind describes how a message relates to an earlier one
type RelationKind string

const (
	RelationReply   RelationKind = "reply"
	RelationReplace RelationKind = "replace"
)

// MessageRelation points at the Matrix event a message replies to or replaces
type MessageRelation struct {
	Kind    RelationKind
	EventID string
}

// MessageAttachment is a media reference carried alongside a message body
type MessageAttachment struct {
	Name string
	URL  string
	Kind string // Matrix msgtype for outbound, feishu kind for inbound
}

// MatrixInboundMessage is a parsed Matrix room event on its way to Feishu
type MatrixInboundMessage struct {
	EventID       string
	RoomID        string
	Sender        string
	Body          string
	FormattedBody string
	MsgType       string
	Relation      *MessageRelation
	Attachments   []MessageAttachment
}

// ReplyTo returns the replied-to event id, if any
func (m *MatrixInboundMessage) ReplyTo() string {
	if m.Relation != nil && m.Relation.Kind == RelationReply {
		return m.Relation.EventID
	}
	return ""
}

// EditOf returns the replaced event id, if any
func (m *MatrixInboundMessage) EditOf() string {
	if m.Relation != nil && m.Relation.Kind == RelationReplace {
		return m.Relation.EventID
	}
	return ""
}

// FeishuInboundMessage is a normalized Feishu webhook message on its way to Matrix
type FeishuInboundMessage struct {
	MessageID   string
	ChatID      string
	SenderID    string
	SenderName  string
	Content     string
	MsgType     string
	ThreadID    string
	RootID      string
	ParentID    string
	Attachments []string // feishu://<kind>/<key> references
	ReplyTo     string
	EditOf      string
	Timestamp   int64 // epoch milliseconds
}

// OutboundFeishuMessage is the translated payload destined for a Feishu chat
type OutboundFeishuMessage struct {
	Content     string
	MsgType     string
	ReplyTo     string
	EditOf      string
	Attachments []string
}

// RenderContent flattens the message with its relation markers into
// a single Feishu text body
func (m *OutboundFeishuMessage) RenderContent() string {
	var parts []string
	if m.ReplyTo != "" {
		parts = append(parts, "> reply to "+m.ReplyTo+"\n")
	}
	if m.EditOf != "" {
		parts = append(parts, "* (edit of "+m.EditOf+")\n")
	}
	if m.Content != "" {
		parts = append(parts, m.Content)
	}
	if len(m.Attachments) > 0 {
		parts = append(parts, strings.Join(m.Attachments, "\n"))
	}
	return strings.Join(parts, "")
}

// OutboundMatrixMessage is the translated payload destined for a Matrix room
type OutboundMatrixMessage struct {
	Body          string
	FormattedBody string
	MsgType       string
	ReplyTo       string
	EditOf        string
	Attachments   []string
}

// RenderBody flattens the message with its relation markers into
// a single Matrix body
func (m *OutboundMatrixMessage) RenderBody() string {
	body := m.Body
	if m.ReplyTo != "" {
		body = "> reply to " + m.ReplyTo + "\n" + body
	}
	if m.EditOf != "" {
		body = "* " + body + "\n(edit:" + m.EditOf + ")"
	}
	if len(m.Attachments) > 0 {
		if body != "" {
			body += "\n"
		}
		body += strings.Join(m.Attachments, "\n")
	}
	return body
}

// ChatMemberChange is a normalized membership event from Feishu
type ChatMemberChange struct {
	ChatID   string
	UserIDs  []string
	Joined   bool
	Operator string
}

// ChatUpdate is a normalized chat metadata change from Feishu
type ChatUpdate struct {
	ChatID   string
	Name     string
	ChatMode string
	ChatType string
}
