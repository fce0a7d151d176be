package repo

import "context"

// SentMessage is the id set a Feishu send or reply returns
type SentMessage struct {
	MessageID string
	ThreadID  string
	RootID    string
	ParentID  string
}

// ChatSnapshot is the chat metadata the bridge reads from Feishu
type ChatSnapshot struct {
	ChatID      string
	Name        string
	Description string
	Mode        string
	OwnerID     string
	MemberCount int
}

// ChatMemberInfo is one member of a Feishu chat
type ChatMemberInfo struct {
	OpenID string
	Name   string
}

// FeishuProfile is a Feishu user profile
type FeishuProfile struct {
	OpenID    string
	Name      string
	AvatarURL string
}

// FeishuGateway is the outbound Feishu API surface the dispatchers use
type FeishuGateway interface {
	// SendMessage sends content of msgType to a chat, deduplicated by deliveryID
	SendMessage(ctx context.Context, chatID, msgType, content, deliveryID string) (*SentMessage, error)

	// ReplyMessage replies to a message, in-thread when the chat is thread-mode
	ReplyMessage(ctx context.Context, parentMessageID, msgType, content, deliveryID string, inThread bool) (*SentMessage, error)

	// UpdateMessage edits a delivered message in place
	UpdateMessage(ctx context.Context, messageID, msgType, content string) error

	// DeleteMessage recalls a delivered message
	DeleteMessage(ctx context.Context, messageID string) error

	// GetMessageResource downloads a media resource from a message,
	// returning the bytes, the reported file name and the sniffed
	// content type
	GetMessageResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, string, error)

	// UploadImage uploads image bytes, returning the image key
	UploadImage(ctx context.Context, image []byte) (string, error)

	// UploadFile uploads file bytes, returning the file key
	UploadFile(ctx context.Context, fileName, fileType string, file []byte) (string, error)

	// GetChatInfo fetches chat metadata
	GetChatInfo(ctx context.Context, chatID string) (*ChatSnapshot, error)

	// GetChatMembers lists chat members across pages
	GetChatMembers(ctx context.Context, chatID string) ([]ChatMemberInfo, error)

	// GetUserInfo fetches a user profile by open id
	GetUserInfo(ctx context.Context, openID string) (*FeishuProfile, error)
}

// MatrixGateway is the outbound homeserver surface the dispatchers use
type MatrixGateway interface {
	// BotMXID returns the bridge bot's user id
	BotMXID() string

	// EnsurePuppet registers the puppet for a Feishu user and returns its mxid
	EnsurePuppet(ctx context.Context, feishuUserID string) (string, error)

	// SetDisplayName sets a puppet's display name
	SetDisplayName(ctx context.Context, userID, displayName string) error

	// SetAvatarURL sets a puppet's avatar to an mxc uri
	SetAvatarURL(ctx context.Context, userID, avatarMXC string) error

	// EnsureJoined joins the user to the room, inviting when needed
	EnsureJoined(ctx context.Context, userID, roomID string) error

	// LeaveRoom removes the user from the room
	LeaveRoom(ctx context.Context, userID, roomID string) error

	// SendMessage sends an m.room.message as userID and returns the event id
	SendMessage(ctx context.Context, userID, roomID string, content map[string]any) (string, error)

	// Redact redacts an event as userID
	Redact(ctx context.Context, userID, roomID, eventID, reason string) error

	// SetPresence reports a puppet's presence state
	SetPresence(ctx context.Context, userID, presence string) error

	// UploadMedia uploads bytes to the media store, returning the mxc uri
	UploadMedia(ctx context.Context, fileName, contentType string, data []byte) (string, error)

	// DownloadMedia fetches the bytes and content type behind an mxc uri
	DownloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error)
}
