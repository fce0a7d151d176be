package domain

import (
	"strings"
	"time"
)

// RoomMapping links a Matrix room to a Feishu chat
type RoomMapping struct {
	ID             int64
	MatrixRoomID   string
	FeishuChatID   string
	FeishuChatName string
	FeishuChatType string // "group", "p2p" or "thread"
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsThreadMode reports whether replies into this chat must target threads
func (r *RoomMapping) IsThreadMode() bool {
	return strings.EqualFold(r.FeishuChatType, "thread")
}

// UserMapping links a Matrix puppet to a Feishu user
type UserMapping struct {
	ID             int64
	MatrixUserID   string
	FeishuUserID   string
	FeishuUsername string
	FeishuAvatar   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MessageMapping links a delivered message across both networks.
// Threading fields mirror the Feishu message hierarchy so later replies
// and edits can target the right thread.
type MessageMapping struct {
	ID              int64
	MatrixEventID   string
	FeishuMessageID string
	ThreadID        string
	RootID          string
	ParentID        string
	RoomID          string
	SenderMXID      string
	SenderFeishuID  string
	ContentHash     string
	CreatedAt       time.Time
}

// WithThreading fills the threading fields
func (m *MessageMapping) WithThreading(threadID, rootID, parentID string) *MessageMapping {
	m.ThreadID = threadID
	m.RootID = rootID
	m.ParentID = parentID
	return m
}

// WithContentHash fills the content hash
func (m *MessageMapping) WithContentHash(hash string) *MessageMapping {
	m.ContentHash = hash
	return m
}

// ProcessedEvent records an event id that was already handled
type ProcessedEvent struct {
	ID          int64
	EventID     string
	EventType   string
	Source      string // "matrix" or "feishu"
	ProcessedAt time.Time
}

// MediaCacheEntry maps uploaded media to its Feishu resource key so
// identical attachments are uploaded once
type MediaCacheEntry struct {
	ID          int64
	ContentHash string
	MediaKind   string // image, audio, media, file
	ResourceKey string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
