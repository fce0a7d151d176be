package domain

import "time"

// Dead letter statuses
const (
	DeadLetterPending  = "pending"
	DeadLetterReplayed = "replayed"
	DeadLetterFailed   = "failed"
)

// DeadLetterEvent is an event that exhausted delivery attempts and was
// parked for operator replay
type DeadLetterEvent struct {
	ID             int64
	Source         string // "matrix" or "feishu"
	EventType      string
	DedupeKey      string
	ChatID         string
	Payload        string // JSON snapshot of the undelivered event
	Error          string
	Status         string
	ReplayCount    int64
	LastReplayedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsReplayable reports whether the letter may be pushed through the
// dispatcher again
func (d *DeadLetterEvent) IsReplayable() bool {
	return d.Status == DeadLetterPending || d.Status == DeadLetterFailed
}
