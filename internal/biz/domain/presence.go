package domain

import "time"

// FeishuPresenceStatus is the presence state reported by Feishu
type FeishuPresenceStatus string

const (
	PresenceOnline  FeishuPresenceStatus = "online"
	PresenceOffline FeishuPresenceStatus = "offline"
	PresenceBusy    FeishuPresenceStatus = "busy"
	PresenceAway    FeishuPresenceStatus = "away"
)

// MatrixPresenceState is the presence state accepted by Matrix
type MatrixPresenceState string

const (
	MatrixPresenceOnline      MatrixPresenceState = "online"
	MatrixPresenceOffline     MatrixPresenceState = "offline"
	MatrixPresenceUnavailable MatrixPresenceState = "unavailable"
)

// FeishuPresence is one presence update for a Feishu user
type FeishuPresence struct {
	UserID        string
	Status        FeishuPresenceStatus
	StatusMessage string
	LastSeen      *time.Time
}

// ToMatrixPresence maps the Feishu state onto the Matrix presence enum
func (p *FeishuPresence) ToMatrixPresence() MatrixPresenceState {
	switch p.Status {
	case PresenceOnline:
		return MatrixPresenceOnline
	case PresenceOffline:
		return MatrixPresenceOffline
	default:
		return MatrixPresenceUnavailable
	}
}
