package domain

import "time"

// BridgeRequestStatus is the lifecycle state of a pending bridge request
type BridgeRequestStatus string

const (
	BridgeRequestPending  BridgeRequestStatus = "Pending"
	BridgeRequestApproved BridgeRequestStatus = "Approved"
	BridgeRequestDeclined BridgeRequestStatus = "Declined"
	BridgeRequestExpired  BridgeRequestStatus = "Expired"
)

// PendingBridgeRequest is an in-flight request to link a Matrix room
// with a Feishu chat, waiting for approval on the Feishu side
type PendingBridgeRequest struct {
	FeishuChatID    string
	MatrixRoomID    string
	MatrixRequestor string
	CreatedAt       time.Time
	Status          BridgeRequestStatus
}

// IsExpiredAt reports whether a still-pending request passed its timeout
func (p *PendingBridgeRequest) IsExpiredAt(now time.Time, timeout time.Duration) bool {
	return p.Status == BridgeRequestPending && now.Sub(p.CreatedAt) > timeout
}
