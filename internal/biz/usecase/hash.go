package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

// ContentHash derives the deterministic hash that suppresses duplicate
// outbound deliveries. Fields are separated by NUL bytes so adjacent
// values cannot collide; attachments contribute in order as (kind, url).
func ContentHash(msg *domain.MatrixInboundMessage, content string) string {
	h := sha256.New()
	for _, field := range []string{
		msg.EventID,
		msg.RoomID,
		msg.Sender,
		msg.MsgType,
		content,
		msg.ReplyTo(),
		msg.EditOf(),
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	for _, att := range msg.Attachments {
		h.Write([]byte(att.Kind))
		h.Write([]byte{0})
		h.Write([]byte(att.URL))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DeliveryUUID derives the idempotency key Feishu deduplicates on. It is
// stable for a given (event, content) pair so our retries collapse
// server-side.
func DeliveryUUID(eventID, contentHash string) string {
	sum := sha256.Sum256([]byte(eventID + contentHash))
	hexed := hex.EncodeToString(sum[:])[:32]
	return fmt.Sprintf("%s-%s-%s-%s-%s", hexed[0:8], hexed[8:12], hexed[12:16], hexed[16:20], hexed[20:32])
}

// MediaContentHash hashes raw media bytes for the media cache key
func MediaContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
