package usecase

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

func sampleMessage() *domain.MatrixInboundMessage {
	return &domain.MatrixInboundMessage{
		EventID: "$ev1",
		RoomID:  "!room:test.local",
		Sender:  "@alice:test.local",
		MsgType: "m.text",
		Attachments: []domain.MessageAttachment{
			{Kind: "m.image", URL: "mxc://test.local/a"},
		},
	}
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash(sampleMessage(), "hello")
	b := ContentHash(sampleMessage(), "hello")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestContentHashSensitivity(t *testing.T) {
	base := ContentHash(sampleMessage(), "hello")

	changed := sampleMessage()
	changed.Sender = "@bob:test.local"
	assert.NotEqual(t, base, ContentHash(changed, "hello"))

	assert.NotEqual(t, base, ContentHash(sampleMessage(), "hello!"))

	reordered := sampleMessage()
	reordered.Attachments = append(reordered.Attachments, domain.MessageAttachment{Kind: "m.file", URL: "mxc://test.local/b"})
	assert.NotEqual(t, base, ContentHash(reordered, "hello"))

	withReply := sampleMessage()
	withReply.Relation = &domain.MessageRelation{Kind: domain.RelationReply, EventID: "$target"}
	assert.NotEqual(t, base, ContentHash(withReply, "hello"))
}

func TestDeliveryUUID(t *testing.T) {
	uuidRe := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

	a := DeliveryUUID("$ev1", "hash1")
	assert.Regexp(t, uuidRe, a)
	assert.Equal(t, a, DeliveryUUID("$ev1", "hash1"))
	assert.NotEqual(t, a, DeliveryUUID("$ev1", "hash2"))
	assert.NotEqual(t, a, DeliveryUUID("$ev2", "hash1"))
}

func TestMediaContentHash(t *testing.T) {
	assert.Equal(t, MediaContentHash([]byte("x")), MediaContentHash([]byte("x")))
	assert.NotEqual(t, MediaContentHash([]byte("x")), MediaContentHash([]byte("y")))
}
