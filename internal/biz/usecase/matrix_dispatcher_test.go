package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

type matrixDispatchEnv struct {
	rooms      *fakeRoomRepo
	messages   *fakeMessageRepo
	media      *fakeMediaRepo
	letters    *fakeDeadLetterRepo
	feishu     *fakeFeishuGateway
	matrix     *fakeMatrixGateway
	dispatcher *MatrixDispatcher
}

func defaultMatrixDispatchConfig() MatrixDispatchConfig {
	return MatrixDispatchConfig{
		BridgeReply:          true,
		BridgeEdit:           true,
		BridgeRedaction:      true,
		AllowImages:          true,
		AllowVideos:          true,
		AllowAudio:           true,
		AllowFiles:           true,
		EnableFailureDegrade: true,
		FailureNoticeTemplate: "delivery of {matrix_event_id} failed: {error}",
	}
}

func newMatrixDispatchEnv(cfg MatrixDispatchConfig, limiter *RateLimiter) *matrixDispatchEnv {
	env := &matrixDispatchEnv{
		rooms:    newFakeRoomRepo(),
		messages: newFakeMessageRepo(),
		media:    newFakeMediaRepo(),
		letters:  newFakeDeadLetterRepo(),
		feishu:   newFakeFeishuGateway(),
		matrix:   newFakeMatrixGateway(),
	}
	env.dispatcher = NewMatrixDispatcher(
		env.rooms, env.messages, env.media, env.letters,
		env.feishu, env.matrix, nil, limiter, cfg, zap.NewNop())
	return env
}

func textContent(body string) map[string]any {
	return map[string]any{"msgtype": "m.text", "body": body}
}

func TestMatrixDispatchText(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")

	err := env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", textContent("hello"))
	require.NoError(t, err)

	require.Len(t, env.feishu.sent, 1)
	assert.Equal(t, "oc_chat1", env.feishu.sent[0].ChatID)
	assert.Equal(t, "text", env.feishu.sent[0].MsgType)
	assert.JSONEq(t, `{"text":"hello"}`, env.feishu.sent[0].Content)
	assert.NotEmpty(t, env.feishu.sent[0].DeliveryID)

	mapping, err := env.messages.GetByMatrixID(context.Background(), "$ev1")
	require.NoError(t, err)
	assert.Equal(t, "om_1", mapping.FeishuMessageID)
	assert.NotEmpty(t, mapping.ContentHash)
}

func TestMatrixDispatchSkipsBotSender(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")

	err := env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", env.matrix.BotMXID(), "m.room.message", textContent("from the bot"))
	require.NoError(t, err)
	assert.Empty(t, env.feishu.sent)
}

func TestMatrixDispatchUnbridgedRoom(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)

	err := env.dispatcher.Dispatch(context.Background(), "$ev1", "!nowhere:test.local", "@alice:test.local", "m.room.message", textContent("hello"))
	require.NoError(t, err)
	assert.Empty(t, env.feishu.sent)
}

func TestMatrixDispatchBlockedMsgtype(t *testing.T) {
	cfg := defaultMatrixDispatchConfig()
	cfg.BlockedMsgtypes = []string{"m.notice"}
	env := newMatrixDispatchEnv(cfg, nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")

	err := env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", map[string]any{"msgtype": "m.notice", "body": "noise"})
	require.NoError(t, err)
	assert.Empty(t, env.feishu.sent)
}

func TestMatrixDispatchContentHashDedupe(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")

	require.NoError(t, env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", textContent("hello")))
	require.NoError(t, env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", textContent("hello")))

	assert.Len(t, env.feishu.sent, 1)
}

func TestMatrixDispatchTruncatesLongText(t *testing.T) {
	cfg := defaultMatrixDispatchConfig()
	cfg.MaxTextLength = 5
	env := newMatrixDispatchEnv(cfg, nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")

	err := env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", textContent("hello world"))
	require.NoError(t, err)

	require.Len(t, env.feishu.sent, 1)
	assert.JSONEq(t, `{"text":"hello …"}`, env.feishu.sent[0].Content)
}

func TestMatrixDispatchRateLimitDrops(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), limiter)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")

	require.NoError(t, env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", textContent("one")))
	require.NoError(t, env.dispatcher.Dispatch(context.Background(), "$ev2", "!room:test.local", "@alice:test.local", "m.room.message", textContent("two")))

	assert.Len(t, env.feishu.sent, 1)
}

func TestMatrixDispatchReplyTargetsParent(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.messages.seed("$parent", "om_parent", "!room:test.local")

	content := textContent("replying")
	content["m.relates_to"] = map[string]any{
		"m.in_reply_to": map[string]any{"event_id": "$parent"},
	}
	err := env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", content)
	require.NoError(t, err)

	assert.Empty(t, env.feishu.sent)
	require.Len(t, env.feishu.replies, 1)
	assert.Equal(t, "om_parent", env.feishu.replies[0].ParentID)
	assert.False(t, env.feishu.replies[0].InThread)
}

func TestMatrixDispatchReplyInThreadMode(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "thread")
	env.messages.seed("$parent", "om_parent", "!room:test.local")

	content := textContent("replying")
	content["m.relates_to"] = map[string]any{
		"m.in_reply_to": map[string]any{"event_id": "$parent"},
	}
	require.NoError(t, env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", content))

	require.Len(t, env.feishu.replies, 1)
	assert.True(t, env.feishu.replies[0].InThread)
}

func TestMatrixDispatchReplyUnmappedFallsBackToSend(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")

	content := textContent("replying")
	content["m.relates_to"] = map[string]any{
		"m.in_reply_to": map[string]any{"event_id": "$unknown"},
	}
	require.NoError(t, env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", content))

	assert.Empty(t, env.feishu.replies)
	assert.Len(t, env.feishu.sent, 1)
}

func TestMatrixDispatchEdit(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.messages.seed("$orig", "om_orig", "!room:test.local")

	content := map[string]any{
		"msgtype": "m.text",
		"body":    "* fixed",
		"m.new_content": map[string]any{"msgtype": "m.text", "body": "fixed"},
		"m.relates_to":  map[string]any{"rel_type": "m.replace", "event_id": "$orig"},
	}
	err := env.dispatcher.Dispatch(context.Background(), "$ev2", "!room:test.local", "@alice:test.local", "m.room.message", content)
	require.NoError(t, err)

	assert.Empty(t, env.feishu.sent)
	require.Len(t, env.feishu.updates, 1)
	assert.Equal(t, "om_orig", env.feishu.updates[0].ParentID)
	assert.Equal(t, "text", env.feishu.updates[0].MsgType)
	assert.JSONEq(t, `{"text":"fixed"}`, env.feishu.updates[0].Content)
}

func TestMatrixDispatchEditDisabled(t *testing.T) {
	cfg := defaultMatrixDispatchConfig()
	cfg.BridgeEdit = false
	env := newMatrixDispatchEnv(cfg, nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.messages.seed("$orig", "om_orig", "!room:test.local")

	content := map[string]any{
		"msgtype": "m.text",
		"body":    "* fixed",
		"m.new_content": map[string]any{"msgtype": "m.text", "body": "fixed"},
		"m.relates_to":  map[string]any{"rel_type": "m.replace", "event_id": "$orig"},
	}
	require.NoError(t, env.dispatcher.Dispatch(context.Background(), "$ev2", "!room:test.local", "@alice:test.local", "m.room.message", content))
	assert.Empty(t, env.feishu.updates)
}

func TestMatrixDispatchImageAttachment(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.matrix.media["mxc://test.local/abc"] = []byte("png-bytes")

	content := map[string]any{
		"msgtype": "m.image",
		"body":    "cat.png",
		"url":     "mxc://test.local/abc",
	}
	err := env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", content)
	require.NoError(t, err)

	assert.Equal(t, 1, env.feishu.imageUploads)
	require.Len(t, env.feishu.sent, 1)
	assert.Equal(t, "image", env.feishu.sent[0].MsgType)
	assert.JSONEq(t, `{"image_key":"img_key_1"}`, env.feishu.sent[0].Content)

	mapping, err := env.messages.GetByMatrixID(context.Background(), "$ev1")
	require.NoError(t, err)
	assert.Equal(t, "om_1", mapping.FeishuMessageID)
}

func TestMatrixDispatchMediaCacheReuse(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.matrix.media["mxc://test.local/abc"] = []byte("png-bytes")
	env.matrix.media["mxc://test.local/def"] = []byte("png-bytes")

	first := map[string]any{"msgtype": "m.image", "body": "a.png", "url": "mxc://test.local/abc"}
	second := map[string]any{"msgtype": "m.image", "body": "b.png", "url": "mxc://test.local/def"}
	require.NoError(t, env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", first))
	require.NoError(t, env.dispatcher.Dispatch(context.Background(), "$ev2", "!room:test.local", "@alice:test.local", "m.room.message", second))

	// Identical bytes upload once; the cached key serves the second send
	assert.Equal(t, 1, env.feishu.imageUploads)
	assert.Len(t, env.feishu.sent, 2)
}

func TestMatrixDispatchMediaDisabled(t *testing.T) {
	cfg := defaultMatrixDispatchConfig()
	cfg.AllowImages = false
	env := newMatrixDispatchEnv(cfg, nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.matrix.media["mxc://test.local/abc"] = []byte("png-bytes")

	content := map[string]any{"msgtype": "m.image", "body": "cat.png", "url": "mxc://test.local/abc"}
	require.NoError(t, env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", content))

	assert.Zero(t, env.feishu.imageUploads)
	assert.Empty(t, env.feishu.sent)
}

func TestMatrixDispatchFailureDeadLetters(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.feishu.sendErr = errors.New("feishu unavailable")

	// Degrade is on, so the failure is absorbed after parking a letter
	err := env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", textContent("hello"))
	require.NoError(t, err)

	letters, err := env.letters.List(context.Background(), domain.DeadLetterPending, 10, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, SourceMatrix, letters[0].Source)
	assert.Equal(t, "$ev1", letters[0].DedupeKey)
	assert.Equal(t, "oc_chat1", letters[0].ChatID)
	assert.Contains(t, letters[0].Payload, `"event_id":"$ev1"`)

	assert.Empty(t, env.matrix.sent)
}

func TestMatrixDispatchDegradeNoticeGoesToFeishuChat(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.matrix.media["mxc://test.local/abc"] = []byte("png-bytes")
	env.feishu.uploadErr = errors.New("upload quota exceeded")

	content := map[string]any{"msgtype": "m.image", "body": "cat.png", "url": "mxc://test.local/abc"}
	err := env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", content)
	require.NoError(t, err)

	// The templated notice lands in the Feishu chat, not the Matrix room
	require.Len(t, env.feishu.sent, 1)
	assert.Equal(t, "oc_chat1", env.feishu.sent[0].ChatID)
	assert.Equal(t, "text", env.feishu.sent[0].MsgType)
	assert.True(t, strings.Contains(env.feishu.sent[0].Content, "$ev1"))
	assert.Empty(t, env.matrix.sent)
}

func TestMatrixDispatchFailureWithoutDegrade(t *testing.T) {
	cfg := defaultMatrixDispatchConfig()
	cfg.EnableFailureDegrade = false
	env := newMatrixDispatchEnv(cfg, nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.feishu.sendErr = errors.New("feishu unavailable")

	err := env.dispatcher.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", textContent("hello"))
	require.Error(t, err)

	letters, err := env.letters.List(context.Background(), domain.DeadLetterPending, 10, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "$ev1", letters[0].DedupeKey)
}

func TestMatrixDispatchRedaction(t *testing.T) {
	env := newMatrixDispatchEnv(defaultMatrixDispatchConfig(), nil)
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.messages.seed("$ev1", "om_1", "!room:test.local")

	err := env.dispatcher.HandleRedaction(context.Background(), "!room:test.local", "@alice:test.local", "$ev1")
	require.NoError(t, err)

	require.Len(t, env.feishu.deleted, 1)
	assert.Equal(t, "om_1", env.feishu.deleted[0])
	_, err = env.messages.GetByMatrixID(context.Background(), "$ev1")
	assert.Error(t, err)
}

func TestMatrixDispatchRedactionDisabled(t *testing.T) {
	cfg := defaultMatrixDispatchConfig()
	cfg.BridgeRedaction = false
	env := newMatrixDispatchEnv(cfg, nil)
	env.messages.seed("$ev1", "om_1", "!room:test.local")

	require.NoError(t, env.dispatcher.HandleRedaction(context.Background(), "!room:test.local", "@alice:test.local", "$ev1"))
	assert.Empty(t, env.feishu.deleted)
}

func TestBuildFeishuContentPost(t *testing.T) {
	content := BuildFeishuContent("post", "hello")
	assert.JSONEq(t, `{"zh_cn":{"title":"","content":[[{"tag":"text","text":"hello"}]]}}`, content)
}

func TestRenderFailureNotice(t *testing.T) {
	out := renderFailureNotice("event {matrix_event_id} in {matrix_room_id}: {error}", "$ev", "!room", errors.New("boom"))
	assert.Equal(t, "event $ev in !room: boom", out)
}
