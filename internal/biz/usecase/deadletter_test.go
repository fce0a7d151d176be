package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
)

type deadLetterEnv struct {
	rooms    *fakeRoomRepo
	messages *fakeMessageRepo
	letters  *fakeDeadLetterRepo
	feishu   *fakeFeishuGateway
	matrix   *fakeMatrixGateway
	outgo    *MatrixDispatcher
	income   *FeishuDispatcher
	usecase  *DeadLetterUsecase
}

func newDeadLetterEnv() *deadLetterEnv {
	env := &deadLetterEnv{
		rooms:    newFakeRoomRepo(),
		messages: newFakeMessageRepo(),
		letters:  newFakeDeadLetterRepo(),
		feishu:   newFakeFeishuGateway(),
		matrix:   newFakeMatrixGateway(),
	}
	logger := zap.NewNop()
	env.outgo = NewMatrixDispatcher(
		env.rooms, env.messages, newFakeMediaRepo(), env.letters,
		env.feishu, env.matrix, nil, nil, defaultMatrixDispatchConfig(), logger)
	env.income = NewFeishuDispatcher(
		env.rooms, newFakeUserRepo(), env.messages, env.letters,
		env.feishu, env.matrix, nil, FeishuDispatchConfig{}, logger)
	env.usecase = NewDeadLetterUsecase(env.letters, env.outgo, env.income, logger)
	return env
}

// parkMatrixLetter fails one outbound event so a dead letter exists.
// Degrade is on in the default config, so the failure is absorbed.
func (env *deadLetterEnv) parkMatrixLetter(t *testing.T) *domain.DeadLetterEvent {
	t.Helper()
	env.feishu.sendErr = errors.New("feishu down")
	err := env.outgo.Dispatch(context.Background(), "$ev1", "!room:test.local", "@alice:test.local", "m.room.message", textContent("hello"))
	require.NoError(t, err)
	env.feishu.sendErr = nil

	letters, err := env.letters.List(context.Background(), domain.DeadLetterPending, 10, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	return letters[0]
}

func TestReplayMatrixLetter(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	letter := env.parkMatrixLetter(t)

	result, err := env.usecase.Replay(context.Background(), letter.ID)
	require.NoError(t, err)
	assert.True(t, result.Replayed)
	assert.Empty(t, result.Error)

	require.Len(t, env.feishu.sent, 1)
	assert.JSONEq(t, `{"text":"hello"}`, env.feishu.sent[0].Content)

	replayed, err := env.letters.GetByID(context.Background(), letter.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterReplayed, replayed.Status)
	assert.Equal(t, int64(1), replayed.ReplayCount)
}

func TestReplayFeishuLetter(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")

	env.matrix.sendErr = errors.New("homeserver down")
	err := env.income.DispatchMessage(context.Background(), feishuTextMessage("om_1", "oc_chat1", "ou_alice", "hi"))
	require.Error(t, err)
	env.matrix.sendErr = nil

	letters, err := env.letters.List(context.Background(), domain.DeadLetterPending, 10, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	result, err := env.usecase.Replay(context.Background(), letters[0].ID)
	require.NoError(t, err)
	assert.True(t, result.Replayed)
	require.Len(t, env.matrix.sent, 1)
	assert.Equal(t, "hi", env.matrix.sent[0].Content["body"])
}

func TestReplayFailsAgain(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	letter := env.parkMatrixLetter(t)

	env.feishu.sendErr = errors.New("still down")
	result, err := env.usecase.Replay(context.Background(), letter.ID)
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Contains(t, result.Error, "still down")

	failed, err := env.letters.GetByID(context.Background(), letter.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterFailed, failed.Status)
	// A failed letter stays replayable for another attempt
	assert.True(t, failed.IsReplayable())
}

func TestReplayNotReplayable(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	letter := env.parkMatrixLetter(t)
	require.NoError(t, env.letters.MarkReplayed(context.Background(), letter.ID))

	_, err := env.usecase.Replay(context.Background(), letter.ID)
	assert.Error(t, err)
}

func TestReplayMissingLetter(t *testing.T) {
	env := newDeadLetterEnv()
	_, err := env.usecase.Replay(context.Background(), 42)
	assert.Error(t, err)
}

func TestReplayBatch(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.parkMatrixLetter(t)

	results, err := env.usecase.ReplayBatch(context.Background(), ReplayBatchRequest{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Replayed)

	pending, err := env.letters.Count(context.Background(), domain.DeadLetterPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReplayBatchByIDs(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	letter := env.parkMatrixLetter(t)

	// A missing id becomes a failed result instead of aborting the batch
	results, err := env.usecase.ReplayBatch(context.Background(), ReplayBatchRequest{IDs: []int64{99, letter.ID}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Replayed)
	assert.NotEmpty(t, results[0].Error)
	assert.True(t, results[1].Replayed)
	assert.Len(t, env.feishu.sent, 1)
}

func TestReplayRecallLetter(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.messages.seed("$orig", "om_1", "!room:test.local")

	letter, err := env.letters.Create(context.Background(), &domain.DeadLetterEvent{
		Source:    SourceFeishu,
		EventType: "im.message.recalled_v1",
		DedupeKey: "recall:om_1",
		ChatID:    "oc_chat1",
		Payload:   `{"message_id":"om_1","chat_id":"oc_chat1"}`,
		Error:     "homeserver down",
	})
	require.NoError(t, err)

	result, err := env.usecase.Replay(context.Background(), letter.ID)
	require.NoError(t, err)
	assert.True(t, result.Replayed)

	require.Len(t, env.matrix.redactions, 1)
	assert.Equal(t, "!room:test.local $orig", env.matrix.redactions[0])
	_, err = env.messages.GetByFeishuID(context.Background(), "om_1")
	assert.Error(t, err)
}

func TestReplayDisbandLetter(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")

	letter, err := env.letters.Create(context.Background(), &domain.DeadLetterEvent{
		Source:    SourceFeishu,
		EventType: "im.chat.disbanded_v1",
		DedupeKey: "disband:oc_chat1",
		ChatID:    "oc_chat1",
		Payload:   `{"chat_id":"oc_chat1"}`,
		Error:     "homeserver down",
	})
	require.NoError(t, err)

	result, err := env.usecase.Replay(context.Background(), letter.ID)
	require.NoError(t, err)
	assert.True(t, result.Replayed)
	require.Len(t, env.matrix.sent, 1)
}

func TestMembershipDedupeKey(t *testing.T) {
	a := MembershipDedupeKey("im.chat.member.user.added_v1", "oc_chat1", []string{"ou_b", "ou_a"}, "1700000000")
	b := MembershipDedupeKey("im.chat.member.user.added_v1", "oc_chat1", []string{"ou_a", "ou_b"}, "1700000000")
	assert.Equal(t, a, b)

	c := MembershipDedupeKey("im.chat.member.user.added_v1", "oc_chat1", []string{"ou_a", "ou_b"}, "1700000001")
	assert.NotEqual(t, a, c)

	d := MembershipDedupeKey("im.chat.member.user.deleted_v1", "oc_chat1", []string{"ou_a", "ou_b"}, "1700000000")
	assert.NotEqual(t, a, d)
}

func TestCleanupDryRun(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.parkMatrixLetter(t)

	count, err := env.usecase.Cleanup(context.Background(), CleanupOptions{Status: domain.DeadLetterPending, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Dry run leaves everything in place
	remaining, err := env.letters.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func TestCleanupDryRunHonorsOlderThan(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.parkMatrixLetter(t)

	// A fresh letter is outside the older-than window, so the dry run
	// must report what a real cleanup would delete: nothing
	count, err := env.usecase.Cleanup(context.Background(), CleanupOptions{
		Status:    domain.DeadLetterPending,
		OlderThan: time.Hour,
		DryRun:    true,
	})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCleanupRemoves(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.parkMatrixLetter(t)

	removed, err := env.usecase.Cleanup(context.Background(), CleanupOptions{Status: domain.DeadLetterPending})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	remaining, err := env.letters.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestCleanupOlderThanKeepsFresh(t *testing.T) {
	env := newDeadLetterEnv()
	env.rooms.seed("!room:test.local", "oc_chat1", "group")
	env.parkMatrixLetter(t)

	removed, err := env.usecase.Cleanup(context.Background(), CleanupOptions{OlderThan: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, removed)
}
