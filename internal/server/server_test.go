package server

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/usecase"
	"github.com/anthropics/matrix-feishu-bridge/internal/data"
)

// stubFeishuGateway records outbound Feishu calls for assertions
type stubFeishuGateway struct {
	mu     sync.Mutex
	sent   []string // "<chat_id> <msg_type> <content>"
	nextID int
}

func (g *stubFeishuGateway) SendMessage(_ context.Context, chatID, msgType, content, _ string) (*repo.SentMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, chatID+" "+msgType+" "+content)
	g.nextID++
	return &repo.SentMessage{MessageID: fmt.Sprintf("om_%d", g.nextID)}, nil
}

func (g *stubFeishuGateway) ReplyMessage(ctx context.Context, _, msgType, content, deliveryID string, _ bool) (*repo.SentMessage, error) {
	return g.SendMessage(ctx, "reply", msgType, content, deliveryID)
}

func (g *stubFeishuGateway) UpdateMessage(context.Context, string, string, string) error { return nil }
func (g *stubFeishuGateway) DeleteMessage(context.Context, string) error                 { return nil }

func (g *stubFeishuGateway) GetMessageResource(context.Context, string, string, string) ([]byte, string, string, error) {
	return nil, "", "", fmt.Errorf("no resources in stub")
}

func (g *stubFeishuGateway) UploadImage(context.Context, []byte) (string, error) {
	return "img_key", nil
}

func (g *stubFeishuGateway) UploadFile(context.Context, string, string, []byte) (string, error) {
	return "file_key", nil
}

func (g *stubFeishuGateway) GetChatInfo(_ context.Context, chatID string) (*repo.ChatSnapshot, error) {
	return &repo.ChatSnapshot{ChatID: chatID, Name: "Stub Chat", Mode: "group"}, nil
}

func (g *stubFeishuGateway) GetChatMembers(context.Context, string) ([]repo.ChatMemberInfo, error) {
	return nil, nil
}

func (g *stubFeishuGateway) GetUserInfo(_ context.Context, openID string) (*repo.FeishuProfile, error) {
	return &repo.FeishuProfile{OpenID: openID, Name: "Stub User"}, nil
}

func (g *stubFeishuGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

// stubMatrixGateway records outbound homeserver calls for assertions
type stubMatrixGateway struct {
	mu     sync.Mutex
	sent   []string // "<user_id> <room_id> <body>"
	nextID int

	sendErr   error
	redactErr error
}

func (g *stubMatrixGateway) BotMXID() string { return "@feishubot:test.local" }

func (g *stubMatrixGateway) EnsurePuppet(_ context.Context, feishuUserID string) (string, error) {
	return "@feishu_" + feishuUserID + ":test.local", nil
}

func (g *stubMatrixGateway) SetDisplayName(context.Context, string, string) error { return nil }
func (g *stubMatrixGateway) SetAvatarURL(context.Context, string, string) error   { return nil }
func (g *stubMatrixGateway) EnsureJoined(context.Context, string, string) error   { return nil }
func (g *stubMatrixGateway) LeaveRoom(context.Context, string, string) error      { return nil }

func (g *stubMatrixGateway) SendMessage(_ context.Context, userID, roomID string, content map[string]any) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return "", g.sendErr
	}
	body, _ := content["body"].(string)
	g.sent = append(g.sent, userID+" "+roomID+" "+body)
	g.nextID++
	return fmt.Sprintf("$ev_%d", g.nextID), nil
}

func (g *stubMatrixGateway) Redact(context.Context, string, string, string, string) error {
	return g.redactErr
}

func (g *stubMatrixGateway) SetPresence(context.Context, string, string) error { return nil }

func (g *stubMatrixGateway) UploadMedia(context.Context, string, string, []byte) (string, error) {
	return "mxc://test.local/up", nil
}

func (g *stubMatrixGateway) DownloadMedia(context.Context, string) ([]byte, string, error) {
	return []byte("bytes"), "image/png", nil
}

func (g *stubMatrixGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

// serverEnv wires real repositories over an in-memory database with
// stub gateways
type serverEnv struct {
	db        *data.Database
	feishu    *stubFeishuGateway
	matrix    *stubMatrixGateway
	outgo     *usecase.MatrixDispatcher
	income    *usecase.FeishuDispatcher
	processor *usecase.EventProcessor
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	db, err := data.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	env := &serverEnv{
		db:     db,
		feishu: &stubFeishuGateway{},
		matrix: &stubMatrixGateway{},
	}
	env.outgo = usecase.NewMatrixDispatcher(
		db.Room, db.Message, db.Media, db.DeadLetter,
		env.feishu, env.matrix, nil, nil,
		usecase.MatrixDispatchConfig{BridgeReply: true, BridgeEdit: true, BridgeRedaction: true},
		logger)
	env.income = usecase.NewFeishuDispatcher(
		db.Room, db.User, db.Message, db.DeadLetter,
		env.feishu, env.matrix, nil,
		usecase.FeishuDispatchConfig{},
		logger)
	env.processor = usecase.NewEventProcessor(db.Event, logger)
	return env
}

func (env *serverEnv) bridgeRoom(t *testing.T, matrixRoomID, feishuChatID string) {
	t.Helper()
	_, err := env.db.Room.Create(context.Background(), &domain.RoomMapping{
		MatrixRoomID:   matrixRoomID,
		FeishuChatID:   feishuChatID,
		FeishuChatName: "Bridged",
		FeishuChatType: "group",
	})
	require.NoError(t, err)
}
