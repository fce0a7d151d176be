package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
)

func notFound(op string) error {
	return fmt.Errorf("%s: %w", op, repo.ErrNotFound)
}

type fakeRoomRepo struct {
	mu     sync.Mutex
	nextID int64
	rooms  map[int64]*domain.RoomMapping
}

func newFakeRoomRepo() *fakeRoomRepo {
	return &fakeRoomRepo{rooms: map[int64]*domain.RoomMapping{}}
}

func (r *fakeRoomRepo) seed(matrixRoomID, feishuChatID, chatType string) *domain.RoomMapping {
	m, _ := r.Create(context.Background(), &domain.RoomMapping{
		MatrixRoomID:   matrixRoomID,
		FeishuChatID:   feishuChatID,
		FeishuChatName: "seeded",
		FeishuChatType: chatType,
	})
	return m
}

func (r *fakeRoomRepo) GetByMatrixID(_ context.Context, matrixRoomID string) (*domain.RoomMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rooms {
		if m.MatrixRoomID == matrixRoomID {
			return m, nil
		}
	}
	return nil, notFound("room by matrix id")
}

func (r *fakeRoomRepo) GetByFeishuID(_ context.Context, feishuChatID string) (*domain.RoomMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rooms {
		if m.FeishuChatID == feishuChatID {
			return m, nil
		}
	}
	return nil, notFound("room by feishu id")
}

func (r *fakeRoomRepo) Create(_ context.Context, mapping *domain.RoomMapping) (*domain.RoomMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rooms {
		if m.MatrixRoomID == mapping.MatrixRoomID || m.FeishuChatID == mapping.FeishuChatID {
			return nil, fmt.Errorf("create room: %w", repo.ErrDuplicate)
		}
	}
	r.nextID++
	mapping.ID = r.nextID
	mapping.CreatedAt = time.Now()
	r.rooms[mapping.ID] = mapping
	return mapping, nil
}

func (r *fakeRoomRepo) Update(_ context.Context, mapping *domain.RoomMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[mapping.ID]; !ok {
		return notFound("update room")
	}
	r.rooms[mapping.ID] = mapping
	return nil
}

func (r *fakeRoomRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, id)
	return nil
}

func (r *fakeRoomRepo) List(_ context.Context, _, _ int64) ([]*domain.RoomMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.RoomMapping, 0, len(r.rooms))
	for _, m := range r.rooms {
		out = append(out, m)
	}
	return out, nil
}

func (r *fakeRoomRepo) Count(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.rooms)), nil
}

type fakeUserRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*domain.UserMapping
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: map[int64]*domain.UserMapping{}}
}

func (r *fakeUserRepo) GetByMatrixID(_ context.Context, matrixUserID string) (*domain.UserMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.users {
		if m.MatrixUserID == matrixUserID {
			return m, nil
		}
	}
	return nil, notFound("user by matrix id")
}

func (r *fakeUserRepo) GetByFeishuID(_ context.Context, feishuUserID string) (*domain.UserMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.users {
		if m.FeishuUserID == feishuUserID {
			return m, nil
		}
	}
	return nil, notFound("user by feishu id")
}

func (r *fakeUserRepo) Create(_ context.Context, mapping *domain.UserMapping) (*domain.UserMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	mapping.ID = r.nextID
	mapping.CreatedAt = time.Now()
	mapping.UpdatedAt = time.Now()
	r.users[mapping.ID] = mapping
	return mapping, nil
}

func (r *fakeUserRepo) Update(_ context.Context, mapping *domain.UserMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mapping.UpdatedAt = time.Now()
	r.users[mapping.ID] = mapping
	return nil
}

func (r *fakeUserRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
	return nil
}

func (r *fakeUserRepo) List(_ context.Context, _, _ int64) ([]*domain.UserMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.UserMapping, 0, len(r.users))
	for _, m := range r.users {
		out = append(out, m)
	}
	return out, nil
}

type fakeMessageRepo struct {
	mu       sync.Mutex
	nextID   int64
	mappings map[int64]*domain.MessageMapping
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{mappings: map[int64]*domain.MessageMapping{}}
}

func (r *fakeMessageRepo) seed(matrixEventID, feishuMessageID, roomID string) *domain.MessageMapping {
	m, _ := r.Create(context.Background(), &domain.MessageMapping{
		MatrixEventID:   matrixEventID,
		FeishuMessageID: feishuMessageID,
		RoomID:          roomID,
	})
	return m
}

func (r *fakeMessageRepo) GetByMatrixID(_ context.Context, matrixEventID string) (*domain.MessageMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappings {
		if m.MatrixEventID == matrixEventID {
			return m, nil
		}
	}
	return nil, notFound("message by matrix id")
}

func (r *fakeMessageRepo) GetByFeishuID(_ context.Context, feishuMessageID string) (*domain.MessageMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappings {
		if m.FeishuMessageID == feishuMessageID {
			return m, nil
		}
	}
	return nil, notFound("message by feishu id")
}

func (r *fakeMessageRepo) GetByContentHash(_ context.Context, contentHash string) (*domain.MessageMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if contentHash != "" {
		for _, m := range r.mappings {
			if m.ContentHash == contentHash {
				return m, nil
			}
		}
	}
	return nil, notFound("message by content hash")
}

func (r *fakeMessageRepo) Create(_ context.Context, mapping *domain.MessageMapping) (*domain.MessageMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappings {
		if m.MatrixEventID == mapping.MatrixEventID {
			return nil, fmt.Errorf("create message: %w", repo.ErrDuplicate)
		}
	}
	r.nextID++
	mapping.ID = r.nextID
	mapping.CreatedAt = time.Now()
	r.mappings[mapping.ID] = mapping
	return mapping, nil
}

func (r *fakeMessageRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mappings, id)
	return nil
}

func (r *fakeMessageRepo) ListByRoom(_ context.Context, roomID string, limit int64) ([]*domain.MessageMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.MessageMapping
	for _, m := range r.mappings {
		if m.RoomID == roomID {
			out = append(out, m)
		}
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

type fakeMediaRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.MediaCacheEntry
}

func newFakeMediaRepo() *fakeMediaRepo {
	return &fakeMediaRepo{entries: map[string]*domain.MediaCacheEntry{}}
}

func (r *fakeMediaRepo) Get(_ context.Context, contentHash, mediaKind string) (*domain.MediaCacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[contentHash+"/"+mediaKind]; ok {
		return entry, nil
	}
	return nil, notFound("media cache")
}

func (r *fakeMediaRepo) Upsert(_ context.Context, entry *domain.MediaCacheEntry) (*domain.MediaCacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ContentHash+"/"+entry.MediaKind] = entry
	return entry, nil
}

type fakeDeadLetterRepo struct {
	mu      sync.Mutex
	nextID  int64
	letters map[int64]*domain.DeadLetterEvent
}

func newFakeDeadLetterRepo() *fakeDeadLetterRepo {
	return &fakeDeadLetterRepo{letters: map[int64]*domain.DeadLetterEvent{}}
}

func (r *fakeDeadLetterRepo) Create(_ context.Context, event *domain.DeadLetterEvent) (*domain.DeadLetterEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.letters {
		if l.DedupeKey == event.DedupeKey {
			l.Payload = event.Payload
			l.Error = event.Error
			l.Status = domain.DeadLetterPending
			l.UpdatedAt = time.Now()
			return l, nil
		}
	}
	r.nextID++
	event.ID = r.nextID
	event.CreatedAt = time.Now()
	event.UpdatedAt = event.CreatedAt
	if event.Status == "" {
		event.Status = domain.DeadLetterPending
	}
	r.letters[event.ID] = event
	return event, nil
}

func (r *fakeDeadLetterRepo) Count(_ context.Context, status string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, l := range r.letters {
		if status == "" || l.Status == status {
			count++
		}
	}
	return count, nil
}

func (r *fakeDeadLetterRepo) List(_ context.Context, status string, limit, _ int64) ([]*domain.DeadLetterEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.DeadLetterEvent
	for _, l := range r.letters {
		if status == "" || l.Status == status {
			out = append(out, l)
		}
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeDeadLetterRepo) GetByID(_ context.Context, id int64) (*domain.DeadLetterEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.letters[id]; ok {
		return l, nil
	}
	return nil, notFound("dead letter")
}

func (r *fakeDeadLetterRepo) MarkReplayed(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.letters[id]
	if !ok {
		return notFound("dead letter")
	}
	l.Status = domain.DeadLetterReplayed
	l.ReplayCount++
	now := time.Now()
	l.LastReplayedAt = &now
	return nil
}

func (r *fakeDeadLetterRepo) MarkFailed(_ context.Context, id int64, replayErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.letters[id]
	if !ok {
		return notFound("dead letter")
	}
	l.Status = domain.DeadLetterFailed
	l.Error = replayErr
	return nil
}

func (r *fakeDeadLetterRepo) CountMatching(_ context.Context, status string, olderThan *time.Time, limit int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, l := range r.letters {
		if status != "" && l.Status != status {
			continue
		}
		if olderThan != nil && !l.UpdatedAt.Before(*olderThan) {
			continue
		}
		if limit > 0 && count >= limit {
			break
		}
		count++
	}
	return count, nil
}

func (r *fakeDeadLetterRepo) Cleanup(_ context.Context, status string, olderThan *time.Time, limit int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for id, l := range r.letters {
		if status != "" && l.Status != status {
			continue
		}
		if olderThan != nil && !l.UpdatedAt.Before(*olderThan) {
			continue
		}
		if limit > 0 && removed >= limit {
			break
		}
		delete(r.letters, id)
		removed++
	}
	return removed, nil
}

type fakeEventRepo struct {
	mu        sync.Mutex
	processed map[string]*domain.ProcessedEvent
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{processed: map[string]*domain.ProcessedEvent{}}
}

func (r *fakeEventRepo) IsProcessed(_ context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processed[eventID]
	return ok, nil
}

func (r *fakeEventRepo) MarkProcessed(_ context.Context, event *domain.ProcessedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ProcessedAt = time.Now()
	r.processed[event.EventID] = event
	return nil
}

func (r *fakeEventRepo) CleanupOld(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for id, e := range r.processed {
		if e.ProcessedAt.Before(before) {
			delete(r.processed, id)
			removed++
		}
	}
	return removed, nil
}

type feishuSend struct {
	ChatID     string
	ParentID   string
	MsgType    string
	Content    string
	DeliveryID string
	InThread   bool
}

type fakeFeishuGateway struct {
	mu        sync.Mutex
	nextMsgID int

	sent    []feishuSend
	replies []feishuSend
	updates []feishuSend
	deleted []string

	sendErr   error
	uploadErr error

	imageUploads int
	fileUploads  int

	resources     map[string][]byte
	resourceNames map[string]string
	resourceMimes map[string]string
	chatInfo      *repo.ChatSnapshot
	members       []repo.ChatMemberInfo
	profiles      map[string]*repo.FeishuProfile
}

func newFakeFeishuGateway() *fakeFeishuGateway {
	return &fakeFeishuGateway{
		resources:     map[string][]byte{},
		resourceNames: map[string]string{},
		resourceMimes: map[string]string{},
		profiles:      map[string]*repo.FeishuProfile{},
	}
}

func (g *fakeFeishuGateway) nextSent() *repo.SentMessage {
	g.nextMsgID++
	return &repo.SentMessage{MessageID: fmt.Sprintf("om_%d", g.nextMsgID)}
}

func (g *fakeFeishuGateway) SendMessage(_ context.Context, chatID, msgType, content, deliveryID string) (*repo.SentMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	g.sent = append(g.sent, feishuSend{ChatID: chatID, MsgType: msgType, Content: content, DeliveryID: deliveryID})
	return g.nextSent(), nil
}

func (g *fakeFeishuGateway) ReplyMessage(_ context.Context, parentMessageID, msgType, content, deliveryID string, inThread bool) (*repo.SentMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	g.replies = append(g.replies, feishuSend{ParentID: parentMessageID, MsgType: msgType, Content: content, DeliveryID: deliveryID, InThread: inThread})
	return g.nextSent(), nil
}

func (g *fakeFeishuGateway) UpdateMessage(_ context.Context, messageID, msgType, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.updates = append(g.updates, feishuSend{ParentID: messageID, MsgType: msgType, Content: content})
	return nil
}

func (g *fakeFeishuGateway) DeleteMessage(_ context.Context, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, messageID)
	return nil
}

func (g *fakeFeishuGateway) GetMessageResource(_ context.Context, _, fileKey, _ string) ([]byte, string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.resources[fileKey]
	if !ok {
		return nil, "", "", fmt.Errorf("resource %q missing", fileKey)
	}
	mime := g.resourceMimes[fileKey]
	if mime == "" {
		mime = "application/octet-stream"
	}
	return data, g.resourceNames[fileKey], mime, nil
}

func (g *fakeFeishuGateway) UploadImage(_ context.Context, _ []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.uploadErr != nil {
		return "", g.uploadErr
	}
	g.imageUploads++
	return fmt.Sprintf("img_key_%d", g.imageUploads), nil
}

func (g *fakeFeishuGateway) UploadFile(_ context.Context, _, _ string, _ []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.uploadErr != nil {
		return "", g.uploadErr
	}
	g.fileUploads++
	return fmt.Sprintf("file_key_%d", g.fileUploads), nil
}

func (g *fakeFeishuGateway) GetChatInfo(_ context.Context, chatID string) (*repo.ChatSnapshot, error) {
	if g.chatInfo == nil {
		return nil, fmt.Errorf("chat %q missing", chatID)
	}
	return g.chatInfo, nil
}

func (g *fakeFeishuGateway) GetChatMembers(_ context.Context, _ string) ([]repo.ChatMemberInfo, error) {
	return g.members, nil
}

func (g *fakeFeishuGateway) GetUserInfo(_ context.Context, openID string) (*repo.FeishuProfile, error) {
	if p, ok := g.profiles[openID]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("user %q missing", openID)
}

type matrixSend struct {
	UserID  string
	RoomID  string
	Content map[string]any
}

type fakeMatrixGateway struct {
	mu          sync.Mutex
	bot         string
	nextEventID int

	sent       []matrixSend
	redactions []string
	joins      []string
	leaves     []string
	presence   map[string]string

	sendErr error

	media        map[string][]byte
	uploads      int
	mediaUploads []matrixUpload
}

type matrixUpload struct {
	FileName    string
	ContentType string
	Size        int
}

func newFakeMatrixGateway() *fakeMatrixGateway {
	return &fakeMatrixGateway{
		bot:      "@feishubot:test.local",
		presence: map[string]string{},
		media:    map[string][]byte{},
	}
}

func (g *fakeMatrixGateway) BotMXID() string { return g.bot }

func (g *fakeMatrixGateway) EnsurePuppet(_ context.Context, feishuUserID string) (string, error) {
	return "@feishu_" + feishuUserID + ":test.local", nil
}

func (g *fakeMatrixGateway) SetDisplayName(_ context.Context, _, _ string) error { return nil }
func (g *fakeMatrixGateway) SetAvatarURL(_ context.Context, _, _ string) error   { return nil }

func (g *fakeMatrixGateway) EnsureJoined(_ context.Context, userID, roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.joins = append(g.joins, userID+" "+roomID)
	return nil
}

func (g *fakeMatrixGateway) LeaveRoom(_ context.Context, userID, roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaves = append(g.leaves, userID+" "+roomID)
	return nil
}

func (g *fakeMatrixGateway) SendMessage(_ context.Context, userID, roomID string, content map[string]any) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return "", g.sendErr
	}
	g.sent = append(g.sent, matrixSend{UserID: userID, RoomID: roomID, Content: content})
	g.nextEventID++
	return fmt.Sprintf("$ev_%d", g.nextEventID), nil
}

func (g *fakeMatrixGateway) Redact(_ context.Context, _, roomID, eventID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.redactions = append(g.redactions, roomID+" "+eventID)
	return nil
}

func (g *fakeMatrixGateway) SetPresence(_ context.Context, userID, presence string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.presence[userID] = presence
	return nil
}

func (g *fakeMatrixGateway) UploadMedia(_ context.Context, fileName, contentType string, data []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploads++
	g.mediaUploads = append(g.mediaUploads, matrixUpload{FileName: fileName, ContentType: contentType, Size: len(data)})
	return fmt.Sprintf("mxc://test.local/up_%d", g.uploads), nil
}

func (g *fakeMatrixGateway) DownloadMedia(_ context.Context, mxcURI string) ([]byte, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.media[mxcURI]
	if !ok {
		return nil, "", fmt.Errorf("media %q missing", mxcURI)
	}
	return data, "image/png", nil
}
