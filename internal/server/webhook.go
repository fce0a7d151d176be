package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/usecase"
	"github.com/anthropics/matrix-feishu-bridge/internal/infra/feishu"
	"github.com/anthropics/matrix-feishu-bridge/internal/metrics"
)

const (
	maxWebhookBody = 1 << 20
	chatQueueCap   = 64
)

// WebhookConfig carries the Feishu callback verification material
type WebhookConfig struct {
	ListenSecret      string
	EncryptKey        string
	VerificationToken string
}

// FeishuWebhookServer receives Feishu event callbacks, verifies them,
// and feeds them to the inbound dispatcher. Events are acknowledged
// immediately and processed on per-chat FIFO queues so ordering within
// a chat is preserved without serializing the whole bridge.
type FeishuWebhookServer struct {
	cfg        WebhookConfig
	signingKey string

	dispatcher *usecase.FeishuDispatcher
	processor  *usecase.EventProcessor
	commands   *usecase.CommandUsecase
	logger     *zap.Logger

	mu     sync.Mutex
	queues map[string]chan func()
	wg     sync.WaitGroup
	closed bool
}

// NewFeishuWebhookServer builds the webhook receiver
func NewFeishuWebhookServer(
	cfg WebhookConfig,
	dispatcher *usecase.FeishuDispatcher,
	processor *usecase.EventProcessor,
	commands *usecase.CommandUsecase,
	logger *zap.Logger,
) *FeishuWebhookServer {
	return &FeishuWebhookServer{
		cfg:        cfg,
		signingKey: feishu.CallbackSigningKey(cfg.EncryptKey, cfg.ListenSecret),
		dispatcher: dispatcher,
		processor:  processor,
		commands:   commands,
		logger:     logger.Named("webhook"),
		queues:     make(map[string]chan func()),
	}
}

// Routes mounts the webhook endpoint
func (s *FeishuWebhookServer) Routes(r chi.Router) {
	r.Post("/webhook/feishu", s.handleCallback)
}

// Shutdown drains the per-chat queues
func (s *FeishuWebhookServer) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// callbackHeader is the v2 event envelope header
type callbackHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	Token      string `json:"token"`
	CreateTime string `json:"create_time"`
}

type callbackEnvelope struct {
	Encrypt string `json:"encrypt"`

	// url_verification challenge
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`

	Schema string          `json:"schema"`
	Header *callbackHeader `json:"header"`
	Event  json.RawMessage `json:"event"`
}

func (s *FeishuWebhookServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if s.signingKey != "" {
		signature := r.Header.Get("X-Lark-Signature")
		if signature == "" || !feishu.VerifySignature(
			r.Header.Get("X-Lark-Request-Timestamp"),
			r.Header.Get("X-Lark-Request-Nonce"),
			body, s.signingKey, signature,
		) {
			s.logger.Warn("callback signature rejected", zap.String("remote", r.RemoteAddr))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var envelope callbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	if envelope.Encrypt != "" {
		plain, err := feishu.DecryptEvent(envelope.Encrypt, s.cfg.EncryptKey)
		if err != nil {
			s.logger.Warn("callback decrypt failed", zap.Error(err))
			http.Error(w, "decrypt failed", http.StatusBadRequest)
			return
		}
		envelope = callbackEnvelope{}
		if err := json.Unmarshal(plain, &envelope); err != nil {
			http.Error(w, "malformed event", http.StatusBadRequest)
			return
		}
	}

	if envelope.Type == "url_verification" {
		if !feishu.VerifyToken(envelope.Token, s.cfg.VerificationToken) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]string{"challenge": envelope.Challenge})
		return
	}

	if envelope.Header == nil {
		http.Error(w, "missing header", http.StatusBadRequest)
		return
	}
	if !feishu.VerifyToken(envelope.Header.Token, s.cfg.VerificationToken) {
		s.logger.Warn("callback token rejected", zap.String("event_id", envelope.Header.EventID))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// Acknowledge before processing; Feishu retries slow responders
	writeJSON(w, map[string]any{})
	s.route(envelope.Header, envelope.Event)
}

// route parses the event and enqueues it on its chat's queue
func (s *FeishuWebhookServer) route(header *callbackHeader, raw json.RawMessage) {
	eventID := header.EventID
	eventType := header.EventType

	var chatID string
	var job func()

	switch eventType {
	case "im.message.receive_v1":
		msg, err := parseReceivedMessage(header, raw)
		if err != nil {
			s.logger.Warn("unparseable message event", zap.String("event_id", eventID), zap.Error(err))
			return
		}
		chatID = msg.ChatID
		// Failed messages are parked by the dispatcher itself
		job = s.wrap(eventID, eventType, nil, func(ctx context.Context) error {
			if handled, err := s.interceptCommand(ctx, msg); handled || err != nil {
				return err
			}
			return s.dispatcher.DispatchMessage(ctx, msg)
		})

	case "im.message.recalled_v1":
		var event struct {
			MessageID string `json:"message_id"`
			ChatID    string `json:"chat_id"`
		}
		if err := json.Unmarshal(raw, &event); err != nil {
			return
		}
		chatID = event.ChatID
		payload := usecase.RecallLetterPayload{MessageID: event.MessageID, ChatID: event.ChatID}
		park := &parkInfo{dedupeKey: "recall:" + event.MessageID, chatID: event.ChatID, payload: payload}
		job = s.wrap(eventID, eventType, park, func(ctx context.Context) error {
			return s.dispatcher.HandleRecall(ctx, event.MessageID, event.ChatID)
		})

	case "im.chat.member.user.added_v1", "im.chat.member.user.deleted_v1":
		change, err := parseMemberChange(raw, eventType == "im.chat.member.user.added_v1")
		if err != nil {
			return
		}
		chatID = change.ChatID
		park := &parkInfo{
			dedupeKey: usecase.MembershipDedupeKey(eventType, change.ChatID, change.UserIDs, header.CreateTime),
			chatID:    change.ChatID,
			payload:   change,
		}
		job = s.wrap(eventID, eventType, park, func(ctx context.Context) error {
			return s.dispatcher.HandleMemberChange(ctx, change)
		})

	case "im.chat.updated_v1":
		var event struct {
			ChatID      string `json:"chat_id"`
			AfterChange struct {
				Name     string `json:"name"`
				ChatMode string `json:"chat_mode"`
				ChatType string `json:"chat_type"`
			} `json:"after_change"`
		}
		if err := json.Unmarshal(raw, &event); err != nil {
			return
		}
		chatID = event.ChatID
		update := &domain.ChatUpdate{
			ChatID:   event.ChatID,
			Name:     event.AfterChange.Name,
			ChatMode: event.AfterChange.ChatMode,
			ChatType: event.AfterChange.ChatType,
		}
		park := &parkInfo{dedupeKey: "chat-update:" + eventID, chatID: event.ChatID, payload: update}
		job = s.wrap(eventID, eventType, park, func(ctx context.Context) error {
			return s.dispatcher.HandleChatUpdate(ctx, update)
		})

	case "im.chat.disbanded_v1":
		var event struct {
			ChatID string `json:"chat_id"`
		}
		if err := json.Unmarshal(raw, &event); err != nil {
			return
		}
		chatID = event.ChatID
		payload := usecase.DisbandLetterPayload{ChatID: event.ChatID}
		park := &parkInfo{dedupeKey: "disband:" + event.ChatID, chatID: event.ChatID, payload: payload}
		job = s.wrap(eventID, eventType, park, func(ctx context.Context) error {
			return s.dispatcher.HandleChatDisbanded(ctx, event.ChatID)
		})

	default:
		s.logger.Debug("ignoring event type", zap.String("event_type", eventType))
		return
	}

	if chatID == "" {
		chatID = eventID
	}
	s.enqueue(chatID, job)
}

// interceptCommand runs "/feishu" text messages as commands
func (s *FeishuWebhookServer) interceptCommand(ctx context.Context, msg *domain.FeishuInboundMessage) (bool, error) {
	if s.commands == nil || msg.MsgType != "text" {
		return false, nil
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(msg.Content), &body); err != nil {
		return false, nil
	}
	return s.commands.HandleFeishuMessage(ctx, msg.ChatID, msg.SenderID, body.Text)
}

// parkInfo describes how to dead-letter an event when its handler fails
type parkInfo struct {
	dedupeKey string
	chatID    string
	payload   any
}

// wrap runs the handler through the processed-event gate. A handler
// failure with park set captures the event as a replayable dead letter.
func (s *FeishuWebhookServer) wrap(eventID, eventType string, park *parkInfo, handler func(context.Context) error) func() {
	return func() {
		ctx := context.Background()
		err := s.processor.Process(ctx, eventID, eventType, usecase.SourceFeishu, handler)
		if err != nil {
			s.logger.Error("event processing failed",
				zap.String("event_id", eventID),
				zap.String("event_type", eventType),
				zap.Error(err))
			if park != nil {
				s.dispatcher.ParkEvent(ctx, eventType, park.dedupeKey, park.chatID, park.payload, err)
			}
		}
	}
}

// enqueue pushes the job onto the chat's FIFO queue, starting its
// worker on first use
func (s *FeishuWebhookServer) enqueue(chatID string, job func()) {
	guard := metrics.BeginQueueTask()
	wrapped := func() {
		defer guard.Done()
		job()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		guard.Done()
		return
	}
	q, ok := s.queues[chatID]
	if !ok {
		q = make(chan func(), chatQueueCap)
		s.queues[chatID] = q
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for fn := range q {
				fn()
			}
		}()
	}
	s.mu.Unlock()

	select {
	case q <- wrapped:
	default:
		s.logger.Warn("chat queue full, dropping event", zap.String("chat_id", chatID))
		guard.Done()
	}
}

// parseReceivedMessage maps the im.message.receive_v1 payload onto the
// inbound message. Content stays as the raw payload JSON; the
// dispatcher flattens it.
func parseReceivedMessage(header *callbackHeader, raw json.RawMessage) (*domain.FeishuInboundMessage, error) {
	var event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			CreateTime  string `json:"create_time"`
			ThreadID    string `json:"thread_id"`
			RootID      string `json:"root_id"`
			ParentID    string `json:"parent_id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}

	return &domain.FeishuInboundMessage{
		MessageID: event.Message.MessageID,
		ChatID:    event.Message.ChatID,
		SenderID:  event.Sender.SenderID.OpenID,
		Content:   event.Message.Content,
		MsgType:   event.Message.MessageType,
		ThreadID:  event.Message.ThreadID,
		RootID:    event.Message.RootID,
		ParentID:  event.Message.ParentID,
		Timestamp: parseEventTimestamp(event.Message.CreateTime, header.CreateTime),
	}, nil
}

func parseMemberChange(raw json.RawMessage, joined bool) (*domain.ChatMemberChange, error) {
	var event struct {
		ChatID string `json:"chat_id"`
		Users  []struct {
			UserID struct {
				OpenID string `json:"open_id"`
			} `json:"user_id"`
			Name string `json:"name"`
		} `json:"users"`
		OperatorID struct {
			OpenID string `json:"open_id"`
		} `json:"operator_id"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}

	change := &domain.ChatMemberChange{
		ChatID:   event.ChatID,
		Joined:   joined,
		Operator: event.OperatorID.OpenID,
	}
	for _, u := range event.Users {
		if u.UserID.OpenID != "" {
			change.UserIDs = append(change.UserIDs, u.UserID.OpenID)
		}
	}
	return change, nil
}

// parseEventTimestamp normalizes Feishu timestamps to epoch
// milliseconds. Values come as milliseconds or seconds, occasionally
// as RFC 3339.
func parseEventTimestamp(candidates ...string) int64 {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if v, err := strconv.ParseInt(c, 10, 64); err == nil {
			if v > 10_000_000_000 {
				return v
			}
			return v * 1000
		}
		if t, err := time.Parse(time.RFC3339, c); err == nil {
			return t.UnixMilli()
		}
	}
	return time.Now().UnixMilli()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
