package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/usecase"
	"github.com/anthropics/matrix-feishu-bridge/internal/infra/matrix"
)

const (
	maxTransactionBody = 10 << 20
	txnRetention       = time.Hour
)

// AppService implements the homeserver-facing application service API:
// it receives transactions of room events and feeds them to the
// outbound dispatcher.
type AppService struct {
	hsToken    string
	serverName string

	dispatcher *usecase.MatrixDispatcher
	processor  *usecase.EventProcessor
	logger     *zap.Logger

	txnMu   sync.Mutex
	txnSeen map[string]time.Time
}

// NewAppService builds the appservice transaction receiver
func NewAppService(hsToken, serverName string, dispatcher *usecase.MatrixDispatcher, processor *usecase.EventProcessor, logger *zap.Logger) *AppService {
	return &AppService{
		hsToken:    hsToken,
		serverName: serverName,
		dispatcher: dispatcher,
		processor:  processor,
		logger:     logger.Named("appservice"),
		txnSeen:    make(map[string]time.Time),
	}
}

// Routes mounts the appservice API, including the legacy unprefixed
// aliases older homeservers still use
func (s *AppService) Routes(r chi.Router) {
	r.Put("/_matrix/app/v1/transactions/{txnID}", s.handleTransaction)
	r.Put("/transactions/{txnID}", s.handleTransaction)
	r.Get("/_matrix/app/v1/users/{userID}", s.handleUserQuery)
	r.Get("/users/{userID}", s.handleUserQuery)
	r.Get("/_matrix/app/v1/rooms/{roomAlias}", s.handleRoomQuery)
	r.Get("/rooms/{roomAlias}", s.handleRoomQuery)
}

// authorized checks the homeserver token from the query string or the
// Authorization header
func (s *AppService) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return token != "" && token == s.hsToken
}

type transactionEvent struct {
	EventID string         `json:"event_id"`
	RoomID  string         `json:"room_id"`
	Sender  string         `json:"sender"`
	Type    string         `json:"type"`
	Redacts string         `json:"redacts"`
	Content map[string]any `json:"content"`
}

func (s *AppService) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "bad homeserver token")
		return
	}

	txnID := chi.URLParam(r, "txnID")
	if s.seenTransaction(txnID) {
		writeJSON(w, map[string]any{})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxTransactionBody))
	if err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_NOT_JSON", "unreadable body")
		return
	}
	var txn struct {
		Events []transactionEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &txn); err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_NOT_JSON", "malformed transaction")
		return
	}

	ctx := r.Context()
	for _, event := range txn.Events {
		s.handleEvent(ctx, event)
	}

	s.markTransaction(txnID)
	writeJSON(w, map[string]any{})
}

// handleEvent dispatches one event; failures are logged, never bounced
// back to the homeserver, which would retry the whole transaction
func (s *AppService) handleEvent(ctx context.Context, event transactionEvent) {
	if matrix.IsPuppetMXID(event.Sender, s.serverName) {
		return
	}

	var err error
	switch event.Type {
	case "m.room.message", "m.sticker":
		err = s.processor.Process(ctx, event.EventID, event.Type, usecase.SourceMatrix, func(ctx context.Context) error {
			return s.dispatcher.Dispatch(ctx, event.EventID, event.RoomID, event.Sender, event.Type, event.Content)
		})
	case "m.room.redaction":
		redacts := event.Redacts
		if redacts == "" {
			redacts, _ = event.Content["redacts"].(string)
		}
		if redacts == "" {
			return
		}
		err = s.processor.Process(ctx, event.EventID, event.Type, usecase.SourceMatrix, func(ctx context.Context) error {
			return s.dispatcher.HandleRedaction(ctx, event.RoomID, event.Sender, redacts)
		})
	default:
		return
	}

	if err != nil {
		s.logger.Error("event dispatch failed",
			zap.String("event_id", event.EventID),
			zap.String("type", event.Type),
			zap.Error(err))
	}
}

// handleUserQuery answers homeserver existence probes for puppet users.
// Puppets are registered lazily on first message, so any id in our
// namespace is claimed.
func (s *AppService) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "bad homeserver token")
		return
	}
	userID := chi.URLParam(r, "userID")
	if !matrix.IsPuppetMXID(userID, s.serverName) {
		writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "not a bridge user")
		return
	}
	writeJSON(w, map[string]any{})
}

// handleRoomQuery answers alias probes; the bridge claims no aliases
func (s *AppService) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "bad homeserver token")
		return
	}
	writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "no bridge aliases")
}

func (s *AppService) seenTransaction(txnID string) bool {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	_, ok := s.txnSeen[txnID]
	return ok
}

func (s *AppService) markTransaction(txnID string) {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	s.txnSeen[txnID] = time.Now()

	cutoff := time.Now().Add(-txnRetention)
	for id, seen := range s.txnSeen {
		if seen.Before(cutoff) {
			delete(s.txnSeen, id)
		}
	}
}

func writeMatrixError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"errcode": code, "error": message})
}
