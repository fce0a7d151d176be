// Package api exposes the provisioning and operations API for bridge
// administrators and the bridgectl tool.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/usecase"
)

// Access scopes, ordered: a higher scope implies the lower ones
const (
	scopeRead   = 1
	scopeWrite  = 2
	scopeDelete = 3
)

// AdminTokens are the scoped bearer tokens accepted by the API
type AdminTokens struct {
	Read   string
	Write  string
	Delete string
}

// AdminServer serves the provisioning API
type AdminServer struct {
	tokens  AdminTokens
	version string
	started time.Time

	rooms        repo.RoomRepo
	users        repo.UserRepo
	letters      repo.DeadLetterRepo
	feishu       repo.FeishuGateway
	provisioning *usecase.ProvisioningUsecase
	deadLetters  *usecase.DeadLetterUsecase
	logger       *zap.Logger
}

// NewAdminServer builds the provisioning API server
func NewAdminServer(
	tokens AdminTokens,
	version string,
	rooms repo.RoomRepo,
	users repo.UserRepo,
	letters repo.DeadLetterRepo,
	feishuGW repo.FeishuGateway,
	provisioning *usecase.ProvisioningUsecase,
	deadLetters *usecase.DeadLetterUsecase,
	logger *zap.Logger,
) *AdminServer {
	return &AdminServer{
		tokens:       tokens,
		version:      version,
		started:      time.Now(),
		rooms:        rooms,
		users:        users,
		letters:      letters,
		feishu:       feishuGW,
		provisioning: provisioning,
		deadLetters:  deadLetters,
		logger:       logger.Named("admin"),
	}
}

// Routes mounts the API together with health and metrics endpoints.
// The API itself lives under /admin and is mirrored at the appservice
// path; the provisioning prefix is kept for older tooling.
func (s *AdminServer) Routes(r chi.Router) {
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	for _, prefix := range []string{"/admin", "/_matrix/app/v1", "/_matrix/provision/v1"} {
		r.Route(prefix, s.mount)
	}
}

func (s *AdminServer) mount(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Actor"},
	}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireScope(scopeRead))
		r.Get("/status", s.handleStatus)
		r.Get("/bridges", s.handleListBridges)
		r.Get("/mappings", s.handleListMappings)
		r.Get("/pending", s.handleListPending)
		r.Get("/dead-letters", s.handleListDeadLetters)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireScope(scopeWrite))
		r.Post("/bridges", s.handleCreateBridge)
		r.Post("/dead-letters/{id}/replay", s.handleReplay)
		r.Post("/dead-letters/replay", s.handleReplayBatch)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireScope(scopeDelete))
		r.Delete("/bridges/{roomID}", s.handleDeleteBridge)
		r.Post("/dead-letters/cleanup", s.handleCleanup)
	})
}

// requestScope resolves the caller's scope from its bearer token
func (s *AdminServer) requestScope(r *http.Request) (int, string) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	switch {
	case token == "":
		return 0, ""
	case token == s.tokens.Delete && s.tokens.Delete != "":
		return scopeDelete, token
	case token == s.tokens.Write && s.tokens.Write != "":
		return scopeWrite, token
	case token == s.tokens.Read && s.tokens.Read != "":
		return scopeRead, token
	}
	return 0, ""
}

func (s *AdminServer) requireScope(minScope int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, token := s.requestScope(r)
			if scope < minScope {
				s.logger.Warn("request rejected",
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("scope", scope))
				writeError(w, http.StatusUnauthorized, "missing or underprivileged token")
				return
			}
			s.audit(r, token, scope)
			next.ServeHTTP(w, r)
		})
	}
}

// audit logs who did what; the actor comes from X-Actor or the token tail
func (s *AdminServer) audit(r *http.Request, token string, scope int) {
	actor := r.Header.Get("X-Actor")
	actorSource := "header"
	if actor == "" {
		tail := token
		if len(tail) > 6 {
			tail = tail[len(tail)-6:]
		}
		actor = "token:" + tail
		actorSource = "token"
	}
	s.logger.Info("admin action",
		zap.String("action", r.Method+" "+r.URL.Path),
		zap.String("actor", actor),
		zap.String("actor_source", actorSource),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Int("scope", scope))
}

func (s *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

func (s *AdminServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.rooms.Count(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeOK(w, map[string]any{"ready": true})
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bridged, err := s.rooms.Count(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	letters := map[string]int64{}
	var total int64
	for _, status := range []string{domain.DeadLetterPending, domain.DeadLetterReplayed, domain.DeadLetterFailed} {
		count, err := s.letters.Count(ctx, status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		letters[status] = count
		total += count
	}
	letters["total"] = total

	writeOK(w, map[string]any{
		"status":           "running",
		"version":          s.version,
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"bridged_rooms":    bridged,
		"pending_requests": len(s.provisioning.GetPending()),
		"dead_letters":     letters,
	})
}

type bridgeView struct {
	MatrixRoomID   string    `json:"matrix_room_id"`
	FeishuChatID   string    `json:"feishu_chat_id"`
	FeishuChatName string    `json:"feishu_chat_name,omitempty"`
	FeishuChatType string    `json:"feishu_chat_type,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *AdminServer) handleListBridges(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	mappings, err := s.rooms.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]bridgeView, 0, len(mappings))
	for _, m := range mappings {
		views = append(views, bridgeView{
			MatrixRoomID:   m.MatrixRoomID,
			FeishuChatID:   m.FeishuChatID,
			FeishuChatName: m.FeishuChatName,
			FeishuChatType: m.FeishuChatType,
			CreatedAt:      m.CreatedAt,
		})
	}
	writeOK(w, map[string]any{"bridges": views, "count": len(views)})
}

func (s *AdminServer) handleListMappings(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	mappings, err := s.users.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type userView struct {
		MatrixUserID   string `json:"matrix_user_id"`
		FeishuUserID   string `json:"feishu_user_id"`
		FeishuUsername string `json:"feishu_username,omitempty"`
	}
	views := make([]userView, 0, len(mappings))
	for _, m := range mappings {
		views = append(views, userView{
			MatrixUserID:   m.MatrixUserID,
			FeishuUserID:   m.FeishuUserID,
			FeishuUsername: m.FeishuUsername,
		})
	}
	writeOK(w, map[string]any{"mappings": views, "count": len(views)})
}

func (s *AdminServer) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending := s.provisioning.GetPending()
	type pendingView struct {
		FeishuChatID    string    `json:"feishu_chat_id"`
		MatrixRoomID    string    `json:"matrix_room_id"`
		MatrixRequestor string    `json:"matrix_requestor"`
		CreatedAt       time.Time `json:"created_at"`
	}
	views := make([]pendingView, 0, len(pending))
	for _, p := range pending {
		views = append(views, pendingView{
			FeishuChatID:    p.FeishuChatID,
			MatrixRoomID:    p.MatrixRoomID,
			MatrixRequestor: p.MatrixRequestor,
			CreatedAt:       p.CreatedAt,
		})
	}
	writeOK(w, map[string]any{"pending": views, "count": len(views)})
}

// handleCreateBridge links a room directly, without the approval flow;
// the admin token is the approval
func (s *AdminServer) handleCreateBridge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MatrixRoomID string `json:"matrix_room_id"`
		FeishuChatID string `json:"feishu_chat_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MatrixRoomID == "" || req.FeishuChatID == "" {
		writeError(w, http.StatusBadRequest, "matrix_room_id and feishu_chat_id are required")
		return
	}

	ctx := r.Context()
	mapping := &domain.RoomMapping{
		MatrixRoomID: req.MatrixRoomID,
		FeishuChatID: req.FeishuChatID,
	}
	if info, err := s.feishu.GetChatInfo(ctx, req.FeishuChatID); err == nil {
		mapping.FeishuChatName = info.Name
		mapping.FeishuChatType = info.Mode
	}

	created, err := s.rooms.Create(ctx, mapping)
	if err != nil {
		if repo.IsDuplicate(err) {
			writeError(w, http.StatusConflict, "bridge already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{
		"success": true,
		"message": "bridge created",
		"bridge": bridgeView{
			MatrixRoomID:   created.MatrixRoomID,
			FeishuChatID:   created.FeishuChatID,
			FeishuChatName: created.FeishuChatName,
			FeishuChatType: created.FeishuChatType,
			CreatedAt:      created.CreatedAt,
		},
	})
}

func (s *AdminServer) handleDeleteBridge(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	mapping, err := s.provisioning.Unbridge(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, usecase.ErrRequestMissing) {
			writeError(w, http.StatusNotFound, "room is not bridged")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"success": true, "message": "bridge deleted", "feishu_chat_id": mapping.FeishuChatID})
}

func (s *AdminServer) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	status := r.URL.Query().Get("status")
	letters, err := s.letters.List(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type letterView struct {
		ID          int64     `json:"id"`
		Source      string    `json:"source"`
		EventType   string    `json:"event_type"`
		ChatID      string    `json:"chat_id"`
		Error       string    `json:"error"`
		Status      string    `json:"status"`
		ReplayCount int64     `json:"replay_count"`
		CreatedAt   time.Time `json:"created_at"`
	}
	views := make([]letterView, 0, len(letters))
	for _, l := range letters {
		views = append(views, letterView{
			ID:          l.ID,
			Source:      l.Source,
			EventType:   l.EventType,
			ChatID:      l.ChatID,
			Error:       l.Error,
			Status:      l.Status,
			ReplayCount: l.ReplayCount,
			CreatedAt:   l.CreatedAt,
		})
	}
	writeOK(w, map[string]any{"dead_letters": views, "count": len(views)})
}

func (s *AdminServer) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}
	result, err := s.deadLetters.Replay(r.Context(), id)
	if err != nil {
		if repo.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, map[string]any{"success": result.Replayed, "result": result})
}

func (s *AdminServer) handleReplayBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs    []int64 `json:"ids"`
		Status string  `json:"status"`
		Limit  int64   `json:"limit"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Limit <= 0 {
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
				req.Limit = parsed
			}
		}
	}

	results, err := s.deadLetters.ReplayBatch(r.Context(), usecase.ReplayBatchRequest{
		IDs:    req.IDs,
		Status: req.Status,
		Limit:  req.Limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	success := true
	for _, result := range results {
		if !result.Replayed {
			success = false
			break
		}
	}
	writeOK(w, map[string]any{"success": success, "results": results, "count": len(results)})
}

func (s *AdminServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status      string `json:"status"`
		OlderThanHr int    `json:"older_than_hours"`
		Limit       int64  `json:"limit"`
		DryRun      bool   `json:"dry_run"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	removed, err := s.deadLetters.Cleanup(r.Context(), usecase.CleanupOptions{
		Status:    req.Status,
		OlderThan: time.Duration(req.OlderThanHr) * time.Hour,
		Limit:     req.Limit,
		DryRun:    req.DryRun,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"success": true, "removed": removed, "dry_run": req.DryRun})
}

func pageParams(r *http.Request) (limit, offset int64) {
	limit, offset = 100, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func writeOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}
