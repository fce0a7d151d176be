package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/metrics"
)

// Client talks to the homeserver with the appservice token. Calls made
// on behalf of a puppet pass its user id for impersonation.
type Client struct {
	homeserverURL string
	serverName    string
	asToken       string
	botMXID       string
	maxMediaSize  int64
	httpCli       *http.Client
	logger        *zap.Logger
}

// NewClient builds a homeserver client for the appservice
func NewClient(homeserverURL, serverName, asToken, botLocalpart string, maxMediaSize int64, logger *zap.Logger) *Client {
	return &Client{
		homeserverURL: strings.TrimRight(homeserverURL, "/"),
		serverName:    serverName,
		asToken:       asToken,
		botMXID:       fmt.Sprintf("@%s:%s", botLocalpart, serverName),
		maxMediaSize:  maxMediaSize,
		httpCli:       &http.Client{Timeout: 60 * time.Second},
		logger:        logger.Named("matrix"),
	}
}

// BotMXID returns the bridge bot's own user id
func (c *Client) BotMXID() string {
	return c.botMXID
}

// ServerName returns the homeserver's server name
func (c *Client) ServerName() string {
	return c.serverName
}

// request performs one authenticated homeserver call. asUser, when not
// empty and not the bot itself, is sent as the impersonated user id.
func (c *Client) request(ctx context.Context, method, path, asUser string, body, out any) error {
	metrics.OutboundCalls.WithLabelValues("matrix." + method).Inc()

	endpoint := c.homeserverURL + path
	if asUser != "" && asUser != c.botMXID {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		endpoint += sep + "user_id=" + url.QueryEscape(asUser)
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		metrics.OutboundFailures.WithLabelValues("matrix."+method, "transport").Inc()
		return fmt.Errorf("matrix request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		mxErr := &Error{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(mxErr); err != nil {
			mxErr.Message = "unparseable error body"
		}
		metrics.OutboundFailures.WithLabelValues("matrix."+method, mxErr.Code).Inc()
		return mxErr
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// RegisterPuppet registers the localpart with the appservice login type.
// An already-registered puppet is not an error.
func (c *Client) RegisterPuppet(ctx context.Context, localpart string) error {
	body := map[string]any{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	err := c.request(ctx, http.MethodPost, "/_matrix/client/v3/register", "", body, nil)
	if IsCode(err, CodeUserInUse) {
		return nil
	}
	return err
}

// SetDisplayName sets the profile display name for a puppet
func (c *Client) SetDisplayName(ctx context.Context, userID, displayName string) error {
	path := fmt.Sprintf("/_matrix/client/v3/profile/%s/displayname", url.PathEscape(userID))
	return c.request(ctx, http.MethodPut, path, userID, map[string]any{"displayname": displayName}, nil)
}

// SetAvatarURL sets the profile avatar for a puppet to an mxc uri
func (c *Client) SetAvatarURL(ctx context.Context, userID, avatarMXC string) error {
	path := fmt.Sprintf("/_matrix/client/v3/profile/%s/avatar_url", url.PathEscape(userID))
	return c.request(ctx, http.MethodPut, path, userID, map[string]any{"avatar_url": avatarMXC}, nil)
}

// EnsureJoined joins asUser to the room, inviting through the bot first
// when the join is forbidden
func (c *Client) EnsureJoined(ctx context.Context, asUser, roomID string) error {
	joinPath := fmt.Sprintf("/_matrix/client/v3/join/%s", url.PathEscape(roomID))
	err := c.request(ctx, http.MethodPost, joinPath, asUser, struct{}{}, nil)
	if err == nil || !IsCode(err, CodeForbidden) {
		return err
	}

	invitePath := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID))
	if err := c.request(ctx, http.MethodPost, invitePath, c.botMXID, map[string]any{"user_id": asUser}, nil); err != nil {
		return err
	}
	return c.request(ctx, http.MethodPost, joinPath, asUser, struct{}{}, nil)
}

// LeaveRoom removes asUser from the room
func (c *Client) LeaveRoom(ctx context.Context, asUser, roomID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID))
	return c.request(ctx, http.MethodPost, path, asUser, struct{}{}, nil)
}

// SendMessage sends an m.room.message event as asUser and returns the
// event id. content is the full event content, relations included.
func (c *Client) SendMessage(ctx context.Context, asUser, roomID string, content map[string]any) (string, error) {
	return c.sendEvent(ctx, asUser, roomID, "m.room.message", content)
}

func (c *Client) sendEvent(ctx context.Context, asUser, roomID, eventType string, content map[string]any) (string, error) {
	txnID := uuid.NewString()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventType), txnID)

	var result struct {
		EventID string `json:"event_id"`
	}
	if err := c.request(ctx, http.MethodPut, path, asUser, content, &result); err != nil {
		return "", err
	}
	return result.EventID, nil
}

// Redact redacts an event as asUser
func (c *Client) Redact(ctx context.Context, asUser, roomID, eventID, reason string) error {
	txnID := uuid.NewString()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventID), txnID)

	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	return c.request(ctx, http.MethodPut, path, asUser, body, nil)
}

// SetPresence reports a puppet's presence state to the homeserver
func (c *Client) SetPresence(ctx context.Context, userID, presence string) error {
	path := fmt.Sprintf("/_matrix/client/v3/presence/%s/status", url.PathEscape(userID))
	return c.request(ctx, http.MethodPut, path, userID, map[string]any{"presence": presence}, nil)
}

// UploadMedia uploads bytes to the media repository and returns the mxc uri
func (c *Client) UploadMedia(ctx context.Context, fileName, contentType string, data []byte) (string, error) {
	metrics.OutboundCalls.WithLabelValues("matrix.media.upload").Inc()

	endpoint := c.homeserverURL + "/_matrix/media/v3/upload"
	if fileName != "" {
		endpoint += "?filename=" + url.QueryEscape(fileName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpCli.Do(req)
	if err != nil {
		metrics.OutboundFailures.WithLabelValues("matrix.media.upload", "transport").Inc()
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		mxErr := &Error{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(mxErr); err != nil {
			mxErr.Message = "unparseable error body"
		}
		metrics.OutboundFailures.WithLabelValues("matrix.media.upload", mxErr.Code).Inc()
		return "", mxErr
	}

	var result struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.ContentURI, nil
}

// DownloadMedia fetches the bytes behind an mxc uri, enforcing the
// configured size cap
func (c *Client) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error) {
	server, mediaID, err := ParseMXC(mxcURI)
	if err != nil {
		return nil, "", err
	}

	metrics.OutboundCalls.WithLabelValues("matrix.media.download").Inc()

	endpoint := fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s",
		c.homeserverURL, url.PathEscape(server), url.PathEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.httpCli.Do(req)
	if err != nil {
		metrics.OutboundFailures.WithLabelValues("matrix.media.download", "transport").Inc()
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		mxErr := &Error{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(mxErr); err != nil {
			mxErr.Message = "unparseable error body"
		}
		metrics.OutboundFailures.WithLabelValues("matrix.media.download", mxErr.Code).Inc()
		return nil, "", mxErr
	}

	if c.maxMediaSize > 0 && resp.ContentLength > c.maxMediaSize {
		return nil, "", fmt.Errorf("media %s exceeds size limit: %d > %d", mxcURI, resp.ContentLength, c.maxMediaSize)
	}

	limit := c.maxMediaSize
	if limit <= 0 {
		limit = 100 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("media %s exceeds size limit: %d", mxcURI, limit)
	}

	return data, resp.Header.Get("Content-Type"), nil
}

// ParseMXC splits an mxc://server/mediaID uri
func ParseMXC(mxcURI string) (server, mediaID string, err error) {
	rest, ok := strings.CutPrefix(mxcURI, "mxc://")
	if !ok {
		return "", "", fmt.Errorf("not an mxc uri: %s", mxcURI)
	}
	server, mediaID, ok = strings.Cut(rest, "/")
	if !ok || server == "" || mediaID == "" {
		return "", "", fmt.Errorf("malformed mxc uri: %s", mxcURI)
	}
	return server, mediaID, nil
}
