package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/metrics"
)

const (
	defaultBaseURL = "https://open.feishu.cn"

	// Refresh the tenant token while this much validity remains
	tokenRefreshMargin = 5 * time.Minute

	defaultRetryBase = 250 * time.Millisecond
	retryMaxInterval = 8 * time.Second
	defaultMaxRetries = 3

	// Platform upload and download ceilings
	maxImageUploadSize  = 10 << 20
	maxFileUploadSize   = 30 << 20
	maxResourceDownload = 100 << 20
)

// MessageInfo is the subset of a Feishu message the bridge reads back
type MessageInfo struct {
	MessageID string
	ChatID    string
	MsgType   string
	Content   string
	ThreadID  string
	RootID    string
	ParentID  string
}

// ChatInfo describes a Feishu chat
type ChatInfo struct {
	ChatID      string
	Name        string
	Description string
	ChatMode    string
	OwnerID     string
	MemberCount int
}

// ChatMember is one member of a Feishu chat
type ChatMember struct {
	OpenID string
	Name   string
}

// UserInfo is a Feishu user profile
type UserInfo struct {
	OpenID    string
	Name      string
	AvatarURL string
}

// GatewayConfig tunes the API endpoint and the retry policy. Zero
// values fall back to the platform defaults.
type GatewayConfig struct {
	BaseURL    string
	MaxRetries int
	RetryBase  time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	return c
}

// Gateway wraps the Feishu Open Platform API for the bridge. Every call
// records outbound metrics and retries transient failures with backoff.
type Gateway struct {
	cli       *lark.Client
	appID     string
	appSecret string
	cfg       GatewayConfig
	logger    *zap.Logger
	httpCli   *http.Client

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewGateway builds a Feishu gateway for the given app credentials
func NewGateway(appID, appSecret string, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		cli:       lark.NewClient(appID, appSecret, lark.WithOpenBaseUrl(cfg.BaseURL)),
		appID:     appID,
		appSecret: appSecret,
		cfg:       cfg,
		logger:    logger.Named("feishu"),
		httpCli:   &http.Client{Timeout: 30 * time.Second},
	}
}

// TenantAccessToken returns a valid tenant access token, refreshing it
// when less than the margin of its validity remains. Refreshes are
// serialized so concurrent callers share one fetch.
func (g *Gateway) TenantAccessToken(ctx context.Context) (string, error) {
	g.tokenMu.Lock()
	defer g.tokenMu.Unlock()

	if g.token != "" && time.Until(g.tokenExpiry) > tokenRefreshMargin {
		return g.token, nil
	}

	payload := fmt.Sprintf(`{"app_id":%q,"app_secret":%q}`, g.appID, g.appSecret)
	tokenURL := g.cfg.BaseURL + "/open-apis/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	metrics.OutboundCalls.WithLabelValues("auth.v3.tenant_access_token").Inc()
	resp, err := g.httpCli.Do(req)
	if err != nil {
		metrics.OutboundFailures.WithLabelValues("auth.v3.tenant_access_token", "transport").Inc()
		return "", newTransportError("auth.v3.tenant_access_token", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int64  `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		metrics.OutboundFailures.WithLabelValues("auth.v3.tenant_access_token", "transport").Inc()
		return "", newTransportError("auth.v3.tenant_access_token", err)
	}
	if result.Code != 0 {
		metrics.OutboundFailures.WithLabelValues("auth.v3.tenant_access_token", strconv.Itoa(result.Code)).Inc()
		return "", newAPIError("auth.v3.tenant_access_token", result.Code, result.Msg)
	}

	g.token = result.TenantAccessToken
	g.tokenExpiry = time.Now().Add(time.Duration(result.Expire) * time.Second)
	g.logger.Debug("refreshed tenant access token", zap.Time("expires_at", g.tokenExpiry))
	return g.token, nil
}

// do runs a single API call with metrics and bounded retry. Only
// rate-limited and transient server failures are retried.
func (g *Gateway) do(ctx context.Context, api string, call func(ctx context.Context) error) error {
	operation := func() error {
		metrics.OutboundCalls.WithLabelValues(api).Inc()
		err := call(ctx)
		if err == nil {
			return nil
		}

		apiErr, ok := AsAPIError(err)
		if !ok {
			apiErr = newTransportError(api, err)
			err = apiErr
		}
		code := "transport"
		if apiErr.Code >= 0 {
			code = strconv.Itoa(apiErr.Code)
		}
		metrics.OutboundFailures.WithLabelValues(api, code).Inc()

		if !apiErr.Retryable {
			return backoff.Permanent(err)
		}
		g.logger.Warn("retrying feishu call",
			zap.String("api", api),
			zap.Int("code", apiErr.Code),
			zap.String("class", apiErr.Class))
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.RetryBase
	bo.MaxInterval = retryMaxInterval
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(g.cfg.MaxRetries-1)), ctx))
}

// SendMessage sends a message to a chat. content is the JSON body for
// the given msgType; deliveryID deduplicates redelivery on the platform.
func (g *Gateway) SendMessage(ctx context.Context, chatID, msgType, content, deliveryID string) (*MessageInfo, error) {
	const api = "im.v1.messages.create"
	var info *MessageInfo

	err := g.do(ctx, api, func(ctx context.Context) error {
		body := larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(msgType).
			Content(content)
		if deliveryID != "" {
			body = body.Uuid(deliveryID)
		}
		req := larkim.NewCreateMessageReqBuilder().
			ReceiveIdType(larkim.ReceiveIdTypeChatId).
			Body(body.Build()).
			Build()

		resp, err := g.cli.Im.Message.Create(ctx, req)
		if err != nil {
			return newTransportError(api, err)
		}
		if !resp.Success() {
			return newAPIError(api, resp.Code, resp.Msg)
		}
		info = &MessageInfo{ChatID: chatID}
		if resp.Data != nil {
			fillSentInfo(info, resp.Data.MessageId, resp.Data.ThreadId, resp.Data.RootId, resp.Data.ParentId)
		}
		return nil
	})
	return info, err
}

// ReplyMessage replies to an existing message, optionally inside its
// thread when the chat is in thread mode
func (g *Gateway) ReplyMessage(ctx context.Context, parentMessageID, msgType, content, deliveryID string, inThread bool) (*MessageInfo, error) {
	const api = "im.v1.messages.reply"
	var info *MessageInfo

	err := g.do(ctx, api, func(ctx context.Context) error {
		body := larkim.NewReplyMessageReqBodyBuilder().
			MsgType(msgType).
			Content(content).
			ReplyInThread(inThread)
		if deliveryID != "" {
			body = body.Uuid(deliveryID)
		}
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(parentMessageID).
			Body(body.Build()).
			Build()

		resp, err := g.cli.Im.Message.Reply(ctx, req)
		if err != nil {
			return newTransportError(api, err)
		}
		if !resp.Success() {
			return newAPIError(api, resp.Code, resp.Msg)
		}
		info = &MessageInfo{}
		if resp.Data != nil {
			fillSentInfo(info, resp.Data.MessageId, resp.Data.ThreadId, resp.Data.RootId, resp.Data.ParentId)
		}
		return nil
	})
	return info, err
}

// fillSentInfo collects the ids a send or reply response carries
func fillSentInfo(info *MessageInfo, messageID, threadID, rootID, parentID *string) {
	if messageID != nil {
		info.MessageID = *messageID
	}
	if threadID != nil {
		info.ThreadID = *threadID
	}
	if rootID != nil {
		info.RootID = *rootID
	}
	if parentID != nil {
		info.ParentID = *parentID
	}
}

// UpdateMessage edits an existing message in place
func (g *Gateway) UpdateMessage(ctx context.Context, messageID, msgType, content string) error {
	const api = "im.v1.messages.update"
	return g.do(ctx, api, func(ctx context.Context) error {
		req := larkim.NewUpdateMessageReqBuilder().
			MessageId(messageID).
			Body(larkim.NewUpdateMessageReqBodyBuilder().
				MsgType(msgType).
				Content(content).
				Build()).
			Build()

		resp, err := g.cli.Im.Message.Update(ctx, req)
		if err != nil {
			return newTransportError(api, err)
		}
		if !resp.Success() {
			return newAPIError(api, resp.Code, resp.Msg)
		}
		return nil
	})
}

// DeleteMessage recalls a message the bot sent
func (g *Gateway) DeleteMessage(ctx context.Context, messageID string) error {
	const api = "im.v1.messages.delete"
	return g.do(ctx, api, func(ctx context.Context) error {
		req := larkim.NewDeleteMessageReqBuilder().
			MessageId(messageID).
			Build()

		resp, err := g.cli.Im.Message.Delete(ctx, req)
		if err != nil {
			return newTransportError(api, err)
		}
		if !resp.Success() {
			return newAPIError(api, resp.Code, resp.Msg)
		}
		return nil
	})
}

// GetMessage fetches a message, mainly for its threading ids
func (g *Gateway) GetMessage(ctx context.Context, messageID string) (*MessageInfo, error) {
	const api = "im.v1.messages.get"
	var info *MessageInfo

	err := g.do(ctx, api, func(ctx context.Context) error {
		req := larkim.NewGetMessageReqBuilder().
			MessageId(messageID).
			Build()

		resp, err := g.cli.Im.Message.Get(ctx, req)
		if err != nil {
			return newTransportError(api, err)
		}
		if !resp.Success() {
			return newAPIError(api, resp.Code, resp.Msg)
		}
		if resp.Data == nil || len(resp.Data.Items) == 0 {
			return newAPIError(api, 0, "message not found")
		}

		item := resp.Data.Items[0]
		info = &MessageInfo{MessageID: messageID}
		if item.MessageId != nil {
			info.MessageID = *item.MessageId
		}
		if item.ChatId != nil {
			info.ChatID = *item.ChatId
		}
		if item.MsgType != nil {
			info.MsgType = *item.MsgType
		}
		if item.Body != nil && item.Body.Content != nil {
			info.Content = *item.Body.Content
		}
		if item.ThreadId != nil {
			info.ThreadID = *item.ThreadId
		}
		if item.RootId != nil {
			info.RootID = *item.RootId
		}
		if item.ParentId != nil {
			info.ParentID = *item.ParentId
		}
		return nil
	})
	return info, err
}

// GetMessageResource downloads a media resource attached to a message,
// returning the bytes, the platform file name and the sniffed content
// type. resourceType is "image" or "file".
func (g *Gateway) GetMessageResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, string, error) {
	const api = "im.v1.messages.resources.get"
	var data []byte
	var fileName string
	var contentType string

	err := g.do(ctx, api, func(ctx context.Context) error {
		req := larkim.NewGetMessageResourceReqBuilder().
			MessageId(messageID).
			FileKey(fileKey).
			Type(resourceType).
			Build()

		resp, err := g.cli.Im.MessageResource.Get(ctx, req)
		if err != nil {
			return newTransportError(api, err)
		}
		if !resp.Success() {
			return newAPIError(api, resp.Code, resp.Msg)
		}

		buf, err := io.ReadAll(io.LimitReader(resp.File, maxResourceDownload+1))
		if err != nil {
			return newTransportError(api, err)
		}
		if len(buf) > maxResourceDownload {
			return newAPIError(api, 400, fmt.Sprintf("resource %s exceeds %d bytes", fileKey, maxResourceDownload))
		}
		data = buf
		fileName = resp.FileName
		// The resource API does not carry a usable Content-Type header
		contentType = http.DetectContentType(buf)
		return nil
	})
	return data, fileName, contentType, err
}

// UploadImage uploads image bytes and returns the image key
func (g *Gateway) UploadImage(ctx context.Context, image []byte) (string, error) {
	const api = "im.v1.images.create"
	if len(image) > maxImageUploadSize {
		return "", newAPIError(api, 400, fmt.Sprintf("image exceeds %d bytes", maxImageUploadSize))
	}
	var imageKey string

	err := g.do(ctx, api, func(ctx context.Context) error {
		req := larkim.NewCreateImageReqBuilder().
			Body(larkim.NewCreateImageReqBodyBuilder().
				ImageType(larkim.ImageTypeMessage).
				Image(bytes.NewReader(image)).
				Build()).
			Build()

		resp, err := g.cli.Im.Image.Create(ctx, req)
		if err != nil {
			return newTransportError(api, err)
		}
		if !resp.Success() {
			return newAPIError(api, resp.Code, resp.Msg)
		}
		if resp.Data == nil || resp.Data.ImageKey == nil {
			return newAPIError(api, 0, "missing image key in response")
		}
		imageKey = *resp.Data.ImageKey
		return nil
	})
	return imageKey, err
}

// UploadFile uploads file bytes and returns the file key. fileType is
// one of the platform file types (opus, mp4, pdf, doc, xls, ppt, stream).
func (g *Gateway) UploadFile(ctx context.Context, fileName, fileType string, file []byte) (string, error) {
	const api = "im.v1.files.create"
	if len(file) > maxFileUploadSize {
		return "", newAPIError(api, 400, fmt.Sprintf("file exceeds %d bytes", maxFileUploadSize))
	}
	var fileKey string

	err := g.do(ctx, api, func(ctx context.Context) error {
		req := larkim.NewCreateFileReqBuilder().
			Body(larkim.NewCreateFileReqBodyBuilder().
				FileType(fileType).
				FileName(fileName).
				File(bytes.NewReader(file)).
				Build()).
			Build()

		resp, err := g.cli.Im.File.Create(ctx, req)
		if err != nil {
			return newTransportError(api, err)
		}
		if !resp.Success() {
			return newAPIError(api, resp.Code, resp.Msg)
		}
		if resp.Data == nil || resp.Data.FileKey == nil {
			return newAPIError(api, 0, "missing file key in response")
		}
		fileKey = *resp.Data.FileKey
		return nil
	})
	return fileKey, err
}

// GetChatInfo fetches chat metadata, including the chat mode used to
// decide thread-style replies
func (g *Gateway) GetChatInfo(ctx context.Context, chatID string) (*ChatInfo, error) {
	const api = "im.v1.chats.get"
	var info *ChatInfo

	err := g.do(ctx, api, func(ctx context.Context) error {
		req := larkim.NewGetChatReqBuilder().
			ChatId(chatID).
			Build()

		resp, err := g.cli.Im.Chat.Get(ctx, req)
		if err != nil {
			return newTransportError(api, err)
		}
		if !resp.Success() {
			return newAPIError(api, resp.Code, resp.Msg)
		}

		info = &ChatInfo{ChatID: chatID}
		if resp.Data.Name != nil {
			info.Name = *resp.Data.Name
		}
		if resp.Data.Description != nil {
			info.Description = *resp.Data.Description
		}
		if resp.Data.ChatMode != nil {
			info.ChatMode = *resp.Data.ChatMode
		}
		if resp.Data.OwnerId != nil {
			info.OwnerID = *resp.Data.OwnerId
		}
		if resp.Data.UserCount != nil {
			if count, err := strconv.Atoi(*resp.Data.UserCount); err == nil {
				info.MemberCount = count
			}
		}
		return nil
	})
	return info, err
}

// GetChatMembers lists all members of a chat, following pagination
func (g *Gateway) GetChatMembers(ctx context.Context, chatID string) ([]*ChatMember, error) {
	const api = "im.v1.chats.members.get"
	var members []*ChatMember
	var pageToken string

	for {
		err := g.do(ctx, api, func(ctx context.Context) error {
			builder := larkim.NewGetChatMembersReqBuilder().
				ChatId(chatID).
				MemberIdType("open_id").
				PageSize(100)
			if pageToken != "" {
				builder = builder.PageToken(pageToken)
			}

			resp, err := g.cli.Im.ChatMembers.Get(ctx, builder.Build())
			if err != nil {
				return newTransportError(api, err)
			}
			if !resp.Success() {
				return newAPIError(api, resp.Code, resp.Msg)
			}

			for _, item := range resp.Data.Items {
				member := &ChatMember{}
				if item.MemberId != nil {
					member.OpenID = *item.MemberId
				}
				if item.Name != nil {
					member.Name = *item.Name
				}
				members = append(members, member)
			}

			pageToken = ""
			if resp.Data.PageToken != nil {
				pageToken = *resp.Data.PageToken
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if pageToken == "" {
			return members, nil
		}
	}
}

// GetUserInfo fetches a user's profile by open id
func (g *Gateway) GetUserInfo(ctx context.Context, openID string) (*UserInfo, error) {
	const api = "contact.v3.users.get"
	var info *UserInfo

	err := g.do(ctx, api, func(ctx context.Context) error {
		req := larkcontact.NewGetUserReqBuilder().
			UserId(openID).
			UserIdType(larkcontact.UserIdTypeOpenId).
			Build()

		resp, err := g.cli.Contact.User.Get(ctx, req)
		if err != nil {
			return newTransportError(api, err)
		}
		if !resp.Success() {
			return newAPIError(api, resp.Code, resp.Msg)
		}
		if resp.Data == nil || resp.Data.User == nil {
			return newAPIError(api, 0, "user not found")
		}

		user := resp.Data.User
		info = &UserInfo{OpenID: openID}
		if user.OpenId != nil {
			info.OpenID = *user.OpenId
		}
		if user.Name != nil {
			info.Name = *user.Name
		}
		if user.Avatar != nil {
			switch {
			case user.Avatar.AvatarOrigin != nil && *user.Avatar.AvatarOrigin != "":
				info.AvatarURL = *user.Avatar.AvatarOrigin
			case user.Avatar.Avatar240 != nil:
				info.AvatarURL = *user.Avatar.Avatar240
			}
		}
		return nil
	})
	return info, err
}
