package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
)

// DeadLetterUsecase replays and prunes parked events
type DeadLetterUsecase struct {
	letters repo.DeadLetterRepo
	outgo   *MatrixDispatcher
	income  *FeishuDispatcher
	logger  *zap.Logger
}

// ReplayResult summarizes one replay attempt
type ReplayResult struct {
	ID       int64  `json:"id"`
	Replayed bool   `json:"replayed"`
	Error    string `json:"error,omitempty"`
}

// RecallLetterPayload is the replayable snapshot of a failed recall
type RecallLetterPayload struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// DisbandLetterPayload is the replayable snapshot of a failed disband
type DisbandLetterPayload struct {
	ChatID string `json:"chat_id"`
}

// MembershipDedupeKey derives a stable dead letter key for a membership
// event from its identifying fields. User order does not matter.
func MembershipDedupeKey(eventType, chatID string, userIDs []string, createTime string) string {
	users := make([]string, len(userIDs))
	copy(users, userIDs)
	sort.Strings(users)

	sum := sha256.Sum256([]byte(eventType + "|" + chatID + "|" + strings.Join(users, ",") + "|" + createTime))
	return hex.EncodeToString(sum[:])
}

// NewDeadLetterUsecase builds the dead letter replay flow
func NewDeadLetterUsecase(letters repo.DeadLetterRepo, outgo *MatrixDispatcher, income *FeishuDispatcher, logger *zap.Logger) *DeadLetterUsecase {
	return &DeadLetterUsecase{
		letters: letters,
		outgo:   outgo,
		income:  income,
		logger:  logger.Named("deadletter"),
	}
}

// Replay pushes one dead letter back through its dispatcher. The letter
// flips to replayed on success and failed on another delivery error.
func (u *DeadLetterUsecase) Replay(ctx context.Context, id int64) (*ReplayResult, error) {
	letter, err := u.letters.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load dead letter: %w", err)
	}
	if !letter.IsReplayable() {
		return nil, fmt.Errorf("dead letter %d is %s, not replayable", id, letter.Status)
	}

	replayErr := u.redeliver(ctx, letter)
	if replayErr != nil {
		u.logger.Warn("replay failed",
			zap.Int64("id", id),
			zap.String("source", letter.Source),
			zap.Error(replayErr))
		if err := u.letters.MarkFailed(ctx, id, replayErr.Error()); err != nil {
			return nil, fmt.Errorf("mark failed: %w", err)
		}
		return &ReplayResult{ID: id, Replayed: false, Error: replayErr.Error()}, nil
	}

	if err := u.letters.MarkReplayed(ctx, id); err != nil {
		return nil, fmt.Errorf("mark replayed: %w", err)
	}
	u.logger.Info("dead letter replayed", zap.Int64("id", id), zap.String("source", letter.Source))
	return &ReplayResult{ID: id, Replayed: true}, nil
}

// ReplayBatchRequest selects which letters a batch replay covers:
// explicit ids win, otherwise every replayable letter in Status up to
// Limit
type ReplayBatchRequest struct {
	IDs    []int64
	Status string
	Limit  int64
}

// ReplayBatch replays the selected letters, collecting one result per
// letter. A letter that cannot be loaded or is not replayable becomes a
// failed result rather than aborting the batch.
func (u *DeadLetterUsecase) ReplayBatch(ctx context.Context, req ReplayBatchRequest) ([]*ReplayResult, error) {
	ids := req.IDs
	if len(ids) == 0 {
		status := req.Status
		if status == "" {
			status = domain.DeadLetterPending
		}
		limit := req.Limit
		if limit <= 0 {
			limit = 50
		}
		letters, err := u.letters.List(ctx, status, limit, 0)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		for _, letter := range letters {
			ids = append(ids, letter.ID)
		}
	}

	results := make([]*ReplayResult, 0, len(ids))
	for _, id := range ids {
		result, err := u.Replay(ctx, id)
		if err != nil {
			result = &ReplayResult{ID: id, Replayed: false, Error: err.Error()}
		}
		results = append(results, result)
	}
	return results, nil
}

// redeliver routes the parked payload back through the handler that
// originally failed. Matrix letters bypass failure degrade so the
// outcome reaches the letter status.
func (u *DeadLetterUsecase) redeliver(ctx context.Context, letter *domain.DeadLetterEvent) error {
	switch letter.Source {
	case SourceMatrix:
		var payload MatrixLetterPayload
		if err := json.Unmarshal([]byte(letter.Payload), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return u.outgo.Redeliver(ctx, payload.EventID, payload.RoomID, payload.Sender, payload.Type, payload.Content)

	case SourceFeishu:
		return u.redeliverFeishu(ctx, letter)

	default:
		return fmt.Errorf("unknown source %q", letter.Source)
	}
}

func (u *DeadLetterUsecase) redeliverFeishu(ctx context.Context, letter *domain.DeadLetterEvent) error {
	raw := []byte(letter.Payload)

	switch letter.EventType {
	case "im.message.receive_v1":
		var msg domain.FeishuInboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return u.income.DispatchMessage(ctx, &msg)

	case "im.message.recalled_v1":
		var payload RecallLetterPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return u.income.HandleRecall(ctx, payload.MessageID, payload.ChatID)

	case "im.chat.member.user.added_v1", "im.chat.member.user.deleted_v1":
		var change domain.ChatMemberChange
		if err := json.Unmarshal(raw, &change); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return u.income.HandleMemberChange(ctx, &change)

	case "im.chat.updated_v1":
		var update domain.ChatUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return u.income.HandleChatUpdate(ctx, &update)

	case "im.chat.disbanded_v1":
		var payload DisbandLetterPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return u.income.HandleChatDisbanded(ctx, payload.ChatID)

	default:
		return fmt.Errorf("unknown event type %q", letter.EventType)
	}
}

// CleanupOptions filter which letters a cleanup removes
type CleanupOptions struct {
	Status    string
	OlderThan time.Duration
	Limit     int64
	DryRun    bool
}

// Cleanup deletes letters matching the filters, or only counts them on
// a dry run. The dry run count uses the same predicate the delete does.
func (u *DeadLetterUsecase) Cleanup(ctx context.Context, opts CleanupOptions) (int64, error) {
	if opts.Limit <= 0 {
		opts.Limit = 1000
	}
	var olderThan *time.Time
	if opts.OlderThan > 0 {
		cutoff := time.Now().Add(-opts.OlderThan)
		olderThan = &cutoff
	}

	if opts.DryRun {
		count, err := u.letters.CountMatching(ctx, opts.Status, olderThan, opts.Limit)
		if err != nil {
			return 0, fmt.Errorf("count dead letters: %w", err)
		}
		return count, nil
	}

	removed, err := u.letters.Cleanup(ctx, opts.Status, olderThan, opts.Limit)
	if err != nil {
		return 0, fmt.Errorf("cleanup dead letters: %w", err)
	}
	u.logger.Info("dead letters cleaned up", zap.Int64("removed", removed))
	return removed, nil
}
