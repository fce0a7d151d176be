package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/domain"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"
	"github.com/anthropics/matrix-feishu-bridge/internal/metrics"
)

// Event sources
const (
	SourceMatrix = "matrix"
	SourceFeishu = "feishu"
)

// EventProcessor wraps dispatch handlers with the processed-event gate
// so redelivered transactions and webhooks run exactly once
type EventProcessor struct {
	events repo.EventRepo
	logger *zap.Logger
}

// NewEventProcessor builds the idempotence gate
func NewEventProcessor(events repo.EventRepo, logger *zap.Logger) *EventProcessor {
	return &EventProcessor{events: events, logger: logger.Named("processor")}
}

// Process runs handler once per event id. Gate records are keyed by
// source-prefixed id so Matrix and Feishu ids can never collide. A
// handler error leaves the event unmarked so a redelivery can retry it.
func (p *EventProcessor) Process(ctx context.Context, eventID, eventType, source string, handler func(context.Context) error) error {
	gateID := source + ":" + eventID
	processed, err := p.events.IsProcessed(ctx, gateID)
	if err != nil {
		return fmt.Errorf("processed lookup: %w", err)
	}
	if processed {
		p.logger.Debug("event already processed", zap.String("event_id", eventID), zap.String("source", source))
		return nil
	}

	metrics.InboundEvents.WithLabelValues(eventType).Inc()
	start := time.Now()
	if err := handler(ctx); err != nil {
		return err
	}
	metrics.ProcessingDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())

	if err := p.events.MarkProcessed(ctx, &domain.ProcessedEvent{
		EventID:   gateID,
		EventType: eventType,
		Source:    source,
	}); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Cleanup drops processed-event records older than the retention window
func (p *EventProcessor) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	removed, err := p.events.CleanupOld(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup processed events: %w", err)
	}
	return removed, nil
}
