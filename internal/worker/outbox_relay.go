package worker

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// OutboxSource reads and acknowledges outbox rows
type OutboxSource interface {
	FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkPublished(ctx context.Context, ids []int64) error
}

// OutboxPublisher delivers one outbox row to the broker
type OutboxPublisher interface {
	PublishOutbox(ctx context.Context, msg models.OutboxMessage) error
}

// OutboxRelay moves committed outbox rows to the broker in insertion order
type OutboxRelay struct {
	source    OutboxSource
	publisher OutboxPublisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewOutboxRelay creates a new outbox relay
func NewOutboxRelay(source OutboxSource, publisher OutboxPublisher, interval time.Duration, batchSize int) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		source:    source,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.ComponentLogger("outbox"),
	}
}

// Start relays until ctx is done
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.logger.Info("Starting outbox relay", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
			// drain backlogs without waiting a tick per batch
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					r.logger.Warn("Outbox relay failed", zap.Error(err))
					break
				}
				if n < r.batchSize {
					break
				}
			}
		}
	}
}

// RelayOnce publishes one batch. Publishing stops at the first failure so a
// checkout's events are never delivered out of order; delivery is at least once.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	msgs, err := r.source.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch outbox: %w", err)
	}

	published := make([]int64, 0, len(msgs))
	var publishErr error
	for _, msg := range msgs {
		if err := r.publisher.PublishOutbox(ctx, msg); err != nil {
			util.OutboxPublishFailedTotal.Inc()
			publishErr = fmt.Errorf("failed to publish outbox event %d: %w", msg.ID, err)
			break
		}
		published = append(published, msg.ID)
	}

	if err := r.source.MarkPublished(ctx, published); err != nil {
		return 0, fmt.Errorf("failed to mark outbox published: %w", err)
	}
	util.OutboxPublishedTotal.Add(float64(len(published)))

	return len(published), publishErr
}
