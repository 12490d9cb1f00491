package worker

import (
	"context"
	"fmt"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// CallbackHandler verifies and applies one gateway callback
type CallbackHandler interface {
	HandleCallback(ctx context.Context, params map[string]string) service.CallbackOutcome
}

// ProcessedEvents deduplicates broker deliveries
type ProcessedEvents interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// PaymentCallbackWorker applies gateway callbacks relayed through Kafka
type PaymentCallbackWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	callbacks    CallbackHandler
	processed    ProcessedEvents
	logger       *zap.Logger
}

// NewPaymentCallbackWorker creates a new payment callback worker
func NewPaymentCallbackWorker(
	consumer *broker.Consumer,
	callbacks CallbackHandler,
	processed ProcessedEvents,
) *PaymentCallbackWorker {
	w := &PaymentCallbackWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		callbacks:    callbacks,
		processed:    processed,
		logger:       util.ComponentLogger("payment-worker"),
	}
	w.eventHandler.OnPaymentCallback(w.HandlePaymentCallback)
	return w
}

// Start starts the worker
func (w *PaymentCallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment callback worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentCallbackWorker) Stop() error {
	w.logger.Info("Stopping payment callback worker...")
	return w.consumer.Close()
}

// HandlePaymentCallback applies one delivery. Returning an error leaves the
// message for redelivery.
func (w *PaymentCallbackWorker) HandlePaymentCallback(ctx context.Context, event *models.PaymentCallbackEvent) error {
	if event.EventID != "" {
		done, err := w.processed.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("failed to check processed event: %w", err)
		}
		if done {
			w.logger.Debug("Skipping duplicate callback delivery", zap.String("event_id", event.EventID))
			return nil
		}
	}

	outcome := w.callbacks.HandleCallback(ctx, event.Params)
	if outcome.Code == service.AckProcessingError {
		return fmt.Errorf("callback for %s not applied: %s", event.Params[service.ParamTxnRef], outcome.Message)
	}

	w.logger.Info("Payment callback applied",
		zap.String("event_id", event.EventID),
		zap.String("checkout_id", event.Params[service.ParamTxnRef]),
		zap.String("ack", outcome.Code))

	if event.EventID != "" {
		if err := w.processed.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
			// the callback itself is idempotent, a redelivery is harmless
			w.logger.Warn("Failed to mark event processed", zap.String("event_id", event.EventID), zap.Error(err))
		}
	}
	return nil
}
