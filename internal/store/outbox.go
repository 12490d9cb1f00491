package store

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

func insertOutbox(ctx context.Context, tx *sqlx.Tx, event *models.CheckoutEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3)",
		event.CheckoutID, event.EventType, payload)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// FetchUnpublished returns the oldest outbox events not yet relayed
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	err := s.db.SelectContext(ctx, &msgs,
		"SELECT * FROM outbox_events WHERE published_at IS NULL ORDER BY id LIMIT $1", limit)
	return msgs, err
}

// MarkPublished stamps relayed outbox events
func (s *Store) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET published_at = NOW() WHERE id = ANY($1)", pq.Array(ids))
	return err
}
