package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CreateCheckout inserts the checkout, moves its seats to HOLD and queues the
// created event in one transaction. Seats already PAID are returned and nothing
// is written in that case.
func (s *Store) CreateCheckout(ctx context.Context, c *models.Checkout, event *models.CheckoutEvent) ([]string, error) {
	var paid []string

	err := s.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		query := `
			INSERT INTO checkouts (id, user_id, event_item_id, seat_ids, status, hold_token, hold_expires_at, event_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at, updated_at`

		if err := tx.GetContext(ctx, c, query,
			c.ID, c.UserID, c.EventItemID, c.SeatIDs, c.Status, c.HoldToken, c.HoldExpiresAt, c.EventKey); err != nil {
			return false, fmt.Errorf("failed to insert checkout: %w", err)
		}

		var held []string
		err := tx.SelectContext(ctx, &held, `
			INSERT INTO seat_states (event_item_id, seat_id, status, checkout_id, updated_at)
			SELECT $1, seat, $2, $3, NOW() FROM unnest($4::text[]) AS seat
			ON CONFLICT (event_item_id, seat_id) DO UPDATE
			SET status = EXCLUDED.status, checkout_id = EXCLUDED.checkout_id, updated_at = NOW()
			WHERE seat_states.status <> $5
			RETURNING seat_id`,
			c.EventItemID, models.SeatStatusHold, c.ID, pq.Array([]string(c.SeatIDs)), models.SeatStatusPaid)
		if err != nil {
			return false, fmt.Errorf("failed to hold seats: %w", err)
		}

		paid = missing(c.SeatIDs, held)
		if len(paid) > 0 {
			return false, nil
		}

		if err := insertOutbox(ctx, tx, event); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return paid, nil
}

// GetCheckoutByID returns nil when the checkout does not exist
func (s *Store) GetCheckoutByID(ctx context.Context, id string) (*models.Checkout, error) {
	var c models.Checkout
	err := s.db.GetContext(ctx, &c, "SELECT * FROM checkouts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCheckoutStatus moves the checkout to event.Status only if it is still in
// one of the from statuses. Returns false when another writer got there first.
func (s *Store) UpdateCheckoutStatus(ctx context.Context, id string, from []string, event *models.CheckoutEvent) (bool, error) {
	var updated bool

	err := s.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		ok, err := guardedStatusUpdate(ctx, tx, id, from, event.Status)
		if err != nil || !ok {
			return false, err
		}

		if err := insertOutbox(ctx, tx, event); err != nil {
			return false, err
		}
		updated = true
		return true, nil
	})

	return updated, err
}

// CloseCheckout frees the seats still held by the checkout and moves it to a
// terminal status in one transaction. PAID seats are never touched.
func (s *Store) CloseCheckout(ctx context.Context, c *models.Checkout, event *models.CheckoutEvent) (bool, error) {
	var closed bool

	err := s.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		ok, err := guardedStatusUpdate(ctx, tx, c.ID, models.ActiveCheckoutStatuses, event.Status)
		if err != nil || !ok {
			return false, err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE seat_states SET status = $1, checkout_id = NULL, updated_at = NOW()
			WHERE event_item_id = $2 AND seat_id = ANY($3) AND checkout_id = $4 AND status = $5`,
			models.SeatStatusFree, c.EventItemID, pq.Array([]string(c.SeatIDs)), c.ID, models.SeatStatusHold)
		if err != nil {
			return false, fmt.Errorf("failed to free seats: %w", err)
		}

		if err := insertOutbox(ctx, tx, event); err != nil {
			return false, err
		}
		closed = true
		return true, nil
	})

	return closed, err
}

// ListExpiredCheckouts returns active checkouts whose hold lapsed at or before now
func (s *Store) ListExpiredCheckouts(ctx context.Context, now time.Time, limit int) ([]models.Checkout, error) {
	var checkouts []models.Checkout
	err := s.db.SelectContext(ctx, &checkouts, `
		SELECT * FROM checkouts
		WHERE status = ANY($1) AND hold_expires_at <= $2
		ORDER BY hold_expires_at
		LIMIT $3`,
		pq.Array(models.ActiveCheckoutStatuses), now, limit)
	return checkouts, err
}

func guardedStatusUpdate(ctx context.Context, tx *sqlx.Tx, id string, from []string, to string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		"UPDATE checkouts SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)",
		to, id, pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("failed to update checkout status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func missing(want, got []string) []string {
	seen := make(map[string]struct{}, len(got))
	for _, id := range got {
		seen[id] = struct{}{}
	}

	var out []string
	for _, id := range want {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
