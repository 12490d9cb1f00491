package store

import (
	"context"
	"fmt"

	"checkout-service/internal/models"

	"github.com/lib/pq"
)

// SyncSeats creates FREE rows for seats the store has not seen yet
func (s *Store) SyncSeats(ctx context.Context, eventItemID int64, seatIDs []string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO seat_states (event_item_id, seat_id, status)
		SELECT $1, seat, $2 FROM unnest($3::text[]) AS seat
		ON CONFLICT (event_item_id, seat_id) DO NOTHING`,
		eventItemID, models.SeatStatusFree, pq.Array(seatIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to sync seats: %w", err)
	}
	return res.RowsAffected()
}

// ListSeatStates retrieves every seat row of an event item
func (s *Store) ListSeatStates(ctx context.Context, eventItemID int64) ([]models.SeatState, error) {
	var seats []models.SeatState
	err := s.db.SelectContext(ctx, &seats,
		"SELECT * FROM seat_states WHERE event_item_id = $1 ORDER BY seat_id", eventItemID)
	return seats, err
}

// MarkSeatsPaid moves the checkout's seats to PAID. Returns how many rows the
// checkout owns in PAID afterwards, so a repeated call reports the same count.
func (s *Store) MarkSeatsPaid(ctx context.Context, c *models.Checkout) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE seat_states SET status = $1, updated_at = NOW()
		WHERE event_item_id = $2 AND seat_id = ANY($3) AND checkout_id = $4`,
		models.SeatStatusPaid, c.EventItemID, pq.Array([]string(c.SeatIDs)), c.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark seats paid: %w", err)
	}
	return res.RowsAffected()
}

// CountPaidSeats counts the seats the checkout has already turned PAID
func (s *Store) CountPaidSeats(ctx context.Context, checkoutID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM seat_states WHERE checkout_id = $1 AND status = $2",
		checkoutID, models.SeatStatusPaid)
	return n, err
}
