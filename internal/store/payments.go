package store

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
)

// RecordPayment appends a callback record. A repeated callback for the same
// gateway transaction is ignored and reported as false.
func (s *Store) RecordPayment(ctx context.Context, p *models.Payment) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (checkout_id, gateway_txn_id, response_code, secure_hash, amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (checkout_id, gateway_txn_id) DO NOTHING`,
		p.CheckoutID, p.GatewayTxnID, p.ResponseCode, p.SecureHash, p.Amount)
	if err != nil {
		return false, fmt.Errorf("failed to record payment: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
