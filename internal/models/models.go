package models

import (
	"time"

	"github.com/lib/pq"
)

// Checkout is one user's in-flight claim on a set of seats
type Checkout struct {
	ID            string         `db:"id" json:"id"`
	UserID        string         `db:"user_id" json:"user_id"`
	EventItemID   int64          `db:"event_item_id" json:"event_item_id"`
	SeatIDs       pq.StringArray `db:"seat_ids" json:"seat_ids"`
	Status        string         `db:"status" json:"status"`
	HoldToken     string         `db:"hold_token" json:"-"`
	HoldExpiresAt time.Time      `db:"hold_expires_at" json:"hold_expires_at"`
	EventKey      string         `db:"event_key" json:"event_key"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the checkout can no longer transition
func (c *Checkout) IsTerminal() bool {
	return IsTerminalStatus(c.Status)
}

// HoldExpired reports whether the hold lapsed at or before now
func (c *Checkout) HoldExpired(now time.Time) bool {
	return !now.Before(c.HoldExpiresAt)
}

// SeatState is the durable state of one seat of an event item
type SeatState struct {
	EventItemID int64     `db:"event_item_id" json:"event_item_id"`
	SeatID      string    `db:"seat_id" json:"seat_id"`
	Status      string    `db:"status" json:"status"`
	CheckoutID  *string   `db:"checkout_id" json:"checkout_id,omitempty"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Payment is an append-only record of a gateway callback
type Payment struct {
	ID           int64     `db:"id" json:"id"`
	CheckoutID   string    `db:"checkout_id" json:"checkout_id"`
	GatewayTxnID string    `db:"gateway_txn_id" json:"gateway_txn_id"`
	ResponseCode string    `db:"response_code" json:"response_code"`
	SecureHash   string    `db:"secure_hash" json:"-"`
	Amount       int64     `db:"amount" json:"amount"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// OutboxMessage is an event waiting to be relayed to the broker
type OutboxMessage struct {
	ID          int64      `db:"id"`
	AggregateID string     `db:"aggregate_id"`
	EventType   string     `db:"event_type"`
	Payload     []byte     `db:"payload"`
	CreatedAt   time.Time  `db:"created_at"`
	PublishedAt *time.Time `db:"published_at"`
}

// Checkout statuses
const (
	CheckoutStatusInit           = "INIT"
	CheckoutStatusPendingPayment = "PENDING_PAYMENT"
	CheckoutStatusConfirmed      = "CONFIRMED"
	CheckoutStatusCancelled      = "CANCELLED"
	CheckoutStatusExpired        = "EXPIRED"
)

// Seat statuses
const (
	SeatStatusFree = "FREE"
	SeatStatusHold = "HOLD"
	SeatStatusPaid = "PAID"
)

// ActiveCheckoutStatuses are the statuses a checkout may transition out of
var ActiveCheckoutStatuses = []string{CheckoutStatusInit, CheckoutStatusPendingPayment}

func IsTerminalStatus(status string) bool {
	switch status {
	case CheckoutStatusConfirmed, CheckoutStatusCancelled, CheckoutStatusExpired:
		return true
	}
	return false
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
