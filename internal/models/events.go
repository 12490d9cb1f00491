package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeCheckoutCreated        = "CHECKOUT_CREATED"
	EventTypeCheckoutPendingPayment = "CHECKOUT_PENDING_PAYMENT"
	EventTypeCheckoutConfirmed      = "CHECKOUT_CONFIRMED"
	EventTypeCheckoutCancelled      = "CHECKOUT_CANCELLED"
	EventTypeCheckoutExpired        = "CHECKOUT_EXPIRED"
	EventTypePaymentCallback        = "PAYMENT_CALLBACK"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckoutEvent is written to the outbox on every checkout status change
type CheckoutEvent struct {
	BaseEvent
	CheckoutID  string   `json:"checkout_id"`
	UserID      string   `json:"user_id"`
	EventItemID int64    `json:"event_item_id"`
	SeatIDs     []string `json:"seat_ids"`
	Status      string   `json:"status"`
}

// PaymentCallbackEvent carries raw gateway callback parameters delivered through the broker
type PaymentCallbackEvent struct {
	BaseEvent
	Params map[string]string `json:"params"`
}

// NewCheckoutEvent snapshots c as an event of the type matching its status
func NewCheckoutEvent(c *Checkout, at time.Time) *CheckoutEvent {
	return &CheckoutEvent{
		BaseEvent: BaseEvent{
			EventID:   uuid.New().String(),
			EventType: EventTypeForStatus(c.Status),
			Timestamp: at,
		},
		CheckoutID:  c.ID,
		UserID:      c.UserID,
		EventItemID: c.EventItemID,
		SeatIDs:     append([]string(nil), c.SeatIDs...),
		Status:      c.Status,
	}
}

func EventTypeForStatus(status string) string {
	switch status {
	case CheckoutStatusInit:
		return EventTypeCheckoutCreated
	case CheckoutStatusPendingPayment:
		return EventTypeCheckoutPendingPayment
	case CheckoutStatusConfirmed:
		return EventTypeCheckoutConfirmed
	case CheckoutStatusCancelled:
		return EventTypeCheckoutCancelled
	case CheckoutStatusExpired:
		return EventTypeCheckoutExpired
	}
	return ""
}
