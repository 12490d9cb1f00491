package service

import (
	"context"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/seatchart"
)

// SeatLocker is the atomic multi-seat lock
type SeatLocker interface {
	AcquireAll(ctx context.Context, scopeID int64, owner string, seatIDs []string, ttl time.Duration) (bool, []string, error)
	ReleaseAll(ctx context.Context, scopeID int64, owner string, seatIDs []string) error
}

// SeatLockReader reads lock state without taking locks
type SeatLockReader interface {
	LockOwners(ctx context.Context, scopeID int64, seatIDs []string) (map[string]string, error)
}

// TransitionLocker serializes state changes of a single checkout across instances
type TransitionLocker interface {
	AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// ChartGateway keeps the external seat chart in step with local holds
type ChartGateway interface {
	PlaceHold(ctx context.Context, eventKey string, seatIDs []string) (*seatchart.Hold, error)
	Book(ctx context.Context, eventKey string, seatIDs []string, holdToken string) error
	Release(ctx context.Context, eventKey string, seatIDs []string, holdToken string) error
}

// CheckoutStore persists checkouts and their seat rows
type CheckoutStore interface {
	CreateCheckout(ctx context.Context, c *models.Checkout, event *models.CheckoutEvent) ([]string, error)
	GetCheckoutByID(ctx context.Context, id string) (*models.Checkout, error)
	UpdateCheckoutStatus(ctx context.Context, id string, from []string, event *models.CheckoutEvent) (bool, error)
	CloseCheckout(ctx context.Context, c *models.Checkout, event *models.CheckoutEvent) (bool, error)
	ListExpiredCheckouts(ctx context.Context, now time.Time, limit int) ([]models.Checkout, error)
	MarkSeatsPaid(ctx context.Context, c *models.Checkout) (int64, error)
	CountPaidSeats(ctx context.Context, checkoutID string) (int, error)
	SyncSeats(ctx context.Context, eventItemID int64, seatIDs []string) (int64, error)
}

// SeatStateReader lists durable seat rows
type SeatStateReader interface {
	ListSeatStates(ctx context.Context, eventItemID int64) ([]models.SeatState, error)
}

// PaymentStore records callbacks and resolves their checkout
type PaymentStore interface {
	GetCheckoutByID(ctx context.Context, id string) (*models.Checkout, error)
	RecordPayment(ctx context.Context, p *models.Payment) (bool, error)
}

// CheckoutFinalizer confirms or cancels a checkout on behalf of its owner
type CheckoutFinalizer interface {
	ConfirmCheckout(ctx context.Context, checkoutID, userID string) (*models.Checkout, error)
	CancelCheckout(ctx context.Context, checkoutID, userID string) (bool, error)
}
