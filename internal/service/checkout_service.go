package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/clock"
	"checkout-service/internal/models"
	"checkout-service/internal/seatchart"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultSeatLockTTL       = 15 * time.Minute
	defaultTransitionLockTTL = 30 * time.Second
	defaultSweepBatchSize    = 100
)

// EventKeyResolver maps an event item to the chart provider's event key
type EventKeyResolver func(eventItemID int64) string

// FormatEventKey builds a resolver from a fmt pattern such as "event-item-%d"
func FormatEventKey(pattern string) EventKeyResolver {
	return func(eventItemID int64) string {
		return fmt.Sprintf(pattern, eventItemID)
	}
}

// CheckoutService drives a checkout from seat hold to confirmation or release
type CheckoutService struct {
	store         CheckoutStore
	locks         SeatLocker
	transitions   TransitionLocker
	chart         ChartGateway
	clock         clock.Clock
	eventKeys     EventKeyResolver
	lockTTL       time.Duration
	transitionTTL time.Duration
	sweepBatch    int
	logger        *zap.Logger
}

// Option configures a CheckoutService
type Option func(*CheckoutService)

func WithClock(c clock.Clock) Option {
	return func(s *CheckoutService) { s.clock = c }
}

func WithSeatLockTTL(d time.Duration) Option {
	return func(s *CheckoutService) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

func WithTransitionLockTTL(d time.Duration) Option {
	return func(s *CheckoutService) {
		if d > 0 {
			s.transitionTTL = d
		}
	}
}

func WithSweepBatchSize(n int) Option {
	return func(s *CheckoutService) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

func WithEventKeyResolver(r EventKeyResolver) Option {
	return func(s *CheckoutService) { s.eventKeys = r }
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	store CheckoutStore,
	locks SeatLocker,
	transitions TransitionLocker,
	chart ChartGateway,
	opts ...Option,
) *CheckoutService {
	s := &CheckoutService{
		store:         store,
		locks:         locks,
		transitions:   transitions,
		chart:         chart,
		clock:         clock.NewSystem(),
		eventKeys:     FormatEventKey("event-item-%d"),
		lockTTL:       defaultSeatLockTTL,
		transitionTTL: defaultTransitionLockTTL,
		sweepBatch:    defaultSweepBatchSize,
		logger:        util.ComponentLogger("checkout"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCheckout locks the seats, places the provider hold and persists the checkout
func (s *CheckoutService) CreateCheckout(ctx context.Context, userID string, eventItemID int64, seatIDs []string) (*models.Checkout, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateCheckout",
		attribute.Int64("event_item_id", eventItemID),
		attribute.Int("seat_count", len(seatIDs)))
	defer span.End()

	if userID == "" {
		return nil, ErrUnauthorized
	}
	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		util.CheckoutsFailedTotal.WithLabelValues("create", "invalid_seats").Inc()
		return nil, err
	}

	checkoutID := uuid.New().String()
	span.SetAttributes(attribute.String("checkout_id", checkoutID))

	// read before locking so the deadline never outlives the seat locks
	now := s.clock.Now()

	start := time.Now()
	ok, conflicts, err := s.locks.AcquireAll(ctx, eventItemID, checkoutID, seats, s.lockTTL)
	util.SeatLockLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.CheckoutsFailedTotal.WithLabelValues("create", "lock_error").Inc()
		return nil, util.SpanError(span, fmt.Errorf("failed to lock seats: %w", err))
	}
	if !ok {
		util.SeatLockConflictsTotal.Inc()
		util.CheckoutsFailedTotal.WithLabelValues("create", "seat_unavailable").Inc()
		s.logger.Info("Seats already locked",
			zap.Int64("event_item_id", eventItemID),
			zap.Strings("conflicts", conflicts))
		return nil, &SeatUnavailableError{Seats: conflicts}
	}

	eventKey := s.eventKeys(eventItemID)
	hold, err := s.chart.PlaceHold(ctx, eventKey, seats)
	if err != nil {
		s.releaseLocks(ctx, eventItemID, checkoutID, seats)

		var notAvailable *seatchart.SeatsNotAvailableError
		if errors.As(err, &notAvailable) {
			util.CheckoutsFailedTotal.WithLabelValues("create", "seat_unavailable").Inc()
			return nil, &SeatUnavailableError{Seats: notAvailable.Seats}
		}
		util.CheckoutsFailedTotal.WithLabelValues("create", "gateway").Inc()
		return nil, util.SpanError(span, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err))
	}

	expiresAt := now.Add(s.lockTTL)
	if hold.ExpiresAt.Before(expiresAt) {
		expiresAt = hold.ExpiresAt
	}

	c := &models.Checkout{
		ID:            checkoutID,
		UserID:        userID,
		EventItemID:   eventItemID,
		SeatIDs:       seats,
		Status:        models.CheckoutStatusInit,
		HoldToken:     hold.Token,
		HoldExpiresAt: expiresAt,
		EventKey:      eventKey,
	}

	paid, err := s.store.CreateCheckout(ctx, c, models.NewCheckoutEvent(c, now))
	if err != nil || len(paid) > 0 {
		s.rollbackHold(ctx, c)
		if err != nil {
			util.CheckoutsFailedTotal.WithLabelValues("create", "store").Inc()
			return nil, util.SpanError(span, fmt.Errorf("failed to persist checkout: %w", err))
		}
		util.CheckoutsFailedTotal.WithLabelValues("create", "seat_paid").Inc()
		return nil, &SeatUnavailableError{Seats: paid}
	}

	util.CheckoutsCreatedTotal.Inc()
	s.logger.Info("Checkout created",
		zap.String("checkout_id", c.ID),
		zap.String("user_id", userID),
		zap.Int64("event_item_id", eventItemID),
		zap.Strings("seats", seats),
		zap.Time("hold_expires_at", expiresAt))

	return c, nil
}

// GetCheckout returns the caller's checkout
func (s *CheckoutService) GetCheckout(ctx context.Context, checkoutID, userID string) (*models.Checkout, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.GetCheckout")
	defer span.End()

	return s.load(ctx, checkoutID, userID)
}

// BeginPayment marks the checkout as waiting for the payment gateway
func (s *CheckoutService) BeginPayment(ctx context.Context, checkoutID, userID string) (*models.Checkout, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.BeginPayment", attribute.String("checkout_id", checkoutID))
	defer span.End()

	c, err := s.load(ctx, checkoutID, userID)
	if err != nil {
		return nil, err
	}

	switch c.Status {
	case models.CheckoutStatusPendingPayment:
		return c, nil
	case models.CheckoutStatusInit:
	default:
		return nil, ErrInvalidState
	}

	now := s.clock.Now()
	if c.HoldExpired(now) {
		return nil, ErrHoldExpired
	}

	c.Status = models.CheckoutStatusPendingPayment
	updated, err := s.store.UpdateCheckoutStatus(ctx, c.ID,
		[]string{models.CheckoutStatusInit}, models.NewCheckoutEvent(c, now))
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to update checkout status: %w", err))
	}
	if !updated {
		current, err := s.load(ctx, checkoutID, userID)
		if err != nil {
			return nil, err
		}
		if current.Status != models.CheckoutStatusPendingPayment {
			return nil, ErrInvalidState
		}
		return current, nil
	}

	return c, nil
}

// ConfirmCheckout books the seats at the provider and makes them PAID.
// Safe to call again after a partial failure.
func (s *CheckoutService) ConfirmCheckout(ctx context.Context, checkoutID, userID string) (*models.Checkout, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ConfirmCheckout", attribute.String("checkout_id", checkoutID))
	defer span.End()

	c, err := s.load(ctx, checkoutID, userID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case models.CheckoutStatusConfirmed:
		return c, nil
	case models.CheckoutStatusCancelled, models.CheckoutStatusExpired:
		return nil, ErrInvalidState
	}

	unlock, err := s.lockTransition(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// a concurrent cancel or confirm may have finished before we got the lock
	c, err = s.load(ctx, checkoutID, userID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case models.CheckoutStatusConfirmed:
		return c, nil
	case models.CheckoutStatusCancelled, models.CheckoutStatusExpired:
		return nil, ErrInvalidState
	}

	paidSeats, err := s.store.CountPaidSeats(ctx, c.ID)
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to count paid seats: %w", err))
	}
	// once any seat is PAID the confirm already started and must be allowed to finish
	if paidSeats == 0 && c.HoldExpired(s.clock.Now()) {
		util.CheckoutsFailedTotal.WithLabelValues("confirm", "hold_expired").Inc()
		return nil, ErrHoldExpired
	}

	if err := s.chart.Book(ctx, c.EventKey, c.SeatIDs, c.HoldToken); err != nil {
		util.CheckoutsFailedTotal.WithLabelValues("confirm", "gateway").Inc()
		s.logger.Warn("Provider booking failed",
			zap.String("checkout_id", c.ID),
			zap.Error(err))
		return nil, util.SpanError(span, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err))
	}

	n, err := s.store.MarkSeatsPaid(ctx, c)
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to mark seats paid: %w", err))
	}
	if int(n) != len(c.SeatIDs) {
		s.logger.Error("Seat rows not owned by confirming checkout",
			zap.String("checkout_id", c.ID),
			zap.Int64("paid_rows", n),
			zap.Int("seat_count", len(c.SeatIDs)))
		return nil, util.SpanError(span, fmt.Errorf("%w: seat rows owned elsewhere", ErrInvalidState))
	}

	if err := s.locks.ReleaseAll(ctx, c.EventItemID, c.ID, c.SeatIDs); err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to release seat locks: %w", err))
	}

	c.Status = models.CheckoutStatusConfirmed
	updated, err := s.store.UpdateCheckoutStatus(ctx, c.ID, models.ActiveCheckoutStatuses,
		models.NewCheckoutEvent(c, s.clock.Now()))
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to confirm checkout: %w", err))
	}
	if !updated {
		current, err := s.load(ctx, checkoutID, userID)
		if err != nil {
			return nil, err
		}
		if current.Status != models.CheckoutStatusConfirmed {
			return nil, ErrInvalidState
		}
		return current, nil
	}

	util.CheckoutsConfirmedTotal.Inc()
	s.logger.Info("Checkout confirmed",
		zap.String("checkout_id", c.ID),
		zap.Strings("seats", c.SeatIDs))

	return c, nil
}

// CancelCheckout releases the hold. Returns false when the checkout was already terminal.
func (s *CheckoutService) CancelCheckout(ctx context.Context, checkoutID, userID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CancelCheckout", attribute.String("checkout_id", checkoutID))
	defer span.End()

	c, err := s.load(ctx, checkoutID, userID)
	if err != nil {
		return false, err
	}
	if c.IsTerminal() {
		return false, nil
	}

	closed, err := s.closeCheckout(ctx, c.ID, models.CheckoutStatusCancelled)
	if err != nil {
		util.CheckoutsFailedTotal.WithLabelValues("cancel", failureReason(err)).Inc()
		return false, util.SpanError(span, err)
	}
	if closed {
		util.CheckoutsCancelledTotal.Inc()
		s.logger.Info("Checkout cancelled", zap.String("checkout_id", c.ID))
	}
	return closed, nil
}

// ExpireStaleCheckouts closes active checkouts whose hold lapsed. Checkouts that
// fail to close are left for the next run.
func (s *CheckoutService) ExpireStaleCheckouts(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ExpireStaleCheckouts")
	defer span.End()

	stale, err := s.store.ListExpiredCheckouts(ctx, s.clock.Now(), s.sweepBatch)
	if err != nil {
		return 0, util.SpanError(span, fmt.Errorf("failed to list expired checkouts: %w", err))
	}

	expired := 0
	for i := range stale {
		c := &stale[i]

		closed, err := s.closeCheckout(ctx, c.ID, models.CheckoutStatusExpired)
		if errors.Is(err, ErrInvalidState) {
			continue
		}
		if err != nil {
			s.logger.Warn("Failed to expire checkout",
				zap.String("checkout_id", c.ID),
				zap.Error(err))
			continue
		}
		if closed {
			expired++
			util.CheckoutsExpiredTotal.Inc()
		}
	}

	span.SetAttributes(attribute.Int("expired", expired))
	if expired > 0 {
		s.logger.Info("Expired stale checkouts", zap.Int("count", expired), zap.Int("scanned", len(stale)))
	}
	return expired, nil
}

// SyncSeats registers seats of an event item as FREE
func (s *CheckoutService) SyncSeats(ctx context.Context, eventItemID int64, seatIDs []string) (int64, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.SyncSeats", attribute.Int64("event_item_id", eventItemID))
	defer span.End()

	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		return 0, err
	}

	n, err := s.store.SyncSeats(ctx, eventItemID, seats)
	if err != nil {
		return 0, util.SpanError(span, err)
	}
	s.logger.Info("Seats synced",
		zap.Int64("event_item_id", eventItemID),
		zap.Int64("created", n))
	return n, nil
}

// closeCheckout undoes the hold on all three stores and records the terminal status.
func (s *CheckoutService) closeCheckout(ctx context.Context, checkoutID, status string) (bool, error) {
	unlock, err := s.lockTransition(ctx, checkoutID)
	if err != nil {
		return false, err
	}
	defer unlock()

	c, err := s.store.GetCheckoutByID(ctx, checkoutID)
	if err != nil {
		return false, fmt.Errorf("failed to get checkout: %w", err)
	}
	if c == nil {
		return false, ErrCheckoutNotFound
	}
	if c.IsTerminal() {
		return false, nil
	}

	paidSeats, err := s.store.CountPaidSeats(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("failed to count paid seats: %w", err)
	}
	if paidSeats > 0 {
		s.logger.Warn("Checkout has paid seats, leaving it for confirm",
			zap.String("checkout_id", c.ID),
			zap.Int("paid_seats", paidSeats))
		return false, ErrInvalidState
	}

	if err := s.chart.Release(ctx, c.EventKey, c.SeatIDs, c.HoldToken); err != nil {
		return false, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if err := s.locks.ReleaseAll(ctx, c.EventItemID, c.ID, c.SeatIDs); err != nil {
		return false, fmt.Errorf("failed to release seat locks: %w", err)
	}

	c.Status = status
	closed, err := s.store.CloseCheckout(ctx, c, models.NewCheckoutEvent(c, s.clock.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to close checkout: %w", err)
	}
	return closed, nil
}

func (s *CheckoutService) load(ctx context.Context, checkoutID, userID string) (*models.Checkout, error) {
	if _, err := uuid.Parse(checkoutID); err != nil {
		return nil, ErrCheckoutNotFound
	}

	c, err := s.store.GetCheckoutByID(ctx, checkoutID)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout: %w", err)
	}
	if c == nil {
		return nil, ErrCheckoutNotFound
	}
	if userID == "" || c.UserID != userID {
		return nil, ErrUnauthorized
	}
	return c, nil
}

func (s *CheckoutService) lockTransition(ctx context.Context, checkoutID string) (func(), error) {
	key := "checkout:transition:" + checkoutID
	token := uuid.New().String()

	ok, err := s.transitions.AcquireLock(ctx, key, token, s.transitionTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire transition lock: %w", err)
	}
	if !ok {
		return nil, ErrTransitionInProgress
	}

	return func() {
		if err := s.transitions.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn("Failed to release transition lock",
				zap.String("checkout_id", checkoutID),
				zap.Error(err))
		}
	}, nil
}

// rollbackHold undoes a create that failed after the provider hold was placed
func (s *CheckoutService) rollbackHold(ctx context.Context, c *models.Checkout) {
	ctx = context.WithoutCancel(ctx)

	if err := s.chart.Release(ctx, c.EventKey, c.SeatIDs, c.HoldToken); err != nil {
		s.logger.Error("Failed to release provider hold during rollback",
			zap.String("checkout_id", c.ID),
			zap.Error(err))
	}
	s.releaseLocks(ctx, c.EventItemID, c.ID, c.SeatIDs)
}

func (s *CheckoutService) releaseLocks(ctx context.Context, eventItemID int64, owner string, seats []string) {
	if err := s.locks.ReleaseAll(context.WithoutCancel(ctx), eventItemID, owner, seats); err != nil {
		s.logger.Error("Failed to release seat locks, they will lapse by TTL",
			zap.String("checkout_id", owner),
			zap.Error(err))
	}
}

func normalizeSeats(seatIDs []string) ([]string, error) {
	if len(seatIDs) == 0 {
		return nil, fmt.Errorf("%w: no seats selected", ErrInvalidSeats)
	}

	seen := make(map[string]struct{}, len(seatIDs))
	seats := make([]string, 0, len(seatIDs))
	for _, id := range seatIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: empty seat id", ErrInvalidSeats)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate seat %s", ErrInvalidSeats, id)
		}
		seen[id] = struct{}{}
		seats = append(seats, id)
	}
	return seats, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway"
	case errors.Is(err, ErrTransitionInProgress):
		return "transition_in_progress"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	}
	return "internal"
}
